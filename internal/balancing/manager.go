package balancing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bms-service/internal/logger"
	"bms-service/internal/types"
)

type startRequest struct {
	target    types.Voltage
	threshold types.Voltage
}

// Manager owns the balancing controllers of every board. Requests arrive
// from any goroutine and are consumed by the tick.
type Manager struct {
	controllers []*Controller
	logger      *logger.Logger

	mu     sync.Mutex
	params Params

	// Latest unconsumed request. A stop always replaces a start.
	start   atomic.Pointer[startRequest]
	stop    atomic.Bool
	stopAll atomic.Bool

	// Session values of the last honoured start request.
	target    types.Voltage
	threshold types.Voltage
}

func NewManager(boards int, hw Discharger, events EventSink, params Params, l *logger.Logger) *Manager {
	m := &Manager{
		logger: l,
		params: params,
	}
	for b := 0; b < boards; b++ {
		m.controllers = append(m.controllers, NewController(b, hw, events, l.WithTag("Balancing")))
	}
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	for _, c := range m.controllers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RequestStart asks every board to balance. A zero target follows the pack
// minimum; a zero threshold uses the configured one.
func (m *Manager) RequestStart(target, threshold types.Voltage) {
	m.start.Store(&startRequest{target: target, threshold: threshold})
}

func (m *Manager) RequestStop() {
	m.start.Store(nil)
	m.stop.Store(true)
}

// StopAll forces every board off on the next step regardless of pending
// start requests.
func (m *Manager) StopAll() {
	m.start.Store(nil)
	m.stopAll.Store(true)
}

// SetParams replaces the configured parameters. Running sessions pick them
// up on the next tick.
func (m *Manager) SetParams(p Params) {
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
}

func (m *Manager) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Step runs one tick on every board. voltages holds one slice per board.
// Start requests are consumed but ignored when allowStart is false.
func (m *Manager) Step(now time.Duration, voltages [][]types.Voltage, allowStart bool) {
	req := RequestNone
	forced := m.stopAll.Swap(false)
	if m.stop.Swap(false) || forced {
		req = RequestStop
	} else if sr := m.start.Swap(nil); sr != nil {
		if !allowStart {
			m.logger.Warnf("Balancing start ignored: tractive system is not idle")
		} else if err := m.merge(sr.target, sr.threshold).Validate(); err != nil {
			m.logger.Warnf("Balancing start refused: %v", err)
		} else {
			req = RequestStart
			m.target = sr.target
			m.threshold = sr.threshold
		}
	}

	params := m.merge(m.target, m.threshold)
	target := params.Target
	if target == 0 {
		low, ok := PackMinimum(voltages)
		if !ok {
			if req == RequestStart {
				m.logger.Warnf("Balancing start ignored: no cell voltages yet")
				req = RequestNone
			}
		}
		target = low
	}

	for b, c := range m.controllers {
		var cells []types.Voltage
		if b < len(voltages) {
			cells = voltages[b]
		}
		c.Step(now, cells, target, params, req)
	}
}

// merge overlays session values on the configured parameters. Zero keeps
// the configured value.
func (m *Manager) merge(target, threshold types.Voltage) Params {
	params := m.Params()
	if target != 0 {
		params.Target = target
	}
	if threshold != 0 {
		params.Threshold = threshold
	}
	return params
}

func (m *Manager) State(board int) types.BalancingState {
	if board < 0 || board >= len(m.controllers) {
		return types.BalancingStateOff
	}
	return m.controllers[board].State()
}

func (m *Manager) Selection(board int) Selection {
	if board < 0 || board >= len(m.controllers) {
		return 0
	}
	return m.controllers[board].Selection()
}

// Active reports whether any board is discharging or cooling down.
func (m *Manager) Active() bool {
	for _, c := range m.controllers {
		if c.State() != types.BalancingStateOff {
			return true
		}
	}
	return false
}
