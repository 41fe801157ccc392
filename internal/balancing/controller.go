package balancing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/librescoot/librefsm"

	"bms-service/internal/fsm"
	"bms-service/internal/logger"
	"bms-service/internal/telemetry"
	"bms-service/internal/types"
)

// Params configures a balancing session.
type Params struct {
	// Target is the voltage cells are discharged towards. Zero means the
	// pack minimum at every tick.
	Target    types.Voltage
	Threshold types.Voltage

	// Duty cycle split while discharging.
	DischargeOn  time.Duration
	DischargeOff time.Duration

	// Session is how long to discharge before a cooldown.
	Session  time.Duration
	Cooldown time.Duration

	ExcludeAdjacent bool
}

func DefaultParams() Params {
	return Params{
		Threshold:       types.Millivolts(10),
		DischargeOn:     2 * time.Second,
		DischargeOff:    1 * time.Second,
		Session:         5 * time.Minute,
		Cooldown:        1 * time.Minute,
		ExcludeAdjacent: true,
	}
}

func (p Params) Validate() error {
	switch {
	case p.Target < 0 || p.Target > types.MaxCellVoltage:
		return fmt.Errorf("target %s out of range", p.Target)
	case p.Threshold < 0 || p.Threshold > types.MaxCellVoltage:
		return fmt.Errorf("threshold %s out of range", p.Threshold)
	case p.DischargeOn <= 0 || p.DischargeOff <= 0:
		return fmt.Errorf("duty cycle needs positive on and off times, got %s/%s", p.DischargeOn, p.DischargeOff)
	case p.Session <= 0 || p.Cooldown <= 0:
		return fmt.Errorf("session and cooldown must be positive, got %s/%s", p.Session, p.Cooldown)
	}
	return nil
}

// Request is a start/stop command sampled once per tick.
type Request uint8

const (
	RequestNone Request = iota
	RequestStart
	RequestStop
)

// Discharger drives the discharge switches of one board. A zero mask
// disables every switch.
type Discharger interface {
	SetDischarge(board int, mask uint64) error
}

// EventSink receives telemetry. Publish must not block.
type EventSink interface {
	Publish(ev telemetry.Event) bool
}

type machine interface {
	Start(ctx context.Context) error
	SendSync(ev librefsm.Event) error
}

// Controller runs the balancing state machine of one board.
type Controller struct {
	board  int
	hw     Discharger
	events EventSink
	logger *logger.Logger
	source string

	machine machine

	mu        sync.RWMutex
	state     types.BalancingState
	selection Selection
	session   string

	// Set by the tick before an event is sent, read by entry actions.
	now     time.Duration
	params  Params
	pending Selection
	reason  string

	applied         Selection
	dutyOn          bool
	nextToggle      time.Duration
	sessionDeadline time.Duration
	cooldownUntil   time.Duration
}

func NewController(board int, hw Discharger, events EventSink, l *logger.Logger) *Controller {
	return &Controller{
		board:  board,
		hw:     hw,
		events: events,
		logger: l,
		source: fmt.Sprintf("balancing/%d", board),
		state:  types.BalancingStateOff,
	}
}

// Start builds and starts the machine. The discharge outputs are disabled
// before the first tick.
func (c *Controller) Start(ctx context.Context) error {
	m, err := fsm.NewBalancingDefinition(c).Build()
	if err != nil {
		return fmt.Errorf("board %d: failed to build balancing FSM: %w", c.board, err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("board %d: failed to start balancing FSM: %w", c.board, err)
	}
	c.machine = m

	if err := c.hw.SetDischarge(c.board, 0); err != nil {
		c.logger.Warnf("Board %d: failed to disable discharge: %v", c.board, err)
	}
	return nil
}

func (c *Controller) State() types.BalancingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Selection() Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

// Session returns the ID of the current session, empty when off.
func (c *Controller) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Step runs one tick with the latest voltages of the board.
func (c *Controller) Step(now time.Duration, voltages []types.Voltage, target types.Voltage, params Params, req Request) {
	c.now = now
	c.params = params

	switch c.State() {
	case types.BalancingStateOff:
		if req != RequestStart {
			return
		}
		sel := Select(voltages, target, params.Threshold, params.ExcludeAdjacent)
		if sel.Empty() {
			c.reason = "nothing above threshold"
			c.notify(fsm.StateBalancingOff, types.BalancingStateOff, 0)
			return
		}
		c.pending = sel
		c.send(fsm.EvBalancingStart, "start request")

	case types.BalancingStateDischarging:
		if req == RequestStop {
			c.send(fsm.EvBalancingStop, "stop request")
			return
		}
		sel := Select(voltages, target, params.Threshold, params.ExcludeAdjacent)
		if sel.Empty() {
			c.send(fsm.EvSelectionEmpty, "cells within threshold")
			return
		}
		c.setSelection(sel)
		if now >= c.sessionDeadline {
			c.send(fsm.EvSessionElapsed, "session elapsed")
			return
		}
		c.runDutyCycle(now, sel)

	case types.BalancingStateCooldown:
		if req == RequestStop {
			c.send(fsm.EvBalancingStop, "stop request")
			return
		}
		sel := Select(voltages, target, params.Threshold, params.ExcludeAdjacent)
		if sel.Empty() {
			c.send(fsm.EvSelectionEmpty, "cells within threshold")
			return
		}
		c.setSelection(sel)
		if now >= c.cooldownUntil {
			c.pending = sel
			c.send(fsm.EvCooldownElapsed, "cooldown elapsed")
		}
	}
}

// runDutyCycle advances the on/off phase. Each phase ends a fixed time after
// the previous phase boundary, not after the tick that noticed it.
func (c *Controller) runDutyCycle(now time.Duration, sel Selection) {
	for now >= c.nextToggle {
		c.dutyOn = !c.dutyOn
		if c.dutyOn {
			c.nextToggle += c.params.DischargeOn
		} else {
			c.nextToggle += c.params.DischargeOff
		}
	}

	mask := Selection(0)
	if c.dutyOn {
		mask = sel
	}
	if err := c.apply(mask); err != nil {
		c.logger.Warnf("Board %d: discharge write failed, stopping: %v", c.board, err)
		c.send(fsm.EvBalancingStop, "actuator failure")
	}
}

// DutyOn reports whether the current duty cycle phase discharges.
func (c *Controller) DutyOn() bool {
	return c.dutyOn
}

func (c *Controller) apply(mask Selection) error {
	if mask == c.applied {
		return nil
	}
	if err := c.hw.SetDischarge(c.board, uint64(mask)); err != nil {
		return err
	}
	c.applied = mask
	return nil
}

func (c *Controller) setSelection(sel Selection) {
	c.mu.Lock()
	c.selection = sel
	c.mu.Unlock()
}

func (c *Controller) setState(s types.BalancingState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) send(ev librefsm.EventID, reason string) {
	c.reason = reason
	if err := c.machine.SendSync(librefsm.Event{ID: ev}); err != nil {
		c.logger.Errorf("Board %d: balancing event %s rejected: %v", c.board, ev, err)
	}
}

func (c *Controller) notify(from librefsm.StateID, to types.BalancingState, sel Selection) {
	ev := telemetry.Transition(telemetry.KindBalancingTransition, c.source, c.now, string(from), string(to), c.reason)
	ev.Session = c.Session()
	ev.Selection = uint64(sel)
	c.events.Publish(ev)
	c.logger.Infof("Board %d: balancing %s -> %s (%s)", c.board, from, to, c.reason)
}

// === State Entry Actions ===

// EnterOff is the only place balancing hands the hardware back: it always
// disables every switch and forgets the selection.
func (c *Controller) EnterOff(ctx *librefsm.Context) error {
	// The initial entry at start is not a transition.
	if c.State() != types.BalancingStateOff {
		c.notify(ctx.FromState, types.BalancingStateOff, 0)
	}

	if err := c.hw.SetDischarge(c.board, 0); err != nil {
		c.logger.Errorf("Board %d: failed to disable discharge: %v", c.board, err)
	}
	c.applied = 0
	c.dutyOn = false

	c.mu.Lock()
	c.state = types.BalancingStateOff
	c.selection = 0
	c.session = ""
	c.mu.Unlock()
	return nil
}

func (c *Controller) EnterDischarging(ctx *librefsm.Context) error {
	if ctx.FromState == fsm.StateBalancingOff {
		c.mu.Lock()
		c.session = uuid.NewString()
		c.mu.Unlock()
	}
	c.notify(ctx.FromState, types.BalancingStateDischarging, c.pending)

	c.mu.Lock()
	c.state = types.BalancingStateDischarging
	c.selection = c.pending
	c.mu.Unlock()

	c.sessionDeadline = c.now + c.params.Session
	c.dutyOn = true
	c.nextToggle = c.now + c.params.DischargeOn
	if err := c.apply(c.pending); err != nil {
		// The next tick sees the failed write again and stops.
		c.logger.Warnf("Board %d: failed to enable discharge: %v", c.board, err)
	}
	return nil
}

func (c *Controller) EnterCooldown(ctx *librefsm.Context) error {
	c.notify(ctx.FromState, types.BalancingStateCooldown, c.Selection())

	c.setState(types.BalancingStateCooldown)
	c.cooldownUntil = c.now + c.params.Cooldown
	c.dutyOn = false
	if err := c.apply(0); err != nil {
		c.logger.Errorf("Board %d: failed to suspend discharge: %v", c.board, err)
	}
	return nil
}
