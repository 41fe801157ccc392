package core

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"bms-service/internal/config"
	"bms-service/internal/faults"
	"bms-service/internal/messaging"
	"bms-service/internal/types"
)

// PackSample is the per-tick copy of the latest cellboard data. Buffers are
// sized once for the pack.
type PackSample struct {
	Voltages     [][]types.Voltage
	Temperatures [][]types.Temperature
	Received     []time.Duration
	Valid        []bool
}

func NewPackSample(boards, cells int) *PackSample {
	s := &PackSample{
		Voltages:     make([][]types.Voltage, boards),
		Temperatures: make([][]types.Temperature, boards),
		Received:     make([]time.Duration, boards),
		Valid:        make([]bool, boards),
	}
	for b := 0; b < boards; b++ {
		s.Voltages[b] = make([]types.Voltage, cells)
		s.Temperatures[b] = make([]types.Temperature, 0, cells)
	}
	return s
}

// MeasurementStore caches the latest sample of every cellboard. Updates
// come from the Redis listener, reads from the tick.
type MeasurementStore struct {
	mu     sync.RWMutex
	cells  int
	sample *PackSample
}

func NewMeasurementStore(boards, cells int) *MeasurementStore {
	return &MeasurementStore{
		cells:  cells,
		sample: NewPackSample(boards, cells),
	}
}

// Update stores a board sample received at now.
func (m *MeasurementStore) Update(cb messaging.Cellboard, now time.Duration) error {
	if cb.Board < 0 || cb.Board >= len(m.sample.Voltages) {
		return fmt.Errorf("cellboard %d out of range", cb.Board)
	}
	if len(cb.Voltages) != m.cells {
		return fmt.Errorf("cellboard %d reported %d cells, want %d", cb.Board, len(cb.Voltages), m.cells)
	}
	temps := cb.Temperatures
	if len(temps) > m.cells {
		temps = temps[:m.cells]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.sample.Voltages[cb.Board], cb.Voltages)
	m.sample.Temperatures[cb.Board] = append(m.sample.Temperatures[cb.Board][:0], temps...)
	m.sample.Received[cb.Board] = now
	m.sample.Valid[cb.Board] = true
	return nil
}

// CopyTo copies the cached data into dst, which must come from
// NewPackSample with the same layout.
func (m *MeasurementStore) CopyTo(dst *PackSample) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for b := range m.sample.Voltages {
		copy(dst.Voltages[b], m.sample.Voltages[b])
		dst.Temperatures[b] = append(dst.Temperatures[b][:0], m.sample.Temperatures[b]...)
		dst.Received[b] = m.sample.Received[b]
		dst.Valid[b] = m.sample.Valid[b]
	}
}

// Limits are the thresholds of the measurement checks in native units.
type Limits struct {
	CellMin           types.Voltage
	CellMax           types.Voltage
	TempMin           types.Temperature
	TempMax           types.Temperature
	MaxCurrent        float64
	MismatchTolerance float64
	CellboardTimeout  time.Duration
}

func LimitsFromConfig(c config.LimitsConfig) Limits {
	return Limits{
		CellMin:           types.Millivolts(c.CellMinMv),
		CellMax:           types.Millivolts(c.CellMaxMv),
		TempMin:           types.Temperature(c.CellMinTempC),
		TempMax:           types.Temperature(c.CellMaxTempC),
		MaxCurrent:        c.MaxCurrentA,
		MismatchTolerance: c.MismatchTolerance,
		CellboardTimeout:  c.CellboardTimeout,
	}
}

// Readings are the main board inputs sampled at the start of a tick.
type Readings struct {
	Feedback    types.FeedbackMask
	FeedbackErr error
	Bus         types.Voltage
	Pack        types.Voltage
	PackErr     error
	Current     float64
	CurrentErr  error
}

// Checker turns measurements into error engine commands. A command is only
// queued when the condition disagrees with the engine, so a steady state
// costs no queue slots. Expired faults stay latched until acknowledged.
type Checker struct {
	engine *faults.Engine
	limits Limits
	cells  int

	ackRequested atomic.Bool
	acking       bool
}

func NewChecker(engine *faults.Engine, limits Limits, cellsPerBoard int) *Checker {
	return &Checker{engine: engine, limits: limits, cells: cellsPerBoard}
}

// Fresh reports whether board b has data no older than the cellboard timeout.
func (c *Checker) Fresh(s *PackSample, b int, now time.Duration) bool {
	return s.Valid[b] && now-s.Received[b] <= c.limits.CellboardTimeout
}

// Acknowledge asks the next Check to clear expired faults whose condition
// is no longer present.
func (c *Checker) Acknowledge() {
	c.ackRequested.Store(true)
}

// Check evaluates every condition at now.
func (c *Checker) Check(now time.Duration, s *PackSample, r Readings) {
	c.acking = c.ackRequested.Swap(false)
	allFresh := true
	var sum int64

	for b := range s.Voltages {
		fresh := c.Fresh(s, b, now)
		// A board that never reported counts as lost once the timeout has
		// passed since startup.
		lost := !fresh && (s.Valid[b] || now > c.limits.CellboardTimeout)
		c.apply(faults.GroupCellboardComm, b, lost, now)
		if !fresh {
			allFresh = false
			continue
		}

		for i, v := range s.Voltages[b] {
			idx := b*c.cells + i
			c.apply(faults.GroupCellUnderVoltage, idx, v < c.limits.CellMin, now)
			c.apply(faults.GroupCellOverVoltage, idx, v > c.limits.CellMax, now)
			sum += int64(v)
		}
		for i, t := range s.Temperatures[b] {
			idx := b*c.cells + i
			c.apply(faults.GroupCellUnderTemperature, idx, t < c.limits.TempMin, now)
			c.apply(faults.GroupCellOverTemperature, idx, t > c.limits.TempMax, now)
		}
	}

	c.apply(faults.GroupFeedbackCircuit, 0, r.FeedbackErr != nil, now)

	overCurrent := r.CurrentErr != nil || math.Abs(r.Current) > c.limits.MaxCurrent
	c.apply(faults.GroupOverCurrent, 0, overCurrent, now)

	// The sum of cells is only comparable once every board is current.
	if allFresh {
		mismatch := r.PackErr != nil ||
			math.Abs(float64(sum-int64(r.Pack))) > float64(r.Pack)*c.limits.MismatchTolerance
		c.apply(faults.GroupInternalVoltageMismatch, 0, mismatch, now)
	}
}

func (c *Checker) apply(g faults.Group, instance int, present bool, now time.Duration) {
	inst, err := c.engine.State(g, instance)
	if err != nil {
		return
	}
	switch {
	case present && !inst.Running && !inst.Expired:
		_ = c.engine.Set(g, instance, now)
	case !present && inst.Running:
		_ = c.engine.Reset(g, instance)
	case !present && inst.Expired && c.acking:
		_ = c.engine.Clear(g, instance)
	}
}
