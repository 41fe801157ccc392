package tractive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/librefsm"

	"bms-service/internal/fsm"
	"bms-service/internal/logger"
	"bms-service/internal/telemetry"
	"bms-service/internal/types"
)

// Snapshot is the input of one tick.
type Snapshot struct {
	Now         time.Duration
	FatalCount  int
	Feedback    types.FeedbackMask
	BusVoltage  types.Voltage
	PackVoltage types.Voltage
}

// Actuator drives the contactor, precharge and fault outputs.
type Actuator interface {
	SetAirNeg(closed bool) error
	SetAirPos(closed bool) error
	SetPrecharge(closed bool) error
	SetFault(asserted bool) error
}

// BalancingStopper forces cell balancing off.
type BalancingStopper interface {
	StopAll()
}

// EventSink receives telemetry. Publish must not block.
type EventSink interface {
	Publish(ev telemetry.Event) bool
}

// Stage names a waiting state with its own timeout.
type Stage int

const (
	StageAirNeg Stage = iota
	StagePrecharge
	StageAirPos
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StageAirNeg:
		return "air-neg"
	case StagePrecharge:
		return "precharge"
	case StageAirPos:
		return "air-pos"
	default:
		return "unknown"
	}
}

type stageTimer struct {
	armed    bool
	deadline time.Duration
}

const (
	requestNone int32 = iota
	requestOn
	requestOff
)

type machine interface {
	Start(ctx context.Context) error
	SendSync(ev librefsm.Event) error
}

// Outputs is the last commanded value of every output.
type Outputs struct {
	AirNeg    bool
	AirPos    bool
	Precharge bool
	Fault     bool
}

// Controller sequences the tractive system. Step is called once per tick
// from a single goroutine; Request may be called from anywhere.
type Controller struct {
	cfg       Config
	hw        Actuator
	balancing BalancingStopper
	events    EventSink
	logger    *logger.Logger

	machine machine
	request atomic.Int32

	mu      sync.RWMutex
	state   types.TsState
	outputs Outputs

	// Owned by the tick and the entry actions it triggers.
	now    time.Duration
	reason string
	timers [stageCount]stageTimer
}

func NewController(cfg Config, hw Actuator, balancing BalancingStopper, events EventSink, l *logger.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		hw:        hw,
		balancing: balancing,
		events:    events,
		logger:    l,
		state:     types.TsStateInit,
	}
}

func (c *Controller) Start(ctx context.Context) error {
	m, err := fsm.NewTsDefinition(c).Build()
	if err != nil {
		return fmt.Errorf("failed to build TS FSM: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start TS FSM: %w", err)
	}
	c.machine = m
	return nil
}

// Request records an on or off request. Only the latest request survives
// until the next tick.
func (c *Controller) Request(on bool) {
	if on {
		c.request.Store(requestOn)
	} else {
		c.request.Store(requestOff)
	}
}

func (c *Controller) State() types.TsState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Outputs() Outputs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outputs
}

// Armed reports whether a stage timeout is running.
func (c *Controller) Armed(s Stage) bool {
	return c.timers[s].armed
}

func (c *Controller) timedOut(s Stage) bool {
	t := c.timers[s]
	return t.armed && c.now >= t.deadline
}

// Step runs one tick. The request is consumed whatever the state; a fatal
// error wins over everything else.
func (c *Controller) Step(s Snapshot) {
	c.now = s.Now
	req := c.request.Swap(requestNone)
	state := c.State()
	x := c.cfg.Expect

	if s.FatalCount > 0 && state != types.TsStateFatalError {
		c.send(fsm.EvFatal, fmt.Sprintf("%d expired faults", s.FatalCount))
		return
	}

	switch state {
	case types.TsStateInit:
		c.send(fsm.EvInitialized, "startup")

	case types.TsStateIdle:
		if req != requestOn {
			return
		}
		if !x.Idle.Matches(s.Feedback) {
			c.controlFault("on request rejected: idle feedback mismatch", x.Idle, s.Feedback)
			return
		}
		c.send(fsm.EvOnRequest, "on request")

	case types.TsStateWaitAirNegClose:
		c.stepStage(req, StageAirNeg, x.AirNegClosed.Matches(s.Feedback), fsm.EvAirNegClosed, x.AirNegClosed, s.Feedback)

	case types.TsStateWaitPrecharge:
		done := x.PrechargeDone.Matches(s.Feedback) && c.prechargeComplete(s.BusVoltage, s.PackVoltage)
		c.stepStage(req, StagePrecharge, done, fsm.EvPrechargeDone, x.PrechargeDone, s.Feedback)

	case types.TsStateWaitAirPosClose:
		c.stepStage(req, StageAirPos, x.AirPosClosed.Matches(s.Feedback), fsm.EvAirPosClosed, x.AirPosClosed, s.Feedback)

	case types.TsStateOn:
		if req == requestOff {
			c.send(fsm.EvOffRequest, "off request")
			return
		}
		if !x.TsOn.Matches(s.Feedback) {
			c.controlFault("feedback violation", x.TsOn, s.Feedback)
			c.send(fsm.EvFeedbackViolation, "feedback violation: "+violations(x.TsOn, s.Feedback))
		}

	case types.TsStateFatalError:
		if s.FatalCount == 0 && x.FatalRecovery.Matches(s.Feedback) {
			c.send(fsm.EvRecovered, "faults cleared")
		}
	}
}

// stepStage handles a waiting state: off request first, then the stage
// timeout, then the confirmation.
func (c *Controller) stepStage(req int32, stage Stage, confirmed bool, ev librefsm.EventID, expect types.Expectation, fb types.FeedbackMask) {
	switch {
	case req == requestOff:
		c.send(fsm.EvOffRequest, "off request")
	case c.timedOut(stage):
		c.controlFault(stage.String()+" timeout", expect, fb)
		c.send(fsm.EvStageTimeout, stage.String()+" timeout")
	case confirmed:
		c.send(ev, stage.String()+" confirmed")
	}
}

// prechargeComplete reports whether the bus has charged to within the
// tolerance of the pack voltage.
func (c *Controller) prechargeComplete(bus, pack types.Voltage) bool {
	if pack <= 0 {
		return false
	}
	diff := pack - bus
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(pack)*c.cfg.PrechargeTolerance
}

func (c *Controller) send(ev librefsm.EventID, reason string) {
	c.reason = reason
	if err := c.machine.SendSync(librefsm.Event{ID: ev}); err != nil {
		c.logger.Errorf("TS event %s rejected: %v", ev, err)
	}
}

func (c *Controller) controlFault(reason string, expect types.Expectation, fb types.FeedbackMask) {
	detail := violations(expect, fb)
	c.logger.Warnf("TS control fault in %s: %s (%s)", c.State(), reason, detail)
	ev := telemetry.NewEvent(telemetry.KindControlFault, "ts", c.now)
	ev.From = string(c.State())
	ev.Reason = reason + ": " + detail
	c.events.Publish(ev)
}

func violations(expect types.Expectation, fb types.FeedbackMask) string {
	bad := expect.Violations(fb)
	if bad == 0 {
		return "none"
	}
	var names []string
	for i := 0; i < types.FbCount; i++ {
		if bad&(1<<uint(i)) != 0 {
			names = append(names, types.FeedbackName(i))
		}
	}
	return strings.Join(names, ",")
}

func (c *Controller) arm(s Stage, timeout time.Duration) {
	c.timers[s] = stageTimer{armed: true, deadline: c.now + timeout}
}

func (c *Controller) disarm(s Stage) {
	c.timers[s] = stageTimer{}
}

func (c *Controller) disarmAll() {
	for s := range c.timers {
		c.timers[s] = stageTimer{}
	}
}

// enter publishes the transition and mirrors the new state. It runs before
// the entry action touches any output.
func (c *Controller) enter(ctx *librefsm.Context, to types.TsState) {
	ev := telemetry.Transition(telemetry.KindTsTransition, "ts", c.now, string(ctx.FromState), string(to), c.reason)
	c.events.Publish(ev)
	c.logger.Infof("TS state transition: %s -> %s (%s)", ctx.FromState, to, c.reason)

	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
}

// Output writers log failures and carry on: a relay that did not move shows
// up in the feedback and times the stage out.

func (c *Controller) setAirNeg(closed bool) {
	if err := c.hw.SetAirNeg(closed); err != nil {
		c.logger.Errorf("Failed to set AIR- to %v: %v", closed, err)
	}
	c.mu.Lock()
	c.outputs.AirNeg = closed
	c.mu.Unlock()
}

func (c *Controller) setAirPos(closed bool) {
	if err := c.hw.SetAirPos(closed); err != nil {
		c.logger.Errorf("Failed to set AIR+ to %v: %v", closed, err)
	}
	c.mu.Lock()
	c.outputs.AirPos = closed
	c.mu.Unlock()
}

func (c *Controller) setPrecharge(closed bool) {
	if err := c.hw.SetPrecharge(closed); err != nil {
		c.logger.Errorf("Failed to set precharge relay to %v: %v", closed, err)
	}
	c.mu.Lock()
	c.outputs.Precharge = closed
	c.mu.Unlock()
}

func (c *Controller) setFault(asserted bool) {
	if err := c.hw.SetFault(asserted); err != nil {
		c.logger.Errorf("Failed to set fault output to %v: %v", asserted, err)
	}
	c.mu.Lock()
	c.outputs.Fault = asserted
	c.mu.Unlock()
}

// openAll opens AIR+ first so the pack is never connected through the
// precharge resistor alone.
func (c *Controller) openAll() {
	c.setAirPos(false)
	c.setPrecharge(false)
	c.setAirNeg(false)
}

// === State Entry Actions ===

func (c *Controller) EnterIdle(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateIdle)
	c.disarmAll()
	c.openAll()
	return nil
}

func (c *Controller) EnterWaitAirNegClose(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateWaitAirNegClose)
	c.balancing.StopAll()
	c.setAirNeg(true)
	c.arm(StageAirNeg, c.cfg.AirNegTimeout)
	return nil
}

func (c *Controller) EnterWaitPrecharge(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateWaitPrecharge)
	c.disarm(StageAirNeg)
	c.setPrecharge(true)
	c.arm(StagePrecharge, c.cfg.PrechargeTimeout)
	return nil
}

func (c *Controller) EnterWaitAirPosClose(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateWaitAirPosClose)
	c.disarm(StagePrecharge)
	c.setAirPos(true)
	c.arm(StageAirPos, c.cfg.AirPosTimeout)
	return nil
}

func (c *Controller) EnterTsOn(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateOn)
	c.disarm(StageAirPos)
	c.setPrecharge(false)
	return nil
}

func (c *Controller) EnterFatalError(ctx *librefsm.Context) error {
	c.enter(ctx, types.TsStateFatalError)
	c.disarmAll()
	c.openAll()
	c.balancing.StopAll()
	c.setFault(true)
	return nil
}

func (c *Controller) ExitFatalError(ctx *librefsm.Context) error {
	c.setFault(false)
	return nil
}
