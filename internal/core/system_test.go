package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bms-service/internal/config"
	"bms-service/internal/faults"
	"bms-service/internal/logger"
	"bms-service/internal/messaging"
	"bms-service/internal/tractive"
	"bms-service/internal/types"
)

const (
	testBoards = 2
	testCells  = 4
)

// Mock MessagingClient
type mockMessagingClient struct {
	mu        sync.Mutex
	callbacks messaging.Callbacks

	cellboards map[int]messaging.Cellboard

	tsStates  []types.TsState
	balancing map[int]types.BalancingState
	selection map[int]uint64
	faultSet  map[string]bool
	telemetry []string
}

func newMockMessagingClient() *mockMessagingClient {
	return &mockMessagingClient{
		cellboards: make(map[int]messaging.Cellboard),
		balancing:  make(map[int]types.BalancingState),
		selection:  make(map[int]uint64),
		faultSet:   make(map[string]bool),
	}
}

func (m *mockMessagingClient) SetCallbacks(callbacks messaging.Callbacks) { m.callbacks = callbacks }
func (m *mockMessagingClient) Connect() error                             { return nil }
func (m *mockMessagingClient) StartListening() error                      { return nil }
func (m *mockMessagingClient) Close() error                               { return nil }

func (m *mockMessagingClient) ReadCellboard(board int) (messaging.Cellboard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.cellboards[board]
	if !ok {
		return messaging.Cellboard{}, fmt.Errorf("cellboard %d has not reported yet", board)
	}
	return cb, nil
}

func (m *mockMessagingClient) PublishTsState(state types.TsState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tsStates = append(m.tsStates, state)
	return nil
}

func (m *mockMessagingClient) PublishBalancingState(board int, state types.BalancingState, selection uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balancing[board] = state
	m.selection[board] = selection
	return nil
}

func (m *mockMessagingClient) ReportFaultPresent(fault string, description string, timestamp int64, info string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultSet[fault] = true
	return nil
}

func (m *mockMessagingClient) ReportFaultAbsent(fault string, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.faultSet, fault)
	return nil
}

func (m *mockMessagingClient) PublishTelemetry(kind string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, kind)
	return nil
}

func (m *mockMessagingClient) setCells(board int, mv ...float64) {
	cb := messaging.Cellboard{Board: board}
	for _, v := range mv {
		cb.Voltages = append(cb.Voltages, types.Millivolts(v))
		cb.Temperatures = append(cb.Temperatures, 25)
	}
	m.mu.Lock()
	m.cellboards[board] = cb
	m.mu.Unlock()
}

func (m *mockMessagingClient) faults() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for f := range m.faultSet {
		out = append(out, f)
	}
	return out
}

// Mock HardwareIO
type mockHardwareIO struct {
	mu sync.Mutex

	outputs   tractive.Outputs
	discharge map[int]uint64

	feedback    types.FeedbackMask
	feedbackErr error
	bus         types.Voltage
	pack        types.Voltage
	current     float64
	cleanedUp   bool
}

func newMockHardwareIO() *mockHardwareIO {
	return &mockHardwareIO{
		discharge: make(map[int]uint64),
		feedback:  tractive.DefaultExpectations().Idle.Value,
	}
}

func (m *mockHardwareIO) Initialize() error { return nil }

func (m *mockHardwareIO) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanedUp = true
	m.outputs = tractive.Outputs{}
	for b := range m.discharge {
		m.discharge[b] = 0
	}
}

func (m *mockHardwareIO) SetAirNeg(closed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs.AirNeg = closed
	return nil
}

func (m *mockHardwareIO) SetAirPos(closed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs.AirPos = closed
	return nil
}

func (m *mockHardwareIO) SetPrecharge(closed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs.Precharge = closed
	return nil
}

func (m *mockHardwareIO) SetFault(asserted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs.Fault = asserted
	return nil
}

func (m *mockHardwareIO) SetDischarge(board int, mask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discharge[board] = mask
	return nil
}

func (m *mockHardwareIO) ReadFeedback() (types.FeedbackMask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedback, m.feedbackErr
}

func (m *mockHardwareIO) ReadBusVoltage() (types.Voltage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bus, nil
}

func (m *mockHardwareIO) ReadPackVoltage() (types.Voltage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pack, nil
}

func (m *mockHardwareIO) ReadCurrent() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *mockHardwareIO) setFeedback(fb types.FeedbackMask) {
	m.mu.Lock()
	m.feedback = fb
	m.mu.Unlock()
}

func (m *mockHardwareIO) snapshot() (tractive.Outputs, map[int]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	masks := make(map[int]uint64, len(m.discharge))
	for b, v := range m.discharge {
		masks[b] = v
	}
	return m.outputs, masks
}

type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) Now() time.Duration  { return time.Duration(c.now.Load()) }
func (c *fakeClock) set(d time.Duration) { c.now.Store(int64(d)) }

type harness struct {
	sys   *BMSSystem
	io    *mockHardwareIO
	redis *mockMessagingClient
	clock *fakeClock
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pack = config.PackConfig{Boards: testBoards, CellsPerBoard: testCells}
	return cfg
}

// newHarness starts a system on a 2x4 pack with every cell at 3700 mV and
// the pack ADC agreeing with the cell sum.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		io:    newMockHardwareIO(),
		redis: newMockMessagingClient(),
		clock: &fakeClock{},
	}
	for b := 0; b < testBoards; b++ {
		h.redis.setCells(b, 3700, 3700, 3700, 3700)
	}
	h.io.pack = types.Millivolts(3700 * testBoards * testCells)

	sys, err := NewBMSSystem(testConfig(), h.io, h.redis, logger.NewNop(),
		WithClock(h.clock),
		WithAlarm(faults.NewPolledAlarm))
	require.NoError(t, err)
	h.sys = sys

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sys.Start(ctx))
	return h
}

// feed re-announces every board at the current time.
func (h *harness) feed(t *testing.T) {
	t.Helper()
	for b := 0; b < testBoards; b++ {
		require.NoError(t, h.redis.callbacks.CellboardCallback(b))
	}
}

// tickAt feeds fresh cellboard data and runs one tick at d.
func (h *harness) tickAt(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.set(d)
	h.feed(t)
	h.sys.Tick()
}

func TestFirstTickEntersIdle(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, types.TsStateInit, h.sys.TsState())

	h.tickAt(t, 0)
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())
	assert.Equal(t, 0, h.sys.FatalCount())

	h.sys.outbox.flush()
	assert.Equal(t, []types.TsState{types.TsStateIdle}, h.redis.tsStates)
	assert.Equal(t, types.BalancingStateOff, h.redis.balancing[0])
	assert.Equal(t, types.BalancingStateOff, h.redis.balancing[1])
}

func TestOverVoltageLatchesUntilAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	// Board 1 cell 1 is pack cell 5.
	h.redis.setCells(1, 3700, 4300, 3700, 3700)
	h.tickAt(t, 100*time.Millisecond)
	running, expired, err := h.sys.ErrorCounts(faults.GroupCellOverVoltage)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, expired)
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())

	h.tickAt(t, 599*time.Millisecond)
	assert.Equal(t, 0, h.sys.FatalCount())

	h.tickAt(t, 600*time.Millisecond)
	assert.Equal(t, 1, h.sys.FatalCount())
	assert.Equal(t, types.TsStateFatalError, h.sys.TsState())
	outputs, _ := h.io.snapshot()
	assert.True(t, outputs.Fault)
	assert.False(t, outputs.AirNeg)
	assert.False(t, outputs.AirPos)

	out := make([]faults.Instance, 4)
	require.Equal(t, 1, h.sys.DumpExpired(out))
	assert.Equal(t, faults.GroupCellOverVoltage, out[0].Group)
	assert.Equal(t, 5, out[0].ID)

	h.sys.outbox.flush()
	assert.Equal(t, []string{"cell-over-voltage:5"}, h.redis.faults())

	// An acknowledgement while the cell is still high changes nothing.
	require.NoError(t, h.redis.callbacks.FaultAckCallback())
	h.tickAt(t, 650*time.Millisecond)
	assert.Equal(t, 1, h.sys.FatalCount())

	// Back in range the fault stays latched until acknowledged.
	h.redis.setCells(1, 3700, 3700, 3700, 3700)
	h.tickAt(t, 700*time.Millisecond)
	assert.Equal(t, 1, h.sys.FatalCount())
	assert.Equal(t, types.TsStateFatalError, h.sys.TsState())
	h.tickAt(t, 2*time.Second)
	assert.Equal(t, types.TsStateFatalError, h.sys.TsState())

	require.NoError(t, h.redis.callbacks.FaultAckCallback())
	h.tickAt(t, 2010*time.Millisecond)
	assert.Equal(t, 0, h.sys.FatalCount())
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())
	outputs, _ = h.io.snapshot()
	assert.False(t, outputs.Fault)

	h.sys.outbox.flush()
	assert.Empty(t, h.redis.faults())
	assert.Equal(t, []types.TsState{types.TsStateIdle, types.TsStateFatalError, types.TsStateIdle}, h.redis.tsStates)
}

func TestStatsCountRunningFaults(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.redis.setCells(0, 2500, 3700, 2500, 3700)
	h.io.mu.Lock()
	h.io.pack = types.Millivolts(3700*6 + 2500*2)
	h.io.mu.Unlock()
	h.tickAt(t, 10*time.Millisecond)

	st := h.sys.reportStats(Stats{})
	assert.Equal(t, map[string]int{"cell-under-voltage": 2}, st.Running)
	assert.Zero(t, st.Fatal)
	assert.Zero(t, st.EngineDropped)
	assert.Zero(t, st.OutboxDropped)
	assert.Equal(t, st, h.sys.Stats())
}

func TestShortViolationDoesNotLatch(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.redis.setCells(0, 2500, 3700, 3700, 3700)
	h.tickAt(t, 10*time.Millisecond)
	running, _, _ := h.sys.ErrorCounts(faults.GroupCellUnderVoltage)
	assert.Equal(t, 1, running)

	h.redis.setCells(0, 3700, 3700, 3700, 3700)
	h.tickAt(t, 200*time.Millisecond)
	h.tickAt(t, time.Second)

	running, expired, _ := h.sys.ErrorCounts(faults.GroupCellUnderVoltage)
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, expired)
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())
}

func TestStaleCellboardTripsComm(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	// Board 0 keeps reporting, board 1 goes silent after t=0.
	step := func(d time.Duration) {
		h.clock.set(d)
		require.NoError(t, h.redis.callbacks.CellboardCallback(0))
		h.sys.Tick()
	}

	step(500 * time.Millisecond)
	running, _, _ := h.sys.ErrorCounts(faults.GroupCellboardComm)
	assert.Equal(t, 0, running)

	step(510 * time.Millisecond)
	running, _, _ = h.sys.ErrorCounts(faults.GroupCellboardComm)
	assert.Equal(t, 1, running)

	step(1510 * time.Millisecond)
	assert.Equal(t, types.TsStateFatalError, h.sys.TsState())
	_, expired, _ := h.sys.ErrorCounts(faults.GroupCellboardComm)
	assert.Equal(t, 1, expired)
}

func TestFeedbackReadFailureSetsFault(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.io.mu.Lock()
	h.io.feedbackErr = errors.New("gpio read failed")
	h.io.mu.Unlock()

	h.tickAt(t, 10*time.Millisecond)
	running, _, _ := h.sys.ErrorCounts(faults.GroupFeedbackCircuit)
	assert.Equal(t, 1, running)

	h.tickAt(t, 510*time.Millisecond)
	assert.Equal(t, types.TsStateFatalError, h.sys.TsState())
}

func TestPackMismatchSetsFault(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.io.mu.Lock()
	h.io.pack = types.Millivolts(20000)
	h.io.mu.Unlock()

	h.tickAt(t, 10*time.Millisecond)
	running, _, _ := h.sys.ErrorCounts(faults.GroupInternalVoltageMismatch)
	assert.Equal(t, 1, running)
}

func TestTsOnSequenceFromRedis(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)
	x := tractive.DefaultExpectations()

	require.NoError(t, h.redis.callbacks.TsCallback(true))
	h.tickAt(t, 10*time.Millisecond)
	assert.Equal(t, types.TsStateWaitAirNegClose, h.sys.TsState())
	outputs, _ := h.io.snapshot()
	assert.True(t, outputs.AirNeg)

	h.io.setFeedback(x.AirNegClosed.Value)
	h.tickAt(t, 20*time.Millisecond)
	assert.Equal(t, types.TsStateWaitPrecharge, h.sys.TsState())

	h.io.mu.Lock()
	h.io.bus = h.io.pack
	h.io.mu.Unlock()
	h.io.setFeedback(x.PrechargeDone.Value)
	h.tickAt(t, 30*time.Millisecond)
	assert.Equal(t, types.TsStateWaitAirPosClose, h.sys.TsState())

	h.io.setFeedback(x.AirPosClosed.Value)
	h.tickAt(t, 40*time.Millisecond)
	assert.Equal(t, types.TsStateOn, h.sys.TsState())
	outputs, _ = h.io.snapshot()
	assert.True(t, outputs.AirNeg)
	assert.True(t, outputs.AirPos)
	assert.False(t, outputs.Precharge)

	require.NoError(t, h.redis.callbacks.TsCallback(false))
	h.tickAt(t, 50*time.Millisecond)
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())
	outputs, _ = h.io.snapshot()
	assert.Equal(t, tractive.Outputs{}, outputs)

	h.sys.outbox.flush()
	assert.Equal(t, []types.TsState{
		types.TsStateIdle,
		types.TsStateWaitAirNegClose,
		types.TsStateWaitPrecharge,
		types.TsStateWaitAirPosClose,
		types.TsStateOn,
		types.TsStateIdle,
	}, h.redis.tsStates)
}

func TestBalancingStartsOnlyWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.redis.setCells(0, 3720, 3700, 3720, 3700)
	require.NoError(t, h.redis.callbacks.BalancingCallback(messaging.BalancingCommand{Start: true}))
	h.tickAt(t, 10*time.Millisecond)

	assert.Equal(t, types.BalancingStateDischarging, h.sys.BalancingState(0))
	assert.Equal(t, types.BalancingStateOff, h.sys.BalancingState(1))
	_, masks := h.io.snapshot()
	assert.Equal(t, uint64(0b0101), masks[0])

	h.sys.outbox.flush()
	assert.Equal(t, types.BalancingStateDischarging, h.redis.balancing[0])
	assert.Equal(t, uint64(0b0101), h.redis.selection[0])

	// Leaving idle for a TS on sequence stops balancing.
	h.sys.RequestTs(true)
	h.tickAt(t, 20*time.Millisecond)
	assert.Equal(t, types.TsStateWaitAirNegClose, h.sys.TsState())
	assert.Equal(t, types.BalancingStateOff, h.sys.BalancingState(0))
	_, masks = h.io.snapshot()
	assert.Equal(t, uint64(0), masks[0])

	// A start outside idle is consumed and ignored.
	h.sys.RequestBalancing(true, 0, 0)
	h.tickAt(t, 30*time.Millisecond)
	assert.Equal(t, types.BalancingStateOff, h.sys.BalancingState(0))

	h.sys.RequestTs(false)
	h.tickAt(t, 40*time.Millisecond)
	h.tickAt(t, 50*time.Millisecond)
	assert.Equal(t, types.TsStateIdle, h.sys.TsState())
	assert.Equal(t, types.BalancingStateOff, h.sys.BalancingState(0))
}

func TestBalancingStopsWhenCellsSettle(t *testing.T) {
	h := newHarness(t)
	h.tickAt(t, 0)

	h.redis.setCells(0, 3720, 3700, 3720, 3700)
	h.sys.RequestBalancing(true, types.Millivolts(3700), types.Millivolts(10))
	h.tickAt(t, 10*time.Millisecond)
	require.Equal(t, types.BalancingStateDischarging, h.sys.BalancingState(0))

	h.redis.setCells(0, 3705, 3700, 3705, 3700)
	h.tickAt(t, 20*time.Millisecond)
	assert.Equal(t, types.BalancingStateOff, h.sys.BalancingState(0))
	_, masks := h.io.snapshot()
	assert.Equal(t, uint64(0), masks[0])
}

func TestCellboardHandlerRejectsUnknownBoards(t *testing.T) {
	h := newHarness(t)

	assert.Error(t, h.redis.callbacks.CellboardCallback(testBoards))
	assert.Error(t, h.redis.callbacks.CellboardCallback(-1))

	// Wrong cell count is refused rather than half applied.
	h.redis.setCells(0, 3700, 3700)
	assert.Error(t, h.redis.callbacks.CellboardCallback(0))
}

func TestReloadUpdatesBalancingParams(t *testing.T) {
	h := newHarness(t)

	cfg := testConfig()
	cfg.Balancing.ThresholdMv = 25
	h.sys.Reload(cfg)
	assert.Equal(t, types.Millivolts(25), h.sys.balancing.Params().Threshold)

	cfg.Balancing.DischargeOn = 0
	h.sys.Reload(cfg)
	assert.Equal(t, types.Millivolts(25), h.sys.balancing.Params().Threshold)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sys.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sys.TsState() == types.TsStateIdle
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	h.sys.Shutdown()
	assert.True(t, h.io.cleanedUp)
	assert.Contains(t, h.redis.tsStates, types.TsStateIdle)
}
