package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bms-service/internal/balancing"
	"bms-service/internal/config"
	"bms-service/internal/faults"
	"bms-service/internal/hardware"
	"bms-service/internal/logger"
	"bms-service/internal/messaging"
	"bms-service/internal/telemetry"
	"bms-service/internal/tractive"
	"bms-service/internal/types"
)

const (
	outboxSize    = 256
	statsInterval = 30 * time.Second
)

type Option func(*BMSSystem)

// WithClock replaces the CLOCK_MONOTONIC time base.
func WithClock(c Clock) Option { return func(s *BMSSystem) { s.clock = c } }

// WithAlarm replaces the timer driven fault alarm.
func WithAlarm(f faults.AlarmFactory) Option { return func(s *BMSSystem) { s.alarm = f } }

// BMSSystem runs the control tick: measurement checks, error engine drain,
// tractive system step and balancing step, in that order.
type BMSSystem struct {
	cfg    config.Config
	logger *logger.Logger
	io     HardwareIO
	redis  MessagingClient
	clock  Clock
	alarm  faults.AlarmFactory

	engine    *faults.Engine
	ts        *tractive.Controller
	balancing *balancing.Manager
	telemetry *telemetry.Publisher
	outbox    *outbox
	store     *MeasurementStore
	checker   *Checker

	// Owned by the tick.
	now      time.Duration
	sample   *PackSample
	voltages [][]types.Voltage
	lastTs   types.TsState
	lastBal  []types.BalancingState
	lastSel  []balancing.Selection
}

func NewBMSSystem(cfg config.Config, io HardwareIO, redis MessagingClient, l *logger.Logger, opts ...Option) (*BMSSystem, error) {
	s := &BMSSystem{
		cfg:    cfg,
		logger: l,
		io:     io,
		redis:  redis,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = hardware.NewMonotonicClock()
	}
	if s.alarm == nil {
		s.alarm = faults.NewTimerAlarmFactory(s.clock.Now)
	}

	boards, cells := cfg.Pack.Boards, cfg.Pack.CellsPerBoard

	s.telemetry = telemetry.NewPublisher(redis, telemetry.DefaultQueueSize, l.WithTag("Telemetry"))
	s.outbox = newOutbox(redis, outboxSize, l.WithTag("Redis"))

	engine, err := faults.NewEngine(cfg.FaultGroups(),
		faults.WithAlarm(s.alarm),
		faults.WithObserver(faultObserver{s}))
	if err != nil {
		return nil, fmt.Errorf("failed to build error engine: %w", err)
	}
	s.engine = engine

	s.balancing = balancing.NewManager(boards, io, s.telemetry, cfg.BalancingParams(), l)
	s.ts = tractive.NewController(cfg.TsConfig(), io, s.balancing, s.telemetry, l.WithTag("TS"))

	s.store = NewMeasurementStore(boards, cells)
	s.checker = NewChecker(engine, LimitsFromConfig(cfg.Limits), cells)
	s.sample = NewPackSample(boards, cells)
	s.voltages = make([][]types.Voltage, boards)
	s.lastBal = make([]types.BalancingState, boards)
	s.lastSel = make([]balancing.Selection, boards)

	return s, nil
}

// Start connects to Redis, claims the hardware and starts the state
// machines. Listeners start last, once everything they feed exists.
func (s *BMSSystem) Start(ctx context.Context) error {
	s.logger.Infof("Starting BMS system")

	s.redis.SetCallbacks(messaging.Callbacks{
		TsCallback:        s.handleTsRequest,
		BalancingCallback: s.handleBalancingRequest,
		CellboardCallback: s.handleCellboardUpdate,
		FaultAckCallback:  s.handleFaultAck,
	})

	if err := s.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := s.io.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}

	if err := s.ts.Start(ctx); err != nil {
		return err
	}
	if err := s.balancing.Start(ctx); err != nil {
		return err
	}

	for b := 0; b < s.cfg.Pack.Boards; b++ {
		if err := s.handleCellboardUpdate(b); err != nil {
			s.logger.Debugf("No initial data for cellboard %d: %v", b, err)
		}
	}

	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.logger.Infof("BMS system started: %d boards x %d cells, tick %s",
		s.cfg.Pack.Boards, s.cfg.Pack.CellsPerBoard, s.cfg.Tick)
	return nil
}

// Run drives the tick and the publishing workers until ctx is done.
func (s *BMSSystem) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.telemetry.Run(ctx) })
	g.Go(func() error { return s.outbox.run(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	g.Go(func() error { return s.statsLoop(ctx) })
	return g.Wait()
}

func (s *BMSSystem) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	var last Stats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last = s.reportStats(last)
		}
	}
}

// Stats are the health counters of the control loop.
type Stats struct {
	EngineDropped    uint64
	TelemetryDropped uint64
	TelemetrySent    uint64
	OutboxDropped    uint64
	Fatal            int
	Running          map[string]int
	Balancing        bool
}

func (s *BMSSystem) Stats() Stats {
	st := Stats{
		EngineDropped:    s.engine.Dropped(),
		TelemetryDropped: s.telemetry.Dropped(),
		TelemetrySent:    s.telemetry.Sent(),
		OutboxDropped:    s.outbox.Dropped(),
		Fatal:            s.engine.FatalCount(),
		Running:          make(map[string]int),
		Balancing:        s.balancing.Active(),
	}
	for _, g := range s.cfg.FaultGroups() {
		if running, _, err := s.engine.Counts(g.Group); err == nil && running > 0 {
			st.Running[g.Name] = running
		}
	}
	return st
}

// reportStats publishes the current counters and warns about new drops
// since prev.
func (s *BMSSystem) reportStats(prev Stats) Stats {
	st := s.Stats()
	if st.EngineDropped > prev.EngineDropped || st.TelemetryDropped > prev.TelemetryDropped ||
		st.OutboxDropped > prev.OutboxDropped {
		s.logger.Warnf("Queue drops: engine=%d telemetry=%d redis=%d",
			st.EngineDropped, st.TelemetryDropped, st.OutboxDropped)
	}

	ev := telemetry.NewEvent(telemetry.KindStats, "bms", s.clock.Now())
	ev.Counters = map[string]uint64{
		"engine-dropped":    st.EngineDropped,
		"telemetry-dropped": st.TelemetryDropped,
		"telemetry-sent":    st.TelemetrySent,
		"redis-dropped":     st.OutboxDropped,
		"fatal":             uint64(st.Fatal),
	}
	if st.Balancing {
		ev.Counters["balancing"] = 1
	}
	for name, n := range st.Running {
		ev.Counters["running:"+name] = uint64(n)
	}
	s.telemetry.Publish(ev)
	return st
}

func (s *BMSSystem) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Shutdown releases the hardware, which opens every contactor and stops
// all discharge, and closes Redis.
func (s *BMSSystem) Shutdown() {
	s.logger.Infof("Shutting down BMS system")
	s.io.Cleanup()
	if err := s.redis.Close(); err != nil {
		s.logger.Warnf("Failed to close Redis: %v", err)
	}
}

// Tick runs one control cycle. It must only be called from one goroutine.
func (s *BMSSystem) Tick() {
	now := s.clock.Now()
	s.now = now

	r := s.read()
	s.store.CopyTo(s.sample)
	s.checker.Check(now, s.sample, r)

	s.engine.Drain(now)

	s.ts.Step(tractive.Snapshot{
		Now:         now,
		FatalCount:  s.engine.FatalCount(),
		Feedback:    r.Feedback,
		BusVoltage:  r.Bus,
		PackVoltage: r.Pack,
	})

	// Boards without current data are balanced as empty, which stops them.
	for b := range s.voltages {
		if s.checker.Fresh(s.sample, b, now) {
			s.voltages[b] = s.sample.Voltages[b]
		} else {
			s.voltages[b] = nil
		}
	}
	s.balancing.Step(now, s.voltages, s.ts.State() == types.TsStateIdle)

	s.publishState()
}

func (s *BMSSystem) read() Readings {
	var r Readings
	var err error

	r.Feedback, r.FeedbackErr = s.io.ReadFeedback()
	if r.FeedbackErr != nil {
		r.Feedback = 0
		s.logger.Debugf("Feedback read failed: %v", r.FeedbackErr)
	}
	if r.Bus, err = s.io.ReadBusVoltage(); err != nil {
		r.Bus = 0
		s.logger.Debugf("Bus voltage read failed: %v", err)
	}
	if r.Pack, r.PackErr = s.io.ReadPackVoltage(); r.PackErr != nil {
		r.Pack = 0
		s.logger.Debugf("Pack voltage read failed: %v", r.PackErr)
	}
	if r.Current, r.CurrentErr = s.io.ReadCurrent(); r.CurrentErr != nil {
		s.logger.Debugf("Current read failed: %v", r.CurrentErr)
	}
	return r
}

func (s *BMSSystem) publishState() {
	if st := s.ts.State(); st != s.lastTs {
		s.lastTs = st
		s.outbox.push(report{kind: reportTsState, ts: st})
	}
	for b := range s.lastBal {
		st, sel := s.balancing.State(b), s.balancing.Selection(b)
		if st == s.lastBal[b] && sel == s.lastSel[b] {
			continue
		}
		s.lastBal[b], s.lastSel[b] = st, sel
		s.outbox.push(report{kind: reportBalancingState, board: b, balancing: st, selection: uint64(sel)})
	}
}

// Reload applies the parts of a new configuration that may change at
// runtime. Only balancing parameters are live.
func (s *BMSSystem) Reload(cfg config.Config) {
	p := cfg.BalancingParams()
	if err := p.Validate(); err != nil {
		s.logger.Warnf("Ignoring balancing reload: %v", err)
		return
	}
	s.balancing.SetParams(p)
	s.logger.Infof("Balancing parameters reloaded: target=%s threshold=%s", p.Target, p.Threshold)
}

// RequestTs asks for the tractive system to be switched on or off. The
// request is consumed by the next tick.
func (s *BMSSystem) RequestTs(on bool) {
	s.ts.Request(on)
}

// RequestBalancing starts or stops balancing on every board. Zero target and
// threshold fall back to the pack minimum and the configured threshold.
func (s *BMSSystem) RequestBalancing(on bool, target, threshold types.Voltage) {
	if on {
		s.balancing.RequestStart(target, threshold)
	} else {
		s.balancing.RequestStop()
	}
}

// AcknowledgeFaults asks the next tick to un-latch every expired fault
// whose condition has gone. Faults still present stay latched.
func (s *BMSSystem) AcknowledgeFaults() {
	s.checker.Acknowledge()
}

func (s *BMSSystem) TsState() types.TsState {
	return s.ts.State()
}

func (s *BMSSystem) BalancingState(board int) types.BalancingState {
	return s.balancing.State(board)
}

// ErrorCounts returns the running and expired instances of a fault group.
func (s *BMSSystem) ErrorCounts(g faults.Group) (running, expired int, err error) {
	return s.engine.Counts(g)
}

// DumpExpired copies the most recent expiries, oldest first, into out.
func (s *BMSSystem) DumpExpired(out []faults.Instance) int {
	return s.engine.DumpExpired(out)
}

func (s *BMSSystem) FatalCount() int {
	return s.engine.FatalCount()
}

// faultObserver mirrors latched faults to telemetry and Redis. It runs
// inside the engine drain on the tick goroutine.
type faultObserver struct {
	s *BMSSystem
}

func (o faultObserver) FaultExpired(inst faults.Instance, cfg faults.GroupConfig) {
	s := o.s
	s.logger.Errorf("Fault expired: %s/%d (%s)", cfg.Name, inst.ID, cfg.Description)

	ev := telemetry.NewEvent(telemetry.KindFaultExpired, "faults", s.now)
	ev.Group = cfg.Name
	ev.Instance = inst.ID
	ev.Reason = cfg.Description
	s.telemetry.Publish(ev)

	s.outbox.push(report{
		kind:  reportFaultPresent,
		fault: faultID(inst, cfg),
		desc:  cfg.Description,
		info:  fmt.Sprintf("set at %s, timeout %s", inst.Timestamp, cfg.Timeout),
		at:    ev.Time,
	})
}

func (o faultObserver) FaultCleared(inst faults.Instance, cfg faults.GroupConfig) {
	s := o.s
	s.logger.Infof("Fault cleared: %s/%d", cfg.Name, inst.ID)

	ev := telemetry.NewEvent(telemetry.KindFaultCleared, "faults", s.now)
	ev.Group = cfg.Name
	ev.Instance = inst.ID
	s.telemetry.Publish(ev)

	s.outbox.push(report{
		kind:  reportFaultAbsent,
		fault: faultID(inst, cfg),
		at:    ev.Time,
	})
}
