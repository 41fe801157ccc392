package faults

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownGroup    = errors.New("unknown error group")
	ErrInvalidInstance = errors.New("invalid error instance")
	ErrQueueFull       = errors.New("error command queue full")
	ErrInvalidTable    = errors.New("invalid error group table")
)

const defaultHistorySize = 32

// Instance is one fault channel of a group.
type Instance struct {
	Group     Group
	ID        int
	Timestamp time.Duration
	Running   bool
	Expired   bool
}

// Observer is told about latched faults. It runs inside Drain and must not
// call back into the engine.
type Observer interface {
	FaultExpired(inst Instance, cfg GroupConfig)
	FaultCleared(inst Instance, cfg GroupConfig)
}

type commandKind uint8

const (
	cmdSet commandKind = iota
	cmdReset
	cmdClear
)

type command struct {
	kind commandKind
	idx  int
	now  time.Duration
}

// Engine aggregates faults by group and instance. Producers on any goroutine
// call Set, Reset and Expire, which only enqueue; the owner of the control
// tick applies them with Drain.
type Engine struct {
	mu sync.RWMutex

	groups    []GroupConfig
	offsets   []int
	instances []Instance
	deadlines *deadlineHeap
	running   []int
	expired   []int
	fatal     int

	history      []Instance
	historyHead  int
	historyCount int

	queue         chan command
	expirePending atomic.Bool
	dropped       atomic.Uint64
	draining      atomic.Bool

	alarm    Alarm
	armed    bool
	armedAt  time.Duration
	observer Observer
}

type options struct {
	alarm       AlarmFactory
	queueSize   int
	historySize int
	observer    Observer
}

type Option func(*options)

func WithAlarm(f AlarmFactory) Option { return func(o *options) { o.alarm = f } }

// WithQueueSize overrides the command queue capacity, which otherwise is
// twice the instance count.
func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

func WithHistorySize(n int) Option { return func(o *options) { o.historySize = n } }

func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

// NewEngine builds an engine for the given group table. Group values must be
// unique and dense from zero.
func NewEngine(groups []GroupConfig, opts ...Option) (*Engine, error) {
	o := options{alarm: NewPolledAlarm, historySize: defaultHistorySize}
	for _, opt := range opts {
		opt(&o)
	}

	table := make([]GroupConfig, len(groups))
	seen := make([]bool, len(groups))
	for _, g := range groups {
		if int(g.Group) >= len(groups) || seen[g.Group] {
			return nil, fmt.Errorf("%w: group %d out of range or duplicated", ErrInvalidTable, g.Group)
		}
		if g.Instances <= 0 {
			return nil, fmt.Errorf("%w: group %s has no instances", ErrInvalidTable, g.Name)
		}
		if g.Timeout < 0 {
			return nil, fmt.Errorf("%w: group %s has a negative timeout", ErrInvalidTable, g.Name)
		}
		seen[g.Group] = true
		table[g.Group] = g
	}

	total := 0
	offsets := make([]int, len(table))
	for i, g := range table {
		offsets[i] = total
		total += g.Instances
	}

	e := &Engine{
		groups:    table,
		offsets:   offsets,
		instances: make([]Instance, total),
		running:   make([]int, len(table)),
		expired:   make([]int, len(table)),
		history:   make([]Instance, o.historySize),
		observer:  o.observer,
	}
	for gi, g := range table {
		for i := 0; i < g.Instances; i++ {
			e.instances[offsets[gi]+i] = Instance{Group: Group(gi), ID: i}
		}
	}
	e.deadlines = newDeadlineHeap(total, e.deadlineOf)

	queueSize := o.queueSize
	if queueSize <= 0 {
		queueSize = 2 * total
	}
	e.queue = make(chan command, queueSize)
	e.alarm = o.alarm(e.Expire)
	return e, nil
}

func (e *Engine) deadlineOf(idx int) time.Duration {
	inst := &e.instances[idx]
	return inst.Timestamp + e.groups[inst.Group].Timeout
}

func (e *Engine) index(g Group, instance int) (int, error) {
	if int(g) >= len(e.groups) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownGroup, g)
	}
	if instance < 0 || instance >= e.groups[g].Instances {
		return 0, fmt.Errorf("%w: %s/%d", ErrInvalidInstance, e.groups[g].Name, instance)
	}
	return e.offsets[g] + instance, nil
}

func (e *Engine) enqueue(c command) error {
	select {
	case e.queue <- c:
		return nil
	default:
		e.dropped.Add(1)
		return ErrQueueFull
	}
}

// Set requests that an instance start its expiry countdown at now.
func (e *Engine) Set(g Group, instance int, now time.Duration) error {
	idx, err := e.index(g, instance)
	if err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdSet, idx: idx, now: now})
}

// Reset requests that a running instance stop its countdown. It does not
// touch an expired instance.
func (e *Engine) Reset(g Group, instance int) error {
	idx, err := e.index(g, instance)
	if err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdReset, idx: idx})
}

// Clear requests that an expired instance be un-latched. It is the
// acknowledgement path and does nothing to an instance that is not expired.
func (e *Engine) Clear(g Group, instance int) error {
	idx, err := e.index(g, instance)
	if err != nil {
		return err
	}
	return e.enqueue(command{kind: cmdClear, idx: idx})
}

// Expire is the alarm callback. The request is a flag rather than a queue
// slot, so a full queue can never swallow an expiry.
func (e *Engine) Expire() {
	e.expirePending.Store(true)
}

// Drain applies every pending command in arrival order and then any pending
// expiry. A drain already in progress makes the call a no-op.
func (e *Engine) Drain(now time.Duration) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	if p, ok := e.alarm.(interface{ Poll(time.Duration) }); ok {
		p.Poll(now)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		select {
		case c := <-e.queue:
			switch c.kind {
			case cmdSet:
				e.applySet(c.idx, c.now)
			case cmdReset:
				e.applyReset(c.idx)
			case cmdClear:
				e.applyClear(c.idx)
			}
			continue
		default:
		}
		break
	}

	if e.expirePending.Swap(false) {
		e.applyExpire(now)
	}
}

func (e *Engine) applySet(idx int, now time.Duration) {
	inst := &e.instances[idx]
	if inst.Running || inst.Expired {
		return
	}
	inst.Running = true
	inst.Timestamp = now
	e.running[inst.Group]++
	e.deadlines.insert(idx)
	e.rearm()
}

func (e *Engine) applyReset(idx int) {
	inst := &e.instances[idx]
	if !inst.Running {
		return
	}
	inst.Running = false
	e.running[inst.Group]--
	e.deadlines.remove(idx)
	e.rearm()
}

func (e *Engine) applyClear(idx int) {
	inst := &e.instances[idx]
	if !inst.Expired {
		return
	}
	inst.Expired = false
	e.expired[inst.Group]--
	e.fatal--
	if e.observer != nil {
		e.observer.FaultCleared(*inst, e.groups[inst.Group])
	}
}

func (e *Engine) applyExpire(now time.Duration) {
	// The alarm has fired, so whatever it held is gone.
	e.armed = false
	for {
		idx, ok := e.deadlines.peek()
		if !ok || e.deadlineOf(idx) > now {
			break
		}
		e.deadlines.popMin()
		inst := &e.instances[idx]
		inst.Running = false
		inst.Expired = true
		e.running[inst.Group]--
		e.expired[inst.Group]++
		e.fatal++
		e.record(*inst)
		if e.observer != nil {
			e.observer.FaultExpired(*inst, e.groups[inst.Group])
		}
	}
	e.rearm()
}

// rearm keeps the alarm on the earliest running deadline.
func (e *Engine) rearm() {
	idx, ok := e.deadlines.peek()
	if !ok {
		if e.armed {
			e.alarm.Disarm()
			e.armed = false
		}
		return
	}
	d := e.deadlineOf(idx)
	if e.armed && e.armedAt == d {
		return
	}
	e.armed = true
	e.armedAt = d
	e.alarm.Arm(d)
}

func (e *Engine) record(inst Instance) {
	if len(e.history) == 0 {
		return
	}
	e.history[e.historyHead] = inst
	e.historyHead = (e.historyHead + 1) % len(e.history)
	if e.historyCount < len(e.history) {
		e.historyCount++
	}
}

// FatalCount returns the number of expired instances across all groups.
func (e *Engine) FatalCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fatal
}

// Counts returns the running and expired instance counts of a group.
func (e *Engine) Counts(g Group) (running, expired int, err error) {
	if int(g) >= len(e.groups) {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownGroup, g)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running[g], e.expired[g], nil
}

// State returns a copy of one instance.
func (e *Engine) State(g Group, instance int) (Instance, error) {
	idx, err := e.index(g, instance)
	if err != nil {
		return Instance{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[idx], nil
}

// DumpExpired copies the expiry history, oldest first, into out and returns
// the number of entries written.
func (e *Engine) DumpExpired(out []Instance) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := e.historyCount
	if n > len(out) {
		n = len(out)
	}
	start := (e.historyHead - e.historyCount + len(e.history)) % max(len(e.history), 1)
	for i := 0; i < n; i++ {
		out[i] = e.history[(start+i)%len(e.history)]
	}
	return n
}

// Dropped returns how many commands were lost to a full queue.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}
