package faults

import (
	"sync"
	"time"
)

// Alarm is the compare unit that wakes the engine at the earliest expiry
// deadline. Deadlines are offsets on the engine's monotonic time base.
type Alarm interface {
	Arm(deadline time.Duration)
	Disarm()
}

// AlarmFactory builds an alarm that calls fire when the armed deadline passes.
type AlarmFactory func(fire func()) Alarm

// PolledAlarm is checked by the engine at the start of every drain. It is
// the default alarm and the one used when no timer source is available.
type PolledAlarm struct {
	mu       sync.Mutex
	deadline time.Duration
	armed    bool
	fire     func()
}

func NewPolledAlarm(fire func()) Alarm {
	return &PolledAlarm{fire: fire}
}

func (a *PolledAlarm) Arm(deadline time.Duration) {
	a.mu.Lock()
	a.deadline = deadline
	a.armed = true
	a.mu.Unlock()
}

func (a *PolledAlarm) Disarm() {
	a.mu.Lock()
	a.armed = false
	a.mu.Unlock()
}

// Poll fires the alarm once if it is armed and due.
func (a *PolledAlarm) Poll(now time.Duration) {
	a.mu.Lock()
	due := a.armed && a.deadline <= now
	if due {
		a.armed = false
	}
	a.mu.Unlock()
	if due {
		a.fire()
	}
}

// TimerAlarm drives expiry from a runtime timer so a fault expires at its
// deadline rather than on the next poll.
type TimerAlarm struct {
	mu    sync.Mutex
	now   func() time.Duration
	fire  func()
	timer *time.Timer
}

// NewTimerAlarmFactory returns a factory for timer alarms on the given clock.
func NewTimerAlarmFactory(now func() time.Duration) AlarmFactory {
	return func(fire func()) Alarm {
		return &TimerAlarm{now: now, fire: fire}
	}
}

func (a *TimerAlarm) Arm(deadline time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	wait := deadline - a.now()
	if wait < 0 {
		wait = 0
	}
	a.timer = time.AfterFunc(wait, a.fire)
}

func (a *TimerAlarm) Disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
