package hardware

import (
	"time"

	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC relative to its creation. Every
// deadline in the control loop is an offset on this time base.
type MonotonicClock struct {
	origin time.Duration
}

func NewMonotonicClock() *MonotonicClock {
	c := &MonotonicClock{}
	c.origin = c.raw()
	return c
}

func (c *MonotonicClock) raw() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Unreachable on Linux.
		return time.Duration(time.Now().UnixNano())
	}
	return time.Duration(ts.Nano())
}

// Now returns the time elapsed since the clock was created.
func (c *MonotonicClock) Now() time.Duration {
	return c.raw() - c.origin
}
