package scheduler

import (
	"time"
)

// Clock is the runtime's virtual clock. It advances at Factor times real
// time from an optional pinned start instant, which is what makes time
// travel (accelerated replays, fixed-start runs) possible without touching
// any scheduling code.
type Clock struct {
	realBase    time.Time
	virtualBase time.Time
	factor      float64
}

// NewClock creates a clock. A nil start pins the virtual base to the
// current wall clock; factor must be positive (validated by config).
func NewClock(start *time.Time, factor float64) *Clock {
	now := time.Now()
	base := now
	if start != nil {
		base = *start
	}
	if factor <= 0 {
		factor = 1
	}
	return &Clock{
		realBase:    now,
		virtualBase: base,
		factor:      factor,
	}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	elapsed := time.Since(c.realBase)
	return c.virtualBase.Add(time.Duration(float64(elapsed) * c.factor))
}

// Factor returns the timewarp factor.
func (c *Clock) Factor() float64 {
	return c.factor
}

// UntilReal converts the distance to a virtual instant into the real-time
// duration to sleep for. Returns zero for instants already in the past.
func (c *Clock) UntilReal(virtual time.Time) time.Duration {
	d := virtual.Sub(c.Now())
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) / c.factor)
}
