// Package activity tracks time since the last remote request.
//
// The clock is the single source of truth the keepalive worker consults
// before injecting synthetic input. Reads and writes are lock-free so the
// dispatcher can touch it on every inbound request without contention.
package activity

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// MaxJitter bounds the random offset applied by TouchWithJitter. Jitter
// keeps the keepalive cadence from looking machine-regular to whatever is
// watching for idle users on the other side of the screen.
const MaxJitter = 7 * time.Second

// Clock records the instant of the most recent remote activity. The zero
// value is ready to use and reports the process start as the last activity.
//
// Instants are nanoseconds on the monotonic scale, anchored at the Clock's
// creation. Wall-clock adjustments never move the idle measurement.
type Clock struct {
	start time.Time
	last  atomic.Int64
}

// NewClock returns a clock whose last activity is now.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// processStart anchors zero-value Clocks.
var processStart = time.Now()

func (c *Clock) now() int64 {
	start := c.start
	if start.IsZero() {
		start = processStart
	}
	return int64(time.Since(start))
}

// TouchNow records remote activity at the current instant.
func (c *Clock) TouchNow() {
	c.last.Store(c.now())
}

// TouchWithJitter records remote activity at the current instant offset by a
// uniform random value in [-MaxJitter, +MaxJitter], clamped so the recorded
// instant never lies in the future.
func (c *Clock) TouchWithJitter() {
	now := c.now()
	jitter := rand.Int63n(int64(2*MaxJitter)) - int64(MaxJitter)
	ts := now + jitter
	if ts > now {
		ts = now
	}
	c.last.Store(ts)
}

// IdleFor reports how long it has been since the last recorded activity.
func (c *Clock) IdleFor() time.Duration {
	d := time.Duration(c.now() - c.last.Load())
	if d < 0 {
		return 0
	}
	return d
}
