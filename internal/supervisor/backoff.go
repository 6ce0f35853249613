package supervisor

import (
	"math/rand"
	"time"
)

// Backoff produces the reconnect delays: 1, 2, 4, ... capped at 60 seconds,
// each multiplied by a uniform random factor in [0.8, 1.2] so a fleet of
// agents does not stampede the cloud after an outage.
type Backoff struct {
	min, max time.Duration
	current  time.Duration
}

// NewBackoff starts at one second with a one-minute cap.
func NewBackoff() *Backoff {
	b := &Backoff{min: time.Second, max: time.Minute}
	b.Reset()
	return b
}

// Next returns the jittered delay to sleep now and doubles the base for the
// following failure.
func (b *Backoff) Next() time.Duration {
	d := jitter(b.current)
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the schedule to its initial delay. Called after a session
// that stayed up long enough to count as healthy.
func (b *Backoff) Reset() {
	b.current = b.min
}

func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
