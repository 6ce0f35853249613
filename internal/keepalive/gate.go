package keepalive

import (
	"sync"
	"sync/atomic"
)

// Gate arbitrates between real remote requests and synthetic keepalive
// activity. Dispatch workers hold it shared for the duration of a handler
// call; the keepalive worker holds it exclusive for one keepalive action.
// The two never overlap.
type Gate struct {
	mu      sync.RWMutex
	waiters atomic.Int32
}

// LockShared blocks while a keepalive action is in progress, then marks a
// real request as in flight.
func (g *Gate) LockShared() {
	g.waiters.Add(1)
	g.mu.RLock()
	g.waiters.Add(-1)
}

// UnlockShared releases a shared hold.
func (g *Gate) UnlockShared() { g.mu.RUnlock() }

// Lock blocks until no real request is in flight, then claims the gate for
// one keepalive action.
func (g *Gate) Lock() { g.mu.Lock() }

// Unlock releases the exclusive hold.
func (g *Gate) Unlock() { g.mu.Unlock() }

// HasWaiters reports whether a real request is currently blocked on the
// gate. The keepalive worker may consult this to cut an action short; the
// value is advisory and immediately stale.
func (g *Gate) HasWaiters() bool { return g.waiters.Load() > 0 }
