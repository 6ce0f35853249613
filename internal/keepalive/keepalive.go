// Package keepalive injects synthetic user activity when the tunnel has
// been quiet, so remote desktops do not lock or disconnect idle sessions.
package keepalive

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/device"
)

// phrases is the pool the worker samples from. Short, unremarkable strings
// that look plausible in a taskbar search box.
var phrases = []string{
	"cookies",
	"checking notes",
	"be right back",
	"just a sec",
	"one moment",
	"thinking",
	"hmm",
	"on it",
	"almost there",
	"nearly done",
	"okay",
	"ok",
	"sure",
	"yep",
	"cool",
	"thanks",
	"working",
	"system settings",
	"logs",
	"utilities",
	"reports",
	"status",
	"calendar",
	"updates",
	"notepad",
	"calculator",
	"network",
}

// Options configure one Worker.
type Options struct {
	Threshold time.Duration
	// ClickX/ClickY override the click target. Left nil, the worker clicks
	// near the bottom-left corner, inset ten pixels from each edge. The
	// override is passed through unclamped: virtual displays misreport
	// their bounds and a clamp would defeat the escape hatch.
	ClickX *int
	ClickY *int
}

// Worker is the idle-driven keepalive loop. It owns nothing but a reference
// to the activity clock and the gate; it never sees the session.
type Worker struct {
	opts   Options
	dev    *device.Device
	clock  *activity.Clock
	gate   *Gate
	paused atomic.Bool
}

// NewWorker builds a worker; Run must be called to start it.
func NewWorker(opts Options, dev *device.Device, clock *activity.Clock, gate *Gate) *Worker {
	if opts.Threshold <= 0 {
		opts.Threshold = 3 * time.Minute
	}
	return &Worker{opts: opts, dev: dev, clock: clock, gate: gate}
}

// Pause suspends keepalive actions until Resume. Idle time keeps
// accumulating; the next action fires once resumed and idle.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume re-enables keepalive actions.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether the worker is currently suspended.
func (w *Worker) Paused() bool { return w.paused.Load() }

// pollInterval bounds how stale the idle check can be. Short enough that an
// action starts promptly after the threshold, long enough to stay invisible
// in profiles.
const pollInterval = time.Second

// Run loops until ctx is cancelled. Each iteration sleeps until the clock
// reports enough idle time, claims the gate exclusively, performs one
// keepalive action, and re-arms.
func (w *Worker) Run(ctx context.Context) {
	for {
		if !w.sleepUntilIdle(ctx) {
			return
		}

		w.gate.Lock()
		// Re-check under the gate: a request may have landed while this
		// worker was blocked behind it.
		if ctx.Err() == nil && !w.paused.Load() && w.clock.IdleFor() >= w.opts.Threshold {
			w.performAction(ctx)
			w.clock.TouchWithJitter()
		}
		w.gate.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// sleepUntilIdle blocks until idle time crosses the threshold while not
// paused. Returns false when ctx ends.
func (w *Worker) sleepUntilIdle(ctx context.Context) bool {
	for {
		if !w.paused.Load() {
			idle := w.clock.IdleFor()
			if idle >= w.opts.Threshold {
				return true
			}
			remaining := w.opts.Threshold - idle
			if remaining > pollInterval {
				remaining = pollInterval
			}
			if !sleepCtx(ctx, remaining) {
				return false
			}
			continue
		}
		if !sleepCtx(ctx, pollInterval) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// performAction runs one synthetic-activity sequence: click a quiet corner,
// type a few filler phrases, press Escape. The whole action runs under the
// exclusive gate and the device input lock. Between micro-steps the worker
// checks for a waiting request and bails early; the contract only demands
// that it never overlaps one.
func (w *Worker) performAction(ctx context.Context) {
	w.dev.InputLock.Lock()
	defer w.dev.InputLock.Unlock()

	x, y := w.clickTarget()
	if err := w.dev.Mouse.MoveTo(x, y); err != nil {
		log.Printf("keepalive: move failed: %v", err)
		return
	}
	if err := w.dev.Mouse.Button("left", true); err == nil {
		_ = w.dev.Mouse.Button("left", false)
	}

	count := 2 + rand.Intn(4)
	for _, p := range samplePhrases(count) {
		if ctx.Err() != nil || w.gate.HasWaiters() {
			break
		}
		w.typePhrase(ctx, p)
	}
	if err := w.dev.Keyboard.KeyEvent("esc", true); err == nil {
		_ = w.dev.Keyboard.KeyEvent("esc", false)
	}
}

func (w *Worker) clickTarget() (int, int) {
	if w.opts.ClickX != nil && w.opts.ClickY != nil {
		return *w.opts.ClickX, *w.opts.ClickY
	}
	_, height, err := w.dev.Screen.Dimensions()
	if err != nil || height <= 20 {
		return 10, 10
	}
	return 10, height - 10
}

// typePhrase sends one phrase keystroke by keystroke with human-ish pauses.
func (w *Worker) typePhrase(ctx context.Context, phrase string) {
	for _, r := range phrase {
		if ctx.Err() != nil {
			return
		}
		if err := w.dev.Keyboard.TypeText(string(r)); err != nil {
			log.Printf("keepalive: type failed: %v", err)
			return
		}
		sleepCtx(ctx, time.Duration(80+rand.Intn(170))*time.Millisecond)
	}
}

func samplePhrases(n int) []string {
	if n > len(phrases) {
		n = len(phrases)
	}
	idx := rand.Perm(len(phrases))[:n]
	out := make([]string, n)
	for i, j := range idx {
		out[i] = phrases[j]
	}
	return out
}
