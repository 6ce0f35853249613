package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/keepalive"
)

// InvokeFunc is the in-process entry into the local HTTP surface.
type InvokeFunc func(method, path string, query, headers map[string]string, body []byte) (status int, respHeaders map[string]string, respBody []byte)

const (
	// DefaultMaxConcurrent bounds parallel handler invocations per session;
	// excess requests queue in arrival order.
	DefaultMaxConcurrent = 16
	// DefaultRequestTimeout is the per-request soft deadline. On expiry the
	// worker is cancelled and the cloud gets a 504.
	DefaultRequestTimeout = 120 * time.Second
)

// Dispatcher turns inbound request frames into in-process handler calls and
// feeds the responses back through the session's outbound queue. One
// dispatcher exists per session and dies with it.
type Dispatcher struct {
	invoke  InvokeFunc
	clock   *activity.Clock
	gate    *keepalive.Gate
	send    func(ctx context.Context, f Frame) error
	timeout time.Duration

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	draining bool

	wg sync.WaitGroup
}

// NewDispatcher wires a dispatcher to a session's send queue. maxConcurrent
// and timeout fall back to the defaults when zero.
func NewDispatcher(invoke InvokeFunc, clock *activity.Clock, gate *keepalive.Gate,
	send func(ctx context.Context, f Frame) error, maxConcurrent int, timeout time.Duration) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Dispatcher{
		invoke:   invoke,
		clock:    clock,
		gate:     gate,
		send:     send,
		timeout:  timeout,
		sem:      make(chan struct{}, maxConcurrent),
		inflight: make(map[string]struct{}),
	}
}

// Drain stops accepting new requests; racing arrivals are answered 503.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
}

// Wait blocks until every in-flight worker has finished or timeout elapses.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Handle accepts one request frame. It returns immediately; the work happens
// on a spawned worker bounded by the concurrency cap. ctx is the session
// context; its cancellation discards the response.
func (d *Dispatcher) Handle(ctx context.Context, req *Request, body []byte) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.reply(ctx, req.ID, http.StatusServiceUnavailable, jsonError("session draining"))
		return
	}
	if _, dup := d.inflight[req.ID]; dup {
		d.mu.Unlock()
		// The first request keeps running untouched; only the duplicate is
		// refused.
		d.reply(ctx, req.ID, http.StatusConflict, jsonError(fmt.Sprintf("request id %q already in flight", req.ID)))
		return
	}
	d.inflight[req.ID] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.work(ctx, req, body)
}

func (d *Dispatcher) work(ctx context.Context, req *Request, body []byte) {
	fmt.Println("DEBUG work start", req.ID, time.Now())
	defer fmt.Println("DEBUG work end", req.ID, time.Now())
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, req.ID)
		d.mu.Unlock()
	}()

	// Keepalive arbitration first: if a synthetic action is mid-flight the
	// request waits here until the worker finishes its current micro-step.
	d.gate.LockShared()
	defer d.gate.UnlockShared()

	d.clock.TouchWithJitter()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		status  int
		headers map[string]string
		body    []byte
	}
	resCh := make(chan result, 1)
	go func() {
		status, headers, respBody := d.invoke(req.Method, req.Path, req.Query, req.Headers, body)
		resCh <- result{status, headers, respBody}
	}()

	select {
	case res := <-resCh:
		fmt.Println("DEBUG got resCh", req.ID, time.Now())
		f := ResponseFrame(req.ID, res.status, res.headers, res.body)
		if err := d.send(ctx, f); err != nil {
			fmt.Println("DEBUG send err", err)
			// Session died while the response waited in line; discard.
			return
		}
	case <-tctx.Done():
		fmt.Println("DEBUG tctx.Done ctx.Err=", ctx.Err(), "tctx.Err=", tctx.Err())
		if ctx.Err() != nil {
			// Session closed: the response is discarded, never answered late.
			return
		}
		d.reply(ctx, req.ID, http.StatusGatewayTimeout, jsonError("request deadline exceeded"))
	}
}

// reply emits a dispatcher-synthesized response (409/503/504).
func (d *Dispatcher) reply(ctx context.Context, id string, status int, body []byte) {
	f := ResponseFrame(id, status, map[string]string{"Content-Type": "application/json"}, body)
	_ = d.send(ctx, f)
}

func jsonError(msg string) []byte {
	return []byte(fmt.Sprintf(`{"error":%q}`, msg))
}
