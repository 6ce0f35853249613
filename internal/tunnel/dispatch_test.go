package tunnel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/keepalive"
)

// frameSink collects frames a dispatcher emits.
type frameSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *frameSink) send(ctx context.Context, f Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) snapshot() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *frameSink) waitN(t *testing.T, n int, timeout time.Duration) []Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fs := s.snapshot(); len(fs) >= n {
			return fs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(s.snapshot()))
	return nil
}

func okInvoke(status int, body string) InvokeFunc {
	return func(method, path string, query, headers map[string]string, reqBody []byte) (int, map[string]string, []byte) {
		return status, map[string]string{"Content-Type": "application/json"}, []byte(body)
	}
}

func newDispatcher(invoke InvokeFunc, sink *frameSink, maxConcurrent int, timeout time.Duration) (*Dispatcher, *activity.Clock, *keepalive.Gate) {
	clock := activity.NewClock()
	gate := &keepalive.Gate{}
	return NewDispatcher(invoke, clock, gate, sink.send, maxConcurrent, timeout), clock, gate
}

func TestDispatchRoundTrip(t *testing.T) {
	sink := &frameSink{}
	d, _, _ := newDispatcher(okInvoke(200, `{"width":1920,"height":1080}`), sink, 0, 0)

	d.Handle(context.Background(), &Request{ID: "r1", Method: "GET", Path: "/computer/display/dimensions"}, nil)

	frames := sink.waitN(t, 1, 2*time.Second)
	resp := frames[0]
	if resp.Kind != KindResponse || resp.Response.ID != "r1" {
		t.Fatalf("frame = %+v, want response for r1", resp)
	}
	if resp.Response.Status != 200 || string(resp.Body) != `{"width":1920,"height":1080}` {
		t.Errorf("response = %d %s", resp.Response.Status, resp.Body)
	}
}

func TestDispatchTouchesActivityClock(t *testing.T) {
	sink := &frameSink{}
	d, clock, _ := newDispatcher(okInvoke(204, ""), sink, 0, 0)
	clock.TouchNow()

	d.Handle(context.Background(), &Request{ID: "r1", Method: "POST", Path: "/x"}, nil)
	sink.waitN(t, 1, 2*time.Second)

	if idle := clock.IdleFor(); idle > 8*time.Second {
		t.Errorf("idle = %v after dispatched request", idle)
	}
}

func TestDuplicateIDGets409(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	invoke := func(method, path string, query, headers map[string]string, body []byte) (int, map[string]string, []byte) {
		started <- struct{}{}
		<-release
		return 200, nil, []byte("first")
	}
	sink := &frameSink{}
	d, _, _ := newDispatcher(invoke, sink, 0, 0)

	ctx := context.Background()
	d.Handle(ctx, &Request{ID: "dup", Method: "GET", Path: "/slow"}, nil)
	<-started
	d.Handle(ctx, &Request{ID: "dup", Method: "GET", Path: "/slow"}, nil)

	frames := sink.waitN(t, 1, 2*time.Second)
	if frames[0].Response.Status != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", frames[0].Response.Status)
	}

	close(release)
	frames = sink.waitN(t, 2, 2*time.Second)
	if frames[1].Response.Status != 200 || string(frames[1].Body) != "first" {
		t.Errorf("first request was affected by the duplicate: %+v", frames[1])
	}
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 2
	var current, peak atomic.Int32
	release := make(chan struct{})
	invoke := func(method, path string, query, headers map[string]string, body []byte) (int, map[string]string, []byte) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return 204, nil, nil
	}
	sink := &frameSink{}
	d, _, _ := newDispatcher(invoke, sink, limit, 0)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		d.Handle(ctx, &Request{ID: string(rune('a' + i)), Method: "GET", Path: "/x"}, nil)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	sink.waitN(t, 6, 5*time.Second)

	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency = %d, want <= %d", p, limit)
	}
}

func TestTimeoutProduces504(t *testing.T) {
	invoke := func(method, path string, query, headers map[string]string, body []byte) (int, map[string]string, []byte) {
		time.Sleep(2 * time.Second)
		return 200, nil, nil
	}
	sink := &frameSink{}
	d, _, _ := newDispatcher(invoke, sink, 0, 30*time.Millisecond)

	d.Handle(context.Background(), &Request{ID: "slow", Method: "GET", Path: "/x"}, nil)
	frames := sink.waitN(t, 1, 2*time.Second)
	if frames[0].Response.Status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", frames[0].Response.Status)
	}
}

func TestSessionCloseDiscardsResponse(t *testing.T) {
	started := make(chan struct{}, 1)
	invoke := func(method, path string, query, headers map[string]string, body []byte) (int, map[string]string, []byte) {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		return 200, nil, []byte("late")
	}
	sink := &frameSink{}
	d, _, _ := newDispatcher(invoke, sink, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	d.Handle(ctx, &Request{ID: "doomed", Method: "GET", Path: "/x"}, nil)
	<-started
	cancel()

	if !d.Wait(2 * time.Second) {
		t.Fatal("worker did not finish after cancel")
	}
	time.Sleep(20 * time.Millisecond)
	for _, f := range sink.snapshot() {
		if f.Response != nil && f.Response.ID == "doomed" && f.Response.Status == 200 {
			t.Errorf("response emitted after session close: %+v", f)
		}
	}
}

func TestDrainRejectsNewRequests(t *testing.T) {
	sink := &frameSink{}
	d, _, _ := newDispatcher(okInvoke(200, "ok"), sink, 0, 0)
	d.Drain()

	d.Handle(context.Background(), &Request{ID: "late", Method: "GET", Path: "/x"}, nil)
	frames := sink.waitN(t, 1, 2*time.Second)
	if frames[0].Response.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", frames[0].Response.Status)
	}
}

func TestDispatchWaitsForExclusiveGate(t *testing.T) {
	var invoked atomic.Bool
	invoke := func(method, path string, query, headers map[string]string, body []byte) (int, map[string]string, []byte) {
		invoked.Store(true)
		return 204, nil, nil
	}
	sink := &frameSink{}
	d, _, gate := newDispatcher(invoke, sink, 0, 0)

	gate.Lock() // keepalive action in progress
	d.Handle(context.Background(), &Request{ID: "r1", Method: "POST", Path: "/x"}, nil)

	time.Sleep(50 * time.Millisecond)
	if invoked.Load() {
		t.Fatal("handler ran while the keepalive gate was held exclusively")
	}
	gate.Unlock()

	sink.waitN(t, 1, 2*time.Second)
	if !invoked.Load() {
		t.Error("handler never ran after gate release")
	}
}
