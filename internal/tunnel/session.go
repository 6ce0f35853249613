package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/keepalive"
)

// Timing constants for the session runtime. PingInterval must stay well
// under DeadAfter so a healthy peer always has a pong in flight before the
// inbound deadline expires.
const (
	DialTimeout      = 10 * time.Second
	HandshakeTimeout = 10 * time.Second
	PingInterval     = 20 * time.Second
	DeadAfter        = 45 * time.Second
	DrainTimeout     = 5 * time.Second
	WriteTimeout     = 10 * time.Second

	outboundDepth = 64
)

// SessionConfig carries everything one session needs. The supervisor builds
// one per connection attempt.
type SessionConfig struct {
	// Host is the cloud base URL (ws:// or wss://).
	Host   string
	Secret string

	TLS *tls.Config

	Hello        Hello
	MaxFrameBody int64

	Invoke InvokeFunc
	Clock  *activity.Clock
	Gate   *keepalive.Gate

	// MaxConcurrent and RequestTimeout tune the dispatcher; zero means
	// default.
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// Session is one WebSocket conversation with the cloud, from Hello to close.
// It is a one-shot object: Run may be called exactly once, never retries,
// and leaves reconnect policy to the supervisor.
type Session struct {
	cfg       SessionConfig
	outbound  chan Frame
	draining  atomic.Bool
	sessionID string
}

// NewSession prepares a session; nothing happens until Run.
func NewSession(cfg SessionConfig) *Session {
	if cfg.MaxFrameBody <= 0 {
		cfg.MaxFrameBody = 64 << 20
	}
	return &Session{
		cfg:      cfg,
		outbound: make(chan Frame, outboundDepth),
	}
}

// ID returns the cloud-assigned session id, available once Running.
func (s *Session) ID() string { return s.sessionID }

// agentURL builds the dial target carrying the shared secret.
func agentURL(host, secret string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host %q: %w", host, err)
	}
	u.Path = "/agent"
	q := u.Query()
	q.Set("secret", secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials, handshakes, and pumps frames until the connection dies or ctx
// is cancelled. The returned error classifies the ending: nil for a graceful
// Bye or for ctx cancellation once the session is running (cancellation
// during dial or handshake returns that step's error), *RejectedError for a
// fatal handshake refusal,
// anything else for a transport or protocol fault the supervisor should
// retry.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	target, err := agentURL(s.cfg.Host, s.cfg.Secret)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  s.cfg.TLS,
		HandshakeTimeout: DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Host, err)
	}
	defer conn.Close()

	// Unblock the reader when the supervisor cancels us; ReadMessage only
	// returns on socket activity or deadline otherwise.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	welcome, err := s.handshake(conn)
	if err != nil {
		return err
	}
	s.sessionID = welcome.SessionID
	log.Printf("session %s established", s.sessionID)

	disp := NewDispatcher(s.cfg.Invoke, s.cfg.Clock, s.cfg.Gate, s.enqueue,
		s.cfg.MaxConcurrent, s.cfg.RequestTimeout)

	writerDone := make(chan error, 1)
	go func() { writerDone <- s.writeLoop(ctx, conn) }()

	readErr := s.readLoop(ctx, conn, disp)

	if s.draining.Load() {
		// Graceful Bye: let in-flight responses flush before tearing down.
		// The writer is still alive here and keeps emptying the queue.
		fmt.Println("DEBUG: draining start", time.Now())
		disp.Drain()
		ok := disp.Wait(DrainTimeout)
		fmt.Println("DEBUG: disp.Wait returned", ok, time.Now())
		s.awaitFlush(time.Second)
		fmt.Println("DEBUG: awaitFlush done, outbound len=", len(s.outbound), time.Now())
	} else if errors.Is(readErr, ErrProtocol) {
		// Give the writer a beat to put our Bye on the wire.
		s.awaitFlush(time.Second)
	}

	fmt.Println("DEBUG: about to cancel+close", time.Now())
	cancel() // cancels every in-flight dispatch worker
	conn.Close()
	<-writerDone

	return readErr
}

// awaitFlush waits for the outbound queue to empty, bounded by timeout. The
// writer goroutine is doing the actual sending.
func (s *Session) awaitFlush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.outbound) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// handshake sends Hello and expects Welcome within the handshake window.
func (s *Session) handshake(conn *websocket.Conn) (*Welcome, error) {
	data, err := Encode(HelloFrame(s.cfg.Hello))
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(HandshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	f, err := Decode(msg, s.cfg.MaxFrameBody)
	if err != nil {
		return nil, err
	}
	if f.Kind != KindWelcome {
		return nil, fmt.Errorf("%w: expected welcome, got %s", ErrProtocol, f.Kind)
	}
	if f.Welcome.Rejected != "" {
		return nil, &RejectedError{Reason: f.Welcome.Rejected}
	}
	return f.Welcome, nil
}

// enqueue places a frame on the outbound queue, blocking for backpressure.
// It fails only when the session is shutting down.
func (s *Session) enqueue(ctx context.Context, f Frame) error {
	select {
	case s.outbound <- f:
		fmt.Println("DEBUG enqueue ok", f.Kind, time.Now())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single owner of the socket send side. Outbound frames are
// serialized in the order they are accepted; after PingInterval without
// traffic it emits a ping with a fresh nonce.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	var nonce int64 = rand.Int63()
	idle := time.NewTimer(PingInterval)
	defer idle.Stop()

	writeFrame := func(f Frame) error {
		data, err := Encode(f)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.outbound:
			fmt.Println("DEBUG writeLoop dequeued", f.Kind, time.Now())
			if err := writeFrame(f); err != nil {
				fmt.Println("DEBUG writeFrame err", err, time.Now())
				return fmt.Errorf("write %s: %w", f.Kind, err)
			}
			fmt.Println("DEBUG writeFrame ok", f.Kind, time.Now())
		case <-idle.C:
			nonce++
			if err := writeFrame(PingFrame(nonce)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(PingInterval)
	}
}

// readLoop decodes and routes inbound frames until the socket dies, the
// peer says Bye, or ctx is cancelled. A decode failure is a protocol fault:
// the peer gets a Bye and the session ends.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, disp *Dispatcher) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(DeadAfter))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		f, err := Decode(msg, s.cfg.MaxFrameBody)
		if err != nil {
			log.Printf("session %s: protocol fault: %v", s.sessionID, err)
			_ = s.enqueue(ctx, ByeFrame(ByeProtocolError, err.Error()))
			return err
		}

		switch f.Kind {
		case KindRequest:
			log.Printf("DEBUG: got request frame id=%s", f.Request.ID)
			disp.Handle(ctx, f.Request, f.Body)
		case KindPing:
			if err := s.enqueue(ctx, PongFrame(f.Ping.Nonce)); err != nil {
				return nil
			}
		case KindPong:
			// The read deadline was already refreshed by the read itself.
		case KindBye:
			log.Printf("session %s: peer closed: %s", s.sessionID, f.Bye.ReasonCode)
			s.draining.Store(true)
			return nil
		default:
			err := fmt.Errorf("%w: unexpected %s frame mid-session", ErrProtocol, f.Kind)
			_ = s.enqueue(ctx, ByeFrame(ByeProtocolError, err.Error()))
			return err
		}
	}
}

// IsFatal reports whether err should stop the reconnect loop entirely.
func IsFatal(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
