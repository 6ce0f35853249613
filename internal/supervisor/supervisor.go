// Package supervisor owns the session lifecycle: connect, detect loss, back
// off, reconnect. It is the only component allowed to create sessions.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/config"
	"github.com/cyberdesk/cyberdriver/internal/keepalive"
	"github.com/cyberdesk/cyberdriver/internal/tunnel"
)

// StableAfter is how long a session must stay up for the backoff schedule
// to reset. Shorter sessions count as consecutive failures.
const StableAfter = 30 * time.Second

// KeepaliveControl is the slice of the keepalive worker the supervisor
// drives. Nil when keepalive is disabled.
type KeepaliveControl interface {
	Pause()
	Resume()
}

// Supervisor runs the reconnect loop and exposes the enable/disable toggle.
// While disabled the local HTTP surface keeps serving and the keepalive
// worker is paused; only the tunnel is down.
type Supervisor struct {
	cfg          *config.Config
	invoke       tunnel.InvokeFunc
	clock        *activity.Clock
	gate         *keepalive.Gate
	capabilities []string
	ka           KeepaliveControl

	mu            sync.Mutex
	enabled       bool
	backoff       *Backoff
	cancelSession context.CancelFunc
	kick          chan struct{}
}

// New wires a supervisor. capabilities is what Hello advertises; ka may be
// nil.
func New(cfg *config.Config, invoke tunnel.InvokeFunc, clock *activity.Clock,
	gate *keepalive.Gate, capabilities []string, ka KeepaliveControl) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		invoke:       invoke,
		clock:        clock,
		gate:         gate,
		capabilities: capabilities,
		ka:           ka,
		enabled:      true,
		backoff:      NewBackoff(),
		kick:         make(chan struct{}, 1),
	}
}

// Enable (re)starts the tunnel immediately with a fresh backoff schedule.
func (s *Supervisor) Enable() {
	s.mu.Lock()
	already := s.enabled
	s.enabled = true
	s.backoff.Reset()
	s.mu.Unlock()
	if !already {
		log.Printf("tunnel enabled")
	}
	s.wake()
}

// Disable tears down the current session (cancelling its in-flight work and
// any pending reconnect sleep) and pauses the keepalive worker.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	already := !s.enabled
	s.enabled = false
	cancel := s.cancelSession
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !already {
		log.Printf("tunnel disabled")
	}
	s.wake()
}

// Enabled reports the current toggle state.
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Supervisor) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx ends or the cloud rejects the handshake. A rejection
// is fatal misconfiguration: retrying would hammer the cloud with the same
// bad credentials, so the error is returned to the caller.
func (s *Supervisor) Run(ctx context.Context) error {
	tlsCfg, err := s.cfg.TLSClientConfig()
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.Enabled() {
			if s.ka != nil {
				s.ka.Pause()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-s.kick:
			}
			continue
		}
		if s.ka != nil && s.cfg.Keepalive.Enabled {
			s.ka.Resume()
		}

		sctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelSession = cancel
		s.mu.Unlock()

		sess := tunnel.NewSession(tunnel.SessionConfig{
			Host:         s.cfg.Host,
			Secret:       s.cfg.Secret,
			TLS:          tlsCfg,
			MaxFrameBody: s.cfg.MaxFrameBody,
			Hello: tunnel.Hello{
				Fingerprint:  s.cfg.Fingerprint,
				Version:      s.cfg.Version,
				Capabilities: s.capabilities,
				KeepaliveFor: s.cfg.Keepalive.For,
			},
			Invoke: s.invoke,
			Clock:  s.clock,
			Gate:   s.gate,
		})

		start := time.Now()
		err := sess.Run(sctx)
		cancel()

		s.mu.Lock()
		s.cancelSession = nil
		s.mu.Unlock()

		if tunnel.IsFatal(err) {
			log.Printf("fatal: %v", err)
			return err
		}
		if err != nil {
			log.Printf("session ended: %v", err)
		}

		s.mu.Lock()
		if time.Since(start) >= StableAfter {
			s.backoff.Reset()
		}
		wait := s.backoff.Next()
		s.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		log.Printf("reconnecting in %s", wait.Round(100*time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			// Toggle flipped: re-evaluate state immediately.
		case <-time.After(wait):
		}
	}
}
