package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/protocol"
)

// DefaultAuthTimeout bounds the wait for AUTH_OK / AUTH_FAIL.
const DefaultAuthTimeout = 5 * time.Second

type authResult struct {
	ok  bool
	err error
}

type authAttempt struct {
	once   sync.Once
	result chan authResult

	// prev is the attempt this one replaces once its AUTH write is accepted.
	prev      *authAttempt
	abandoned bool // guarded by authGate.mu
}

func (a *authAttempt) resolve(ok bool, err error) {
	a.once.Do(func() {
		a.result <- authResult{ok: ok, err: err}
	})
}

// authGate tracks the single pending authentication attempt.
type authGate struct {
	mu            sync.Mutex
	pending       *authAttempt
	timeout       time.Duration
	authenticated *atomic.Bool
	logger        *logrus.Logger
}

func newAuthGate(timeout time.Duration, flag *atomic.Bool, logger *logrus.Logger) *authGate {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &authGate{timeout: timeout, authenticated: flag, logger: logger}
}

// begin registers a new attempt so replies reach it. The previous attempt is
// kept aside until commit or rollback.
func (g *authGate) begin() *authAttempt {
	a := &authAttempt{result: make(chan authResult, 1)}

	g.mu.Lock()
	a.prev = g.pending
	g.pending = a
	g.mu.Unlock()
	return a
}

// commit supersedes the previous attempt once a's AUTH write was accepted.
func (g *authGate) commit(a *authAttempt) {
	g.mu.Lock()
	prev := a.prev
	a.prev = nil
	g.mu.Unlock()

	if prev != nil {
		g.logger.Debug("Pending authentication superseded by a new attempt")
		prev.resolve(false, nil)
	}
}

// rollback undoes begin after a's AUTH write failed. The previous attempt
// becomes pending again; a reply that arrived meanwhile is handed to it.
func (g *authGate) rollback(a *authAttempt) {
	g.mu.Lock()
	prev := a.prev
	a.prev = nil
	a.abandoned = true
	if prev != nil && prev.abandoned {
		prev = nil
	}
	if g.pending == a {
		g.pending = prev
		prev = nil
	}
	g.mu.Unlock()

	if prev == nil {
		return
	}
	select {
	case r := <-a.result:
		prev.resolve(r.ok, r.err)
	default:
	}
}

// forget drops a if it is still the pending attempt.
func (g *authGate) forget(a *authAttempt) {
	g.mu.Lock()
	a.abandoned = true
	if g.pending == a {
		g.pending = nil
	}
	g.mu.Unlock()
}

// handle resolves the pending attempt from a status event. Replies with no
// pending attempt are late answers to superseded or timed-out attempts.
func (g *authGate) handle(ev protocol.StatusEvent) {
	if !ev.IsAuthResult() {
		return
	}

	g.mu.Lock()
	a := g.pending
	g.pending = nil
	g.mu.Unlock()

	if a == nil {
		g.logger.WithField("status", ev.Status).Debug("Ignoring authentication reply with no pending attempt")
		return
	}

	ok := ev.Status == protocol.StatusAuthOK
	g.authenticated.Store(ok)
	a.resolve(ok, nil)
}

// abort fails the pending attempt and any attempt it was about to replace.
// Used on teardown.
func (g *authGate) abort(err error) {
	g.mu.Lock()
	a := g.pending
	g.pending = nil
	var prev *authAttempt
	if a != nil {
		prev = a.prev
		a.prev = nil
	}
	g.mu.Unlock()

	if a != nil {
		a.resolve(false, err)
	}
	if prev != nil {
		prev.resolve(false, err)
	}
}

// Authenticate performs the PIN handshake.
//
// It returns (true, nil) on AUTH_OK and (false, nil) on AUTH_FAIL, on timeout
// or when a newer attempt supersedes this one. A failure to send the AUTH
// command returns (false, *AuthError). Link loss while waiting returns
// (false, ErrConnectionLost).
func (s *Session) Authenticate(ctx context.Context, pin string) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}

	data, err := protocol.Auth(pin).Encode()
	if err != nil {
		return false, &AuthError{Err: err}
	}

	// A busy channel must not disturb the attempt already pending.
	release, err := s.channel.reserve()
	if err != nil {
		return false, &AuthError{Err: err}
	}

	// Register before sending so a fast reply cannot be missed.
	attempt := s.auth.begin()
	err = s.channel.write(ctx, device.RoleCommand, "send "+protocol.OpAuth, data)
	release()
	if err != nil {
		s.auth.rollback(attempt)
		return false, &AuthError{Err: err}
	}
	s.auth.commit(attempt)

	timer := time.NewTimer(s.auth.timeout)
	defer timer.Stop()

	select {
	case r := <-attempt.result:
		s.logger.WithFields(logrus.Fields{
			"session":       s.id,
			"authenticated": r.ok,
		}).Info("Authentication completed")
		return r.ok, r.err
	case <-timer.C:
		s.auth.forget(attempt)
		s.logger.WithFields(logrus.Fields{
			"session": s.id,
			"timeout": s.auth.timeout,
		}).Warn("Authentication timed out")
		return false, nil
	case <-ctx.Done():
		s.auth.forget(attempt)
		return false, ctx.Err()
	}
}

// Authenticated reports whether the last completed handshake succeeded.
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

func (s *Session) requireAuth() error {
	if err := s.alive(); err != nil {
		return err
	}
	if !s.authenticated.Load() {
		return ErrNotAuthenticated
	}
	return nil
}
