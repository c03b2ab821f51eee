// Package session implements one authenticated connection to a HUELLA
// device: the command channel, PIN handshake, configuration exchange,
// streaming controller and telemetry window, plus the disconnect monitor
// that tears them down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/groutine"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
)

// closeStopTimeout bounds the STREAM_STOP sent when a streaming session is closed.
const closeStopTimeout = 2 * time.Second

// Options configures a session. Zero values select defaults.
type Options struct {
	AuthTimeout    time.Duration
	WindowCapacity int
	IngestBuffer   int
	Presenter      Presenter
	Recorder       Recorder
	Connect        *device.ConnectOptions
}

// Session is one connected device. Sessions are independent; nothing is
// shared between them.
type Session struct {
	id     string
	link   device.Link
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	authenticated atomic.Bool
	channel       *Channel
	auth          *authGate
	stream        *Streamer
	window        *telemetry.Window

	presenter Presenter
	recorder  Recorder

	subsMu sync.Mutex
	subs   []device.Subscription

	lastStatus atomic.Pointer[protocol.StatusEvent]

	teardownOnce sync.Once
	consumerDone <-chan struct{}
}

// Open connects to address and starts a session on the resulting link.
func Open(ctx context.Context, transport device.Transport, address string, opts Options, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}
	link, err := transport.Connect(ctx, address, opts.Connect)
	if err != nil {
		return nil, &protocol.TransportError{Op: "connect " + address, Role: device.RoleCommand, Err: err}
	}

	s, err := New(link, opts, logger)
	if err != nil {
		if closeErr := link.Close(); closeErr != nil {
			logger.WithField("error", closeErr).Warn("Failed to close link after session setup failure")
		}
		return nil, err
	}
	return s, nil
}

// New starts a session on an established link: it subscribes to the status
// and data characteristics and starts the sample consumer and disconnect
// monitor.
func New(link device.Link, opts Options, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		id:        uuid.NewString(),
		link:      link,
		logger:    logger,
		window:    telemetry.NewWindow(opts.WindowCapacity),
		presenter: opts.Presenter,
		recorder:  opts.Recorder,
	}
	if s.presenter == nil {
		s.presenter = PresenterFuncs{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.channel = newChannel(link, logger)
	s.auth = newAuthGate(opts.AuthTimeout, &s.authenticated, logger)
	s.stream = newStreamer(s, opts.IngestBuffer)

	for _, sub := range []struct {
		role device.Role
		fn   func([]byte)
	}{
		{device.RoleStatus, s.handleStatus},
		{device.RoleData, s.stream.handleData},
	} {
		h, err := link.Subscribe(sub.role, sub.fn)
		if err != nil {
			s.cancel(err)
			s.unsubscribeAll()
			return nil, &protocol.TransportError{Op: "subscribe", Role: sub.role, Err: err}
		}
		s.subs = append(s.subs, h)
	}

	s.consumerDone = groutine.GoDone(s.ctx, "stream-ingest", s.stream.consume)
	groutine.Go(s.ctx, "session-monitor", s.monitor)

	s.recorder.RecordDevice(link.Address(), link.Name())

	logger.WithFields(logrus.Fields{
		"session": s.id,
		"address": link.Address(),
		"name":    link.Name(),
	}).Info("Device session opened")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Address returns the device address.
func (s *Session) Address() string { return s.link.Address() }

// Name returns the advertised device name.
func (s *Session) Name() string { return s.link.Name() }

// Window returns the session's telemetry window.
func (s *Session) Window() *telemetry.Window { return s.window }

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns nil while the session is open, ErrSessionClosed after Close and
// ErrConnectionLost after the peripheral went away.
func (s *Session) Err() error {
	return context.Cause(s.ctx)
}

// LastStatus returns the most recent status notification.
func (s *Session) LastStatus() (protocol.StatusEvent, bool) {
	if ev := s.lastStatus.Load(); ev != nil {
		return *ev, true
	}
	return protocol.StatusEvent{}, false
}

func (s *Session) alive() error {
	if err := context.Cause(s.ctx); err != nil {
		return err
	}
	return nil
}

// Send forwards cmd on the command channel. Everything except AUTH requires
// authentication. Stream commands must go through StartStreaming and
// StopStreaming so the controller state stays consistent.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Op {
	case protocol.OpAuth:
		if err := s.alive(); err != nil {
			return err
		}
	case protocol.OpStreamStart, protocol.OpStreamStop:
		return fmt.Errorf("%w: %s is managed by the streaming controller", ErrInvalidState, cmd.Op)
	default:
		if err := s.requireAuth(); err != nil {
			return err
		}
	}
	return s.channel.Send(ctx, cmd)
}

// SendNamed sends {"cmd": name}.
func (s *Session) SendNamed(ctx context.Context, name string) error {
	return s.Send(ctx, protocol.Named(name))
}

func (s *Session) handleStatus(data []byte) {
	ev, err := protocol.DecodeStatus(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"session": s.id,
			"error":   err,
		}).Warn("Ignoring malformed status notification")
		return
	}

	s.lastStatus.Store(&ev)
	s.auth.handle(ev)
	s.presenter.OnStatus(ev)
}

// monitor waits for the link to go down or the session to close.
func (s *Session) monitor(ctx context.Context) {
	select {
	case <-s.link.Disconnected():
		s.lost()
	case <-ctx.Done():
	}
}

// lost tears the session down after an unexpected disconnect and notifies the
// presenter exactly once.
func (s *Session) lost() {
	fired := false
	s.teardownOnce.Do(func() {
		fired = true
		s.cancel(ErrConnectionLost)
		wasStreaming := s.stream.forceIdle("link lost")
		s.auth.abort(ErrConnectionLost)
		s.authenticated.Store(false)

		s.logger.WithFields(logrus.Fields{
			"session":   s.id,
			"address":   s.link.Address(),
			"streaming": wasStreaming,
		}).Warn("Device connection lost")

		if err := s.link.Close(); err != nil {
			s.logger.WithField("error", err).Debug("Closing lost link returned an error")
		}
	})
	if fired {
		s.presenter.OnDisconnected(ErrConnectionLost)
	}
}

// Close ends the session. An active stream is stopped on the device
// (best-effort) before the link is closed. The presenter is not notified.
func (s *Session) Close() error {
	var closeErr error
	closed := false
	s.teardownOnce.Do(func() {
		closed = true

		if s.stream.State() != Idle {
			ctx, cancel := context.WithTimeout(context.Background(), closeStopTimeout)
			if err := s.stream.Stop(ctx); err != nil {
				s.logger.WithField("error", err).Warn("Failed to stop stream while closing session")
			}
			cancel()
		}

		s.cancel(ErrSessionClosed)
		s.auth.abort(ErrSessionClosed)
		s.authenticated.Store(false)
		s.unsubscribeAll()
		closeErr = s.link.Close()
	})
	if !closed {
		return nil
	}

	<-s.consumerDone
	s.logger.WithField("session", s.id).Info("Device session closed")
	if closeErr != nil && !errors.Is(closeErr, device.ErrNotConnected) {
		return fmt.Errorf("close link: %w", closeErr)
	}
	return nil
}

func (s *Session) unsubscribeAll() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.WithField("error", err).Debug("Unsubscribe failed during teardown")
		}
	}
}
