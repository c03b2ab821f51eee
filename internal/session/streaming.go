package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/ringchan"
)

// State is the streaming controller state.
type State int32

const (
	Idle State = iota
	Starting
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultIngestBuffer is the number of undecoded notifications queued
	// between the transport callback and the consumer.
	DefaultIngestBuffer = 1024

	// stopSendTimeout bounds the best-effort STREAM_STOP sent on expiry.
	stopSendTimeout = 5 * time.Second
)

// StreamMetrics counts data notifications.
type StreamMetrics struct {
	Received     int64 // notifications seen on the data characteristic
	Accepted     int64 // samples pushed to the window
	Discarded    int64 // notifications outside an active stream
	DecodeErrors int64 // malformed payloads
	Overwritten  int64 // queued notifications dropped because the consumer lagged
}

type ingestItem struct {
	gen  uint64
	data []byte
	at   time.Time
}

// Streamer drives Idle → Starting → Streaming → Stopping → Idle.
//
// Every transition into a new run bumps gen; timers and queued notifications
// carry the gen they were created under and are ignored once it is stale.
type Streamer struct {
	mu    sync.Mutex
	state State
	gen   uint64
	timer *time.Timer
	done  chan struct{}

	sess   *Session
	ingest *ringchan.RingChannel[ingestItem]

	received     atomic.Int64
	accepted     atomic.Int64
	discarded    atomic.Int64
	decodeErrors atomic.Int64

	now func() time.Time
}

func newStreamer(sess *Session, buffer int) *Streamer {
	if buffer <= 0 {
		buffer = DefaultIngestBuffer
	}
	done := make(chan struct{})
	close(done)
	return &Streamer{
		state:  Idle,
		done:   done,
		sess:   sess,
		ingest: ringchan.New[ingestItem](buffer),
		now:    time.Now,
	}
}

// State returns the current state.
func (st *Streamer) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Done returns a channel closed when the current run ends. When idle the
// returned channel is already closed.
func (st *Streamer) Done() <-chan struct{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.done
}

// Metrics returns a snapshot of the counters.
func (st *Streamer) Metrics() StreamMetrics {
	return StreamMetrics{
		Received:     st.received.Load(),
		Accepted:     st.accepted.Load(),
		Discarded:    st.discarded.Load(),
		DecodeErrors: st.decodeErrors.Load(),
		Overwritten:  st.ingest.GetMetrics().Overwritten,
	}
}

func (st *Streamer) log() *logrus.Entry {
	return st.sess.logger.WithField("session", st.sess.id)
}

// transitionLocked moves to next, logging the change. Caller holds mu.
func (st *Streamer) transitionLocked(next State, reason string) {
	if st.state == next {
		return
	}
	st.log().WithFields(logrus.Fields{
		"from":   st.state.String(),
		"to":     next.String(),
		"reason": reason,
	}).Debug("Streaming state changed")
	st.state = next
}

// endRunLocked returns to Idle, cancelling the timer and releasing waiters on
// Done. Caller holds mu.
func (st *Streamer) endRunLocked(reason string) {
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.state == Streaming {
		st.transitionLocked(Stopping, reason)
	}
	st.transitionLocked(Idle, reason)
	select {
	case <-st.done:
	default:
		close(st.done)
	}
}

// Start begins a stream of durationSeconds. It is only valid from Idle.
//
// The window is cleared once the device acknowledges STREAM_START; a start
// that fails keeps the previous run's samples. If Stop runs before the device
// acknowledges the start, Start sends STREAM_STOP itself and returns
// ErrStreamCancelled.
func (st *Streamer) Start(ctx context.Context, durationSeconds int) error {
	if durationSeconds <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidDuration, durationSeconds)
	}

	st.mu.Lock()
	if st.state != Idle {
		state := st.state
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	st.gen++
	gen := st.gen
	st.done = make(chan struct{})
	st.transitionLocked(Starting, "start requested")
	st.mu.Unlock()

	sendErr := st.sess.channel.Send(ctx, protocol.StreamStart(durationSeconds))

	st.mu.Lock()
	if sendErr != nil {
		if st.gen == gen {
			st.endRunLocked("start failed")
		}
		st.mu.Unlock()
		return sendErr
	}
	if st.gen != gen {
		st.mu.Unlock()
		if cause := context.Cause(st.sess.ctx); cause != nil {
			return cause
		}
		st.log().Info("Stream stopped before start was acknowledged, sending stop")
		if err := st.sess.channel.Send(ctx, protocol.StreamStop()); err != nil {
			st.log().WithField("error", err).Warn("Failed to send stop for cancelled stream")
		}
		return ErrStreamCancelled
	}

	duration := time.Duration(durationSeconds) * time.Second
	st.sess.window.Clear()
	st.timer = time.AfterFunc(duration, func() { st.expire(gen) })
	st.transitionLocked(Streaming, "start acknowledged")
	st.mu.Unlock()

	st.log().WithField("duration", duration).Info("Streaming started")
	return nil
}

// Stop ends the current stream. Local state becomes Idle before STREAM_STOP
// is sent; a send failure is returned but does not change the state.
// Stopping while Starting leaves the STREAM_STOP to Start. Stop is a no-op
// when Idle.
func (st *Streamer) Stop(ctx context.Context) error {
	return st.stop(ctx, 0, "stop requested")
}

// stop ends the run identified by gen, or any run when gen is zero.
func (st *Streamer) stop(ctx context.Context, gen uint64, reason string) error {
	st.mu.Lock()
	if gen != 0 && gen != st.gen {
		st.mu.Unlock()
		return nil
	}
	switch st.state {
	case Idle, Stopping:
		st.mu.Unlock()
		return nil
	case Starting:
		st.endRunLocked(reason)
		st.mu.Unlock()
		return nil
	}
	st.endRunLocked(reason)
	st.mu.Unlock()

	st.log().WithField("reason", reason).Info("Streaming stopped")

	if err := st.sess.channel.Send(ctx, protocol.StreamStop()); err != nil {
		st.log().WithField("error", err).Warn("STREAM_STOP not delivered, local state is idle")
		return err
	}
	return nil
}

// expire is the deadline timer callback.
func (st *Streamer) expire(gen uint64) {
	ctx, cancel := context.WithTimeout(st.sess.ctx, stopSendTimeout)
	defer cancel()
	if err := st.stop(ctx, gen, "duration elapsed"); err != nil && !errors.Is(err, context.Canceled) {
		st.log().WithField("error", err).Debug("Stop on expiry returned an error")
	}
}

// forceIdle ends any run without talking to the device. It reports whether a
// run was active.
func (st *Streamer) forceIdle(reason string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == Idle {
		return false
	}
	st.endRunLocked(reason)
	return true
}

// handleData is the data notification callback. It never blocks.
func (st *Streamer) handleData(data []byte) {
	st.received.Add(1)

	st.mu.Lock()
	state, gen := st.state, st.gen
	st.mu.Unlock()

	if state != Streaming {
		st.discarded.Add(1)
		return
	}
	st.ingest.ForceSend(ingestItem{gen: gen, data: data, at: st.now()})
}

// consume processes queued notifications in arrival order until ctx ends.
func (st *Streamer) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-st.ingest.C():
			if !ok {
				return
			}
			st.process(item)
		}
	}
}

func (st *Streamer) process(item ingestItem) {
	sample, err := protocol.DecodeSample(item.data, item.at)
	if err != nil {
		st.decodeErrors.Add(1)
		st.log().WithFields(logrus.Fields{
			"error":   err,
			"payload": string(item.data),
		}).Warn("Dropping malformed sample")
		return
	}

	// Push under mu so a concurrent Stop cannot interleave between the
	// generation check and the window mutation.
	st.mu.Lock()
	if st.state != Streaming || st.gen != item.gen {
		st.mu.Unlock()
		st.discarded.Add(1)
		return
	}
	entry, _ := st.sess.window.Push(sample)
	st.mu.Unlock()

	st.accepted.Add(1)
	st.sess.presenter.OnSample(entry)
	st.sess.recorder.RecordSample(st.sess.id, st.sess.link.Address(), entry)
}

// StartStreaming starts a timed stream. Requires authentication.
func (s *Session) StartStreaming(ctx context.Context, durationSeconds int) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	return s.stream.Start(ctx, durationSeconds)
}

// StopStreaming stops the current stream; idempotent.
func (s *Session) StopStreaming(ctx context.Context) error {
	return s.stream.Stop(ctx)
}

// Background applies the implicit stop used when the consuming surface can
// no longer render samples.
func (s *Session) Background(ctx context.Context) error {
	return s.stream.stop(ctx, 0, "surface backgrounded")
}

// Streamer exposes the streaming controller for state and metrics.
func (s *Session) Streamer() *Streamer {
	return s.stream
}
