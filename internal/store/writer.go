package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/huella/internal/groutine"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/telemetry"
)

const (
	// DefaultWriterBuffer is the number of records queued before the oldest
	// are overwritten.
	DefaultWriterBuffer uint32 = 4096

	// MaxWriterBuffer guards against accidental misconfiguration.
	MaxWriterBuffer uint32 = 1024 * 1024

	putTimeout   = 5 * time.Second
	flushTimeout = 10 * time.Second
)

// WriterMetrics counts records handed to a Writer.
type WriterMetrics struct {
	Queued      int64
	Written     int64
	Failed      int64
	Overwritten int64
}

type pending struct {
	kind   Kind
	device DeviceRecord
	sample SampleRecord
	config ConfigSnapshot
}

// Writer persists records asynchronously. Enqueueing never blocks: when the
// store falls behind, the oldest queued records are overwritten. Failures
// are logged at warn level and counted.
//
// Writer satisfies the session recorder interface.
type Writer struct {
	store  Store
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[pending]
	wake   chan struct{}

	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once

	queued      atomic.Int64
	written     atomic.Int64
	failed      atomic.Int64
	overwritten atomic.Int64
}

// NewWriter starts a writer draining into store. A zero bufferSize selects
// DefaultWriterBuffer.
func NewWriter(store Store, bufferSize uint32, logger *logrus.Logger) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if bufferSize == 0 {
		bufferSize = DefaultWriterBuffer
	}
	if bufferSize > MaxWriterBuffer {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxWriterBuffer)
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:  store,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[pending](bufferSize),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}
	w.done = groutine.GoDone(ctx, "store-writer", w.run)
	return w, nil
}

// RecordDevice queues a device upsert.
func (w *Writer) RecordDevice(address, name string) {
	w.enqueue(pending{kind: KindDevices, device: DeviceRecord{ID: address, Name: name, LastSeen: time.Now()}})
}

// RecordSample queues a sample.
func (w *Writer) RecordSample(sessionID, address string, e telemetry.Entry) {
	w.enqueue(pending{kind: KindSamples, sample: SampleFromEntry(sessionID, address, e)})
}

// RecordConfig queues a redacted configuration snapshot.
func (w *Writer) RecordConfig(address string, doc *protocol.ConfigDocument) {
	snap, err := NewConfigSnapshot(address, doc, time.Now())
	if err != nil {
		w.failed.Add(1)
		w.logger.WithFields(logrus.Fields{
			"device": address,
			"error":  err,
		}).Warn("Failed to prepare configuration snapshot")
		return
	}
	w.enqueue(pending{kind: KindConfigs, config: snap})
}

func (w *Writer) enqueue(p pending) {
	overwrites, err := w.buffer.EnqueueM(p)
	if err != nil {
		w.failed.Add(1)
		w.logger.WithField("error", err).Warn("Persistence queue rejected a record")
		return
	}
	w.queued.Add(1)
	if overwrites > 0 {
		w.overwritten.Add(int64(overwrites))
		w.logger.WithField("overwritten", overwrites).Debug("Persistence queue full, oldest records dropped")
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			w.drain(flushCtx)
			cancel()
			return
		case <-w.wake:
			w.drain(ctx)
		}
	}
}

// drain persists queued records until the queue is empty or ctx ends.
func (w *Writer) drain(ctx context.Context) {
	for !w.buffer.IsEmpty() {
		if ctx.Err() != nil {
			return
		}
		p, err := w.buffer.Dequeue()
		if err != nil {
			return
		}
		w.put(p)
	}
}

func (w *Writer) put(p pending) {
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	var err error
	switch p.kind {
	case KindDevices:
		err = w.store.PutDevice(ctx, p.device)
	case KindSamples:
		err = w.store.PutSample(ctx, p.sample)
	case KindConfigs:
		err = w.store.PutConfigSnapshot(ctx, p.config)
	default:
		err = ErrUnknownKind
	}

	if err != nil {
		w.failed.Add(1)
		w.logger.WithFields(logrus.Fields{
			"kind":  string(p.kind),
			"error": err,
		}).Warn("Failed to persist record")
		return
	}
	w.written.Add(1)
}

// Metrics returns a snapshot of the counters.
func (w *Writer) Metrics() WriterMetrics {
	return WriterMetrics{
		Queued:      w.queued.Load(),
		Written:     w.written.Load(),
		Failed:      w.failed.Load(),
		Overwritten: w.overwritten.Load(),
	}
}

// Close stops the writer after flushing what is queued.
func (w *Writer) Close() error {
	w.closeOnce.Do(w.cancel)
	<-w.done
	return nil
}
