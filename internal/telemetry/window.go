package telemetry

import (
	"fmt"
	"sync"
)

// DefaultCapacity is the number of samples a window keeps by default.
const DefaultCapacity = 500

// Representation selects which values statistics and points are computed on.
type Representation int

const (
	Raw Representation = iota
	Calibrated
)

func (r Representation) String() string {
	switch r {
	case Raw:
		return "raw"
	case Calibrated:
		return "calibrated"
	default:
		return fmt.Sprintf("representation(%d)", int(r))
	}
}

// ParseRepresentation accepts "raw", "calibrated" and "g".
func ParseRepresentation(s string) (Representation, error) {
	switch s {
	case "raw":
		return Raw, nil
	case "calibrated", "g":
		return Calibrated, nil
	default:
		return Raw, fmt.Errorf("unknown representation %q (expected raw or calibrated)", s)
	}
}

// Entry is a buffered sample with its sequence number and calibrated value.
type Entry struct {
	Seq        uint64
	Sample     Sample
	Calibrated Vector
}

// Point is one plotted position: the sequence number and the three axes in a
// single representation.
type Point struct {
	Seq     uint64
	X, Y, Z float64
}

// Window is a fixed-capacity FIFO of samples backed by a ring buffer.
//
// Push and evict are O(1). Readers copy the buffered entries under a read
// lock and compute outside it, so statistics and export never stall ingest
// for longer than the copy.
type Window struct {
	mu   sync.RWMutex
	buf  []Entry
	head int // index of the oldest entry
	n    int

	nextSeq uint64
	cal     Calibration
	rep     Representation
}

// NewWindow creates an empty window. A non-positive capacity selects
// DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		buf: make([]Entry, capacity),
		cal: DefaultCalibration(),
		rep: Raw,
	}
}

// Push appends s, evicting the oldest entry when full. It returns the stored
// entry and whether an older entry was evicted.
func (w *Window) Push(s Sample) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := Entry{Seq: w.nextSeq, Sample: s, Calibrated: w.cal.Apply(s)}
	w.nextSeq++

	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = e
		w.n++
		return e, false
	}
	w.buf[w.head] = e
	w.head = (w.head + 1) % len(w.buf)
	return e, true
}

// Recalibrate replaces the factors and recomputes every buffered calibrated
// value from its raw sample.
func (w *Window) Recalibrate(c Calibration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cal = c
	for i := 0; i < w.n; i++ {
		e := &w.buf[(w.head+i)%len(w.buf)]
		e.Calibrated = c.Apply(e.Sample)
	}
}

// Factors returns the current calibration.
func (w *Window) Factors() Calibration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cal
}

// Snapshot copies the buffered entries, oldest first.
func (w *Window) Snapshot() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

func (w *Window) snapshotLocked() []Entry {
	out := make([]Entry, w.n)
	first := copy(out, w.buf[w.head:min(w.head+w.n, len(w.buf))])
	copy(out[first:], w.buf[:w.n-first])
	return out
}

// Points returns the buffered entries projected onto rep.
func (w *Window) Points(rep Representation) []Point {
	entries := w.Snapshot()
	out := make([]Point, len(entries))
	for i, e := range entries {
		out[i] = project(e, rep)
	}
	return out
}

func project(e Entry, rep Representation) Point {
	if rep == Calibrated {
		return Point{Seq: e.Seq, X: e.Calibrated.X, Y: e.Calibrated.Y, Z: e.Calibrated.Z}
	}
	return Point{Seq: e.Seq, X: float64(e.Sample.X), Y: float64(e.Sample.Y), Z: float64(e.Sample.Z)}
}

// Clear drops every entry and restarts sequence numbering at zero.
// Capacity, calibration and representation are kept.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	clear(w.buf)
	w.head, w.n, w.nextSeq = 0, 0, 0
}

// SetCapacity resizes the window, keeping the newest entries.
func (w *Window) SetCapacity(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("window capacity must be positive, got %d", capacity)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.snapshotLocked()
	if len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	w.buf = make([]Entry, capacity)
	copy(w.buf, entries)
	w.head, w.n = 0, len(entries)
	return nil
}

// SetRepresentation selects the representation Statistics uses.
func (w *Window) SetRepresentation(rep Representation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rep = rep
}

// Representation returns the selected representation.
func (w *Window) Representation() Representation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rep
}

// Len returns the number of buffered entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.n
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buf)
}
