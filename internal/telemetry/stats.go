package telemetry

// AxisStats summarises one axis over the window.
type AxisStats struct {
	Min     float64
	Max     float64
	Mean    float64
	Current float64
}

// Stats holds per-axis statistics. All fields are zero for an empty window.
type Stats struct {
	Representation Representation
	Count          int
	X, Y, Z        AxisStats
}

// Statistics computes per-axis min/max/mean/current over the selected
// representation. Nothing is aggregated incrementally; every call works on a
// fresh snapshot.
func (w *Window) Statistics() Stats {
	w.mu.RLock()
	rep := w.rep
	entries := w.snapshotLocked()
	w.mu.RUnlock()

	return computeStats(entries, rep)
}

// StatisticsFor is Statistics over an explicit representation.
func (w *Window) StatisticsFor(rep Representation) Stats {
	return computeStats(w.Snapshot(), rep)
}

func computeStats(entries []Entry, rep Representation) Stats {
	st := Stats{Representation: rep, Count: len(entries)}
	if len(entries) == 0 {
		return st
	}

	var xs, ys, zs accumulator
	for _, e := range entries {
		p := project(e, rep)
		xs.add(p.X)
		ys.add(p.Y)
		zs.add(p.Z)
	}
	st.X, st.Y, st.Z = xs.stats(), ys.stats(), zs.stats()
	return st
}

type accumulator struct {
	n        int
	min, max float64
	sum      float64
	last     float64
}

func (a *accumulator) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.last = v
	a.n++
}

func (a *accumulator) stats() AxisStats {
	return AxisStats{Min: a.min, Max: a.max, Mean: a.sum / float64(a.n), Current: a.last}
}
