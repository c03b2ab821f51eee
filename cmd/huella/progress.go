package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps one status line up to date with the current phase
// and either the elapsed or the remaining seconds.
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of
// times. The line is written to stderr so it never mixes with table or CSV
// output on stdout.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	duration   time.Duration // zero counts up

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed time.
func NewProgressPrinter(prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return NewCountdownProgressPrinter(prefix, phase, 0, stopPhases...)
}

// NewCountdownProgressPrinter creates a printer that counts down from
// duration. Setting a phase listed in stopPhases through Callback stops it.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:        os.Stderr,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		duration:   duration,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing the line in the background.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	start := time.Now()
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				fmt.Fprint(p.out, p.line(phase, time.Since(start)))
			}
		}
	}()
}

func (p *ProgressPrinter) line(phase string, elapsed time.Duration) string {
	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		seconds = 0
		if remaining := p.duration - elapsed; remaining > 0 {
			seconds = int(remaining.Seconds() + 0.5)
		}
	}
	if seconds > 0 {
		return fmt.Sprintf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	}
	return fmt.Sprintf("\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a function that switches the displayed phase. Switching
// to a stop phase stops the printer. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop ends the redraw loop and clears the line.
func (p *ProgressPrinter) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	if p.started.Load() {
		<-p.done
	}
	fmt.Fprint(p.out, clearLineSequence)
}
