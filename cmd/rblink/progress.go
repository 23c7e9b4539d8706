package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/session"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays the current phase with elapsed seconds on one line.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stderr, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Start may be called at most once; Stop is
// safe to call any number of times.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that stop the printer when set via Callback
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
}

func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go p.loop(ticker, p.stopChan)
}

func (p *ProgressPrinter) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer close(p.done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
				return
			}
			fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, int(time.Since(p.startTime).Seconds()))
		}
	}
}

// Callback returns a function that updates the phase; a stop phase stops the printer.
// Safe to call from multiple goroutines.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line. Only the first call has an effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}

// progressObserver moves the printer through the link states.
func progressObserver(p *ProgressPrinter) session.Observer {
	update := p.Callback()
	return session.ObserverFuncs{
		StateChanged: func(state link.State) { update(state.String()) },
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
