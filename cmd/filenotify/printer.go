package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/listenupapp/filenotify/internal/watcher"
)

// printer collects notifications until the main loop dumps them as one batch.
type printer struct {
	out     io.Writer
	ready   chan struct{}
	pending []watcher.Event
	mu      sync.Mutex
	batch   int
	verbose bool
}

func newPrinter(out io.Writer, verbose bool) *printer {
	return &printer{out: out, verbose: verbose, ready: make(chan struct{}, 1)}
}

// OnChange implements watcher.Observer.
func (p *printer) OnChange(e watcher.Event) {
	p.mu.Lock()
	p.pending = append(p.pending, e)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// dump prints and clears the pending notifications.
func (p *printer) dump() {
	p.mu.Lock()
	events := p.pending
	p.pending = nil
	if len(events) == 0 {
		p.mu.Unlock()
		return
	}
	p.batch++
	batch := p.batch
	p.mu.Unlock()

	fmt.Fprintf(p.out, "--- batch %d: %d notification(s)\n", batch, len(events))
	for _, e := range events {
		if p.verbose {
			fmt.Fprintf(p.out, "%s  %s\n", e.Time.Format(time.TimeOnly+".000"), e)
			continue
		}
		fmt.Fprintln(p.out, e)
	}
}

// fanOut hands each event to several observers in order.
type fanOut []watcher.Observer

// OnChange implements watcher.Observer.
func (f fanOut) OnChange(e watcher.Event) {
	for _, o := range f {
		o.OnChange(e)
	}
}
