package watcher

import (
	"sync"
	"sync/atomic"
)

// QueuedObserver delivers events to another observer on its own goroutine through a bounded
// buffer. When the buffer is full new events are dropped and counted.
type QueuedObserver struct {
	next    Observer
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// NewQueuedObserver starts a queued observer with the given buffer size (minimum 1).
func NewQueuedObserver(next Observer, size int) *QueuedObserver {
	if size < 1 {
		size = 1
	}
	q := &QueuedObserver{
		next: next,
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// OnChange enqueues e without blocking.
func (q *QueuedObserver) OnChange(e Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- e:
	default:
		q.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (q *QueuedObserver) Dropped() uint64 {
	return q.dropped.Load()
}

// Close delivers what is already buffered and stops the goroutine.
func (q *QueuedObserver) Close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *QueuedObserver) run() {
	defer q.wg.Done()
	for {
		select {
		case e := <-q.ch:
			q.next.OnChange(e)
		case <-q.done:
			for {
				select {
				case e := <-q.ch:
					q.next.OnChange(e)
				default:
					return
				}
			}
		}
	}
}
