package logfunnel

import (
	"sync"
	"sync/atomic"
)

type item struct {
	rec Record
	end bool // end-of-stream sentinel
}

// queue is an unbounded multi-producer single-consumer queue. Producers
// never block; the consumer takes everything queued so far in one swap.
type queue struct {
	mu      sync.Mutex
	items   []item
	closed  bool
	ready   chan struct{}
	dropped atomic.Int64
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(rec Record) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.items = append(q.items, item{rec: rec})
	q.mu.Unlock()
	q.signal()
	return true
}

// end enqueues the sentinel. Pushes after it are dropped.
func (q *queue) end() bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item{end: true})
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *queue) take() []item {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()
	return batch
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
