// ============================================================================
// cropbatch Log Funnel - cross-worker log aggregation
// ============================================================================
//
// Package: internal/logfunnel
// File: funnel.go
// Purpose: many producers, one writer
//
// How it works:
//   ┌──────────┐ Emit
//   │ worker 1 │──────┐
//   └──────────┘      │    ┌───────────┐    ┌──────────┐    ┌─────────────┐
//   ┌──────────┐ Emit ├───▶│ queue     │───▶│ consumer │───▶│ Destination │
//   │ worker 2 │──────┤    │ (MPSC)    │    │ goroutine│    │ (log file)  │
//   └──────────┘      │    └───────────┘    └──────────┘    └─────────────┘
//   ┌──────────┐ Emit │
//   │ main     │──────┘
//   └──────────┘
//
//   - Producers hold a Sink. Emit never blocks and is safe for concurrent use.
//   - The consumer is started once per batch and is the only goroutine that
//     touches the Destination, so records are never interleaved mid-line.
//   - Close enqueues an end-of-stream sentinel and joins the consumer. Every
//     record emitted before the sentinel is written before Close returns.
//   - Records emitted after the sentinel are dropped and counted.
//
// Ordering:
//   Records of one producer keep their emission order. Records of different
//   producers interleave arbitrarily; the trace id tells them apart.
//
// ============================================================================

package logfunnel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// Sink accepts records from producers.
type Sink interface {
	Emit(rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec Record)

func (f SinkFunc) Emit(rec Record) { f(rec) }

// Funnel owns the queue and the single consumer of one batch.
type Funnel struct {
	q       *queue
	dst     Destination
	done    chan struct{}
	written atomic.Int64

	errMu sync.Mutex
	err   error // first destination error

	closeOnce sync.Once
}

// Start creates the queue and starts the consumer on dst.
func Start(dst Destination) *Funnel {
	f := &Funnel{
		q:    newQueue(),
		dst:  dst,
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

// Sender returns a producer handle for the funnel's queue.
func (f *Funnel) Sender() Sink {
	return SinkFunc(func(rec Record) { f.q.push(rec) })
}

// Emit enqueues rec.
func (f *Funnel) Emit(rec Record) {
	f.q.push(rec)
}

// Close sends the end-of-stream marker, waits for the consumer to flush
// everything queued before it and returns the first destination error.
func (f *Funnel) Close() error {
	f.closeOnce.Do(func() {
		f.q.end()
		<-f.done
		if c, ok := f.dst.(io.Closer); ok {
			f.setErr(c.Close())
		}
	})
	return f.Err()
}

// Err returns the first error reported by the destination.
func (f *Funnel) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Written returns the number of records handed to the destination.
func (f *Funnel) Written() int64 {
	return f.written.Load()
}

// Dropped returns the number of records emitted after end of stream.
func (f *Funnel) Dropped() int64 {
	return f.q.dropped.Load()
}

// DroppedErr wraps types.ErrLogDeliveryLoss when records were dropped,
// nil otherwise. The loss is reported, never fatal.
func (f *Funnel) DroppedErr() error {
	if n := f.Dropped(); n > 0 {
		return fmt.Errorf("%w: %d records", types.ErrLogDeliveryLoss, n)
	}
	return nil
}

func (f *Funnel) run() {
	defer close(f.done)
	for {
		batch := f.q.take()
		if len(batch) == 0 {
			// Idle: make what we have visible before sleeping.
			f.setErr(f.dst.Flush())
			<-f.q.ready
			continue
		}
		for _, it := range batch {
			if it.end {
				f.setErr(f.dst.Flush())
				return
			}
			if f.Err() != nil {
				continue
			}
			if err := f.dst.WriteRecord(it.rec); err != nil {
				f.setErr(err)
				continue
			}
			f.written.Add(1)
		}
	}
}

func (f *Funnel) setErr(err error) {
	if err == nil {
		return
	}
	f.errMu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.errMu.Unlock()
}
