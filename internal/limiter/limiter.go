// ============================================================================
// cropbatch Concurrency Limiter - pull-based admission window
// ============================================================================
//
// Package: internal/limiter
// File: limiter.go
// Purpose: stream results of a lazy task sequence with at most W in flight
//
// Algorithm:
//   while source not exhausted and |window| < W:  pull next task, start it
//   wait until at least one task in the window completes
//   emit every task that completed meanwhile, then top up again
//   stop when the source is exhausted and the window is empty
//
//   Results come out in completion order. A failed (or panicking) task is a
//   completed task whose error is the emitted result; nothing is retried.
//
// Laziness:
//   The source is only pulled while the window has room, so at most W tasks
//   are materialized ahead of what the consumer has seen. When the consumer
//   stops early, no more tasks are pulled and the task context is cancelled.
//   Stragglers finish into a buffer of size W and never block.
//
// ============================================================================

package limiter

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// Task is a deferred unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Outcome is the result of one task. Index is the task's position in the
// source sequence.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Limit returns a sequence that runs tasks with at most capacity of them in
// flight and yields each outcome as soon as its task finishes.
func Limit[T any](ctx context.Context, tasks iter.Seq[Task[T]], capacity int) (iter.Seq[Outcome[T]], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: limiter capacity must be positive, got %d", types.ErrConfiguration, capacity)
	}

	return func(yield func(Outcome[T]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan Outcome[T], capacity)
		inFlight := 0

		emit := func(o Outcome[T]) bool {
			inFlight--
			return yield(o)
		}

		// wait blocks for one completion, then emits every other task that
		// has already finished.
		wait := func() bool {
			if !emit(<-done) {
				return false
			}
			for {
				select {
				case o := <-done:
					if !emit(o) {
						return false
					}
				default:
					return true
				}
			}
		}

		index := 0
		for task := range tasks {
			go run(ctx, index, task, done)
			index++
			inFlight++
			if inFlight == capacity && !wait() {
				return
			}
		}
		for inFlight > 0 {
			if !wait() {
				return
			}
		}
	}, nil
}

// Collect drains seq into a slice in emission order.
func Collect[T any](seq iter.Seq[Outcome[T]]) []Outcome[T] {
	var out []Outcome[T]
	for o := range seq {
		out = append(out, o)
	}
	return out
}

func run[T any](ctx context.Context, index int, task Task[T], done chan<- Outcome[T]) {
	o := Outcome[T]{Index: index}
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("task %d panicked: %v\n%s", index, r, debug.Stack())
		}
		done <- o
	}()
	o.Value, o.Err = task(ctx)
}
