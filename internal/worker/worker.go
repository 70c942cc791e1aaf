// ============================================================================
// cropbatch Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: work unit of the thread backend, one goroutine per Worker
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive job from taskCh (blocking wait)
//   2. Run the job through the shared Runner with a trace-bound logger
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for job := range taskCh      │   │
//   │  │   ├─ bind trace id           │   │
//   │  │   ├─ Execute(job)            │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Runner error: wrapped in *types.JobFailure
//   - Runner panic: recovered and turned into a JobFailure, the worker keeps going
//   - Siblings are never cancelled by a failure
//
// Timeouts:
//   None. A hung collaborator call hangs its worker; the batch context is the
//   only unit of cancellation.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/trace"
	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// Worker represents a work execution unit
// Each Worker runs in an independent goroutine, receives jobs from the task channel and runs them
type Worker struct {
	id       string                 // Worker identifier, stamped on every result
	runner   Runner                 // shared, concurrency-safe pipeline
	logger   *slog.Logger           // base logger, trace id bound per job
	taskCh   <-chan types.Job       // Task channel (read-only)
	resultCh chan<- types.JobResult // Result channel (write-only)
	stopCh   <-chan struct{}        // closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker(id string, runner Runner, logger *slog.Logger, taskCh <-chan types.Job, resultCh chan<- types.JobResult, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		logger:   logger,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker, receives jobs from task channel and runs them
// After each job, sends the result to result channel
func (w *Worker) Run(ctx context.Context) {
	for job := range w.taskCh {
		result := Execute(ctx, w.id, w.runner, job, w.logger)
		deliver(w.resultCh, w.stopCh, result)
	}
}

// Execute runs one job and packs its outcome. Shared by both backends and
// by the single-threaded modes of the controller.
func Execute(ctx context.Context, workerID string, runner Runner, job types.Job, logger *slog.Logger) types.JobResult {
	start := time.Now()
	id := trace.ID(job.TraceID)
	err := safeRun(trace.WithID(ctx, id), runner, job, trace.Bind(logger, id))

	result := types.JobResult{
		Index:    job.Index,
		TraceID:  job.TraceID,
		WorkerID: workerID,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Err = types.NewJobFailure(job, err)
	}
	return result
}

func safeRun(ctx context.Context, runner Runner, job types.Job, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return runner.Run(ctx, job, logger)
}

// deliver hands a result to the drainer. Once the pool is stopping, a
// result nobody will read is dropped instead of blocking shutdown.
func deliver(resultCh chan<- types.JobResult, stopCh <-chan struct{}, result types.JobResult) {
	select {
	case resultCh <- result:
		return
	default:
	}
	select {
	case resultCh <- result:
	case <-stopCh:
	}
}
