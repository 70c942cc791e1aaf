package worker

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// JobLoggerName is the logger field of every record a job emits, whatever
// backend runs it. Worker lifecycle events use "worker".
const JobLoggerName = "cropjob"

// Runner is the per-job pipeline (fetch, transform, persist). It is opaque
// to the engine. logger already carries the job's trace id.
type Runner interface {
	Run(ctx context.Context, job types.Job, logger *slog.Logger) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job types.Job, logger *slog.Logger) error

func (f RunnerFunc) Run(ctx context.Context, job types.Job, logger *slog.Logger) error {
	return f(ctx, job, logger)
}

// Factory builds the Runner of one worker. init is the opaque batch payload.
// The thread backend calls it once and shares the runner; every isolated
// worker process calls it once at start-up to build its own resources.
// Runners implementing io.Closer are closed when their worker stops.
type Factory func(ctx context.Context, init []byte, logger *slog.Logger) (Runner, error)

// StaticFactory always returns r.
func StaticFactory(r Runner) Factory {
	return func(context.Context, []byte, *slog.Logger) (Runner, error) { return r, nil }
}

// Executor is a fixed-size set of parallel execution units. Results come
// out in completion order.
type Executor interface {
	Start(ctx context.Context, workerCount int) error
	Submit(job types.Job) error
	Results() <-chan types.JobResult
	Stop()
}
