package worker

import (
	"context"
	"iter"
	"runtime"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// SubmitAll submits jobs to a started executor from a separate goroutine and
// yields exactly one result per job, in completion order. A job the executor
// refuses is yielded as a failed result rather than lost. Stopping the
// iteration early leaves the executor running; the caller still owns Stop.
func SubmitAll(ctx context.Context, ex Executor, jobs []types.Job) iter.Seq[types.JobResult] {
	return func(yield func(types.JobResult) bool) {
		rejected := make(chan types.JobResult, len(jobs))
		go func() {
			for _, job := range jobs {
				if err := ex.Submit(job); err != nil {
					rejected <- types.JobResult{
						Index:   job.Index,
						TraceID: job.TraceID,
						Err:     types.NewJobFailure(job, err),
					}
				}
			}
		}()

		results := ex.Results()
		for received := 0; received < len(jobs); {
			var result types.JobResult
			select {
			case r, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				result = r
			case result = <-rejected:
			case <-ctx.Done():
				return
			}
			received++
			if !yield(result) {
				return
			}
		}
	}
}

// DefaultWorkerCount sizes a pool below the host's full parallelism:
// floor(NumCPU*fraction), at least one, plus extra.
func DefaultWorkerCount(fraction float64, extra int) int {
	n := int(float64(runtime.NumCPU()) * fraction)
	if n < 1 {
		n = 1
	}
	if n+extra < 1 {
		return 1
	}
	return n + extra
}
