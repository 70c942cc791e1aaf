// ============================================================================
// cropbatch Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: how an isolated worker process obtains jobs and reports results
//
// Motivation:
//   A worker process shares nothing with the coordinator but a connection.
//   JobSource hides that connection so the worker loop (ServeWorker) stays
//   independent of the transport. GrpcJobSource is the production one.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// JobSource is the worker-process view of the coordinator.
type JobSource interface {
	// Register announces the worker and returns the batch init payload.
	Register(ctx context.Context) ([]byte, error)

	// Logs opens the producer side of the coordinator's log queue. It must
	// be called before the first job runs.
	Logs(ctx context.Context) (logfunnel.Destination, error)

	// Poll blocks until a job is available. ok is false once the
	// coordinator has no more jobs for this worker.
	Poll(ctx context.Context) (job types.Job, ok bool, err error)

	// Acknowledge reports the outcome of a job.
	Acknowledge(ctx context.Context, result types.JobResult) error
}
