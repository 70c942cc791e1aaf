package types

// ============================================================================
// Error taxonomy
// Purpose: engine-level errors abort a batch, job-level errors are isolated
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks an invalid capacity, worker count, mode or job
	// count. It is returned before any work starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrResourceExhaustion means the host could not provide the requested
	// workers. Fatal to the batch.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrLogDeliveryLoss describes records emitted after the log consumer
	// stopped draining. Such records are counted and dropped, never fatal.
	ErrLogDeliveryLoss = errors.New("log record dropped after end of stream")
)

// JobFailure is the error carried by a failed JobResult.
type JobFailure struct {
	Index   int    // position of the job in the batch
	TraceID string // trace id the job ran under
	Cause   error  // error raised by fetch, transform or persist
}

// NewJobFailure wraps cause for the job at index. A cause that already is a
// JobFailure is returned unchanged.
func NewJobFailure(job Job, cause error) *JobFailure {
	var jf *JobFailure
	if errors.As(cause, &jf) {
		return jf
	}
	return &JobFailure{Index: job.Index, TraceID: job.TraceID, Cause: cause}
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("job %d (trace %s) failed: %v", e.Index, e.TraceID, e.Cause)
}

func (e *JobFailure) Unwrap() error {
	return e.Cause
}
