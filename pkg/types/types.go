// Package types defines the core domain model shared by the cropbatch engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a job inside one batch.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // enumerated, not yet admitted
	StatusInFlight  JobStatus = "in_flight" // admitted into the window
	StatusCompleted JobStatus = "completed" // finished successfully
	StatusFailed    JobStatus = "failed"    // finished with a JobFailure
)

// Mode selects the scheduling model of a batch. Modes are never mixed
// within one run.
type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModeCooperative Mode = "cooperative"
	ModeThread      Mode = "thread"
	ModeProcess     Mode = "process"
)

// Modes lists every supported mode in a stable order.
var Modes = []Mode{ModeSequential, ModeCooperative, ModeThread, ModeProcess}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
}

// Parallel reports whether the mode runs on a WorkerPool backend.
func (m Mode) Parallel() bool {
	return m == ModeThread || m == ModeProcess
}

// Job is one deferred unit of work. Its identity is its position in the
// originating sequence.
type Job struct {
	Index   int    `json:"index"`
	TraceID string `json:"trace_id"`
	Payload []byte `json:"payload,omitempty"` // opaque to the engine
}

// JobResult is the outcome of one job, consumed exactly once by the
// orchestrator.
type JobResult struct {
	Index    int           `json:"index"`
	TraceID  string        `json:"trace_id"`
	WorkerID string        `json:"worker_id,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"` // *JobFailure when the job failed
}

// Failed reports whether the job ended with an error.
func (r JobResult) Failed() bool {
	return r.Err != nil
}

// Status maps the result to its terminal job status.
func (r JobResult) Status() JobStatus {
	if r.Failed() {
		return StatusFailed
	}
	return StatusCompleted
}

// JobRecord is the ledger entry of one job, as kept by the batch ledger
// and written to the batch summary.
type JobRecord struct {
	Index    int           `json:"index"`
	TraceID  string        `json:"trace_id"`
	Status   JobStatus     `json:"status"`
	WorkerID string        `json:"worker_id,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}
