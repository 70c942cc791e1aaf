package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a test Job
func newTestJob(index int) types.Job {
	return types.Job{Index: index, TraceID: fmt.Sprint(index)}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, index int, want types.JobStatus) {
	t.Helper()
	rec, ok := jm.GetJob(index)
	if !ok {
		t.Errorf("job %d not found", index)
		return
	}
	if rec.Status != want {
		t.Errorf("job %d status = %s, want %s", index, rec.Status, want)
	}
}

func assertStats(t *testing.T, jm *JobManager, pending, inFlight, completed, failed int) {
	t.Helper()
	stats := jm.Stats()
	want := map[string]int{"pending": pending, "in_flight": inFlight, "completed": completed, "failed": failed}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s] = %d, want %d", k, stats[k], v)
		}
	}
}

func result(index int, err error) types.JobResult {
	return types.JobResult{Index: index, TraceID: fmt.Sprint(index), WorkerID: "thread-0", Duration: time.Millisecond, Err: err}
}

// ============================================================================
// State Machine Tests
// ============================================================================

func TestEnqueue(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestJob(0)))
	assertJobStatus(t, jm, 0, types.StatusPending)
	assertError(t, jm.Enqueue(newTestJob(0)), ErrDuplicateJob)
	assertStats(t, jm, 1, 0, 0, 0)
}

func TestMarkInFlight(t *testing.T) {
	jm := NewJobManager()
	assertError(t, jm.MarkInFlight(3), ErrJobNotFound)

	assertNoError(t, jm.Enqueue(newTestJob(3)))
	assertNoError(t, jm.MarkInFlight(3))
	assertJobStatus(t, jm, 3, types.StatusInFlight)
	assertError(t, jm.MarkInFlight(3), ErrNotPending)
	assertStats(t, jm, 0, 1, 0, 0)
}

func TestMarkDone(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.EnqueueAll([]types.Job{newTestJob(0), newTestJob(1)}))

	// not in flight yet
	assertError(t, jm.MarkDone(result(0, nil)), ErrNotInFlight)
	assertError(t, jm.MarkDone(result(9, nil)), ErrJobNotFound)

	assertNoError(t, jm.MarkInFlight(0))
	assertNoError(t, jm.MarkInFlight(1))
	assertNoError(t, jm.MarkDone(result(0, nil)))
	assertNoError(t, jm.MarkDone(result(1, errors.New("disk full"))))

	assertJobStatus(t, jm, 0, types.StatusCompleted)
	assertJobStatus(t, jm, 1, types.StatusFailed)
	assertStats(t, jm, 0, 0, 1, 1)

	// reported twice
	assertError(t, jm.MarkDone(result(0, nil)), ErrNotInFlight)

	rec, _ := jm.GetJob(1)
	if rec.Error != "disk full" || rec.WorkerID != "thread-0" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !jm.Done() {
		t.Error("ledger should be done")
	}
}

func TestFirstFailureIsLowestIndex(t *testing.T) {
	jm := NewJobManager()
	if jm.FirstFailure() != nil {
		t.Fatal("empty ledger has no failure")
	}
	for i := 0; i < 10; i++ {
		assertNoError(t, jm.Enqueue(newTestJob(i)))
		assertNoError(t, jm.MarkInFlight(i))
	}
	// failures arrive out of index order
	for _, i := range []int{8, 3, 7} {
		assertNoError(t, jm.MarkDone(result(i, fmt.Errorf("bad crop %d", i))))
	}

	first := jm.FirstFailure()
	if first == nil || first.Index != 3 || first.TraceID != "3" {
		t.Fatalf("first failure = %+v, want index 3", first)
	}
	if first.Cause.Error() != "bad crop 3" {
		t.Errorf("cause = %v", first.Cause)
	}
	if got := jm.InFlight(); len(got) != 7 || got[0] != 0 || got[6] != 9 {
		t.Errorf("in flight = %v", got)
	}
}

// A JobFailure produced by a worker keeps its cause and is not wrapped twice.
func TestMarkDoneKeepsJobFailure(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestJob(7)))
	assertNoError(t, jm.MarkInFlight(7))

	cause := errors.New("boom")
	assertNoError(t, jm.MarkDone(result(7, types.NewJobFailure(newTestJob(7), cause))))

	if first := jm.FirstFailure(); !errors.Is(first, cause) {
		t.Errorf("first failure %v does not wrap cause", first)
	}
}

func TestSnapshotSortedCopy(t *testing.T) {
	jm := NewJobManager()
	for _, i := range []int{4, 1, 3, 0, 2} {
		assertNoError(t, jm.Enqueue(newTestJob(i)))
	}
	snap := jm.Snapshot()
	for i, rec := range snap {
		if rec.Index != i {
			t.Fatalf("snapshot[%d].Index = %d", i, rec.Index)
		}
	}

	snap[0].Status = types.StatusFailed
	assertJobStatus(t, jm, 0, types.StatusPending)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentOperations(t *testing.T) {
	const jobs = 500
	jm := NewJobManager()
	for i := 0; i < jobs; i++ {
		assertNoError(t, jm.Enqueue(newTestJob(i)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < jobs; i += 8 {
				if err := jm.MarkInFlight(i); err != nil {
					t.Errorf("mark in flight %d: %v", i, err)
					continue
				}
				var err error
				if i%50 == 0 {
					err = errors.New("fail")
				}
				if err := jm.MarkDone(result(i, err)); err != nil {
					t.Errorf("mark done %d: %v", i, err)
				}
				_ = jm.Stats()
			}
		}(w)
	}
	wg.Wait()

	assertStats(t, jm, 0, 0, jobs-jobs/50, jobs/50)
	if first := jm.FirstFailure(); first == nil || first.Index != 0 {
		t.Errorf("first failure = %v", first)
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkLifecycle(b *testing.B) {
	jm := NewJobManager()
	for i := 0; i < b.N; i++ {
		_ = jm.Enqueue(newTestJob(i))
		_ = jm.MarkInFlight(i)
		_ = jm.MarkDone(result(i, nil))
	}
}
