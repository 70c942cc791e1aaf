// ============================================================================
// cropbatch Worker Pool - shared-address-space backend
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: manage the lifecycle of N worker goroutines and job distribution
//
// Design Pattern:
//   Worker Pool:
//   1. A fixed number of Worker goroutines keep running
//   2. Jobs are distributed through a shared task channel
//   3. Results are collected through a result channel, in completion order
//   4. All workers share one Runner, built once by the Factory at Start
//
// Architecture:
//   ┌──────────────┐
//   │ Orchestrator │ --Submit()--> taskCh
//   └──────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool() - create the Pool and its channels
//   2. Start(ctx, n) - build the Runner, launch n Worker goroutines
//   3. Submit(job) - push a job into taskCh (blocks while the buffer is full)
//   4. Results() / ReceiveResult() - read results
//   5. Stop() - close taskCh, wait for every Worker, close resultCh
//
// Shutdown and Submit:
//   Submit holds sendMu for reading while it sends; Stop closes stopCh first
//   (releasing blocked submitters) and only then takes sendMu for writing to
//   close taskCh. A send on a closed channel cannot happen.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

var (
	// ErrPoolClosed means the pool is stopped and accepts no more jobs
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice
	ErrPoolStarted = errors.New("worker pool already started")
)

// PoolConfig configures the thread backend.
type PoolConfig struct {
	BufferSize int          // task and result channel buffer
	Factory    Factory      // builds the shared Runner
	Init       []byte       // passed to Factory
	Logger     *slog.Logger // base logger for jobs
}

// Pool is the shared-address-space WorkerPool backend.
type Pool struct {
	cfg      PoolConfig
	runner   Runner
	workers  []*Worker
	taskCh   chan types.Job
	resultCh chan types.JobResult
	stopCh   chan struct{}
	sendMu   sync.RWMutex
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

var _ Executor = (*Pool)(nil)

// NewPool creates a new thread-backed pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan types.Job, cfg.BufferSize),
		resultCh: make(chan types.JobResult, cfg.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start builds the shared Runner and launches workerCount workers.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", types.ErrConfiguration, workerCount)
	}
	if p.cfg.Factory == nil {
		return fmt.Errorf("%w: pool has no runner factory", types.ErrConfiguration)
	}

	runner, err := p.cfg.Factory(ctx, p.cfg.Init, p.cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build runner: %w", err)
	}
	p.runner = runner

	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("thread-%d", i), runner, p.cfg.Logger, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a job. It blocks while the task buffer is full.
func (p *Pool) Submit(job types.Job) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- job:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results exposes results in completion order. The channel is closed by Stop.
func (p *Pool) Results() <-chan types.JobResult {
	return p.resultCh
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (types.JobResult, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return types.JobResult{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return types.JobResult{}, ErrPoolClosed
	}
}

// Stop shuts the pool down gracefully:
//  1. mark stopped and close stopCh, releasing blocked submitters
//  2. close taskCh, ending every Worker's range loop
//  3. wait for in-flight jobs
//  4. close the Runner (if it is an io.Closer) and resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	if c, ok := p.runner.(io.Closer); ok {
		if err := c.Close(); err != nil {
			p.cfg.Logger.Warn("failed to close runner", "error", err)
		}
	}
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
