// ============================================================================
// cropbatch Process Pool - isolated-worker backend
// ============================================================================
//
// Package: internal/worker
// File: process_pool.go
// Function: run jobs in separate worker processes coordinated over gRPC
//
// Architecture:
//
//   coordinator (this process)                 worker process  x N
//   ┌──────────────────────────────┐           ┌───────────────────────────┐
//   │ ProcessPool                  │  Register │ ServeWorker               │
//   │  taskCh ──▶ Poll  ───────────┼──────────▶│  Factory(init) -> Runner  │
//   │  resultCh ◀── Acknowledge ◀──┼───────────│  Poll / Run / Acknowledge │
//   │  Logs sink ◀── EmitLogs ◀────┼───────────│  local funnel -> stream   │
//   └──────────────────────────────┘           └───────────────────────────┘
//
//   Nothing but the connection is shared. Each worker builds its own Runner
//   (its own storage clients) through the Factory after registering, and
//   sends its log records back over one EmitLogs stream. The destination log
//   file stays owned by the coordinator's funnel consumer.
//
// Failure handling:
//   - Spawn failure during Start: ErrResourceExhaustion, batch aborted
//   - Worker exits holding a job: that job fails, siblings continue
//   - Every worker gone before Stop: queued and later jobs fail with
//     ErrResourceExhaustion instead of waiting forever
//
// One result per job:
//   assigned[worker] is the single claim on a polled job. Acknowledge and
//   the exit watcher both take the claim under mu, and only the one that
//   finds it delivers. A worker whose exit was accounted for gets no more
//   jobs; a job it pulled in the meantime goes back to the queue.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProcessConfig configures the isolated-worker backend.
type ProcessConfig struct {
	BufferSize int
	Init       []byte         // sent to every worker at Register
	Spawner    Spawner        // launches worker processes
	Logs       logfunnel.Sink // receives worker log records
	Logger     *slog.Logger   // coordinator-side events
	ListenAddr string         // default 127.0.0.1:0
}

// ProcessPool is the isolated-worker WorkerPool backend.
type ProcessPool struct {
	cfg      ProcessConfig
	taskCh   chan types.Job
	resultCh chan types.JobResult
	stopCh   chan struct{}
	sendMu   sync.RWMutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	assigned map[string]types.Job // worker id -> job it holds
	exited   map[string]bool
	live     int
	procs    []Process

	server   *grpc.Server
	addr     string
	procWG   sync.WaitGroup
	drainWG  sync.WaitGroup
	failOnce sync.Once
}

var _ Executor = (*ProcessPool)(nil)

// NewProcessPool creates an unstarted process pool.
func NewProcessPool(cfg ProcessConfig) *ProcessPool {
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Logs == nil {
		cfg.Logs = logfunnel.SinkFunc(func(logfunnel.Record) {})
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return &ProcessPool{
		cfg:      cfg,
		taskCh:   make(chan types.Job, cfg.BufferSize),
		resultCh: make(chan types.JobResult, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		assigned: make(map[string]types.Job),
		exited:   make(map[string]bool),
	}
}

// Addr returns the coordinator address workers dial.
func (p *ProcessPool) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Start serves the coordinator and spawns workerCount worker processes.
func (p *ProcessPool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", types.ErrConfiguration, workerCount)
	}
	if p.cfg.Spawner == nil {
		return fmt.Errorf("%w: process pool has no spawner", types.ErrConfiguration)
	}

	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: coordinator listen: %v", types.ErrResourceExhaustion, err)
	}
	p.addr = lis.Addr().String()
	p.server = grpc.NewServer()
	p.server.RegisterService(&coordinatorDesc, &coordinatorService{pool: p})
	go func() {
		if err := p.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			p.cfg.Logger.Error("coordinator server failed", "error", err)
		}
	}()

	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("w-%d", i)
		proc, err := p.cfg.Spawner.Spawn(ctx, p.addr, id)
		if err != nil {
			p.abortLocked()
			return fmt.Errorf("%w: spawn worker %s: %v", types.ErrResourceExhaustion, id, err)
		}
		p.procs = append(p.procs, proc)
		p.live++
		p.procWG.Add(1)
		go p.watch(id, proc)
	}

	p.started = true
	p.cfg.Logger.Debug("process pool started", "workers", workerCount, "addr", p.addr)
	return nil
}

// abortLocked tears down a partially started pool. p.mu is held.
func (p *ProcessPool) abortLocked() {
	p.stopped = true
	close(p.stopCh)
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()
	for _, proc := range p.procs {
		_ = proc.Kill()
	}
	p.server.Stop()
}

// watch waits for one worker process and accounts for its exit.
func (p *ProcessPool) watch(id string, proc Process) {
	defer p.procWG.Done()
	err := proc.Wait()

	p.mu.Lock()
	p.exited[id] = true
	job, held := p.assigned[id]
	delete(p.assigned, id)
	p.live--
	orphaned := p.live == 0 && !p.stopped
	p.mu.Unlock()

	if err != nil {
		p.cfg.Logger.Warn("worker process exited with error", "worker", id, "error", err)
	}
	if held {
		cause := fmt.Errorf("worker %s exited while running the job", id)
		if err != nil {
			cause = fmt.Errorf("worker %s exited while running the job: %w", id, err)
		}
		p.fail(job, id, cause)
	}
	if orphaned {
		p.failOnce.Do(func() {
			p.drainWG.Add(1)
			go func() {
				defer p.drainWG.Done()
				p.failQueued()
			}()
		})
	}
}

// hasExited reports whether the exit of worker id was accounted for.
func (p *ProcessPool) hasExited(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited[id]
}

// fail delivers a failed result for job.
func (p *ProcessPool) fail(job types.Job, workerID string, cause error) {
	deliver(p.resultCh, p.stopCh, types.JobResult{
		Index:    job.Index,
		TraceID:  job.TraceID,
		WorkerID: workerID,
		Err:      types.NewJobFailure(job, cause),
	})
}

// failQueued fails every job still queued or submitted later once no worker
// is left to run it. Ends when Stop closes taskCh.
func (p *ProcessPool) failQueued() {
	p.cfg.Logger.Error("no live worker processes left, failing queued jobs")
	for job := range p.taskCh {
		p.fail(job, "", fmt.Errorf("%w: no live worker processes", types.ErrResourceExhaustion))
	}
}

// requeue puts back a job that was pulled but will not run. A live worker
// or failQueued picks it up again; once the pool is stopping it fails.
func (p *ProcessPool) requeue(job types.Job) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		p.fail(job, "", ErrPoolClosed)
		return
	default:
	}
	select {
	case p.taskCh <- job:
	case <-p.stopCh:
		p.fail(job, "", ErrPoolClosed)
	}
}

// Submit queues a job for the next polling worker.
func (p *ProcessPool) Submit(job types.Job) error {
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
func (p *ProcessPool) Results() <-chan types.JobResult {
	return p.resultCh
}

// Stop tells workers there is no more work, waits for every process to
// exit (flushing its log stream on the way out) and closes resultCh.
func (p *ProcessPool) Stop() {
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

	p.procWG.Wait()
	p.server.GracefulStop()
	p.drainWG.Wait()
	close(p.resultCh)
}

// ============================================================================
// gRPC service
// ============================================================================

type coordinatorService struct {
	pool *ProcessPool
}

func (s *coordinatorService) Register(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	s.pool.cfg.Logger.Debug("worker registered", "worker", in.GetValue())
	return wrapperspb.Bytes(s.pool.cfg.Init), nil
}

func (s *coordinatorService) Poll(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	p, id := s.pool, in.GetValue()
	if p.hasExited(id) {
		return encodeDone(), nil
	}
	select {
	case job, ok := <-p.taskCh:
		if !ok {
			return encodeDone(), nil
		}
		cancelled := ctx.Err() != nil
		p.mu.Lock()
		exited := p.exited[id]
		// a worker polls again only after acknowledging, so a job still
		// held here never reached it
		prev, held := p.assigned[id]
		delete(p.assigned, id)
		if !exited && !cancelled {
			p.assigned[id] = job
		}
		p.mu.Unlock()

		if held {
			p.requeue(prev)
		}
		switch {
		case exited:
			p.requeue(job)
			return encodeDone(), nil
		case cancelled:
			p.requeue(job)
			return nil, ctx.Err()
		}
		return encodeJob(job)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge delivers a result only while the worker still holds that
// job. A late ack for a job already failed by the exit watcher is dropped.
func (s *coordinatorService) Acknowledge(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	p := s.pool
	result := decodeResult(in)
	p.mu.Lock()
	job, held := p.assigned[result.WorkerID]
	owned := held && job.Index == result.Index
	if owned {
		delete(p.assigned, result.WorkerID)
	}
	p.mu.Unlock()

	if !owned {
		p.cfg.Logger.Warn("dropping result of a job the worker does not hold",
			"worker", result.WorkerID, "index", result.Index)
		return &emptypb.Empty{}, nil
	}
	deliver(p.resultCh, p.stopCh, result)
	return &emptypb.Empty{}, nil
}

// EmitLogs relays one worker's records into the batch log queue, keeping
// that worker's emission order.
func (s *coordinatorService) EmitLogs(stream grpc.ServerStream) error {
	worker := "unknown"
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get(workerIDHeader); len(v) > 0 {
			worker = v[0]
		}
	}
	n := 0
	for {
		rec := new(structpb.Struct)
		if err := stream.RecvMsg(rec); err != nil {
			if errors.Is(err, io.EOF) {
				s.pool.cfg.Logger.Debug("worker log stream closed", "worker", worker, "records", n)
				return stream.SendMsg(&emptypb.Empty{})
			}
			return err
		}
		s.pool.cfg.Logs.Emit(decodeRecord(rec))
		n++
	}
}
