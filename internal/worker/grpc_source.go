package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GrpcJobSource is the JobSource of a worker process, talking to the
// coordinator of a ProcessPool.
type GrpcJobSource struct {
	client   *coordinatorClient
	workerID string
}

// NewGrpcJobSource creates a new GrpcJobSource.
// conn should be an established gRPC connection.
func NewGrpcJobSource(conn grpc.ClientConnInterface, workerID string) *GrpcJobSource {
	return &GrpcJobSource{
		client:   &coordinatorClient{cc: conn},
		workerID: workerID,
	}
}

// Register announces the worker and fetches the init payload.
func (s *GrpcJobSource) Register(ctx context.Context) ([]byte, error) {
	resp, err := s.client.Register(ctx, wrapperspb.String(s.workerID))
	if err != nil {
		return nil, fmt.Errorf("rpc register failed: %w", err)
	}
	return resp.GetValue(), nil
}

// Logs opens the EmitLogs stream.
func (s *GrpcJobSource) Logs(ctx context.Context) (logfunnel.Destination, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, workerIDHeader, s.workerID)
	stream, err := s.client.EmitLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc emit logs failed: %w", err)
	}
	return &streamDestination{stream: stream}, nil
}

// Poll fetches the next job from the coordinator.
func (s *GrpcJobSource) Poll(ctx context.Context) (types.Job, bool, error) {
	resp, err := s.client.Poll(ctx, wrapperspb.String(s.workerID))
	if err != nil {
		return types.Job{}, false, fmt.Errorf("rpc poll failed: %w", err)
	}
	return decodeJob(resp)
}

// Acknowledge reports a job result to the coordinator.
func (s *GrpcJobSource) Acknowledge(ctx context.Context, result types.JobResult) error {
	msg, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := s.client.Acknowledge(ctx, msg); err != nil {
		return fmt.Errorf("rpc ack failed: %w", err)
	}
	return nil
}

// streamDestination sends records over the EmitLogs stream. It is driven by
// the worker's local funnel consumer, the stream's only sender.
type streamDestination struct {
	stream grpc.ClientStream
}

func (d *streamDestination) WriteRecord(rec logfunnel.Record) error {
	msg, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return d.stream.SendMsg(msg)
}

func (d *streamDestination) Flush() error { return nil }

// Close half-closes the stream and waits for the coordinator to confirm it
// has relayed every record.
func (d *streamDestination) Close() error {
	if err := d.stream.CloseSend(); err != nil {
		return err
	}
	return d.stream.RecvMsg(&emptypb.Empty{})
}

// ============================================================================
// Worker process main loop
// ============================================================================

// ServeWorker runs the worker-process side of the isolated backend:
// register, open the log stream, build this worker's Runner, then
// poll/run/acknowledge until the coordinator runs out of jobs.
func ServeWorker(ctx context.Context, src JobSource, workerID string, factory Factory, level slog.Leveler) (err error) {
	init, err := src.Register(ctx)
	if err != nil {
		return err
	}

	dst, err := src.Logs(ctx)
	if err != nil {
		return err
	}
	funnel := logfunnel.Start(dst)
	defer func() {
		if cerr := funnel.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("flush worker logs: %w", cerr)
		}
	}()

	logger := logfunnel.NewLogger(funnel, level, "worker")
	jobLog := logfunnel.NewLogger(funnel, level, JobLoggerName)
	logger.Debug("worker initialized", "worker", workerID)

	runner, err := factory(ctx, init, jobLog)
	if err != nil {
		logger.Error("failed to build runner", "worker", workerID, "error", err)
		return fmt.Errorf("build runner: %w", err)
	}
	if c, ok := runner.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				logger.Warn("failed to close runner", "error", cerr)
			}
		}()
	}

	for {
		job, ok, err := src.Poll(ctx)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("worker finished", "worker", workerID)
			return nil
		}
		result := Execute(ctx, workerID, runner, job, jobLog)
		if err := src.Acknowledge(ctx, result); err != nil {
			return err
		}
	}
}

// RunWorkerProcess dials the coordinator at addr and serves as workerID.
// It is what the hidden "worker" command runs.
func RunWorkerProcess(ctx context.Context, addr, workerID string, factory Factory, level slog.Leveler) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer conn.Close()
	return ServeWorker(ctx, NewGrpcJobSource(conn, workerID), workerID, factory, level)
}
