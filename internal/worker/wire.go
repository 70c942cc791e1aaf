package worker

// ============================================================================
// Coordinator wire protocol
// ============================================================================
//
// Service cropbatch.worker.v1.Coordinator, served by the ProcessPool on a
// loopback listener and called by every worker process:
//
//   rpc Register(StringValue worker_id) returns (BytesValue init)
//   rpc Poll(StringValue worker_id)     returns (Struct job)        // blocks
//   rpc Acknowledge(Struct result)      returns (Empty)
//   rpc EmitLogs(stream Struct record)  returns (Empty)             // worker-id in metadata
//
// Messages are the well-known protobuf types so no generated package is
// needed; the descriptors below follow the shape protoc-gen-go-grpc emits.
//
// ============================================================================

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "cropbatch.worker.v1.Coordinator"

	methodRegister    = "/" + serviceName + "/Register"
	methodPoll        = "/" + serviceName + "/Poll"
	methodAcknowledge = "/" + serviceName + "/Acknowledge"
	methodEmitLogs    = "/" + serviceName + "/EmitLogs"

	workerIDHeader = "cropbatch-worker-id"
)

type coordinatorServer interface {
	Register(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Poll(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Acknowledge(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	EmitLogs(grpc.ServerStream) error
}

var coordinatorDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Poll", Handler: pollHandler},
		{MethodName: "Acknowledge", Handler: acknowledgeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EmitLogs",
			Handler:       emitLogsHandler,
			ClientStreams: true,
		},
	},
	Metadata: "cropbatch/worker/v1/coordinator.proto",
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegister}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Register(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pollHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPoll}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Poll(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func acknowledgeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Acknowledge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAcknowledge}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Acknowledge(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func emitLogsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(coordinatorServer).EmitLogs(stream)
}

// coordinatorClient is the worker-side stub.
type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func (c *coordinatorClient) Register(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodRegister, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Poll(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPoll, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Acknowledge(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodAcknowledge, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) EmitLogs(ctx context.Context) (grpc.ClientStream, error) {
	return c.cc.NewStream(ctx, &coordinatorDesc.Streams[0], methodEmitLogs)
}

// ============================================================================
// Message conversion
// ============================================================================

func encodeJob(job types.Job) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"done":     false,
		"index":    job.Index,
		"trace_id": job.TraceID,
		"payload":  base64.StdEncoding.EncodeToString(job.Payload),
	})
}

func encodeDone() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"done": structpb.NewBoolValue(true)}}
}

// decodeJob returns ok=false for the "no more jobs" message.
func decodeJob(s *structpb.Struct) (types.Job, bool, error) {
	f := s.GetFields()
	if f["done"].GetBoolValue() {
		return types.Job{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(f["payload"].GetStringValue())
	if err != nil {
		return types.Job{}, false, fmt.Errorf("bad job payload: %w", err)
	}
	return types.Job{
		Index:   int(f["index"].GetNumberValue()),
		TraceID: f["trace_id"].GetStringValue(),
		Payload: payload,
	}, true, nil
}

func encodeResult(r types.JobResult) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"index":       r.Index,
		"trace_id":    r.TraceID,
		"worker_id":   r.WorkerID,
		"duration_ns": r.Duration.Nanoseconds(),
	}
	if r.Err != nil {
		var jf *types.JobFailure
		cause := r.Err
		if errors.As(r.Err, &jf) {
			cause = jf.Cause
		}
		m["error"] = cause.Error()
	}
	return structpb.NewStruct(m)
}

func decodeResult(s *structpb.Struct) types.JobResult {
	f := s.GetFields()
	r := types.JobResult{
		Index:    int(f["index"].GetNumberValue()),
		TraceID:  f["trace_id"].GetStringValue(),
		WorkerID: f["worker_id"].GetStringValue(),
		Duration: time.Duration(f["duration_ns"].GetNumberValue()),
	}
	if msg, ok := f["error"]; ok {
		r.Err = types.NewJobFailure(types.Job{Index: r.Index, TraceID: r.TraceID}, errors.New(msg.GetStringValue()))
	}
	return r
}

func encodeRecord(rec logfunnel.Record) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"timestamp": rec.Time.Format(time.RFC3339Nano),
		"level":     rec.Level,
		"logger":    rec.Logger,
		"message":   rec.Message,
		"trace_id":  rec.TraceID,
	})
}

func decodeRecord(s *structpb.Struct) logfunnel.Record {
	f := s.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		ts = time.Now()
	}
	return logfunnel.Record{
		Time:    ts,
		Level:   f["level"].GetStringValue(),
		Logger:  f["logger"].GetStringValue(),
		Message: f["message"].GetStringValue(),
		TraceID: f["trace_id"].GetStringValue(),
	}
}
