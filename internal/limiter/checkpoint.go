package limiter

import (
	"context"
	"runtime"
	"sync/atomic"
)

type checkpointKey struct{}

type checkpointer struct {
	every  int64
	calls  atomic.Int64
	yields atomic.Int64
}

// WithCheckpoints marks ctx as running on the cooperative path. Checkpoint
// then yields the processor on every every-th call; every <= 0 keeps the
// context cooperative but turns yielding off.
func WithCheckpoints(ctx context.Context, every int) context.Context {
	return context.WithValue(ctx, checkpointKey{}, &checkpointer{every: int64(every)})
}

// Cooperative reports whether ctx was prepared by WithCheckpoints.
func Cooperative(ctx context.Context) bool {
	_, ok := ctx.Value(checkpointKey{}).(*checkpointer)
	return ok
}

// Checkpoint is an explicit yield point inside CPU-bound work. It is a no-op
// outside the cooperative path, where the OS scheduler already preempts.
func Checkpoint(ctx context.Context) {
	cp, ok := ctx.Value(checkpointKey{}).(*checkpointer)
	if !ok || cp.every <= 0 {
		return
	}
	if cp.calls.Add(1)%cp.every == 0 {
		cp.yields.Add(1)
		runtime.Gosched()
	}
}

// Yields returns how many times Checkpoint yielded on ctx.
func Yields(ctx context.Context) int64 {
	cp, ok := ctx.Value(checkpointKey{}).(*checkpointer)
	if !ok {
		return 0
	}
	return cp.yields.Load()
}
