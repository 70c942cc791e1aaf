// Package trace assigns correlation ids to jobs and threads them through
// every collaborator call so each log record of a job carries the same id.
package trace

import (
	"context"
	"log/slog"
	"strconv"
)

// Key is the attribute name under which the trace id travels on log records.
const Key = "trace_id"

// ID is an opaque correlation token, unique within one batch.
type ID string

// ForIndex returns the trace id of the job at index.
func ForIndex(index int) ID {
	return ID(strconv.Itoa(index))
}

func (id ID) String() string {
	return string(id)
}

// Bind returns a logger whose records carry id.
func Bind(logger *slog.Logger, id ID) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(Key, string(id))
}

type ctxKey struct{}

// WithID stores id on ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace id stored on ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}
