package logfunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/trace"
)

// LoggerKey is the attribute that renames the logger of a record.
const LoggerKey = "logger"

// Handler is an slog.Handler that turns slog records into funnel Records.
// The "logger" and "trace_id" attributes fill the matching record fields;
// any other attribute is appended to the message as key=value.
type Handler struct {
	sink    Sink
	level   slog.Leveler
	logger  string
	traceID string
	extra   []string
	group   string
}

// NewHandler returns a handler emitting into sink.
func NewHandler(sink Sink, level slog.Leveler, name string) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{sink: sink, level: level, logger: name}
}

// NewLogger is shorthand for slog.New(NewHandler(sink, level, name)).
func NewLogger(sink Sink, level slog.Leveler, name string) *slog.Logger {
	return slog.New(NewHandler(sink, level, name))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Logger:  h.logger,
		TraceID: h.traceID,
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	extra := append([]string(nil), h.extra...)
	r.Attrs(func(a slog.Attr) bool {
		h.absorb(&rec.Logger, &rec.TraceID, &extra, h.group, a)
		return true
	})
	if rec.TraceID == "" && ctx != nil {
		if id, ok := trace.FromContext(ctx); ok {
			rec.TraceID = id.String()
		}
	}
	rec.Message = r.Message
	if len(extra) > 0 {
		rec.Message += " " + strings.Join(extra, " ")
	}
	h.sink.Emit(rec)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.extra = append([]string(nil), h.extra...)
	for _, a := range attrs {
		h.absorb(&clone.logger, &clone.traceID, &clone.extra, h.group, a)
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = h.group + name + "."
	return &clone
}

func (h *Handler) absorb(logger, traceID *string, extra *[]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	switch {
	case a.Equal(slog.Attr{}):
	case prefix == "" && a.Key == LoggerKey:
		*logger = a.Value.String()
	case prefix == "" && a.Key == trace.Key:
		*traceID = a.Value.String()
	case a.Value.Kind() == slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.absorb(logger, traceID, extra, p, ga)
		}
	default:
		*extra = append(*extra, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
	}
}
