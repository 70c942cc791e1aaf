package logfunnel

// ============================================================================
// Log Funnel Test File
// Purpose: record counts, per-producer order, termination, schema
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/trace"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, data []byte) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		rec, err := ParseRecord(sc.Bytes())
		require.NoError(t, err, "line %q", sc.Text())
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

// ============================================================================
// Aggregation Tests
// ============================================================================

func TestConcurrentProducersKeepOrder(t *testing.T) {
	const producers, perProducer = 16, 200

	var buf bytes.Buffer
	f := Start(JSONLines(&buf))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			sink := f.Sender()
			for k := 0; k < perProducer; k++ {
				sink.Emit(Record{
					Time:    time.Now(),
					Level:   "DEBUG",
					Logger:  "test",
					Message: strconv.Itoa(k),
					TraceID: strconv.Itoa(p),
				})
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, f.Close())

	records := readRecords(t, buf.Bytes())
	assert.Len(t, records, producers*perProducer)
	assert.EqualValues(t, producers*perProducer, f.Written())

	next := make(map[string]int)
	for _, rec := range records {
		k, err := strconv.Atoi(rec.Message)
		require.NoError(t, err)
		assert.Equal(t, next[rec.TraceID], k, "producer %s out of order", rec.TraceID)
		next[rec.TraceID] = k + 1
	}
	assert.Len(t, next, producers)
}

func TestCloseFlushesEverythingBeforeSentinel(t *testing.T) {
	var buf bytes.Buffer
	f := Start(JSONLines(&buf))
	for i := 0; i < 1000; i++ {
		f.Emit(Record{Message: strconv.Itoa(i)})
	}
	require.NoError(t, f.Close())
	assert.Len(t, readRecords(t, buf.Bytes()), 1000)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	var buf bytes.Buffer
	f := Start(JSONLines(&buf))
	sink := f.Sender()
	sink.Emit(Record{Message: "before"})
	require.NoError(t, f.Close())
	assert.NoError(t, f.DroppedErr())

	assert.NotPanics(t, func() {
		sink.Emit(Record{Message: "after"})
		f.Emit(Record{Message: "after again"})
	})
	assert.EqualValues(t, 2, f.Dropped())
	assert.ErrorIs(t, f.DroppedErr(), types.ErrLogDeliveryLoss)
	assert.ErrorContains(t, f.DroppedErr(), "2 records")
	assert.Len(t, readRecords(t, buf.Bytes()), 1)

	// Close is idempotent.
	assert.NoError(t, f.Close())
}

func TestEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	f := Start(JSONLines(&buf))
	require.NoError(t, f.Close())
	assert.Empty(t, buf.Bytes())
}

type failingDestination struct{ calls int }

func (d *failingDestination) WriteRecord(Record) error {
	d.calls++
	return errors.New("disk full")
}

func (d *failingDestination) Flush() error { return nil }

func TestDestinationErrorIsReported(t *testing.T) {
	dst := &failingDestination{}
	f := Start(dst)
	f.Emit(Record{Message: "a"})
	f.Emit(Record{Message: "b"})
	err := f.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.EqualValues(t, 0, f.Written())
}

func TestCreateFileOwnsDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cooperative-local.log")
	dst, err := CreateFile(path)
	require.NoError(t, err)

	f := Start(dst)
	f.Emit(Record{Level: "INFO", Logger: "cropbatch", Message: "hello"})
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records := readRecords(t, data)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Message)
}

// ============================================================================
// slog Handler Tests
// ============================================================================

func TestHandlerSchema(t *testing.T) {
	var buf bytes.Buffer
	f := Start(JSONLines(&buf))
	logger := NewLogger(f.Sender(), slog.LevelDebug, "cropbatch")

	logger.Info("engine started")
	trace.Bind(logger, trace.ForIndex(4)).With(LoggerKey, "cropjob").Debug("Cut crops", "count", 50)
	require.NoError(t, f.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	// Engine-level event has no trace_id key at all.
	assert.NotContains(t, lines[0], trace.Key)
	assert.Contains(t, lines[0], `"logger":"cropbatch"`)

	rec, err := ParseRecord([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, "4", rec.TraceID)
	assert.Equal(t, "DEBUG", rec.Level)
	assert.Equal(t, "cropjob", rec.Logger)
	assert.Equal(t, "Cut crops count=50", rec.Message)
	assert.False(t, rec.Time.IsZero())

	for _, key := range []string{"timestamp", "level", "logger", "message", "trace_id"} {
		assert.Contains(t, lines[1], fmt.Sprintf("%q:", key))
	}
}

func TestHandlerLevelAndGroups(t *testing.T) {
	var got []Record
	var mu sync.Mutex
	sink := SinkFunc(func(rec Record) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	logger := NewLogger(sink, slog.LevelInfo, "x")

	logger.Debug("hidden")
	logger.WithGroup("save").Info("done", "files", 3)
	logger.Info("nested", slog.Group("crop", "w", 10))

	require.Len(t, got, 2)
	assert.Equal(t, "done save.files=3", got[0].Message)
	assert.Equal(t, "nested crop.w=10", got[1].Message)
}

func TestHandlerTakesTraceFromContext(t *testing.T) {
	var got Record
	logger := NewLogger(SinkFunc(func(rec Record) { got = rec }), slog.LevelDebug, "x")

	ctx := trace.WithID(context.Background(), trace.ForIndex(12))
	logger.InfoContext(ctx, "fetched")
	assert.Equal(t, "12", got.TraceID)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkEmit(b *testing.B) {
	f := Start(JSONLines(&bytes.Buffer{}))
	defer f.Close()
	sink := f.Sender()
	rec := Record{Level: "DEBUG", Logger: "bench", Message: "m", TraceID: "1"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sink.Emit(rec)
		}
	})
}
