package timeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeLog(t *testing.T, recs ...logfunnel.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	dst := logfunnel.JSONLines(&buf)
	for _, rec := range recs {
		require.NoError(t, dst.WriteRecord(rec))
	}
	require.NoError(t, dst.Flush())
	return buf.Bytes()
}

func rec(ms int, trace, msg string) logfunnel.Record {
	return logfunnel.Record{
		Time:    t0.Add(time.Duration(ms) * time.Millisecond),
		Level:   "DEBUG",
		Logger:  "cropjob",
		Message: msg,
		TraceID: trace,
	}
}

func TestParseGroupsByTrace(t *testing.T) {
	data := writeLog(t,
		rec(0, "", "Running batch"),
		rec(10, "0", "Downloading crops csv and image"),
		rec(12, "10", "Downloading crops csv and image"),
		rec(15, "2", "Downloading crops csv and image"),
		rec(30, "0", "Saved all images"),
		rec(30, "0", "Saved all images"), // duplicate line
		rec(40, "2", "Saved all images"),
		rec(55, "10", "Saved all images"),
		rec(60, "", "Elapsed 0.06 seconds"),
	)
	data = append(data, []byte("not json\n\n")...)

	tl, err := Parse("thread-local.log", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 2, tl.Engine)
	assert.Equal(t, 1, tl.Skipped)
	assert.Equal(t, 60*time.Millisecond, tl.Span)
	assert.True(t, tl.Start.Equal(t0))

	require.Len(t, tl.Traces, 3)
	// numeric order, not lexical
	assert.Equal(t, []string{"0", "2", "10"}, []string{tl.Traces[0].ID, tl.Traces[1].ID, tl.Traces[2].ID})

	first := tl.Traces[0]
	assert.Len(t, first.Events, 2)
	assert.Equal(t, 10*time.Millisecond, first.Start)
	assert.Equal(t, 30*time.Millisecond, first.End)
	assert.Equal(t, 20*time.Millisecond, first.Duration())

	assert.Equal(t, []string{"Downloading crops csv and image", "Saved all images"}, tl.Messages())
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("empty", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	engineOnly := writeLog(t, rec(0, "", "Running batch"))
	tl, err := Parse("engine", bytes.NewReader(engineOnly))
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, 1, tl.Engine)
}

func TestPeak(t *testing.T) {
	tests := []struct {
		name  string
		spans [][2]int
		want  int
	}{
		{"none", nil, 0},
		{"sequential", [][2]int{{0, 10}, {11, 20}, {21, 30}}, 1},
		{"window of two", [][2]int{{0, 30}, {1, 10}, {11, 50}, {31, 40}}, 2},
		{"all at once", [][2]int{{0, 10}, {1, 10}, {2, 10}, {3, 10}}, 4},
		{"single event", [][2]int{{5, 5}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := &Timeline{}
			for _, s := range tt.spans {
				tl.Traces = append(tl.Traces, Trace{
					Start: time.Duration(s[0]) * time.Millisecond,
					End:   time.Duration(s[1]) * time.Millisecond,
				})
			}
			assert.Equal(t, tt.want, tl.Peak())
		})
	}
}

func TestRender(t *testing.T) {
	failing := rec(20, "1", "job failed")
	failing.Level = "ERROR"
	data := writeLog(t,
		rec(0, "0", "Opening image"),
		rec(50, "0", "Saved all images"),
		rec(10, "1", "Opening image"),
		failing,
	)
	tl, err := Parse("cooperative-local.log", bytes.NewReader(data))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Render(&out, tl, 20))
	text := out.String()

	assert.Contains(t, text, "cooperative-local.log")
	assert.Contains(t, text, "2 jobs")
	assert.Contains(t, text, "peak concurrency 2")
	assert.Contains(t, text, "●")
}

func TestDrawBar(t *testing.T) {
	tr := Trace{
		Start:  0,
		End:    100 * time.Millisecond,
		Events: []Event{{Offset: 0}, {Offset: 100 * time.Millisecond}},
	}
	bar := drawBar(tr, 100*time.Millisecond, 11)
	assert.Equal(t, "│●─────────●│", bar)

	late := Trace{Start: 50 * time.Millisecond, End: 50 * time.Millisecond, Events: []Event{{Offset: 50 * time.Millisecond}}}
	assert.Equal(t, "│     ●     │", drawBar(late, 100*time.Millisecond, 11))
}

func TestExpandAndParseFile(t *testing.T) {
	dir := t.TempDir()
	data := writeLog(t, rec(0, "0", "Opening image"))
	for _, name := range []string{"thread-local.log", "process-local.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.log"), nil, 0o644))

	paths, err := Expand([]string{filepath.Join(dir, "*.log"), filepath.Join(dir, "thread-local.log")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "process-local.log"),
		filepath.Join(dir, "thread-local.log"),
	}, paths)

	tl, err := ParseFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "thread-local.log", tl.Name)

	_, err = Expand([]string{filepath.Join(dir, "missing.log")})
	assert.Error(t, err)
}
