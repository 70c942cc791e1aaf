// Package timeline rebuilds per-job timelines from a batch log file.
//
// Every record of a job carries the job's trace id, so grouping the
// interleaved JSON-lines stream by trace id gives each job's start, end and
// event sequence. Records without a trace id are engine events and only
// contribute to the batch time span.
package timeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
)

// ErrEmpty means a log holds no job records.
var ErrEmpty = errors.New("log has no job records")

// Event is one job record, timed from the start of the batch.
type Event struct {
	Offset  time.Duration
	Level   string
	Message string
}

// Trace is the timeline of one job.
type Trace struct {
	ID     string
	Start  time.Duration // first event, from batch start
	End    time.Duration // last event, from batch start
	Events []Event
}

// Duration is the span between the job's first and last event.
func (t Trace) Duration() time.Duration {
	return t.End - t.Start
}

// Timeline is every trace of one log file.
type Timeline struct {
	Name    string
	Start   time.Time
	Span    time.Duration // first to last record, engine records included
	Engine  int           // records without a trace id
	Skipped int           // lines that are not records
	Traces  []Trace
}

// Parse reads a JSON-lines log. Duplicate lines are counted once and
// malformed lines are skipped.
func Parse(name string, r io.Reader) (*Timeline, error) {
	tl := &Timeline{Name: name}
	seen := make(map[logfunnel.Record]struct{})
	var recs []logfunnel.Record

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := logfunnel.ParseRecord(line)
		if err != nil || rec.Time.IsZero() {
			tl.Skipped++
			continue
		}
		if _, dup := seen[rec]; dup {
			continue
		}
		seen[rec] = struct{}{}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(recs) == 0 {
		return tl, ErrEmpty
	}

	start, end := recs[0].Time, recs[0].Time
	for _, rec := range recs[1:] {
		if rec.Time.Before(start) {
			start = rec.Time
		}
		if rec.Time.After(end) {
			end = rec.Time
		}
	}
	tl.Start = start
	tl.Span = end.Sub(start)

	byID := make(map[string]*Trace)
	for _, rec := range recs {
		if rec.TraceID == "" {
			tl.Engine++
			continue
		}
		tr, ok := byID[rec.TraceID]
		if !ok {
			tr = &Trace{ID: rec.TraceID}
			byID[rec.TraceID] = tr
		}
		tr.Events = append(tr.Events, Event{
			Offset:  rec.Time.Sub(start),
			Level:   rec.Level,
			Message: rec.Message,
		})
	}
	if len(byID) == 0 {
		return tl, ErrEmpty
	}

	for _, tr := range byID {
		sort.SliceStable(tr.Events, func(i, j int) bool { return tr.Events[i].Offset < tr.Events[j].Offset })
		tr.Start = tr.Events[0].Offset
		tr.End = tr.Events[len(tr.Events)-1].Offset
		tl.Traces = append(tl.Traces, *tr)
	}
	slices.SortFunc(tl.Traces, func(a, b Trace) int { return compareIDs(a.ID, b.ID) })
	return tl, nil
}

// ParseFile parses the log at path.
func ParseFile(path string) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(filepath.Base(path), f)
}

// Expand resolves glob patterns into log files, skipping empty files.
func Expand(patterns []string) ([]string, error) {
	var paths []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if info.Mode().IsRegular() && info.Size() > 0 {
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)
	return slices.Compact(paths), nil
}

// Peak returns the largest number of traces whose spans overlap, the
// observed concurrency of the batch.
func (tl *Timeline) Peak() int {
	type edge struct {
		at    time.Duration
		delta int
	}
	edges := make([]edge, 0, 2*len(tl.Traces))
	for _, tr := range tl.Traces {
		edges = append(edges, edge{tr.Start, 1}, edge{tr.End, -1})
	}
	// spans are closed: starts sort before ends at the same instant
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at != edges[j].at {
			return edges[i].at < edges[j].at
		}
		return edges[i].delta > edges[j].delta
	})
	peak, cur := 0, 0
	for _, e := range edges {
		cur += e.delta
		peak = max(peak, cur)
	}
	return peak
}

// Messages returns the distinct job messages in first-seen order.
func (tl *Timeline) Messages() []string {
	var out []string
	seen := make(map[string]bool)
	for _, tr := range tl.Traces {
		for _, ev := range tr.Events {
			if !seen[ev.Message] {
				seen[ev.Message] = true
				out = append(out, ev.Message)
			}
		}
	}
	return out
}

// compareIDs orders numeric trace ids numerically and the rest lexically.
func compareIDs(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai - bi
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
