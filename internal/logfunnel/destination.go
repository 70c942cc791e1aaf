package logfunnel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Destination is the output a funnel consumer writes to. Only the consumer
// goroutine ever calls it, so implementations need no locking.
type Destination interface {
	WriteRecord(rec Record) error
	Flush() error
}

// LineWriter serializes records as JSON lines.
type LineWriter struct {
	w      *bufio.Writer
	closer io.Closer
}

// JSONLines writes records to w, one JSON object per line.
func JSONLines(w io.Writer) *LineWriter {
	return &LineWriter{w: bufio.NewWriter(w)}
}

// CreateFile creates (truncating) the log file at path. The returned
// destination closes the file when the funnel shuts down.
func CreateFile(path string) (*LineWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	lw := JSONLines(f)
	lw.closer = f
	return lw, nil
}

func (lw *LineWriter) WriteRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = lw.w.Write(line)
	return err
}

func (lw *LineWriter) Flush() error {
	return lw.w.Flush()
}

func (lw *LineWriter) Close() error {
	err := lw.w.Flush()
	if lw.closer != nil {
		if cerr := lw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
