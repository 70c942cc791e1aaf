// Package progress draws a one-line progress bar of drained job results.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"golang.org/x/term"
)

// Bar redraws itself in place on every Update. A disabled Bar writes nothing.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	model   progress.Model
	enabled bool
	drawn   bool
}

// New returns a bar writing to w.
func New(w io.Writer, enabled bool) *Bar {
	return &Bar{
		w:       w,
		model:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		enabled: enabled,
	}
}

// ForStderr returns a bar on stderr, enabled only when stderr is a terminal.
func ForStderr() *Bar {
	return New(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

// Update draws done out of total. It matches the controller's progress hook.
func (b *Bar) Update(done, total int) {
	if !b.enabled {
		return
	}
	pct := 1.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.w, "\r%s %d/%d", b.model.ViewAs(pct), done, total)
	b.drawn = true
}

// Finish ends the bar's line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawn {
		fmt.Fprintln(b.w)
		b.drawn = false
	}
}
