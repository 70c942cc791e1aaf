package timeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// Render writes one line per trace: id, start, duration, event count and a
// bar placing the job's span on the batch time axis. width is the bar width.
func Render(w io.Writer, tl *Timeline, width int) error {
	width = max(width, 10)

	header := titleStyle.Render(tl.Name)
	stats := labelStyle.Render(fmt.Sprintf("%d jobs, %d engine records, span %s, peak concurrency %d",
		len(tl.Traces), tl.Engine, round(tl.Span), tl.Peak()))

	idWidth := 2
	for _, tr := range tl.Traces {
		idWidth = max(idWidth, len(tr.ID))
	}

	lines := []string{header, stats, ""}
	for _, tr := range tl.Traces {
		bar := barStyle
		if failed(tr) {
			bar = errStyle
		}
		lines = append(lines, fmt.Sprintf("%*s  %9s  %9s  %3d  %s",
			idWidth, tr.ID,
			round(tr.Start), round(tr.Duration()),
			len(tr.Events),
			bar.Render(drawBar(tr, tl.Span, width)),
		))
	}
	if tl.Skipped > 0 {
		lines = append(lines, "", labelStyle.Render(fmt.Sprintf("%d malformed lines skipped", tl.Skipped)))
	}

	_, err := fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
	return err
}

// drawBar marks the cells covered by the trace, with a tick per event.
func drawBar(tr Trace, span time.Duration, width int) string {
	cells := []rune(strings.Repeat(" ", width))
	if span <= 0 {
		span = 1
	}
	cell := func(d time.Duration) int {
		i := int(int64(d) * int64(width-1) / int64(span))
		return min(max(i, 0), width-1)
	}
	for i := cell(tr.Start); i <= cell(tr.End); i++ {
		cells[i] = '─'
	}
	for _, ev := range tr.Events {
		cells[cell(ev.Offset)] = '●'
	}
	return "│" + string(cells) + "│"
}

func failed(tr Trace) bool {
	for _, ev := range tr.Events {
		if ev.Level == "ERROR" {
			return true
		}
	}
	return false
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	}
	return d
}
