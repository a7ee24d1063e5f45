// Package progress renders a single-line terminal progress bar for fetches.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/itchdl/itch-dl/internal/fetcher"
)

const (
	fill       = "X"
	empty      = "-"
	frameWidth = 4 // " |" + "| "
	percentLen = 6 // "100.0%"

	defaultWidth = 80
	timeLayout   = "2006-01-02 15:04:05"
)

// Render returns one progress line for a terminal of the given width. The
// bar takes whatever width the labels leave free. A percentage is shown only
// when total is known.
func Render(current, total int64, prefix, suffix string, width int) string {
	showPercent := total > 0

	length := width - 1 - utf8.RuneCountInString(prefix) - utf8.RuneCountInString(suffix) - frameWidth
	if showPercent {
		length -= percentLen
	}
	length = max(length, 0)

	filled := 0
	if showPercent {
		filled = int(int64(length) * min(max(current, 0), total) / total)
	}
	bar := strings.Repeat(fill, filled) + strings.Repeat(empty, length-filled)

	if !showPercent {
		return fmt.Sprintf("%s |%s| %s", prefix, bar, suffix)
	}
	percent := 100 * float64(current) / float64(total)
	return fmt.Sprintf("%s |%s| %.1f%% %s", prefix, bar, percent, suffix)
}

// Prefix describes the transfer so far, e.g. "1.2 MB / 3.4 MB @ 800 kB/s".
func Prefix(current, total int64, rate float64) string {
	var b strings.Builder
	b.WriteString(humanize.Bytes(uint64(max(current, 0))))
	if total > 0 {
		b.WriteString(" / ")
		b.WriteString(humanize.Bytes(uint64(total)))
	}
	if rate > 0 {
		b.WriteString(" @ ")
		b.WriteString(humanize.Bytes(uint64(rate)))
		b.WriteString("/s")
	}
	return b.String()
}

// Reporter writes progress lines to a terminal, overwriting the current line.
type Reporter struct {
	mu    sync.Mutex
	w     io.Writer
	width func() int
	now   func() time.Time
}

// NewReporter returns a Reporter writing to w. The bar is sized to the
// terminal when w is one, and to 80 columns otherwise.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w, width: widthOf(w), now: time.Now}
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func widthOf(w io.Writer) func() int {
	f, ok := w.(*os.File)
	if !ok {
		return func() int { return defaultWidth }
	}
	return func() int {
		cols, _, err := term.GetSize(int(f.Fd()))
		if err != nil || cols <= 0 {
			return defaultWidth
		}
		return cols
	}
}

// Observe renders p. It matches fetcher.ProgressFunc.
func (r *Reporter) Observe(p fetcher.Progress) {
	prefix := r.now().Format(timeLayout) + " [INFO] " + Prefix(p.Current, p.Total, p.Rate)
	line := Render(p.Current, p.Total, prefix, p.Label, r.width())

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, "\r"+line) //nolint:errcheck
	if p.Total > 0 && p.Current >= p.Total {
		fmt.Fprintln(r.w) //nolint:errcheck
	}
}
