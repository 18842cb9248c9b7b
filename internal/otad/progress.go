package otad

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/dustin/go-humanize"
)

// progressWriter counts the bytes written to it and redraws a one-line
// progress bar on out, at most once per interval.
type progressWriter struct {
	out      io.Writer
	status   string
	total    uint64 // 0 if unknown
	interval time.Duration
	bar      progress.Model

	mu      sync.Mutex
	written uint64
	drawn   time.Time
}

func newProgressWriter(out io.Writer, status string, total uint64) *progressWriter {
	return &progressWriter{
		out:      out,
		status:   status,
		total:    total,
		interval: 100 * time.Millisecond,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written += uint64(len(b))
	if now := time.Now(); now.Sub(p.drawn) >= p.interval {
		p.drawn = now
		p.drawLocked()
	}
	return len(b), nil
}

func (p *progressWriter) drawLocked() {
	if p.total == 0 {
		fmt.Fprintf(p.out, "\r[%s] %s", p.status, humanize.Bytes(p.written))
		return
	}
	percent := float64(p.written) / float64(p.total)
	if percent > 1 {
		percent = 1
	}
	fmt.Fprintf(p.out, "\r[%s] %s %s of %s",
		p.status,
		p.bar.ViewAs(percent),
		humanize.Bytes(p.written),
		humanize.Bytes(p.total))
}

// Done draws the final state and returns the number of bytes written.
func (p *progressWriter) Done() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drawLocked()
	return p.written
}
