package ui

import (
	"cmp"
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim       = "\033[2m"
	ansiReset     = "\033[0m"
	ansiClearLine = "\r\033[K"
)

const (
	sparklineWidth   = 16
	progressBarWidth = 20
	redrawInterval   = 100 * time.Millisecond
)

// statusPresenter keeps a single status line redrawn in place at the bottom
// of the terminal, with event lines scrolling above it.
type statusPresenter struct {
	w       io.Writer
	stats   *stats.Collector
	bs      int
	bar     int
	verbose bool
	failed  bool
	drawn   bool
}

func (p *statusPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clear()
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.draw()
		}
	}
}

func (p *statusPresenter) handleEvent(ev event.Event) {
	if ev.Type == event.SegmentFailed {
		p.failed = true
	}
	line := eventLine(ev, p.verbose)
	if line == "" {
		return
	}
	p.clear()
	mark := "–"
	if ev.Type == event.SegmentFailed {
		mark = "✗"
	}
	fmt.Fprintf(p.w, "%s  %s\n", mark, line)
	p.draw()
}

func (p *statusPresenter) draw() {
	snap := p.stats.Snapshot()
	var pct float64
	if snap.BlocksTotal > 0 {
		pct = float64(snap.BlocksWritten) / float64(snap.BlocksTotal)
	}
	spark := Sparkline(p.stats.Recent(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "%s %3.0f%%  %s  %s%s%s  %s  %s blocks  eta %s",
		ansiClearLine,
		pct*100, ProgressBar(pct, cmp.Or(p.bar, progressBarWidth)),
		ansiDim, spark, ansiReset,
		FormatRate(snap.Rate()),
		FormatCount(snap.BlocksWritten),
		FormatETA(eta(snap, p.bs)),
	)
	p.drawn = true
}

func (p *statusPresenter) clear() {
	if !p.drawn {
		return
	}
	fmt.Fprint(p.w, ansiClearLine)
	p.drawn = false
}

func (p *statusPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot(), p.bs, p.failed)
}
