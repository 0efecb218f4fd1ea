package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/stats"
)

// plainPresenter writes one line per notable event and a periodic progress
// line, for logs and pipes.
type plainPresenter struct {
	w        io.Writer
	stats    *stats.Collector
	bs       int
	interval time.Duration
	verbose  bool
	progress bool
	failed   bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	var tick <-chan time.Time
	if p.progress && p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	if ev.Type == event.SegmentFailed {
		p.failed = true
	}
	if line := eventLine(ev, p.verbose); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BlocksTotal > 0 {
		pct := float64(snap.BlocksWritten) / float64(snap.BlocksTotal) * 100
		fmt.Fprintf(p.w, "progress: %.0f%% %s/%s blocks %s eta %s\n",
			pct,
			FormatCount(snap.BlocksWritten), FormatCount(snap.BlocksTotal),
			FormatRate(snap.Rate()),
			FormatETA(eta(snap, p.bs)),
		)
		return
	}
	fmt.Fprintf(p.w, "progress: %s blocks %s\n",
		FormatCount(snap.BlocksWritten), FormatRate(snap.Rate()))
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot(), p.bs, p.failed)
}

// eta estimates the time left from the session average rate.
func eta(snap stats.Snapshot, bs int) time.Duration {
	rate := snap.Rate()
	left := snap.BlocksTotal - snap.BlocksWritten
	if rate <= 0 || left <= 0 || bs <= 0 {
		return 0
	}
	return time.Duration(float64(left*int64(bs)) / rate * float64(time.Second))
}
