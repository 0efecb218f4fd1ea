package ui

import (
	"io"
	"time"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/stats"
)

// Presenter consumes engine events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer
	Stats      *stats.Collector
	BlockSize  int
	Interval   time.Duration // progress line period, 5s when zero
	Width      int           // terminal columns
	IsTTY      bool
	Quiet      bool
	Verbose    bool
	NoProgress bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:        cfg.Writer,
			stats:    cfg.Stats,
			bs:       cfg.BlockSize,
			interval: cfg.Interval,
			verbose:  cfg.Verbose,
			progress: !cfg.NoProgress,
		}
	}
	return &statusPresenter{
		w:       cfg.Writer,
		stats:   cfg.Stats,
		bs:      cfg.BlockSize,
		verbose: cfg.Verbose,
		bar:     barWidth(cfg.Width),
	}
}

// barWidth sizes the progress bar to a quarter of the terminal.
func barWidth(cols int) int {
	if cols <= 0 {
		return progressBarWidth
	}
	return min(max(cols/4, 10), 40)
}

// eventLine renders the events worth a line of their own. Routine events
// return "" unless verbose is set.
func eventLine(ev event.Event, verbose bool) string {
	switch ev.Type {
	case event.SegmentFailed:
		msg := "error"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		return "failed at block " + FormatCount(ev.Block) + ": " + msg
	case event.Stall:
		return "stalled: no command completed since id " + FormatCount(int64(ev.ID)) //nolint:gosec // ids fit
	case event.SecondaryError:
		msg := "secondary error"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		return "secondary: " + msg
	}
	if !verbose {
		return ""
	}
	switch ev.Type {
	case event.Retry:
		return "retry at block " + FormatCount(ev.Block) + " (" + ev.Category + ")"
	case event.BatchShort:
		return "short admission: " + FormatCount(ev.Blocks) + " commands accepted"
	case event.AbortInjected:
		return "abort injected: id " + FormatCount(int64(ev.ID)) //nolint:gosec // ids fit
	case event.WorkerStarted:
		return "worker " + FormatCount(int64(ev.WorkerID)) + " started"
	}
	return ""
}
