package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/stats"
)

// heartbeat watches the session for forward progress. Each tick samples the
// last issued correlation id; when it has not moved for stallTicks ticks in
// a row a stall is reported. Stalls never stop the session.
type heartbeat struct {
	s          *Session
	interval   time.Duration
	stallTicks int
	collector  *stats.Collector
	metrics    *stats.Metrics
	events     chan<- event.Event
	logger     *slog.Logger

	lastID uint64
	still  int
}

// run ticks until ctx is done.
func (hb *heartbeat) run(ctx context.Context) {
	if hb.interval <= 0 {
		return
	}
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb.tick()
		}
	}
}

func (hb *heartbeat) tick() {
	hb.collector.Tick()

	id := hb.s.LastID()
	if id != hb.lastID {
		hb.lastID = id
		hb.still = 0
	} else {
		hb.still++
	}

	in, out := hb.s.Remaining()
	hb.logger.Debug("progress",
		"in_remaining", in,
		"out_remaining", out,
		"last_id", id,
		"speed", stats.FormatBytes(int64(hb.collector.RollingSpeed(5)))+"/tick",
	)

	if hb.stallTicks > 0 && hb.still >= hb.stallTicks {
		hb.still = 0
		hb.collector.AddStalls(1)
		hb.metrics.IncStalls()
		hb.logger.Warn("no progress",
			"last_id", id,
			"for", time.Duration(hb.stallTicks)*hb.interval,
		)
		emitEvent(hb.events, event.Event{Type: event.Stall, ID: id})
	}
}
