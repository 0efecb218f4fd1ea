package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/stats"
)

func runPlain(t *testing.T, p *plainPresenter, evs ...event.Event) string {
	t.Helper()
	var out bytes.Buffer
	p.w = &out
	events := make(chan event.Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	require.NoError(t, p.Run(events))
	return out.String()
}

func TestPlainPresenterFailure(t *testing.T) {
	p := &plainPresenter{stats: stats.NewCollector(), bs: 512}
	out := runPlain(t, p,
		event.Event{Type: event.SegmentDone, Block: 0, Blocks: 64},
		event.Event{Type: event.SegmentFailed, Block: 1234, Error: errors.New("medium error")},
	)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "failed at block 1,234: medium error", lines[0])
	assert.Contains(t, p.Summary(), "done ✗")
}

func TestPlainPresenterVerbose(t *testing.T) {
	evs := []event.Event{
		{Type: event.Retry, Block: 40, Category: "aborted command"},
		{Type: event.BatchShort, Blocks: 3},
		{Type: event.AbortInjected, ID: 17},
		{Type: event.Stall, ID: 99},
	}

	quiet := runPlain(t, &plainPresenter{stats: stats.NewCollector()}, evs...)
	assert.Equal(t, "stalled: no command completed since id 99\n", quiet)

	loud := runPlain(t, &plainPresenter{stats: stats.NewCollector(), verbose: true}, evs...)
	assert.Contains(t, loud, "retry at block 40 (aborted command)")
	assert.Contains(t, loud, "short admission: 3 commands accepted")
	assert.Contains(t, loud, "abort injected: id 17")
}

func TestPlainPresenterSecondary(t *testing.T) {
	out := runPlain(t, &plainPresenter{stats: stats.NewCollector()},
		event.Event{Type: event.SecondaryError, Error: errors.New("transport reset")})
	assert.Contains(t, out, "secondary: transport reset")
}

func TestPlainPresenterProgress(t *testing.T) {
	c := stats.NewCollector()
	c.SetTotal(100)
	c.AddBlocksWritten(25)

	var out bytes.Buffer
	p := &plainPresenter{w: &out, stats: c, bs: 512}
	p.printProgress()
	assert.Contains(t, out.String(), "progress: 25% 25/100 blocks")

	out.Reset()
	p.stats = stats.NewCollector()
	p.printProgress()
	assert.True(t, strings.HasPrefix(out.String(), "progress: 0 blocks"))
}

func TestPlainPresenterTicks(t *testing.T) {
	c := stats.NewCollector()
	var out bytes.Buffer
	p := &plainPresenter{w: &out, stats: c, interval: 5 * time.Millisecond, progress: true}

	events := make(chan event.Event)
	done := make(chan struct{})
	go func() {
		_ = p.Run(events)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	close(events)
	<-done
	assert.Contains(t, out.String(), "progress:")
}

func TestNewPresenter(t *testing.T) {
	c := stats.NewCollector()
	assert.IsType(t, &quietPresenter{}, NewPresenter(Config{Stats: c, Quiet: true}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Stats: c}))
	assert.IsType(t, &plainPresenter{}, NewPresenter(Config{Stats: c, IsTTY: true, NoProgress: true}))
	assert.IsType(t, &statusPresenter{}, NewPresenter(Config{Stats: c, IsTTY: true}))

	assert.Equal(t, progressBarWidth, barWidth(0))
	assert.Equal(t, 10, barWidth(20))
	assert.Equal(t, 30, barWidth(120))
	assert.Equal(t, 40, barWidth(400))

	q := NewPresenter(Config{Stats: c, Quiet: true})
	events := make(chan event.Event, 1)
	events <- event.Event{Type: event.SegmentFailed}
	close(events)
	require.NoError(t, q.Run(events))
	assert.Empty(t, q.Summary())
}

func TestStatusPresenter(t *testing.T) {
	c := stats.NewCollector()
	c.SetTotal(10)
	c.AddBlocksWritten(5)

	var out bytes.Buffer
	p := &statusPresenter{w: &out, stats: c, bs: 512}
	events := make(chan event.Event, 2)
	events <- event.Event{Type: event.SegmentFailed, Block: 7, Error: errors.New("boom")}
	close(events)
	require.NoError(t, p.Run(events))

	s := out.String()
	assert.Contains(t, s, "✗  failed at block 7: boom\n")
	assert.Contains(t, s, " 50%  ▪▪▪▪▪▪▪▪▪▪□□□□□□□□□□")
	assert.True(t, strings.HasSuffix(s, ansiClearLine), "status line cleared on exit")
	assert.Contains(t, p.Summary(), "done ✗")
}
