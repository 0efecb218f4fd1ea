package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sgmrq/internal/engine"
	"github.com/bamsammich/sgmrq/internal/transport"
	"github.com/bamsammich/sgmrq/internal/transport/sim"
)

// rewriteOpener wraps the handles it opens for name so that every received
// response passes through rewrite first.
type rewriteOpener struct {
	transport.Opener
	name    string
	rewrite func(resp *transport.Response)
}

func (o *rewriteOpener) Open(ctx context.Context, name string, mode transport.Mode, flags transport.OpenFlags) (transport.Handle, error) {
	h, err := o.Opener.Open(ctx, name, mode, flags)
	if err != nil || name != o.name {
		return h, err
	}
	return &rewriteHandle{Handle: h, rewrite: o.rewrite}, nil
}

type rewriteHandle struct {
	transport.Handle
	rewrite func(resp *transport.Response)
}

func (h *rewriteHandle) Receive(ctx context.Context) (transport.Response, error) {
	resp, err := h.Handle.Receive(ctx)
	if err == nil {
		h.rewrite(&resp)
	}
	return resp, err
}

func runWithin(t *testing.T, d time.Duration, cfg engine.Config) engine.Result {
	t.Helper()
	done := make(chan engine.Result, 1)
	go func() { done <- engine.Run(context.Background(), cfg) }()
	select {
	case res := <-done:
		return res
	case <-time.After(d):
		t.Fatal("engine.Run did not return")
		return engine.Result{}
	}
}

func TestRun_NothingReported(t *testing.T) {
	t.Parallel()

	o, _, b := simPair(t, 64)
	cfg := baseConfig(&rewriteOpener{
		Opener:  o,
		name:    "sim:a",
		rewrite: func(resp *transport.Response) { resp.Submitted = 0 },
	})
	cfg.BlocksPerTransfer = 8
	cfg.BatchSize = 4
	cfg.Retries = 2

	res := runWithin(t, 10*time.Second, cfg)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, &engine.Error{Kind: engine.KindAdmission})
	assert.Equal(t, transport.CatIncomplete.ExitCode(), res.ExitCode())
	assert.Equal(t, int64(2), res.Stats.Retried)
	assert.Zero(t, res.Stats.BlocksRead)

	_, written := b.Counts()
	assert.Zero(t, written)
}

func TestRun_PartlyReported(t *testing.T) {
	t.Parallel()

	o, a, b := simPair(t, 64)
	var once sync.Once
	cfg := baseConfig(&rewriteOpener{
		Opener: o,
		name:   "sim:a",
		rewrite: func(resp *transport.Response) {
			once.Do(func() { resp.Submitted-- })
		},
	})
	cfg.BlocksPerTransfer = 8
	cfg.BatchSize = 4

	res := runWithin(t, 10*time.Second, cfg)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(64), res.Stats.BlocksRead)
	assert.Equal(t, int64(64), res.Stats.BlocksWritten)
	assert.Zero(t, res.InRemaining, "unreported commands are requeued, not lost")
	assert.Zero(t, res.OutRemaining)
	assert.Zero(t, res.ExitCode())
	assertSameBlocks(t, a, b, 0, 64)
}

func TestRun_ShortReadWithoutTransfer(t *testing.T) {
	t.Parallel()

	o, a, b := simPair(t, 512)
	a.InjectFault(sim.Fault{LBA: 100, Dir: transport.DirIn, Short: true})
	cfg := baseConfig(o)
	cfg.Share = true
	cfg.BlocksPerTransfer = 8
	cfg.BatchSize = 1

	res := runWithin(t, 10*time.Second, cfg)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(100), res.Stats.BlocksWritten)
	assertSameBlocks(t, a, b, 0, 100)
	assert.Zero(t, o.PendingShares())

	_, written := b.Counts()
	assert.Equal(t, int64(100), written)
}
