package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sgmrq/internal/transport"
)

const testBS = 512

func mkItems(dir transport.Direction, blocks ...uint32) []item {
	items := make([]item, len(blocks))
	var pos int64
	for i, b := range blocks {
		items[i] = item{
			cmd:  transport.Command{ID: uint64(i + 1), Dir: dir, Blocks: b, BlockSize: testBS},
			xfer: transfer{pos: pos, blocks: int64(b)},
		}
		pos += int64(b)
	}
	return items
}

func good() transport.Completion { return transport.Completion{Finished: true} }

func checkCond(key byte) transport.Completion {
	return transport.Completion{
		Finished: true,
		Status:   transport.StatusCheckCondition,
		Sense:    transport.FixedSense(key, 0, 0, 0),
	}
}

func response(items ...transport.Completion) transport.Response {
	completed := 0
	for _, c := range items {
		if c.Finished {
			completed++
		}
	}
	return transport.Response{Wire: transport.WireV4, Submitted: len(items), Completed: completed, Items: items}
}

func TestReconcileAllGood(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirIn, 4, 4, 2)
	resp := response(good(), good(), good())

	first := Reconcile(items, resp, policy{})
	second := Reconcile(items, resp, policy{})
	assert.Equal(t, first, second, "reconcile is a pure function")

	assert.Equal(t, 3, first.Good)
	assert.Equal(t, -1, first.Failed)
	assert.Equal(t, int64(10), first.GoodIn)
	assert.Equal(t, int64(10), first.QueuedIn)
	assert.Zero(t, first.ResidIn)
	assert.Zero(t, first.QueuedOut)
	assert.Equal(t, batchReconciled, first.State)
	assert.False(t, first.StopAfterWrite)
}

func TestReconcilePartial(t *testing.T) {
	t.Parallel()

	for k := range 5 {
		items := mkItems(transport.DirIn, 2, 2, 2, 2, 2)
		comps := make([]transport.Completion, 5)
		for i := range comps {
			comps[i] = good()
		}
		comps[k] = checkCond(transport.KeyMediumError)

		r := Reconcile(items, response(comps...), policy{})
		assert.Equal(t, k, r.Good, "k=%d", k)
		assert.Equal(t, k, r.Failed, "k=%d", k)
		assert.Equal(t, int64(2*k), r.GoodIn, "only the prefix before the failure counts")
		assert.Equal(t, int64(10-2*k), r.ResidIn)
		assert.Equal(t, transport.CatMediumHard, r.Category)
		assert.Equal(t, actFatal, r.Action)
		assert.True(t, r.StopAfterWrite)
		assert.Equal(t, batchFailed, r.State)
	}
}

func TestReconcileMixedDirections(t *testing.T) {
	t.Parallel()

	items := append(mkItems(transport.DirIn, 3), mkItems(transport.DirOut, 5)...)
	r := Reconcile(items, response(good(), good()), policy{})
	assert.Equal(t, int64(3), r.GoodIn)
	assert.Equal(t, int64(5), r.GoodOut)
	assert.Equal(t, int64(3), r.QueuedIn)
	assert.Equal(t, int64(5), r.QueuedOut)
}

func TestReconcileCompletedExceedsSubmitted(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirOut, 1, 1)
	resp := response(good(), good())
	resp.Completed = 7
	r := Reconcile(items, resp, policy{})
	assert.True(t, r.CompletedExceeds)
	assert.Equal(t, 2, r.Good)
}

func TestReconcileSubmittedBelowAccepted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		submitted  int
		good       int
		goodIn     int64
		unreported int
	}{
		{name: "none reported", submitted: 0, good: 0, goodIn: 0, unreported: 4},
		{name: "last unreported", submitted: 3, good: 3, goodIn: 6, unreported: 1},
		{name: "negative", submitted: -2, good: 0, goodIn: 0, unreported: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			items := mkItems(transport.DirIn, 2, 2, 2, 2)
			resp := response(good(), good(), good(), good())
			resp.Submitted = tt.submitted

			r := Reconcile(items, resp, policy{})
			assert.Equal(t, tt.good, r.Good)
			assert.Equal(t, -1, r.Failed)
			assert.Equal(t, tt.unreported, r.Unreported)
			assert.Equal(t, int64(8), r.QueuedIn, "every accepted command is queued")
			assert.Equal(t, tt.goodIn, r.GoodIn)
			assert.Equal(t, int64(8)-tt.goodIn, r.ResidIn, "unreported blocks return as residual")
			assert.Equal(t, batchPartiallyReconciled, r.State)
		})
	}
}

func TestReconcileSubmittedBeyondItems(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirIn, 1, 1)
	resp := response(good(), good(), good())
	r := Reconcile(items, resp, policy{})
	assert.Equal(t, 2, r.Good)
	assert.Equal(t, int64(2), r.QueuedIn)
}

func TestReconcileRecoveredCountsAsGood(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirIn, 1, 1)
	r := Reconcile(items, response(checkCond(transport.KeyRecoveredError), good()), policy{})
	assert.Equal(t, 2, r.Good)
	assert.Equal(t, 1, r.Recovered)
	assert.Equal(t, -1, r.Failed)
}

func TestReconcileUnfinished(t *testing.T) {
	t.Parallel()

	t.Run("before any failure is a failure", func(t *testing.T) {
		t.Parallel()
		items := mkItems(transport.DirIn, 1, 1, 1)
		r := Reconcile(items, response(good(), transport.Completion{}, good()), policy{})
		assert.Equal(t, 1, r.Good)
		assert.Equal(t, 1, r.Failed)
		assert.Equal(t, transport.CatIncomplete, r.Category)
		assert.Zero(t, r.Holes)
	})

	t.Run("after a failure is a hole", func(t *testing.T) {
		t.Parallel()
		items := mkItems(transport.DirIn, 1, 1, 1)
		r := Reconcile(items, response(checkCond(transport.KeyAbortedCommand), transport.Completion{}, good()), policy{})
		assert.Zero(t, r.Good)
		assert.Equal(t, 1, r.Holes)
		assert.Equal(t, transport.CatAbortedCommand, r.Category)
		assert.Equal(t, actRetry, r.Action)
		assert.False(t, r.StopAfterWrite, "transient failures are retried")
	})
}

func TestReconcileShortTransfer(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirIn, 4, 4, 4)
	short := good()
	short.Resid = 3 * testBS
	r := Reconcile(items, response(good(), short, good()), policy{})

	assert.True(t, r.EOF)
	assert.Equal(t, 1, r.Good)
	assert.Equal(t, int64(1), r.ShortBlocks)
	assert.Equal(t, int64(5), r.GoodIn)
	assert.Equal(t, int64(7), r.ResidIn)
	assert.Equal(t, -1, r.Failed)
	assert.Equal(t, batchPartiallyReconciled, r.State)
}

func TestReconcileCOE(t *testing.T) {
	t.Parallel()

	items := mkItems(transport.DirIn, 1, 1)
	r := Reconcile(items, response(checkCond(transport.KeyMediumError), good()), policy{inCOE: true})
	assert.Equal(t, actZeroFill, r.Action)
	assert.False(t, r.StopAfterWrite)

	out := mkItems(transport.DirOut, 1)
	r = Reconcile(out, response(checkCond(transport.KeyMediumError)), policy{inCOE: true})
	assert.Equal(t, actFatal, r.Action, "in coe does not cover the output side")
	assert.True(t, r.StopAfterWrite)
}

func TestPolicyDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pol  policy
		cat  transport.Category
		dir  transport.Direction
		want action
	}{
		{"clean", policy{}, transport.CatClean, transport.DirIn, actContinue},
		{"recovered", policy{}, transport.CatRecovered, transport.DirOut, actContinue},
		{"unit attention", policy{}, transport.CatUnitAttention, transport.DirIn, actRetry},
		{"aborted", policy{}, transport.CatAbortedCommand, transport.DirOut, actRetry},
		{"busy", policy{}, transport.CatBusy, transport.DirIn, actRetry},
		{"medium no coe", policy{}, transport.CatMediumHard, transport.DirIn, actFatal},
		{"medium in coe", policy{inCOE: true}, transport.CatMediumHard, transport.DirIn, actZeroFill},
		{"medium out coe", policy{outCOE: true}, transport.CatMediumHard, transport.DirOut, actSkip},
		{"miscompare coe", policy{outCOE: true}, transport.CatMiscompare, transport.DirOut, actSkip},
		{"miscompare no coe", policy{inCOE: true}, transport.CatMiscompare, transport.DirOut, actFatal},
		{"illegal request", policy{inCOE: true, outCOE: true}, transport.CatIllegalRequest, transport.DirIn, actFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.pol.decide(tt.cat, tt.dir))
		})
	}
}

func TestBatchStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "partially reconciled", batchPartiallyReconciled.String())
	assert.Equal(t, "unknown", batchState(99).String())
	assert.Equal(t, "zero-fill", actZeroFill.String())
}
