package engine

import "github.com/bamsammich/sgmrq/internal/transport"

// transfer locates a command's data within the session and the segment
// buffer.
type transfer struct {
	pos    int64 // session block index of the first block
	bufOff int   // byte offset into the segment buffer
	blocks int64
}

// item pairs a command with the transfer it performs.
type item struct {
	cmd    transport.Command
	xfer   transfer
	zeroed bool // read failed and the buffer was zero-filled
}

// batchState tracks one batch through the exchange.
type batchState int

const (
	batchBuilding batchState = iota
	batchSubmitted
	batchPartiallyReconciled
	batchReconciled
	batchFailed
)

var batchStateNames = [...]string{
	batchBuilding:            "building",
	batchSubmitted:           "submitted",
	batchPartiallyReconciled: "partially reconciled",
	batchReconciled:          "reconciled",
	batchFailed:              "failed",
}

func (s batchState) String() string {
	if s >= 0 && int(s) < len(batchStateNames) {
		return batchStateNames[s]
	}
	return "unknown"
}

// action is what the failure policy asks the worker to do.
type action int

const (
	actContinue action = iota
	actRetry
	actZeroFill
	actSkip
	actFatal
)

var actionNames = [...]string{
	actContinue: "continue",
	actRetry:    "retry",
	actZeroFill: "zero-fill",
	actSkip:     "skip",
	actFatal:    "fatal",
}

func (a action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// policy is the failure policy for one session.
type policy struct {
	inCOE  bool
	outCOE bool
}

func (p policy) coe(dir transport.Direction) bool {
	if dir == transport.DirIn {
		return p.inCOE
	}
	return p.outCOE
}

// decide maps a failed command's category to an action.
func (p policy) decide(cat transport.Category, dir transport.Direction) action {
	switch {
	case cat.OK():
		return actContinue
	case cat.Transient():
		return actRetry
	case cat == transport.CatMediumHard && p.coe(dir):
		if dir == transport.DirIn {
			return actZeroFill
		}
		return actSkip
	case cat == transport.CatMiscompare && p.coe(dir):
		return actSkip
	default:
		return actFatal
	}
}

// Reconciliation is the accounting of one received batch.
type Reconciliation struct {
	Sense transport.Sense

	// Good is the number of leading items that completed good.
	Good int
	// Failed is the index of the first failing item, or -1.
	Failed int

	GoodIn, GoodOut     int64 // blocks in the good prefix per direction
	QueuedIn, QueuedOut int64 // blocks accepted per direction
	ResidIn, ResidOut   int64 // queued minus good

	// Unreported is the number of accepted items past the transport's
	// submitted count. They are neither good nor failed.
	Unreported int

	// ShortBlocks is the blocks moved by a good-status item at index Good
	// that reported a residual. EOF is set when such an item was seen.
	ShortBlocks int64
	EOF         bool

	Recovered int
	Holes     int // unfinished items after the first failure

	CompletedExceeds bool // the response claimed more completions than submissions

	Category       transport.Category // of the failing item, Clean otherwise
	Action         action
	StopAfterWrite bool
	State          batchState
}

// Reconcile accounts the completions in resp against the submitted items.
// items must hold exactly the accepted commands, in submission order.
// Reconcile has no side effects.
func Reconcile(items []item, resp transport.Response, pol policy) Reconciliation {
	r := Reconciliation{Failed: -1, State: batchReconciled}

	submitted := min(max(resp.Submitted, 0), len(items))
	r.CompletedExceeds = resp.Completed > submitted
	r.Unreported = len(items) - submitted

	for i := range items {
		if items[i].cmd.Dir == transport.DirIn {
			r.QueuedIn += int64(items[i].cmd.Blocks)
		} else {
			r.QueuedOut += int64(items[i].cmd.Blocks)
		}
	}

	short := false
	for i := range submitted {
		cmd := &items[i].cmd
		blocks := int64(cmd.Blocks)

		var c transport.Completion
		if i < len(resp.Items) {
			c = resp.Items[i]
		}

		if r.Failed >= 0 || short {
			if !c.Finished && c.Err == nil {
				r.Holes++
			}
			continue
		}

		cat, sense := transport.Classify(&c)
		if !cat.OK() {
			r.Failed = i
			r.Category = cat
			r.Sense = sense
			continue
		}
		if cat == transport.CatRecovered {
			r.Recovered++
		}

		good := blocks
		if c.Resid > 0 && cmd.BlockSize > 0 {
			moved := max(int64(cmd.Bytes())-int64(c.Resid), 0)
			good = moved / int64(cmd.BlockSize)
			r.ShortBlocks = good
			r.EOF = true
			short = true
		} else {
			r.Good++
		}
		if cmd.Dir == transport.DirIn {
			r.GoodIn += good
		} else {
			r.GoodOut += good
		}
	}

	r.ResidIn = r.QueuedIn - r.GoodIn
	r.ResidOut = r.QueuedOut - r.GoodOut

	switch {
	case r.Failed >= 0:
		dir := items[r.Failed].cmd.Dir
		r.Action = pol.decide(r.Category, dir)
		r.StopAfterWrite = !r.Category.Transient() && !pol.coe(dir)
		r.State = batchFailed
	case r.Good+boolInt(short) < submitted || submitted < len(items):
		r.State = batchPartiallyReconciled
	}
	return r
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
