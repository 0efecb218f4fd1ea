package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/bamsammich/sgmrq/internal/event"
	"github.com/bamsammich/sgmrq/internal/sgl"
	"github.com/bamsammich/sgmrq/internal/transport"
)

const (
	sideIn   = "in"
	sideOut  = "out"
	sideOut2 = "out2"
)

var errListEnd = errors.New("block list ended before the session total")

// endpoint is one open handle as seen by a worker. mu, when set, is held
// across each exchange so several workers can borrow the handle.
type endpoint struct {
	h    transport.Handle
	mu   *sync.Mutex
	name string
	side string
}

func (ep *endpoint) lock() {
	if ep.mu != nil {
		ep.mu.Lock()
	}
}

func (ep *endpoint) unlock() {
	if ep.mu != nil {
		ep.mu.Unlock()
	}
}

// tracked reports whether transfers on ep count against the session's
// remaining blocks.
func (ep *endpoint) tracked() bool { return ep.side != sideOut2 }

// workerStats are folded into the session collector when the worker exits.
type workerStats struct {
	read, written   int64
	inPartial       int64
	outPartial      int64
	zeroFilled      int64
	recovered       int64
	retried         int64
	busy            int64
	miscompares     int64
	batches         int64
	shortAdmissions int64
	secondary       int64
}

// worker is one request element: it claims segments from the session and
// moves them through its endpoints.
type worker struct {
	r      *runner
	id     int
	tctx   context.Context // transport calls; never cancelled
	ctx    context.Context
	logger *slog.Logger

	in, out *endpoint
	inIt    *sgl.Iter
	outIt   *sgl.Iter

	buf    []byte
	reads  []item
	writes []item
	side   []item
	cmds   []transport.Command

	st workerStats
}

// exchangeResult summarizes one half of a segment.
type exchangeResult struct {
	done  int   // leading items that may be passed on
	short int64 // blocks moved by item done when eof is set
	eof   bool
}

func (w *worker) run() error {
	seg := int64(w.r.bpt) * int64(w.r.mrq)
	for {
		start, n := w.r.s.GetNext(seg)
		if n <= 0 {
			return nil
		}
		if err := w.segment(start, n); err != nil {
			return err
		}
	}
}

// segment copies blocks [start, start+n) of the session.
func (w *worker) segment(start, n int64) error {
	r := w.r
	if !w.inIt.SeekToBlock(start) || !w.outIt.SeekToBlock(start) {
		return w.abandon(newError(KindConfig, transport.CatSyntax, "seek", "", start, errListEnd))
	}

	bs := r.cfg.BlockSize
	w.reads, w.writes = w.reads[:0], w.writes[:0]
	pos, off, left := start, 0, n
	for left > 0 {
		k := min(w.inIt.ContiguousRun(int64(r.bpt)), w.outIt.ContiguousRun(int64(r.bpt)), left)
		inOff, inOK := w.inIt.Current()
		outOff, outOK := w.outIt.Current()
		if k <= 0 || !inOK || !outOK {
			return w.abandon(newError(KindConfig, transport.CatSyntax, "seek", "", pos, errListEnd))
		}
		size := int(k) * bs
		x := transfer{pos: pos, bufOff: off, blocks: k}
		buf := w.buf[off : off+size]
		w.reads = append(w.reads, item{xfer: x, cmd: transport.Command{
			Dir:       transport.DirIn,
			Offset:    inOff,
			Blocks:    uint32(k), //nolint:gosec // k <= bpt
			BlockSize: bs,
			Buf:       buf,
			Timeout:   r.cfg.Timeout,
			Flags:     r.readFlags,
		}})
		w.writes = append(w.writes, item{xfer: x, cmd: transport.Command{
			Dir:       transport.DirOut,
			Offset:    outOff,
			Blocks:    uint32(k), //nolint:gosec // k <= bpt
			BlockSize: bs,
			Buf:       buf,
			Timeout:   r.cfg.Timeout,
			Flags:     r.writeFlags,
		}})
		w.inIt.Advance(k)
		w.outIt.Advance(k)
		pos += k
		off += size
		left -= k
	}

	rres, readErr := w.exchange(w.in, w.reads)

	writable := rres.done
	if rres.eof {
		end := start
		if rres.done < len(w.reads) {
			end = w.reads[rres.done].xfer.pos + rres.short
		}
		r.s.Truncate(end)
		if rres.short > 0 {
			wi := &w.writes[rres.done]
			wi.cmd.Blocks = uint32(rres.short) //nolint:gosec // short < Blocks
			wi.xfer.blocks = rres.short
			writable++
		}
		w.logger.Debug("source ended", "block", end)
	}
	for i := range writable {
		wi, ri := &w.writes[i], &w.reads[i]
		if !r.share || ri.zeroed {
			continue
		}
		// A short read is written from the segment buffer unless it
		// bypassed it.
		if i < rres.done || ri.cmd.Flags&transport.FlagNoDxfer != 0 {
			wi.cmd.ShareFrom = ri.cmd.ID
		}
	}

	if !r.gate.Wait(start) {
		return readErr
	}
	var writeErr error
	if writable > 0 {
		if err := w.sideChannel(w.writes[:writable]); err != nil {
			r.gate.Stop()
			return err
		}
		_, writeErr = w.exchange(w.out, w.writes[:writable])
	}
	if err := cmp.Or(readErr, writeErr); err != nil {
		r.gate.Stop()
		return err
	}
	r.gate.Done(start + n)

	emitEvent(r.events, event.Event{Type: event.SegmentDone, Block: start, Blocks: n, WorkerID: w.id})
	return nil
}

// abandon stops the session for a segment that could not be built.
func (w *worker) abandon(err *Error) error {
	w.r.s.Stop(err.Category, err)
	w.r.gate.Stop()
	return err
}

// sideChannel hands the read data of items, in session order, to the digest
// and the secondary output. The order gate must be held.
func (w *worker) sideChannel(items []item) error {
	r := w.r
	if r.dig == nil && r.out2 == nil {
		return nil
	}
	for i := range items {
		r.dig.Write(items[i].cmd.Buf[:items[i].cmd.Bytes()])
	}
	if r.out2 == nil {
		return nil
	}
	w.side = w.side[:0]
	for i := range items {
		c := items[i].cmd
		c.Offset = uint64(items[i].xfer.pos) //nolint:gosec // pos >= 0
		c.Flags = 0
		c.ShareFrom = 0
		w.side = append(w.side, item{cmd: c, xfer: items[i].xfer})
	}
	_, err := w.exchange(r.out2, w.side)
	return err
}

// exchange drives items through ep in batches of at most mrq commands until
// every item is accounted for or a fatal failure stops the session.
func (w *worker) exchange(ep *endpoint, items []item) (exchangeResult, error) {
	r := w.r
	var res exchangeResult
	retries := 0
	pos := 0
	for pos < len(items) {
		batch := items[pos:min(pos+r.mrq, len(items))]
		bytes := 0
		for i := range batch {
			batch[i].cmd.ID = r.s.NextID()
			bytes += batch[i].cmd.Bytes()
		}
		if ep.side == sideIn {
			if err := waitBytes(w.ctx, r.lim, bytes); err != nil {
				w.logger.Debug("rate limiter", "error", err)
			}
		}

		ep.lock()
		began := time.Now()
		accepted, err := w.submit(ep, batch)
		if err != nil {
			ep.unlock()
			return res, w.transportFailure(ep, "submit", batch[0].xfer.pos, err)
		}
		sent := batch[:accepted]
		w.trackQueued(ep, sent)
		w.injectAbort(ep, sent)
		resp, err := ep.h.Receive(w.tctx)
		ep.unlock()
		if err != nil {
			return res, w.transportFailure(ep, "receive", batch[0].xfer.pos, err)
		}
		r.metrics.RecordBatch(ep.side, accepted, time.Since(began))
		r.collector.AddCommands(int64(accepted))
		w.st.batches++

		rec := Reconcile(sent, resp, r.pol)
		if rec.CompletedExceeds {
			w.logger.Warn("completed count exceeds submitted",
				"side", ep.side, "submitted", resp.Submitted, "completed", resp.Completed)
		}
		if rec.Holes > 0 {
			w.logger.Debug("unfinished commands after failure", "side", ep.side, "holes", rec.Holes)
		}
		w.account(ep, sent, resp, rec)

		pos += rec.Good
		res.done = pos
		if rec.Good > 0 {
			retries = 0
		}

		var secErr error
		if resp.Secondary != nil {
			secErr = w.secondary(ep, resp.Secondary)
		}
		if rec.EOF {
			res.eof = true
			res.short = rec.ShortBlocks
			return res, secErr
		}
		if secErr != nil {
			return res, secErr
		}

		if rec.Failed < 0 {
			if rec.Good == 0 {
				retries++
				if retries > r.cfg.Retries {
					rec.Category = transport.CatIncomplete
					c := transport.Completion{Err: fmt.Errorf("%d accepted commands not reported", accepted)}
					return res, w.fail(ep, &items[pos], rec, c, KindAdmission)
				}
				w.st.retried++
				r.metrics.IncRetries()
				w.logger.Debug("no commands reported", "side", ep.side,
					"accepted", accepted, "submitted", resp.Submitted, "attempt", retries)
				continue
			}
			if rec.Unreported > 0 {
				w.logger.Debug("commands not reported", "side", ep.side, "unreported", rec.Unreported)
			}
			if accepted < len(batch) {
				w.st.shortAdmissions++
				w.logger.Debug("short admission", "side", ep.side, "requested", len(batch), "accepted", accepted)
				emitEvent(r.events, event.Event{Type: event.BatchShort, Blocks: int64(accepted), WorkerID: w.id})
			}
			continue
		}

		failed := &items[pos]
		c := completionAt(resp, rec.Failed)
		switch rec.Action {
		case actRetry:
			if rec.Category == transport.CatBusy {
				w.st.busy++
			}
			retries++
			if retries > r.cfg.Retries {
				return res, w.fail(ep, failed, rec, c, KindTransient)
			}
			w.st.retried++
			r.metrics.IncRetries()
			if ep.side == sideOut {
				// Later commands of the batch may have consumed their shared
				// data; reissue them from the segment buffer.
				for i := pos + 1; i < pos+accepted-rec.Failed; i++ {
					items[i].cmd.ShareFrom = 0
				}
			}
			w.logger.Debug("retrying", "side", ep.side, "block", failed.xfer.pos,
				"category", rec.Category, "attempt", retries)
			emitEvent(r.events, event.Event{
				Type: event.Retry, Category: rec.Category.String(),
				Block: failed.xfer.pos, Blocks: failed.xfer.blocks, ID: failed.cmd.ID, WorkerID: w.id,
			})
		case actZeroFill:
			clear(failed.cmd.Buf[:failed.cmd.Bytes()])
			failed.zeroed = true
			w.skip(ep, failed, rec)
			w.st.zeroFilled += failed.xfer.blocks
			pos++
		case actSkip:
			if rec.Category == transport.CatMiscompare {
				w.st.miscompares++
			}
			w.skip(ep, failed, rec)
			pos++
		default:
			return res, w.fail(ep, failed, rec, c, KindPartialData)
		}
		w.logger.Debug("batch", "side", ep.side, "state", rec.State, "action", rec.Action)
		res.done = pos
	}
	return res, nil
}

// submit hands batch to ep, retrying while the transport reports busy.
func (w *worker) submit(ep *endpoint, batch []item) (int, error) {
	r := w.r
	w.cmds = w.cmds[:0]
	for i := range batch {
		w.cmds = append(w.cmds, batch[i].cmd)
	}
	for attempt := 0; ; attempt++ {
		n, err := ep.h.Submit(w.tctx, w.cmds)
		if err == nil && n <= 0 {
			err = transport.ErrBusy
		}
		if !errors.Is(err, transport.ErrBusy) {
			return n, err
		}
		w.st.busy++
		if attempt >= r.cfg.BusyRetries {
			return 0, err
		}
		if r.cfg.BusyBackoff > 0 {
			time.Sleep(r.cfg.BusyBackoff)
		} else {
			runtime.Gosched()
		}
	}
}

// injectAbort aborts the first command of every AbortEvery-th batch.
func (w *worker) injectAbort(ep *endpoint, sent []item) {
	r := w.r
	if r.cfg.AbortEvery <= 0 || len(sent) == 0 {
		return
	}
	if r.s.NextBatch()%int64(r.cfg.AbortEvery) != 0 {
		return
	}
	id := sent[0].cmd.ID
	r.collector.AddAbortsInjected(1)
	emitEvent(r.events, event.Event{Type: event.AbortInjected, ID: id, WorkerID: w.id})

	abort := func() {
		if err := ep.h.Abort(id); err != nil {
			w.logger.Debug("abort missed", "id", id, "error", err)
		}
	}
	if r.cfg.AbortDelay <= 0 {
		abort()
		return
	}
	r.aborts.Add(1)
	go func() {
		defer r.aborts.Done()
		time.Sleep(r.cfg.AbortDelay)
		abort()
	}()
}

func (w *worker) trackQueued(ep *endpoint, sent []item) {
	if !ep.tracked() {
		return
	}
	var queued int64
	for i := range sent {
		queued += int64(sent[i].cmd.Blocks)
	}
	w.addRemaining(ep, -queued)
}

func (w *worker) addRemaining(ep *endpoint, n int64) {
	if !ep.tracked() || n == 0 {
		return
	}
	if ep.side == sideIn {
		w.r.s.inRem.Add(n)
	} else {
		w.r.s.outRem.Add(n)
	}
}

// account records the good prefix of a reconciled batch.
func (w *worker) account(ep *endpoint, sent []item, resp transport.Response, rec Reconciliation) {
	r := w.r
	w.addRemaining(ep, rec.ResidIn+rec.ResidOut)

	switch ep.side {
	case sideIn:
		w.st.read += rec.GoodIn
		r.collector.AddBytesMoved(rec.GoodIn * int64(r.cfg.BlockSize))
		r.metrics.AddBlocks(ep.side, rec.GoodIn)
	case sideOut:
		w.st.written += rec.GoodOut
		r.metrics.AddBlocks(ep.side, rec.GoodOut)
	default:
		r.metrics.AddBlocks(ep.side, rec.GoodOut)
	}

	if rec.Recovered > 0 {
		w.st.recovered += int64(rec.Recovered)
		r.s.Record(transport.CatRecovered)
		w.logger.Info("recovered errors", "side", ep.side, "count", rec.Recovered)
	}

	if r.metrics != nil {
		for i := range sent {
			c := completionAt(resp, i)
			cat, _ := transport.Classify(&c)
			r.metrics.RecordCompletion(ep.side, cat.String())
		}
	}
}

// skip accounts a failed item the policy lets the session continue past.
func (w *worker) skip(ep *endpoint, it *item, rec Reconciliation) {
	r := w.r
	blocks := it.xfer.blocks
	w.addRemaining(ep, -blocks)
	if ep.side == sideIn {
		w.st.inPartial += blocks
		r.s.inPartial.Add(blocks)
	} else {
		w.st.outPartial += blocks
		r.s.outPartial.Add(blocks)
	}
	r.s.Record(rec.Category)
	w.logger.Warn("continuing past error",
		"side", ep.side, "block", it.xfer.pos, "blocks", blocks,
		"category", rec.Category, "sense", rec.Sense)
}

// fail stops the session on a failed item.
func (w *worker) fail(ep *endpoint, it *item, rec Reconciliation, c transport.Completion, kind Kind) error {
	r := w.r
	cause := c.Err
	if cause == nil && rec.Sense.Key != 0 {
		cause = errors.New(rec.Sense.String())
	}
	err := newError(kind, rec.Category, opName(it.cmd.Dir, it.cmd.Flags), ep.name, it.xfer.pos, cause)
	r.s.Stop(rec.Category, err)
	w.logger.Error("command failed",
		"side", ep.side, "block", it.xfer.pos, "id", it.cmd.ID, "category", rec.Category, "error", err)
	emitEvent(r.events, event.Event{
		Type: event.SegmentFailed, Category: rec.Category.String(), Error: err,
		Block: it.xfer.pos, Blocks: it.xfer.blocks, ID: it.cmd.ID, WorkerID: w.id,
	})
	return err
}

func (w *worker) transportFailure(ep *endpoint, op string, block int64, cause error) error {
	cat := transport.CatTransport
	kind := KindFatalTransport
	if errors.Is(cause, transport.ErrBusy) {
		cat = transport.CatBusy
		kind = KindAdmission
	}
	err := newError(kind, cat, op, ep.name, block, cause)
	w.r.s.Stop(cat, err)
	w.logger.Error("transport failure", "side", ep.side, "op", op, "error", cause)
	return err
}

// secondary handles a transport-level error reported alongside a batch.
func (w *worker) secondary(ep *endpoint, cause error) error {
	r := w.r
	w.st.secondary++
	r.snapOnce.Do(func() {
		sn, ok := ep.h.(transport.Snapshotter)
		if !ok {
			return
		}
		if err := sn.Snapshot(); err != nil {
			w.logger.Warn("diagnostic snapshot failed", "error", err)
		}
	})
	emitEvent(r.events, event.Event{Type: event.SecondaryError, Error: cause, WorkerID: w.id})
	if r.cfg.TolerateSecondary {
		w.logger.Warn("secondary transport error", "side", ep.side, "error", cause)
		return nil
	}
	err := newError(KindFatalTransport, transport.CatTransport, "receive", ep.name, -1,
		fmt.Errorf("secondary: %w", cause))
	r.s.Stop(transport.CatTransport, err)
	w.logger.Error("secondary transport error", "side", ep.side, "error", cause)
	return err
}

// fold adds the worker's counters to the session collector.
func (w *worker) fold() {
	c := w.r.collector
	c.AddBlocksRead(w.st.read)
	c.AddBlocksWritten(w.st.written)
	c.AddInPartial(w.st.inPartial)
	c.AddOutPartial(w.st.outPartial)
	c.AddZeroFilled(w.st.zeroFilled)
	c.AddRecovered(w.st.recovered)
	c.AddRetried(w.st.retried)
	c.AddBusy(w.st.busy)
	c.AddMiscompares(w.st.miscompares)
	c.AddBatches(w.st.batches)
	c.AddShortAdmissions(w.st.shortAdmissions)
	c.AddSecondaryErrors(w.st.secondary)
}

func completionAt(resp transport.Response, i int) transport.Completion {
	if i >= 0 && i < len(resp.Items) {
		return resp.Items[i]
	}
	return transport.Completion{}
}

func opName(dir transport.Direction, flags transport.Flags) string {
	switch {
	case dir == transport.DirIn:
		return "read"
	case flags&transport.FlagVerify != 0:
		return "verify"
	default:
		return "write"
	}
}
