package sim

import (
	"bytes"
	"context"
	"sync"

	"github.com/bamsammich/sgmrq/internal/transport"
)

type handle struct {
	dev      *Device
	opener   *Opener
	name     string
	caps     transport.Caps
	mode     transport.Mode
	readOnly bool

	mu       sync.Mutex
	pending  []transport.Command
	aborted  []bool
	inflight bool
	closed   bool
}

func (h *handle) Name() string                { return h.name }
func (h *handle) Caps() transport.Caps        { return h.caps }
func (h *handle) Capacity(int) (int64, error) { return h.dev.blocks, nil }

func (h *handle) Submit(_ context.Context, cmds []transport.Command) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, transport.ErrUnsupported
	}
	if h.inflight {
		return 0, transport.ErrBusy
	}
	n, err := h.dev.admit(min(len(cmds), h.caps.MaxQueue))
	if err != nil || n == 0 {
		return 0, err
	}
	h.pending = append(h.pending[:0], cmds[:n]...)
	h.aborted = append(h.aborted[:0], make([]bool, n)...)
	h.inflight = true
	return n, nil
}

func (h *handle) Receive(_ context.Context) (transport.Response, error) {
	h.mu.Lock()
	if !h.inflight {
		h.mu.Unlock()
		return transport.Response{}, transport.ErrNoBatch
	}
	cmds := h.pending
	aborted := append([]bool(nil), h.aborted...)
	h.mu.Unlock()

	h.dev.mu.Lock()
	wire := h.dev.wire
	h.dev.mu.Unlock()

	resp := transport.Response{
		Wire:      wire,
		Submitted: len(cmds),
		Items:     make([]transport.Completion, len(cmds)),
		Secondary: h.dev.takeSecondary(),
	}
	for i := range cmds {
		out := h.run(&cmds[i], aborted[i])
		resp.Items[i] = out.decode(&cmds[i], wire)
		if out.finished {
			resp.Completed++
		}
	}

	h.mu.Lock()
	h.inflight = false
	h.mu.Unlock()
	return resp, nil
}

func (h *handle) Abort(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight {
		for i := range h.pending {
			if h.pending[i].ID == id {
				h.aborted[i] = true
				return nil
			}
		}
	}
	return transport.ErrNotPending
}

// Snapshot records a diagnostic snapshot request on the device.
func (h *handle) Snapshot() error {
	h.dev.mu.Lock()
	h.dev.snapshots++
	h.dev.mu.Unlock()
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

type outcome struct {
	sense    []byte
	resid    int32
	status   byte
	finished bool
}

func checkCondition(key, asc, ascq byte, lba uint64, resid int32) outcome {
	return outcome{
		status:   transport.StatusCheckCondition,
		sense:    transport.FixedSense(key, asc, ascq, uint32(lba)), //nolint:gosec // informational
		resid:    resid,
		finished: true,
	}
}

func (o outcome) decode(cmd *transport.Command, wire transport.WireVersion) transport.Completion {
	info := uint32(0)
	if o.status != transport.StatusGood {
		info |= transport.InfoCheck
	}
	if wire == transport.WireV3 {
		c := transport.V3Header{
			PackID: int32(cmd.ID), //nolint:gosec // ids fit the v3 pack id
			Status: o.status,
			Sense:  o.sense,
			Resid:  o.resid,
			Info:   info,
		}.Decode()
		c.Finished = o.finished
		return c
	}
	if o.finished {
		info |= transport.InfoMRQFinished
	}
	return transport.V4Header{
		RequestTag:   cmd.ID,
		Dir:          cmd.Dir,
		DeviceStatus: uint32(o.status),
		Response:     o.sense,
		Info:         info,
		DinResid:     o.resid,
		DoutResid:    o.resid,
	}.Decode()
}

// run executes one command against the device.
func (h *handle) run(cmd *transport.Command, aborted bool) outcome {
	n := cmd.Bytes()
	full := int32(n) //nolint:gosec // transfer lengths fit in int32
	if aborted {
		return checkCondition(transport.KeyAbortedCommand, 0, 0, 0, full)
	}
	d := h.dev
	if cmd.Offset+uint64(cmd.Blocks) > uint64(d.blocks) { //nolint:gosec // capacity is positive
		return checkCondition(transport.KeyIllegalRequest, 0x21, 0, cmd.Offset, full)
	}
	verify := cmd.Flags&transport.FlagVerify != 0
	if cmd.Dir == transport.DirOut && !verify && (h.readOnly || h.mode != transport.ModeWrite) {
		return checkCondition(transport.KeyDataProtect, 0x27, 0, cmd.Offset, full)
	}
	noDxfer := cmd.Flags&transport.FlagNoDxfer != 0
	if len(cmd.Buf) < n && !(cmd.Dir == transport.DirIn && noDxfer) && !(cmd.Dir == transport.DirOut && cmd.ShareFrom != 0) {
		return checkCondition(transport.KeyIllegalRequest, 0x24, 0, cmd.Offset, full)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Deferred and recovered sense ride on a command whose data moved.
	var done outcome
	moved := n
	if f, ok := d.matchFault(cmd.Offset, cmd.Blocks, cmd.Dir); ok {
		switch {
		case f.Unfinished:
			return outcome{resid: full}
		case f.Short:
			moved = int(f.LBA-cmd.Offset) * cmd.BlockSize //nolint:gosec // LBA inside the command
			done.resid = int32(n - moved)                 //nolint:gosec // transfer lengths fit in int32
		case f.Deferred:
			done.status = transport.StatusCheckCondition
			done.sense = transport.DeferredSense(f.Key, f.ASC, f.ASCQ, uint32(f.LBA)) //nolint:gosec // informational
		case f.Key == transport.KeyRecoveredError:
			done.status = transport.StatusCheckCondition
			done.sense = transport.FixedSense(f.Key, f.ASC, f.ASCQ, uint32(f.LBA)) //nolint:gosec // informational
		default:
			sense := transport.FixedSense(f.Key, f.ASC, f.ASCQ, uint32(f.LBA)) //nolint:gosec // informational
			return outcome{status: transport.StatusCheckCondition, sense: sense, resid: full, finished: true}
		}
	}
	done.finished = true

	switch cmd.Dir {
	case transport.DirIn:
		var data []byte
		if noDxfer {
			data = make([]byte, n)
		} else {
			data = cmd.Buf[:n]
		}
		d.load(data[:moved], cmd.Offset, cmd.BlockSize)
		if cmd.Flags&transport.FlagShare != 0 {
			h.opener.putShare(cmd.ID, bytes.Clone(data))
		}
		d.reads += int64(moved / cmd.BlockSize)
	case transport.DirOut:
		src := cmd.Buf
		if cmd.ShareFrom != 0 {
			shared, ok := h.opener.takeShare(cmd.ShareFrom)
			if !ok || len(shared) < n {
				return checkCondition(transport.KeyIllegalRequest, 0x24, 0, cmd.Offset, full)
			}
			src = shared
		}
		src = src[:moved]
		if verify {
			got := make([]byte, moved)
			d.load(got, cmd.Offset, cmd.BlockSize)
			for blk := range moved / cmd.BlockSize {
				lo, hi := blk*cmd.BlockSize, (blk+1)*cmd.BlockSize
				if !bytes.Equal(src[lo:hi], got[lo:hi]) {
					return checkCondition(transport.KeyMiscompare, 0x1d, 0, cmd.Offset+uint64(blk), full) //nolint:gosec // blk < Blocks
				}
			}
		} else {
			d.store(src, cmd.Offset, cmd.BlockSize)
			d.writes += int64(moved / cmd.BlockSize)
		}
	}
	return done
}
