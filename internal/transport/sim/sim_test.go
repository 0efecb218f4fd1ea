package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sgmrq/internal/transport"
)

const bs = 512

func open(t *testing.T, o *Opener, name string, mode transport.Mode) transport.Handle {
	t.Helper()
	h, err := o.Open(context.Background(), name, mode, transport.OpenFlags{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func roundTrip(t *testing.T, h transport.Handle, cmds ...transport.Command) transport.Response {
	t.Helper()
	ctx := context.Background()
	n, err := h.Submit(ctx, cmds)
	require.NoError(t, err)
	require.Equal(t, len(cmds), n)
	resp, err := h.Receive(ctx)
	require.NoError(t, err)
	return resp
}

func TestParseName(t *testing.T) {
	id, blocks, err := parseName("sim:disk:4k")
	require.NoError(t, err)
	assert.Equal(t, "disk", id)
	assert.Equal(t, int64(4096), blocks)

	id, blocks, err = parseName("sim:tape")
	require.NoError(t, err)
	assert.Equal(t, "tape", id)
	assert.Equal(t, int64(DefaultBlocks), blocks)

	for _, bad := range []string{"sim:", "sim:x:0", "sim:x:zz"} {
		_, _, err := parseName(bad)
		assert.Error(t, err, bad)
	}
}

func TestCopyThroughUserBuffer(t *testing.T) {
	o := NewOpener()
	in := open(t, o, "sim:a:100", transport.ModeRead)
	out := open(t, o, "sim:b:100", transport.ModeWrite)
	assert.True(t, in.Caps().PassThrough)

	buf := make([]byte, 10*bs)
	resp := roundTrip(t, in, transport.Command{ID: 1, Dir: transport.DirIn, Offset: 20, Blocks: 10, BlockSize: bs, Buf: buf})
	require.True(t, resp.Items[0].Good())
	assert.Equal(t, Pattern(20, bs), buf[:bs])

	resp = roundTrip(t, out, transport.Command{ID: 2, Dir: transport.DirOut, Offset: 0, Blocks: 10, BlockSize: bs, Buf: buf})
	require.True(t, resp.Items[0].Good())

	b, err := o.Device("sim:b")
	require.NoError(t, err)
	assert.Equal(t, buf, b.ReadBlocks(0, 10, bs))
	assert.True(t, b.Written(9))
	assert.False(t, b.Written(10))
	_, w := b.Counts()
	assert.Equal(t, int64(10), w)
}

func TestShare(t *testing.T) {
	o := NewOpener()
	in := open(t, o, "sim:a", transport.ModeRead)
	out := open(t, o, "sim:b", transport.ModeWrite)

	roundTrip(t, in, transport.Command{
		ID: 5, Dir: transport.DirIn, Offset: 3, Blocks: 2, BlockSize: bs,
		Flags: transport.FlagShare | transport.FlagNoDxfer,
	})
	assert.Equal(t, 1, o.PendingShares())

	resp := roundTrip(t, out, transport.Command{ID: 6, Dir: transport.DirOut, Offset: 0, Blocks: 2, BlockSize: bs, ShareFrom: 5})
	require.True(t, resp.Items[0].Good())
	assert.Equal(t, 0, o.PendingShares())

	b, _ := o.Device("sim:b")
	assert.Equal(t, Pattern(3, bs), b.ReadBlocks(0, 1, bs))

	resp = roundTrip(t, out, transport.Command{ID: 7, Dir: transport.DirOut, Blocks: 1, BlockSize: bs, ShareFrom: 5})
	cat, _ := transport.Classify(&resp.Items[0])
	assert.Equal(t, transport.CatIllegalRequest, cat)
}

func TestFaults(t *testing.T) {
	o := NewOpener()
	d, err := o.Device("sim:f:64")
	require.NoError(t, err)
	d.InjectFault(Fault{LBA: 5, Dir: transport.DirIn, Key: transport.KeyMediumError, ASC: 0x11, Count: 1})
	d.InjectFault(Fault{LBA: 9, Key: transport.KeyMediumError, ASC: 0x11, Deferred: true})
	d.InjectFault(Fault{LBA: 12, Unfinished: true})
	h := open(t, o, "sim:f", transport.ModeRead)

	buf := make([]byte, 4*bs)
	read := func(id, lba uint64) transport.Completion {
		return roundTrip(t, h, transport.Command{ID: id, Dir: transport.DirIn, Offset: lba, Blocks: 4, BlockSize: bs, Buf: buf}).Items[0]
	}

	c := read(1, 4)
	cat, s := transport.Classify(&c)
	assert.Equal(t, transport.CatMediumHard, cat)
	assert.Equal(t, uint64(5), s.Info)
	assert.Equal(t, int32(4*bs), c.Resid)

	c = read(2, 4)
	cat, _ = transport.Classify(&c)
	assert.Equal(t, transport.CatClean, cat, "count-limited fault is spent")

	c = read(3, 8)
	cat, _ = transport.Classify(&c)
	assert.Equal(t, transport.CatRecovered, cat)

	resp := roundTrip(t, h, transport.Command{ID: 4, Dir: transport.DirIn, Offset: 12, Blocks: 1, BlockSize: bs, Buf: buf})
	assert.Equal(t, 1, resp.Submitted)
	assert.Equal(t, 0, resp.Completed)
	assert.False(t, resp.Items[0].Finished)

	c = read(5, 62)
	cat, _ = transport.Classify(&c)
	assert.Equal(t, transport.CatIllegalRequest, cat, "past capacity")
}

func TestShortTransfer(t *testing.T) {
	o := NewOpener()
	d, err := o.Device("sim:s:64")
	require.NoError(t, err)
	d.InjectFault(Fault{LBA: 6, Dir: transport.DirIn, Short: true})
	d.InjectFault(Fault{LBA: 10, Dir: transport.DirOut, Short: true})
	h := open(t, o, "sim:s", transport.ModeWrite)

	buf := make([]byte, 4*bs)
	c := roundTrip(t, h, transport.Command{ID: 1, Dir: transport.DirIn, Offset: 4, Blocks: 4, BlockSize: bs, Buf: buf}).Items[0]
	cat, _ := transport.Classify(&c)
	assert.Equal(t, transport.CatClean, cat, "a short transfer has good status")
	assert.Equal(t, int32(2*bs), c.Resid)
	assert.Equal(t, Pattern(4, bs), buf[:bs])
	assert.Equal(t, Pattern(5, bs), buf[bs:2*bs])

	c = roundTrip(t, h, transport.Command{ID: 2, Dir: transport.DirOut, Offset: 8, Blocks: 4, BlockSize: bs, Buf: make([]byte, 4*bs)}).Items[0]
	assert.Equal(t, int32(2*bs), c.Resid)
	assert.Equal(t, make([]byte, bs), d.ReadBlocks(9, 1, bs))
	assert.Equal(t, Pattern(10, bs), d.ReadBlocks(10, 1, bs), "blocks past the residual are untouched")

	read, written := d.Counts()
	assert.Equal(t, int64(2), read)
	assert.Equal(t, int64(2), written)
}

func TestBusyAdmissionAndSecondary(t *testing.T) {
	ctx := context.Background()
	o := NewOpener()
	d, _ := o.Device("sim:q")
	h := open(t, o, "sim:q", transport.ModeRead)

	cmds := make([]transport.Command, 5)
	buf := make([]byte, bs)
	for i := range cmds {
		cmds[i] = transport.Command{ID: uint64(i + 1), Dir: transport.DirIn, Offset: uint64(i), Blocks: 1, BlockSize: bs, Buf: buf}
	}

	d.InjectBusy(2)
	for range 2 {
		_, err := h.Submit(ctx, cmds)
		assert.ErrorIs(t, err, transport.ErrBusy)
	}

	d.SetAdmission(3)
	n, err := h.Submit(ctx, cmds)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	boom := errors.New("resource exhausted")
	d.InjectSecondary(boom)
	resp, err := h.Receive(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Secondary, boom)
	assert.Equal(t, 3, resp.Completed)
	assert.Equal(t, 3, d.MaxBatch())

	require.NoError(t, h.(transport.Snapshotter).Snapshot())
	assert.Equal(t, 1, d.Snapshots())
}

func TestAbortAndReadOnly(t *testing.T) {
	ctx := context.Background()
	o := NewOpener()
	h := open(t, o, "sim:r", transport.ModeRead)
	buf := make([]byte, bs)

	_, err := h.Submit(ctx, []transport.Command{{ID: 9, Dir: transport.DirIn, Blocks: 1, BlockSize: bs, Buf: buf}})
	require.NoError(t, err)
	require.NoError(t, h.Abort(9))
	resp, err := h.Receive(ctx)
	require.NoError(t, err)
	cat, _ := transport.Classify(&resp.Items[0])
	assert.Equal(t, transport.CatAbortedCommand, cat)
	assert.ErrorIs(t, h.Abort(9), transport.ErrNotPending)

	resp = roundTrip(t, h, transport.Command{ID: 10, Dir: transport.DirOut, Blocks: 1, BlockSize: bs, Buf: buf})
	cat, _ = transport.Classify(&resp.Items[0])
	assert.Equal(t, transport.CatDataProtect, cat)
}

func TestVerifyAndWireV3(t *testing.T) {
	o := NewOpener()
	d, _ := o.Device("sim:v")
	d.SetWire(transport.WireV3)
	h := open(t, o, "sim:v", transport.ModeRead)

	data := append(Pattern(0, bs), Pattern(1, bs)...)
	resp := roundTrip(t, h, transport.Command{ID: 1, Dir: transport.DirOut, Flags: transport.FlagVerify, Blocks: 2, BlockSize: bs, Buf: data})
	assert.Equal(t, transport.WireV3, resp.Wire)
	assert.True(t, resp.Items[0].Good())

	data[bs+1] ^= 1
	resp = roundTrip(t, h, transport.Command{ID: 2, Dir: transport.DirOut, Flags: transport.FlagVerify, Blocks: 2, BlockSize: bs, Buf: data})
	cat, s := transport.Classify(&resp.Items[0])
	assert.Equal(t, transport.CatMiscompare, cat)
	assert.Equal(t, uint64(1), s.Info)
}

func TestOpenFault(t *testing.T) {
	o := NewOpener()
	d, _ := o.Device("sim:o")
	d.FailOpen(errors.New("no such device"))
	_, err := o.Open(context.Background(), "sim:o", transport.ModeRead, transport.OpenFlags{})
	assert.Error(t, err)
	_, err = o.Open(context.Background(), "sim:o", transport.ModeRead, transport.OpenFlags{})
	assert.NoError(t, err)
}
