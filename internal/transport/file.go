package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// StreamName selects stdin for reading and stdout for writing.
	StreamName = "-"
	// NullName selects a sink that discards writes and reads zeros.
	NullName = "."

	defaultFileQueue = 256
)

// batchExecutor runs the commands of one batch against a file handle,
// filling out[i] for cmds[i]. Commands already marked aborted are skipped.
type batchExecutor interface {
	exec(h *fileHandle, cmds []Command, aborted []bool, out []Completion)
	close() error
}

// FileOpener opens regular files and block devices with pread/pwrite, the
// stdin/stdout stream "-" and the null sink ".".
type FileOpener struct{}

func (FileOpener) Open(_ context.Context, name string, mode Mode, flags OpenFlags) (Handle, error) {
	queue := flags.Queue
	if queue <= 0 {
		queue = defaultFileQueue
	}
	h := &fileHandle{
		name:     name,
		mode:     mode,
		readOnly: flags.ReadOnly,
		caps:     Caps{MaxQueue: queue, Seekable: true},
	}

	switch name {
	case NullName:
		h.null = true
		return h, nil
	case StreamName:
		h.stream = true
		h.caps.Seekable = false
		if mode == ModeRead {
			h.f = os.Stdin
		} else {
			h.f = os.Stdout
		}
		return h, nil
	}

	oflag := os.O_RDONLY
	if mode == ModeWrite {
		oflag = os.O_RDWR
		if flags.Create {
			oflag |= os.O_CREATE
			if flags.Excl {
				oflag |= os.O_EXCL
			}
		}
	}
	if flags.Sync {
		oflag |= os.O_SYNC
	}
	oflag |= sysOpenFlags(flags)

	f, err := os.OpenFile(name, oflag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	h.f = f
	h.fd = int(f.Fd()) //nolint:gosec // fd values are small non-negative integers
	h.owned = true
	if fi.Mode()&(os.ModeNamedPipe|os.ModeSocket) != 0 {
		h.stream = true
		h.caps.Seekable = false
		return h, nil
	}
	if mode == ModeRead {
		adviseSequential(h.fd)
	}

	if flags.IOURing {
		ex, err := newURingExecutor(queue)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("io_uring for %s: %w", name, err)
		}
		h.batch = ex
	}
	return h, nil
}

// fileHandle executes batches synchronously inside Receive.
type fileHandle struct {
	f        *os.File
	batch    batchExecutor
	name     string
	scratch  []byte
	caps     Caps
	fd       int
	mode     Mode
	owned    bool
	null     bool
	stream   bool
	readOnly bool

	mu       sync.Mutex
	pending  []Command
	aborted  []bool
	inflight bool
}

func (h *fileHandle) Name() string { return h.name }
func (h *fileHandle) Caps() Caps   { return h.caps }

// Preallocate reserves space for the range without changing the file
// size. Streams, the null sink and read handles ignore it.
func (h *fileHandle) Preallocate(offset, length int64) error {
	if h.null || h.stream || h.f == nil || h.mode != ModeWrite || length <= 0 {
		return nil
	}
	if err := preallocate(h.fd, offset, length); err != nil {
		return fmt.Errorf("preallocate %s: %w", h.name, err)
	}
	return nil
}

func (h *fileHandle) Capacity(blockSize int) (int64, error) {
	if h.null || h.stream {
		return -1, nil
	}
	size, err := h.f.Seek(0, io.SeekEnd)
	if err != nil {
		return -1, fmt.Errorf("size of %s: %w", h.name, err)
	}
	return size / int64(blockSize), nil
}

func (h *fileHandle) Submit(_ context.Context, cmds []Command) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight {
		return 0, ErrBusy
	}
	n := min(len(cmds), h.caps.MaxQueue)
	if n == 0 {
		return 0, nil
	}
	h.pending = append(h.pending[:0], cmds[:n]...)
	h.aborted = append(h.aborted[:0], make([]bool, n)...)
	h.inflight = true
	return n, nil
}

func (h *fileHandle) Receive(_ context.Context) (Response, error) {
	h.mu.Lock()
	if !h.inflight {
		h.mu.Unlock()
		return Response{}, ErrNoBatch
	}
	cmds := h.pending
	h.mu.Unlock()

	items := make([]Completion, len(cmds))
	if h.batch != nil {
		h.batch.exec(h, cmds, h.snapshotAborted(), items)
	} else {
		for i := range cmds {
			if h.isAborted(i) {
				items[i] = abortedCompletion(&cmds[i])
				continue
			}
			items[i] = h.do(&cmds[i])
		}
	}

	h.mu.Lock()
	h.inflight = false
	h.pending = h.pending[:0]
	h.mu.Unlock()
	return Response{Wire: WireV4, Submitted: len(cmds), Completed: len(cmds), Items: items}, nil
}

func (h *fileHandle) Abort(id uint64) error {
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
	return ErrNotPending
}

func (h *fileHandle) isAborted(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted[i]
}

func (h *fileHandle) snapshotAborted() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.aborted...)
}

func (h *fileHandle) Close() error {
	var errs []error
	if h.batch != nil {
		errs = append(errs, h.batch.close())
	}
	if h.owned {
		errs = append(errs, h.f.Close())
	}
	return errors.Join(errs...)
}

func abortedCompletion(cmd *Command) Completion {
	return V4Header{
		RequestTag:   cmd.ID,
		Dir:          cmd.Dir,
		DeviceStatus: StatusCheckCondition,
		Info:         InfoMRQFinished | InfoCheck,
		Response:     FixedSense(KeyAbortedCommand, 0, 0, 0),
		DinResid:     int32(cmd.Bytes()), //nolint:gosec // transfer lengths fit in int32
		DoutResid:    int32(cmd.Bytes()), //nolint:gosec // transfer lengths fit in int32
	}.Decode()
}

// do executes one command with pread/pwrite.
func (h *fileHandle) do(cmd *Command) Completion {
	hdr := V4Header{RequestTag: cmd.ID, Dir: cmd.Dir, Info: InfoMRQFinished}
	n := cmd.Bytes()
	if len(cmd.Buf) < n {
		c := hdr.Decode()
		c.Err = fmt.Errorf("%s: %s: buffer holds %d bytes: %w", h.name, cmd, len(cmd.Buf), unix.EINVAL)
		return c
	}
	buf := cmd.Buf[:n]
	off := int64(cmd.Offset) * int64(cmd.BlockSize) //nolint:gosec // offsets are bounded by device size

	var done int
	var err error
	switch {
	case cmd.Dir == DirIn:
		done, err = h.readAt(buf, off)
	case cmd.Dir == DirOut && cmd.Flags&FlagVerify != 0:
		var bad int
		done, bad, err = h.verifyAt(buf, off, cmd.BlockSize)
		if err == nil && bad >= 0 {
			hdr.DeviceStatus = StatusCheckCondition
			hdr.Info |= InfoCheck
			hdr.Response = FixedSense(KeyMiscompare, 0x1d, 0, uint32(cmd.Offset)+uint32(bad)) //nolint:gosec // informational
		}
	case cmd.Dir == DirOut:
		done, err = h.writeAt(buf, off, cmd.Flags&FlagFUA != 0)
	}
	resid := int32(n - done) //nolint:gosec // transfer lengths fit in int32
	hdr.DinResid, hdr.DoutResid = resid, resid
	c := hdr.Decode()
	if err != nil {
		c.Err = fmt.Errorf("%s: %s: %w", h.name, cmd, err)
	}
	return c
}

func (h *fileHandle) readAt(buf []byte, off int64) (int, error) {
	switch {
	case h.null:
		clear(buf)
		return len(buf), nil
	case h.stream:
		n, err := io.ReadFull(h.f, buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
		return n, err
	}
	done := 0
	for done < len(buf) {
		n, err := unix.Pread(h.fd, buf[done:], off+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return done, err
		}
		if n == 0 {
			break
		}
		done += n
	}
	return done, nil
}

func (h *fileHandle) writeAt(buf []byte, off int64, fua bool) (int, error) {
	switch {
	case h.null:
		return len(buf), nil
	case h.readOnly || h.mode != ModeWrite:
		return 0, unix.EROFS
	case h.stream:
		return h.f.Write(buf)
	}
	done := 0
	for done < len(buf) {
		n, err := unix.Pwrite(h.fd, buf[done:], off+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return done, err
		}
		done += n
	}
	if fua {
		return done, h.f.Sync()
	}
	return done, nil
}

// verifyAt compares buf with the medium and returns the index of the first
// mismatching block, or -1.
func (h *fileHandle) verifyAt(buf []byte, off int64, blockSize int) (int, int, error) {
	if h.null {
		return len(buf), -1, nil
	}
	if cap(h.scratch) < len(buf) {
		h.scratch = make([]byte, len(buf))
	}
	got := h.scratch[:len(buf)]
	n, err := h.readAt(got, off)
	if err != nil {
		return n, -1, err
	}
	return n, firstMismatch(buf[:n], got[:n], blockSize), nil
}

func firstMismatch(a, b []byte, blockSize int) int {
	for blk := 0; blk*blockSize < len(a); blk++ {
		lo, hi := blk*blockSize, min((blk+1)*blockSize, len(a))
		if !bytes.Equal(a[lo:hi], b[lo:hi]) {
			return blk
		}
	}
	return -1
}
