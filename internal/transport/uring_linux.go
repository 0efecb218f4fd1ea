//go:build linux

package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"
)

// uringExecutor submits the reads and writes of a batch to one io_uring
// instance. Verify commands fall back to pread.
type uringExecutor struct {
	iour  *iouring.IOURing
	preps []iouring.PrepRequest
	index []int
}

func newURingExecutor(entries int) (batchExecutor, error) {
	if !kernelSupportsIOURing() {
		return nil, ErrUnsupported
	}
	iour, err := iouring.New(uint(entries)) //nolint:gosec // queue sizes are small
	if err != nil {
		return nil, err
	}
	return &uringExecutor{iour: iour}, nil
}

func (u *uringExecutor) exec(h *fileHandle, cmds []Command, aborted []bool, out []Completion) {
	u.preps = u.preps[:0]
	u.index = u.index[:0]
	for i := range cmds {
		cmd := &cmds[i]
		switch {
		case aborted[i]:
			out[i] = abortedCompletion(cmd)
			continue
		case len(cmd.Buf) < cmd.Bytes(), cmd.Flags&FlagVerify != 0:
			out[i] = h.do(cmd)
			continue
		case cmd.Dir == DirOut && (h.readOnly || h.mode != ModeWrite):
			out[i] = h.do(cmd)
			continue
		}
		buf := cmd.Buf[:cmd.Bytes()]
		off := cmd.Offset * uint64(cmd.BlockSize) //nolint:gosec // block sizes are positive
		if cmd.Dir == DirIn {
			u.preps = append(u.preps, iouring.Pread(h.fd, buf, off))
		} else {
			u.preps = append(u.preps, iouring.Pwrite(h.fd, buf, off))
		}
		u.index = append(u.index, i)
	}
	if len(u.preps) == 0 {
		return
	}

	rset, err := u.iour.SubmitRequests(u.preps, nil)
	if err != nil {
		for _, i := range u.index {
			out[i] = V4Header{RequestTag: cmds[i].ID, Dir: cmds[i].Dir, Info: InfoMRQFinished}.Decode()
			out[i].Err = fmt.Errorf("%s: io_uring submit: %w", h.name, err)
		}
		return
	}
	<-rset.Done()

	// Requests come back in submission order.
	for j, req := range rset.Requests() {
		i := u.index[j]
		cmd := &cmds[i]
		hdr := V4Header{RequestTag: cmd.ID, Dir: cmd.Dir, Info: InfoMRQFinished}
		n, err := req.GetRes()
		if err != nil {
			n = 0
		}
		resid := int32(cmd.Bytes() - n) //nolint:gosec // transfer lengths fit in int32
		hdr.DinResid, hdr.DoutResid = resid, resid
		out[i] = hdr.Decode()
		if err != nil {
			out[i].Err = fmt.Errorf("%s: %s: %w", h.name, cmd, err)
		} else if cmd.Dir == DirOut && cmd.Flags&FlagFUA != 0 {
			if err := h.f.Sync(); err != nil {
				out[i].Err = fmt.Errorf("%s: sync: %w", h.name, err)
			}
		}
	}
}

func (u *uringExecutor) close() error {
	return u.iour.Close()
}

// kernelSupportsIOURing checks if the kernel version is >= 5.6.
func kernelSupportsIOURing() bool {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return false
	}

	release := unix.ByteSliceToString(uname.Release[:])
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minorStr := parts[1]
	if idx := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); idx > 0 {
		minorStr = minorStr[:idx]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return false
	}
	return major > 5 || (major == 5 && minor >= 6)
}

// IOURingSupported reports whether --iouring can work on this kernel.
func IOURingSupported() bool {
	return kernelSupportsIOURing()
}
