// Package transport defines the command/response boundary the copy engine
// drives: open a device, submit a batch of command descriptors, receive the
// batch's completions, abort one in-flight command.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned by Submit when the device cannot accept any
	// command right now. The caller backs off and resubmits.
	ErrBusy = errors.New("transport busy")

	// ErrNotPending is returned by Abort when no in-flight command carries
	// the given id.
	ErrNotPending = errors.New("no such pending command")

	// ErrNoBatch is returned by Receive when nothing was submitted.
	ErrNoBatch = errors.New("no batch in flight")

	// ErrUnsupported is returned for operations a handle cannot perform.
	ErrUnsupported = errors.New("operation not supported by transport")
)

// Direction is the data direction of a command, seen from the host.
type Direction int

const (
	DirNone Direction = iota
	DirIn             // device to host (read)
	DirOut            // host to device (write or verify)
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "none"
	}
}

// Flags modify a command.
type Flags uint32

const (
	FlagFUA      Flags = 1 << iota // force unit access
	FlagDPO                        // disable page out
	FlagPriority                   // high priority
	FlagVerify                     // compare Buf with the medium instead of writing
	FlagShare                      // keep read data in a transport-side buffer for a later ShareFrom
	FlagNoDxfer                    // do not copy read data back into Buf
)

// Command is one opaque command descriptor.
type Command struct {
	Buf       []byte
	Timeout   time.Duration
	ID        uint64 // correlation id, unique per session
	ShareFrom uint64 // id of a FlagShare read whose data this write reuses
	Offset    uint64 // first block
	Blocks    uint32
	BlockSize int
	Dir       Direction
	Flags     Flags
}

// Bytes returns the transfer length.
func (c *Command) Bytes() int { return int(c.Blocks) * c.BlockSize }

func (c *Command) String() string {
	return fmt.Sprintf("id=%d %s offset=%d blocks=%d", c.ID, c.Dir, c.Offset, c.Blocks)
}

// Response reports the completions of one submitted batch, in submission
// order.
type Response struct {
	Secondary error // transport-level failure alongside the per-item results
	Items     []Completion
	Submitted int
	Completed int
	Wire      WireVersion
}

// Mode selects how an endpoint is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// OpenFlags are optional open-time behaviours.
type OpenFlags struct {
	Direct   bool // bypass the page cache
	Sync     bool // synchronous writes
	Excl     bool // exclusive open
	Create   bool // create a missing regular file
	IOURing  bool // use the io_uring batch handle for regular files
	Queue    int  // per-submit admission limit, zero for the handle default
	ReadOnly bool // refuse writes even when opened for ModeWrite
}

// Caps describes a handle.
type Caps struct {
	MaxQueue    int  // most commands accepted by one Submit
	PassThrough bool // commands reach the device unmodified; completions may reorder
	Seekable    bool // offsets are honoured; false for pipes and streams
	Share       bool // supports FlagShare / ShareFrom
}

// Handle is an open endpoint. Submit followed by Receive forms one exchange;
// a handle carries at most one batch in flight. Abort may be called from any
// goroutine.
type Handle interface {
	Name() string
	Caps() Caps

	// Capacity returns the endpoint size in blocks of blockSize, or -1 when
	// unknown.
	Capacity(blockSize int) (int64, error)

	// Submit hands cmds to the transport and returns how many were
	// accepted. Fewer than len(cmds) is admission control, not an error.
	Submit(ctx context.Context, cmds []Command) (int, error)

	// Receive waits for the batch in flight and returns its completions.
	Receive(ctx context.Context) (Response, error)

	Abort(id uint64) error
	Close() error
}

// Snapshotter is implemented by handles that can capture transport-side
// diagnostic state on request.
type Snapshotter interface {
	Snapshot() error
}

// Preallocator is implemented by handles that can reserve storage for a
// byte range ahead of the writes.
type Preallocator interface {
	Preallocate(offset, length int64) error
}

// Opener resolves an endpoint name to a Handle.
type Opener interface {
	Open(ctx context.Context, name string, mode Mode, flags OpenFlags) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, name string, mode Mode, flags OpenFlags) (Handle, error)

func (f OpenerFunc) Open(ctx context.Context, name string, mode Mode, flags OpenFlags) (Handle, error) {
	return f(ctx, name, mode, flags)
}
