// Package sim provides an in-memory pass-through device transport. Devices
// are named "sim:NAME[:BLOCKS]"; every handle opened for the same NAME
// through one Opener shares the device's storage and the transport-side
// share buffers.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/bamsammich/sgmrq/internal/sgl"
	"github.com/bamsammich/sgmrq/internal/transport"
)

// Prefix is the name prefix routed to this transport.
const Prefix = "sim:"

// DefaultBlocks is the capacity of a device named without a size.
const DefaultBlocks = 1 << 20

const defaultQueue = 64

// Opener creates and opens simulated devices.
type Opener struct {
	mu      sync.Mutex
	devices map[string]*Device
	shares  map[uint64][]byte
}

func NewOpener() *Opener {
	return &Opener{
		devices: make(map[string]*Device),
		shares:  make(map[uint64][]byte),
	}
}

// Device returns the device for name, creating it if needed. name may carry
// the prefix and size suffix.
func (o *Opener) Device(name string) (*Device, error) {
	id, blocks, err := parseName(name)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[id]
	if !ok {
		d = newDevice(id, blocks)
		o.devices[id] = d
	}
	return d, nil
}

func parseName(name string) (string, int64, error) {
	rest := strings.TrimPrefix(name, Prefix)
	id, size, hasSize := strings.Cut(rest, ":")
	if id == "" {
		return "", 0, fmt.Errorf("sim device %q: empty name", name)
	}
	if !hasSize {
		return id, DefaultBlocks, nil
	}
	blocks, err := sgl.ParseNum(size)
	if err != nil || blocks <= 0 {
		return "", 0, fmt.Errorf("sim device %q: bad size %q", name, size)
	}
	return id, blocks, nil
}

func (o *Opener) Open(_ context.Context, name string, mode transport.Mode, flags transport.OpenFlags) (transport.Handle, error) {
	d, err := o.Device(name)
	if err != nil {
		return nil, err
	}
	if err := d.takeOpenFault(); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	queue := flags.Queue
	if queue <= 0 {
		queue = defaultQueue
	}
	return &handle{
		dev:      d,
		opener:   o,
		name:     name,
		mode:     mode,
		readOnly: flags.ReadOnly,
		caps: transport.Caps{
			MaxQueue:    queue,
			PassThrough: true,
			Seekable:    true,
			Share:       true,
		},
	}, nil
}

func (o *Opener) putShare(id uint64, data []byte) {
	o.mu.Lock()
	o.shares[id] = data
	o.mu.Unlock()
}

func (o *Opener) takeShare(id uint64) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.shares[id]
	delete(o.shares, id)
	return data, ok
}

// PendingShares returns how many share buffers were filled but never
// consumed by a write.
func (o *Opener) PendingShares() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.shares)
}

// Pattern returns the content of an unwritten block.
func Pattern(lba uint64, blockSize int) []byte {
	b := make([]byte, blockSize)
	fillPattern(b, lba)
	return b
}

func fillPattern(b []byte, lba uint64) {
	for i := range b {
		b[i] = byte(lba*7 + uint64(i))
	}
	if len(b) >= 8 {
		binary.BigEndian.PutUint64(b, lba)
	}
}
