package sim

import (
	"bytes"
	"sync"

	"github.com/bamsammich/sgmrq/internal/transport"
)

// Fault makes commands touching LBA fail with the given sense. A Short
// fault instead ends the transfer at LBA with good status and a residual.
type Fault struct {
	LBA        uint64
	Dir        transport.Direction // DirNone matches both directions
	Key        byte
	ASC        byte
	ASCQ       byte
	Deferred   bool // report with a deferred response code
	Unfinished bool // report the command as never completed
	Short      bool // move the blocks before LBA and report the rest as residual
	Count      int  // times the fault fires, zero for every time
}

// Device is the shared state behind every handle opened for one name.
type Device struct {
	name   string
	blocks int64

	mu         sync.Mutex
	data       map[uint64][]byte
	faults     []Fault
	busy       int
	admission  int
	secondary  []error
	openErr    error
	wire       transport.WireVersion
	snapshots  int
	submits    int
	reads      int64
	writes     int64
	maxBatchIn int
}

func newDevice(name string, blocks int64) *Device {
	return &Device{
		name:   name,
		blocks: blocks,
		data:   make(map[uint64][]byte),
		wire:   transport.WireV4,
	}
}

func (d *Device) Name() string  { return d.name }
func (d *Device) Blocks() int64 { return d.blocks }

// InjectFault arms f.
func (d *Device) InjectFault(f Fault) {
	d.mu.Lock()
	d.faults = append(d.faults, f)
	d.mu.Unlock()
}

// InjectBusy makes the next n submissions fail with transport.ErrBusy.
func (d *Device) InjectBusy(n int) {
	d.mu.Lock()
	d.busy = n
	d.mu.Unlock()
}

// SetAdmission limits every submission to at most n accepted commands.
// Zero removes the limit.
func (d *Device) SetAdmission(n int) {
	d.mu.Lock()
	d.admission = n
	d.mu.Unlock()
}

// InjectSecondary attaches err to the next received response.
func (d *Device) InjectSecondary(err error) {
	d.mu.Lock()
	d.secondary = append(d.secondary, err)
	d.mu.Unlock()
}

// FailOpen makes the next Open of this device return err.
func (d *Device) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetWire selects the response layout produced by Receive.
func (d *Device) SetWire(w transport.WireVersion) {
	d.mu.Lock()
	d.wire = w
	d.mu.Unlock()
}

// Snapshots returns how many diagnostic snapshots were requested.
func (d *Device) Snapshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots
}

// Counts returns the blocks read and written so far.
func (d *Device) Counts() (read, written int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

// Submits returns the number of accepted submissions.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// MaxBatch returns the largest number of commands accepted by one Submit.
func (d *Device) MaxBatch() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBatchIn
}

// Written reports whether lba holds data written through a handle.
func (d *Device) Written(lba uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.data[lba]
	return ok
}

// Fill stores data at lba without going through a handle.
func (d *Device) Fill(lba uint64, data []byte, blockSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := 0; off < len(data); off += blockSize {
		blk := make([]byte, blockSize)
		copy(blk, data[off:])
		d.data[lba] = blk
		lba++
	}
}

// ReadBlocks returns n blocks starting at lba.
func (d *Device) ReadBlocks(lba uint64, n int, blockSize int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n*blockSize)
	d.load(out, lba, blockSize)
	return out
}

func (d *Device) load(dst []byte, lba uint64, blockSize int) {
	for off := 0; off < len(dst); off += blockSize {
		blk := dst[off : off+blockSize]
		if stored, ok := d.data[lba]; ok {
			copy(blk, stored)
		} else {
			fillPattern(blk, lba)
		}
		lba++
	}
}

func (d *Device) store(src []byte, lba uint64, blockSize int) {
	for off := 0; off < len(src); off += blockSize {
		d.data[lba] = bytes.Clone(src[off : off+blockSize])
		lba++
	}
}

func (d *Device) takeOpenFault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.openErr
	d.openErr = nil
	return err
}

// admit applies busy and admission injection to a submission of n commands.
func (d *Device) admit(n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy > 0 {
		d.busy--
		return 0, transport.ErrBusy
	}
	if d.admission > 0 {
		n = min(n, d.admission)
	}
	d.submits++
	d.maxBatchIn = max(d.maxBatchIn, n)
	return n, nil
}

func (d *Device) takeSecondary() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.secondary) == 0 {
		return nil
	}
	err := d.secondary[0]
	d.secondary = d.secondary[1:]
	return err
}

// matchFault returns the first armed fault hitting [lba, lba+n) in dir.
func (d *Device) matchFault(lba uint64, n uint32, dir transport.Direction) (Fault, bool) {
	for i := range d.faults {
		f := &d.faults[i]
		if f.LBA < lba || f.LBA >= lba+uint64(n) {
			continue
		}
		if f.Dir != transport.DirNone && f.Dir != dir {
			continue
		}
		hit := *f
		if f.Count > 0 {
			f.Count--
			if f.Count == 0 {
				d.faults = append(d.faults[:i], d.faults[i+1:]...)
			}
		}
		return hit, true
	}
	return Fault{}, false
}
