// Package sgl implements scatter-gather lists: ordered sets of block extents
// describing possibly non-contiguous I/O targets, plus a cursor to walk them.
package sgl

import "fmt"

const (
	// MaxExtentLen is the largest length a single extent may carry. Longer
	// requests are split into consecutive extents.
	MaxExtentLen = 1<<31 - 2

	// MaxExtents caps the number of extents a parsed list may hold.
	MaxExtents = 16384
)

// Extent is a contiguous run of blocks. A zero Len on the last extent of a
// list marks it open-ended.
type Extent struct {
	Offset uint64
	Len    uint32
}

// End returns the block just past the extent.
func (e Extent) End() uint64 { return e.Offset + uint64(e.Len) }

func (e Extent) String() string {
	return fmt.Sprintf("%d,%d", e.Offset, e.Len)
}

// Linearity classifies how contiguous and ordered a list's extents are.
// Higher values are weaker.
type Linearity int

const (
	Linear Linearity = iota
	Monotonic
	MonotonicOverlap
	NonMonotonic
)

var linearityNames = [...]string{
	Linear:           "linear",
	Monotonic:        "monotonic",
	MonotonicOverlap: "monotonic, overlapping",
	NonMonotonic:     "non-monotonic",
}

func (l Linearity) String() string {
	if l >= 0 && int(l) < len(linearityNames) {
		return linearityNames[l]
	}
	return "unknown"
}

// SetWeaker replaces l with other when other is weaker. It never strengthens.
func (l *Linearity) SetWeaker(other Linearity) {
	if other > *l {
		*l = other
	}
}
