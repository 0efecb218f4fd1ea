package sgl

import (
	"fmt"
	"io"
	"strings"
)

// List is a scatter-gather list. The cached fields (sum, bounds, linearity)
// are valid after SumScan, which every constructor and Append runs.
type List struct {
	extents   []Extent
	sum       int64
	sumHard   bool
	lowest    uint64
	highPlus1 uint64
	linearity Linearity
}

// New returns a list covering count blocks starting at start. A count of zero
// yields a single open-ended extent.
func New(start uint64, count int64) List {
	var l List
	if count <= 0 {
		l.extents = []Extent{{Offset: start}}
	} else {
		l.appendSplit(start, count)
	}
	l.SumScan()
	return l
}

// FromExtents builds a list from literal extents, splitting none and merging
// none.
func FromExtents(extents ...Extent) List {
	l := List{extents: append([]Extent(nil), extents...)}
	l.SumScan()
	return l
}

// Len returns the number of extents.
func (l *List) Len() int { return len(l.extents) }

// Empty reports whether the list holds no extents.
func (l *List) Empty() bool { return len(l.extents) == 0 }

// At returns the i-th extent.
func (l *List) At(i int) Extent { return l.extents[i] }

// Extents returns a copy of the extents.
func (l *List) Extents() []Extent {
	return append([]Extent(nil), l.extents...)
}

// Sum returns the number of blocks covered, ignoring a trailing open-ended
// extent.
func (l *List) Sum() int64 { return l.sum }

// SumHard reports whether Sum is authoritative (the last extent is not
// open-ended).
func (l *List) SumHard() bool { return l.sumHard }

// Linearity returns the cached classification.
func (l *List) Linearity() Linearity { return l.linearity }

// Bounds returns the lowest offset and one past the highest offset covered.
func (l *List) Bounds() (lowest, highestPlus1 uint64) { return l.lowest, l.highPlus1 }

// Degenerate reports whether the last extent is open-ended.
func (l *List) Degenerate() bool {
	return len(l.extents) > 0 && l.extents[len(l.extents)-1].Len == 0
}

// Append extends the list by extra blocks continuing from the end of the last
// extent and returns the new extent count. An open-ended last extent is
// rewritten in place rather than followed.
func (l *List) Append(extra int64) int {
	if len(l.extents) == 0 {
		return l.AppendAt(0, extra)
	}
	last := l.extents[len(l.extents)-1]
	if last.Len == 0 {
		return l.AppendAt(last.Offset, extra)
	}
	return l.AppendAt(last.End(), extra)
}

// AppendAt extends the list by extra blocks starting at start and returns the
// new extent count. Lengths above MaxExtentLen become several extents.
func (l *List) AppendAt(start uint64, extra int64) int {
	if extra < 0 {
		return len(l.extents)
	}
	n := len(l.extents)
	if n > 0 && l.extents[n-1].Len == 0 && l.extents[n-1].Offset == start {
		l.extents = l.extents[:n-1]
	}
	if extra == 0 {
		l.extents = append(l.extents, Extent{Offset: start})
	} else {
		l.appendSplit(start, extra)
	}
	l.SumScan()
	return len(l.extents)
}

func (l *List) appendSplit(start uint64, count int64) {
	for count > 0 {
		n := min(count, MaxExtentLen)
		l.extents = append(l.extents, Extent{Offset: start, Len: uint32(n)})
		start += uint64(n)
		count -= n
	}
}

// SumScan recomputes the sum, bounds and linearity in one pass.
func (l *List) SumScan() {
	l.sum = 0
	l.sumHard = false
	l.lowest = 0
	l.highPlus1 = 0
	l.linearity = Linear
	if len(l.extents) == 0 {
		return
	}

	lastIdx := len(l.extents) - 1
	l.sumHard = l.extents[lastIdx].Len != 0
	l.lowest = l.extents[0].Offset
	for i, e := range l.extents {
		l.sum += int64(e.Len)
		l.lowest = min(l.lowest, e.Offset)
		l.highPlus1 = max(l.highPlus1, e.End())
		if i == 0 {
			continue
		}
		prev := l.extents[i-1]
		switch {
		case e.Offset < prev.Offset:
			l.linearity.SetWeaker(NonMonotonic)
		case e.Offset < prev.End():
			l.linearity.SetWeaker(MonotonicOverlap)
		case e.Offset > prev.End():
			l.linearity.SetWeaker(Monotonic)
		}
	}
}

// Lowest returns the lowest offset in the list. Zero-length extents are
// skipped when ignoreDegenerate is set, except the last one when alwaysLast
// is set. An empty list yields zero.
func (l *List) Lowest(ignoreDegenerate, alwaysLast bool) uint64 {
	var (
		low   uint64
		found bool
	)
	lastIdx := len(l.extents) - 1
	for i, e := range l.extents {
		if e.Len == 0 && ignoreDegenerate && !(alwaysLast && i == lastIdx) {
			continue
		}
		if !found || e.Offset < low {
			low = e.Offset
			found = true
		}
	}
	return low
}

// String renders the list in the same comma separated form ParseText accepts.
func (l *List) String() string {
	parts := make([]string, len(l.extents))
	for i, e := range l.extents {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// Dump writes a human readable description of the list, one extent per line.
func (l *List) Dump(w io.Writer, name string) {
	fmt.Fprintf(w, "%s: %d extents, sum=%d (hard=%t), lowest=%d, highest+1=%d, %s\n",
		name, len(l.extents), l.sum, l.sumHard, l.lowest, l.highPlus1, l.linearity)
	for i, e := range l.extents {
		fmt.Fprintf(w, "  [%d] offset=0x%x len=%d\n", i, e.Offset, e.Len)
	}
}
