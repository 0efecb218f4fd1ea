package sgl

import "math"

// Iter is a cursor over a List. The position is held twice, as (extent,
// offset within extent) and as an absolute block index; every method keeps
// the two in agreement. An Iter never modifies its list and must not be
// shared between goroutines.
type Iter struct {
	list       *List
	elem       int   // current extent; len(extents) when at end
	off        int64 // blocks into the current extent
	idx        int64 // absolute block index
	extendLast bool  // trailing open-ended extent is unbounded
}

// NewIter returns an iterator positioned at block 0 of l.
func NewIter(l *List) *Iter {
	it := &Iter{list: l, extendLast: l.Degenerate()}
	it.skipEmpty()
	return it
}

// elemLen returns the length of extent i, treating an open-ended last extent
// as unbounded when the iterator extends it.
func (it *Iter) elemLen(i int) int64 {
	e := it.list.extents[i]
	if e.Len == 0 && it.extendLast && i == len(it.list.extents)-1 {
		return math.MaxInt64
	}
	return int64(e.Len)
}

// skipEmpty moves past zero-length extents the cursor cannot rest on.
func (it *Iter) skipEmpty() {
	for it.elem < len(it.list.extents) && it.off >= it.elemLen(it.elem) {
		it.off -= it.elemLen(it.elem)
		it.elem++
	}
}

// Index returns the absolute block index.
func (it *Iter) Index() int64 { return it.idx }

// AtEnd reports whether the cursor has passed the last extent.
func (it *Iter) AtEnd() bool { return it.elem >= len(it.list.extents) }

// Current returns the block offset under the cursor. ok is false at the end
// of the list.
func (it *Iter) Current() (offset uint64, ok bool) {
	if it.AtEnd() {
		return 0, false
	}
	return it.list.extents[it.elem].Offset + uint64(it.off), true
}

// SeekToBlock positions the cursor at absolute block n. It returns false when
// n is negative or lies beyond the end of a bounded list.
func (it *Iter) SeekToBlock(n int64) bool {
	if n < 0 {
		return false
	}
	it.elem, it.off, it.idx = 0, 0, 0
	it.skipEmpty()
	if n == 0 {
		return true
	}
	return it.Advance(n)
}

// Advance moves the cursor forward count blocks. It returns false when the
// list ends first, leaving the cursor at the end.
func (it *Iter) Advance(count int64) bool {
	if count < 0 {
		return it.Retreat(-count)
	}
	for count > 0 {
		if it.AtEnd() {
			return false
		}
		avail := it.elemLen(it.elem) - it.off
		if count < avail {
			it.off += count
			it.idx += count
			return true
		}
		count -= avail
		it.idx += avail
		it.elem++
		it.off = 0
		it.skipEmpty()
	}
	return true
}

// Retreat moves the cursor back count blocks. It returns false, leaving the
// cursor at block 0, when count exceeds the current index.
func (it *Iter) Retreat(count int64) bool {
	if count < 0 {
		return it.Advance(-count)
	}
	if count > it.idx {
		it.SeekToBlock(0)
		return false
	}
	for count > 0 {
		if it.off >= count {
			it.off -= count
			it.idx -= count
			return true
		}
		count -= it.off
		it.idx -= it.off
		// Step back to the previous non-empty extent and park on its end.
		it.elem--
		for it.elemLen(it.elem) == 0 {
			it.elem--
		}
		it.off = it.elemLen(it.elem)
	}
	it.skipEmpty()
	return true
}

// ContiguousRun returns how many blocks, up to max, are contiguous from the
// cursor. Consecutive extents whose end meets the next extent's start are
// treated as one run.
func (it *Iter) ContiguousRun(max int64) int64 {
	if max <= 0 || it.AtEnd() {
		return 0
	}
	run := it.elemLen(it.elem) - it.off
	exts := it.list.extents
	for i := it.elem; run < max && i+1 < len(exts); i++ {
		if exts[i].End() != exts[i+1].Offset {
			break
		}
		next := it.elemLen(i + 1)
		if next >= max-run {
			return max
		}
		run += next
	}
	return min(run, max)
}

// Remaining returns the blocks left from the cursor to the end of a bounded
// list, or math.MaxInt64 when the last extent is unbounded.
func (it *Iter) Remaining() int64 {
	if it.extendLast {
		return math.MaxInt64
	}
	return it.list.sum - it.idx
}
