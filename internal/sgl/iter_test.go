package sgl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockAt walks the list naively to find the offset of absolute block n.
func blockAt(l *List, n int64) (uint64, bool) {
	for _, e := range l.extents {
		if n < int64(e.Len) {
			return e.Offset + uint64(n), true
		}
		n -= int64(e.Len)
	}
	return 0, false
}

func TestIter_SeekAgreesWithWalk(t *testing.T) {
	l := FromExtents(Extent{100, 3}, Extent{0, 0}, Extent{200, 5}, Extent{205, 2}, Extent{50, 1})
	it := NewIter(&l)
	for n := range l.Sum() {
		require.True(t, it.SeekToBlock(n))
		assert.Equal(t, n, it.Index())
		got, ok := it.Current()
		want, _ := blockAt(&l, n)
		require.True(t, ok)
		assert.Equal(t, want, got, "block %d", n)
	}
	assert.True(t, it.SeekToBlock(l.Sum()))
	assert.True(t, it.AtEnd())
	_, ok := it.Current()
	assert.False(t, ok)

	assert.False(t, it.SeekToBlock(l.Sum()+1))
	assert.False(t, it.SeekToBlock(-1))
}

func TestIter_AdvanceMatchesSeek(t *testing.T) {
	l := FromExtents(Extent{10, 4}, Extent{20, 4}, Extent{30, 4})
	a := NewIter(&l)
	b := NewIter(&l)
	for step := int64(1); a.Index() < l.Sum(); step++ {
		require.True(t, a.Advance(1))
		require.True(t, b.SeekToBlock(step))
		assert.Equal(t, b.Index(), a.Index())
		ao, aok := a.Current()
		bo, bok := b.Current()
		assert.Equal(t, bok, aok)
		assert.Equal(t, bo, ao)
	}
	assert.True(t, a.AtEnd())
	assert.False(t, a.Advance(1))
}

func TestIter_AdvancePastEnd(t *testing.T) {
	l := New(0, 10)
	it := NewIter(&l)
	assert.False(t, it.Advance(11))
	assert.True(t, it.AtEnd())
	assert.Equal(t, int64(10), it.Index())
}

func TestIter_Retreat(t *testing.T) {
	l := FromExtents(Extent{10, 4}, Extent{0, 0}, Extent{20, 4}, Extent{30, 4})
	it := NewIter(&l)
	require.True(t, it.SeekToBlock(l.Sum()))

	for n := l.Sum() - 1; n >= 0; n-- {
		require.True(t, it.Retreat(1))
		assert.Equal(t, n, it.Index())
		got, ok := it.Current()
		want, _ := blockAt(&l, n)
		require.True(t, ok)
		assert.Equal(t, want, got, "block %d", n)
	}

	require.True(t, it.SeekToBlock(5))
	assert.True(t, it.Retreat(5))
	assert.Equal(t, int64(0), it.Index())

	require.True(t, it.SeekToBlock(3))
	assert.False(t, it.Retreat(4))
	assert.Equal(t, int64(0), it.Index())
	off, ok := it.Current()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), off)
}

func TestIter_ContiguousRun(t *testing.T) {
	l := FromExtents(Extent{0, 4}, Extent{4, 4}, Extent{20, 4}, Extent{24, 100})
	it := NewIter(&l)

	assert.Equal(t, int64(8), it.ContiguousRun(100))
	assert.Equal(t, int64(3), it.ContiguousRun(3))

	require.True(t, it.Advance(6))
	assert.Equal(t, int64(2), it.ContiguousRun(100))

	require.True(t, it.Advance(2))
	assert.Equal(t, int64(104), it.ContiguousRun(1000))
	assert.Equal(t, int64(50), it.ContiguousRun(50))

	assert.Equal(t, int64(0), it.ContiguousRun(0))
	require.True(t, it.SeekToBlock(l.Sum()))
	assert.Equal(t, int64(0), it.ContiguousRun(10))
}

func TestIter_ContiguousRunLinear(t *testing.T) {
	l := FromExtents(Extent{0, 10}, Extent{10, 10}, Extent{20, 10})
	require.Equal(t, Linear, l.Linearity())
	it := NewIter(&l)
	for pos := range l.Sum() {
		require.True(t, it.SeekToBlock(pos))
		remaining := l.Sum() - pos
		for _, m := range []int64{1, 7, 15, 100} {
			assert.Equal(t, min(m, remaining), it.ContiguousRun(m))
		}
	}
}

func TestIter_OpenEnded(t *testing.T) {
	l := FromExtents(Extent{0, 4}, Extent{4, 0})
	it := NewIter(&l)

	assert.Equal(t, int64(math.MaxInt64), it.Remaining())
	assert.Equal(t, int64(1000), it.ContiguousRun(1000))

	require.True(t, it.SeekToBlock(1_000_000))
	off, ok := it.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000), off)
	assert.False(t, it.AtEnd())

	require.True(t, it.Retreat(999_999))
	off, _ = it.Current()
	assert.Equal(t, uint64(1), off)
}

func TestIter_DoesNotMutateList(t *testing.T) {
	l := FromExtents(Extent{5, 5}, Extent{50, 5})
	before := l.Extents()
	it := NewIter(&l)
	it.Advance(7)
	it.Retreat(3)
	it.ContiguousRun(10)
	assert.Equal(t, before, l.Extents())
	assert.Equal(t, int64(10), l.Sum())
}

func TestIter_Empty(t *testing.T) {
	var l List
	it := NewIter(&l)
	assert.True(t, it.AtEnd())
	assert.True(t, it.SeekToBlock(0))
	assert.False(t, it.Advance(1))
	assert.Equal(t, int64(0), it.ContiguousRun(5))
}
