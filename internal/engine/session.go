package engine

import (
	"sync"
	"sync/atomic"

	"github.com/bamsammich/sgmrq/internal/transport"
)

// stopSentinel is written into the cursor to stop work distribution.
const stopSentinel = -1

// Session is the work distribution state shared by every worker of one run.
// The cursor and counters are only touched atomically.
type Session struct {
	next   atomic.Int64 // next unclaimed block, negative once stopped
	total  atomic.Int64
	inRem  atomic.Int64
	outRem atomic.Int64

	inPartial  atomic.Int64
	outPartial atomic.Int64

	ids     atomic.Uint64 // correlation id generator
	batches atomic.Int64
	worst   atomic.Int64 // transport.Category

	errMu sync.Mutex
	err   error
}

// NewSession returns a session handing out blocks [0, total).
func NewSession(total int64) *Session {
	s := &Session{}
	s.total.Store(total)
	s.inRem.Store(total)
	s.outRem.Store(total)
	return s
}

// GetNext claims up to desired blocks. It returns the first claimed block and
// the number granted. desired <= 0 stops the session: the cursor becomes
// negative for good and (cursor, 0) is returned. Once stopped every call
// returns a non-positive grant.
func (s *Session) GetNext(desired int64) (start, granted int64) {
	for {
		cur := s.next.Load()
		if desired <= 0 {
			if cur < 0 || s.next.CompareAndSwap(cur, stopSentinel) {
				return cur, 0
			}
			continue
		}
		if cur < 0 {
			return 0, cur
		}
		total := s.total.Load()
		if cur >= total {
			return cur, 0
		}
		n := min(desired, total-cur)
		if s.next.CompareAndSwap(cur, cur+n) {
			return cur, n
		}
	}
}

// Truncate lowers the session total to total. It never raises it.
func (s *Session) Truncate(total int64) {
	for {
		cur := s.total.Load()
		if total >= cur {
			return
		}
		if s.total.CompareAndSwap(cur, total) {
			delta := cur - total
			s.inRem.Add(-delta)
			s.outRem.Add(-delta)
			return
		}
	}
}

// Stop records a fatal outcome and stops work distribution.
func (s *Session) Stop(cat transport.Category, err error) {
	s.Record(cat)
	if err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}
	s.GetNext(-1)
}

// Stopped reports whether the stop sentinel is set.
func (s *Session) Stopped() bool { return s.next.Load() < 0 }

// Err returns the first fatal error recorded by Stop.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Record raises the worst category seen to cat if cat is worse.
func (s *Session) Record(cat transport.Category) {
	for {
		cur := s.worst.Load()
		if !cat.Worse(transport.Category(cur)) {
			return
		}
		if s.worst.CompareAndSwap(cur, int64(cat)) {
			return
		}
	}
}

// Worst returns the worst category recorded.
func (s *Session) Worst() transport.Category { return transport.Category(s.worst.Load()) }

// Total returns the current session total.
func (s *Session) Total() int64 { return s.total.Load() }

// NextID returns a fresh correlation id. Ids start at 1.
func (s *Session) NextID() uint64 { return s.ids.Add(1) }

// NextBatch returns a fresh batch sequence number. Numbers start at 1.
func (s *Session) NextBatch() int64 { return s.batches.Add(1) }

// LastID returns the most recently issued correlation id.
func (s *Session) LastID() uint64 { return s.ids.Load() }

// Remaining returns the blocks not yet transferred on each side.
func (s *Session) Remaining() (in, out int64) { return s.inRem.Load(), s.outRem.Load() }

// Partial returns the partial-transfer counts on each side.
func (s *Session) Partial() (in, out int64) { return s.inPartial.Load(), s.outPartial.Load() }
