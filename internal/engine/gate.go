package engine

import "sync"

// orderGate admits write halves in session block order. A nil gate admits
// everything immediately.
type orderGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    int64
	stopped bool
}

func newOrderGate() *orderGate {
	g := &orderGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Wait blocks until every block before pos has been released. It returns
// false if the gate was stopped.
func (g *orderGate) Wait(pos int64) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.stopped && g.next != pos {
		g.cond.Wait()
	}
	return !g.stopped
}

// Done releases blocks up to end.
func (g *orderGate) Done(end int64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	if end > g.next {
		g.next = end
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Stop wakes every waiter for good.
func (g *orderGate) Stop() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
