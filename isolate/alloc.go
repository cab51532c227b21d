package isolate

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// BoxPool hands out exclusive leases on box ids in [0, N). It is the one
// piece of process-wide state in the package: construct a single pool and
// share it between workers so two sessions can never collide on a box.
//
// Waiters are served first-come-first-served: Acquire waiters in one FIFO
// queue, AcquireID waiters in a FIFO queue per id. A released id goes to the
// first waiter for that specific id, if any, before the Acquire queue.
// Waiting is context-aware; canceling a waiter removes its queue entry
// without losing a slot.
type BoxPool struct {
	mu        sync.Mutex
	n         int
	free      []int
	freeSet   map[int]bool
	waiters   []*waiter
	idWaiters map[int][]*waiter

	// held maps box id to acquisition time, for introspection only.
	held *xsync.MapOf[int, time.Time]
}

type waiter struct {
	ch chan int
}

// NewBoxPool creates a pool over box ids 0..n-1.
func NewBoxPool(n int) *BoxPool {
	p := &BoxPool{
		n:         n,
		free:      make([]int, 0, n),
		freeSet:   make(map[int]bool, n),
		idWaiters: make(map[int][]*waiter),
		held:      xsync.NewMapOf[int, time.Time](),
	}
	for id := 0; id < n; id++ {
		p.free = append(p.free, id)
		p.freeSet[id] = true
	}
	return p
}

// Acquire leases a currently free slot, blocking FIFO behind earlier
// callers when none is free. Cancellation of ctx abandons the wait.
func (p *BoxPool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		delete(p.freeSet, id)
		p.held.Store(id, time.Now())
		p.mu.Unlock()
		return &Slot{pool: p, id: id}, nil
	}
	w := &waiter{ch: make(chan int, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	return p.await(ctx, w, -1)
}

// AcquireID leases one specific slot, blocking until its current holder
// releases it. Mostly for tests and callers that pin deterministic ids.
func (p *BoxPool) AcquireID(ctx context.Context, id int) (*Slot, error) {
	if id < 0 || id >= p.n {
		return nil, wrapErr(ErrInvalidSlotID, nil, "box id %d outside [0, %d)", id, p.n)
	}
	p.mu.Lock()
	if p.freeSet[id] {
		p.removeFreeLocked(id)
		p.held.Store(id, time.Now())
		p.mu.Unlock()
		return &Slot{pool: p, id: id}, nil
	}
	w := &waiter{ch: make(chan int, 1)}
	p.idWaiters[id] = append(p.idWaiters[id], w)
	p.mu.Unlock()

	return p.await(ctx, w, id)
}

// await blocks on a queued waiter. On cancellation the waiter is unlinked
// under the pool lock; if a slot was handed over in the meantime it goes
// straight back into circulation.
func (p *BoxPool) await(ctx context.Context, w *waiter, wantID int) (*Slot, error) {
	select {
	case id := <-w.ch:
		return &Slot{pool: p, id: id}, nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case id := <-w.ch:
			// Lost the race: a release already picked us. Pass the slot on.
			p.releaseLocked(id)
			p.mu.Unlock()
		default:
			p.unlinkLocked(w, wantID)
			p.mu.Unlock()
		}
		return nil, wrapErr(ErrCanceled, ctx.Err(), "acquire abandoned")
	}
}

// Size returns the pool's slot count.
func (p *BoxPool) Size() int { return p.n }

// Held returns the box ids currently leased, in no particular order.
func (p *BoxPool) Held() []int {
	var ids []int
	p.held.Range(func(id int, _ time.Time) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// HeldSince reports when the given box id was leased, if it is leased.
func (p *BoxPool) HeldSince(id int) (time.Time, bool) {
	return p.held.Load(id)
}

func (p *BoxPool) release(id int) {
	p.mu.Lock()
	p.releaseLocked(id)
	p.mu.Unlock()
}

func (p *BoxPool) releaseLocked(id int) {
	if q := p.idWaiters[id]; len(q) > 0 {
		w := q[0]
		if len(q) == 1 {
			delete(p.idWaiters, id)
		} else {
			p.idWaiters[id] = q[1:]
		}
		p.held.Store(id, time.Now())
		w.ch <- id
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.held.Store(id, time.Now())
		w.ch <- id
		return
	}
	p.held.Delete(id)
	p.free = append(p.free, id)
	p.freeSet[id] = true
}

func (p *BoxPool) removeFreeLocked(id int) {
	delete(p.freeSet, id)
	for i, v := range p.free {
		if v == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

func (p *BoxPool) unlinkLocked(w *waiter, wantID int) {
	if wantID >= 0 {
		q := p.idWaiters[wantID]
		for i, cand := range q {
			if cand == w {
				q = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(q) == 0 {
			delete(p.idWaiters, wantID)
		} else {
			p.idWaiters[wantID] = q
		}
		return
	}
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Slot is an exclusive lease on one box id. It is handed to exactly one
// session at a time and must be released when the session is done;
// releasing twice is a no-op.
type Slot struct {
	pool *BoxPool
	id   int

	mu       sync.Mutex
	released bool
}

// ID returns the leased box id.
func (s *Slot) ID() int { return s.id }

// Release returns the slot to the pool and wakes the longest-waiting
// acquirer for it, if any (a waiter for this specific id first, then the
// oldest Acquire waiter). Idempotent.
func (s *Slot) Release() {
	s.mu.Lock()
	done := s.released
	s.released = true
	s.mu.Unlock()
	if !done {
		s.pool.release(s.id)
	}
}
