// Package timer implements spec §4.2: an ordered set of one-shot and
// recurring timers with monotonic-clock semantics and rollback detection.
// The ordered set is a container/heap-backed min-heap keyed on
// (nextFire, seq), matching the watcher timeout heap in gaio's
// event loop but generalized to cancel/refresh/reset and recurring
// re-arm.
package timer

import (
	"container/heap"
	"time"

	fiber "github.com/jacobsa/fibers"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Callback is invoked by Manager.ProcessTimers for every timer that has
// fired.
type Callback func()

// Timer is a handle returned by RegisterTimer/RegisterConditionTimer.
// Its zero value is not meaningful; callers only ever hold pointers
// handed back by the Manager.
type Timer struct {
	mgr *Manager

	nextFire time.Time
	interval time.Duration
	recurring bool

	callback Callback
	// weakGuard, if non-nil, must return true for callback to actually
	// fire; this implements register_condition_timer's "fires only if
	// the weak reference is still live" without Go having weak
	// references of its own (§4.2).
	weakGuard func() bool

	// seq breaks ties between timers with equal nextFire, giving a
	// stable insertion-identity ordering per spec §4.2's "stable by
	// insertion identity."
	seq uint64

	// index is container/heap's bookkeeping slot, maintained by
	// timerHeap's Swap/Push/Pop.
	index int

	// armed is false once Cancel has removed the timer from the heap,
	// or once a non-recurring timer has fired. Guarded by mgr.mu.
	armed bool
}

// timerHeap implements heap.Interface over *Timer, ordered by
// (nextFire, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].nextFire.Equal(h[j].nextFire) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextFire.Before(h[j].nextFire)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager is spec §4.2's TimerManager: an ordered timer set, a mutex,
// a tickle-coalescing generation counter, and the previously sampled
// clock reading used for rollback detection.
type Manager struct {
	Clock             timeutil.Clock
	RollbackThreshold time.Duration
	Logger            fiber.Logger

	// OnInsertedAtFront is invoked, with mu released, whenever a
	// registration or reset makes some timer the new earliest — the
	// hook IOManager uses to wake its blocked idle fiber (§4.2,
	// "front-insert hook").
	OnInsertedAtFront func()

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	h timerHeap
	// GUARDED_BY(mu)
	nextSeq uint64
	// GUARDED_BY(mu)
	prevNow time.Time
	// GUARDED_BY(mu)
	havePrevNow bool

	// tickleGeneration resolves spec §4.2's stated open question in
	// favor of a counting wake rather than a single flag: every
	// registration that could cause a blocked idle fiber to miss a
	// wake bumps this counter (under mu) in addition to invoking
	// OnInsertedAtFront, so a caller can snapshot a generation before
	// computing a wait timeout and detect, without racing, whether
	// anything relevant happened before it actually blocks.
	// GUARDED_BY(mu)
	tickleGeneration uint64
}

// NewManager constructs a Manager with the given clock and rollback
// threshold (spec §4.2's default is 5s, see fiber.DefaultRollbackThreshold).
func NewManager(clock timeutil.Clock, rollbackThreshold time.Duration) *Manager {
	m := &Manager{
		Clock:             clock,
		RollbackThreshold: rollbackThreshold,
		Logger:            fiber.DefaultLogger(),
	}
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

func (m *Manager) checkInvariants() {
	for i, t := range m.h {
		if t.index != i {
			panic("timer: heap index out of sync")
		}
		if l := 2*i + 1; l < len(m.h) && m.h.Less(l, i) {
			panic("timer: heap property violated")
		}
		if r := 2*i + 2; r < len(m.h) && m.h.Less(r, i) {
			panic("timer: heap property violated")
		}
	}
}

// Generation returns the current tickle generation, for use by a caller
// (such as an idle loop; ioreactor's idle does not call it) that wants to
// snapshot "has anything
// relevant happened" before computing a wait timeout and "did anything
// happen while I was computing it" after, without racing a concurrent
// registration — see the tickleGeneration field doc.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickleGeneration
}

// register inserts t into the heap, stamps it with the next sequence
// number, and handles the front-insert hook. Must be called with mu held;
// returns whether the hook should be invoked after mu is released.
func (m *Manager) register(t *Timer) (noteFront bool) {
	t.seq = m.nextSeq
	m.nextSeq++
	t.armed = true
	heap.Push(&m.h, t)
	return m.noteIfFrontLocked(t)
}

// noteIfFrontLocked bumps the tickle generation (spec §4.2's stated
// invariant: any registration that could cause the idle fiber to miss a
// wake must trigger a tickle, so every registration bumps it regardless
// of where it lands) and reports whether t itself is now the heap front,
// for every operation that might have made some timer the new earliest
// (insert, refresh, reset). Must be called with mu held; the caller
// invokes notifyInsertedAtFront after releasing mu.
func (m *Manager) noteIfFrontLocked(t *Timer) bool {
	m.tickleGeneration++
	return len(m.h) > 0 && m.h[0] == t
}

// notifyInsertedAtFront calls OnInsertedAtFront, if set. Must be called
// with mu NOT held, since the hook (ioreactor's tickle) may itself call
// back into the Manager (e.g. to register a new timer from inside its
// wake path) and would otherwise deadlock.
func (m *Manager) notifyInsertedAtFront() {
	if m.OnInsertedAtFront != nil {
		m.OnInsertedAtFront()
	}
}

// RegisterTimer arms a timer to fire after d (recurring every d
// thereafter if recurring is true), per spec §4.2.
func (m *Manager) RegisterTimer(d time.Duration, callback Callback, recurring bool) *Timer {
	return m.RegisterConditionTimer(d, callback, nil, recurring)
}

// RegisterConditionTimer is RegisterTimer plus a weak-reference guard:
// when the timer fires, callback only actually runs if weakGuard returns
// true; otherwise it is silently skipped, per spec §4.2. A nil weakGuard
// behaves exactly like RegisterTimer.
func (m *Manager) RegisterConditionTimer(d time.Duration, callback Callback, weakGuard func() bool, recurring bool) *Timer {
	m.mu.Lock()
	now := m.Clock.Now()
	t := &Timer{
		mgr:       m,
		nextFire:  now.Add(d),
		interval:  d,
		recurring: recurring,
		callback:  callback,
		weakGuard: weakGuard,
	}
	noteFront := m.register(t)
	m.mu.Unlock()

	if noteFront {
		m.notifyInsertedAtFront()
	}
	return t
}

// NextTimer returns the duration from now until the earliest timer, or
// false if there are none armed, per spec §4.2.
func (m *Manager) NextTimer() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.h) == 0 {
		return 0, false
	}
	d := m.h[0].nextFire.Sub(m.Clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// ProcessTimers removes and returns the callbacks of every timer whose
// fire time is <= now, re-arming recurring timers, per spec §4.2. A
// clock rollback exceeding RollbackThreshold expires every pending timer
// in this one batch, matching spec §8 scenario 4.
func (m *Manager) ProcessTimers() []Callback {
	m.mu.Lock()

	now := m.Clock.Now()
	rollback := m.havePrevNow && m.prevNow.Sub(now) > m.RollbackThreshold
	if rollback && m.Logger != nil {
		m.Logger(fiber.LevelWarn, "timer: clock rollback detected, expiring all pending timers")
	}
	m.prevNow = now
	m.havePrevNow = true

	var fired []*Timer
	if rollback {
		for m.h.Len() > 0 {
			fired = append(fired, heap.Pop(&m.h).(*Timer))
		}
	} else {
		for m.h.Len() > 0 && !m.h[0].nextFire.After(now) {
			fired = append(fired, heap.Pop(&m.h).(*Timer))
		}
	}

	var callbacks []Callback
	for _, t := range fired {
		t.armed = false
		if t.weakGuard != nil && !t.weakGuard() {
			continue
		}
		callbacks = append(callbacks, t.callback)
		if t.recurring {
			t.nextFire = now.Add(t.interval)
			m.register(t)
		}
	}

	m.mu.Unlock()
	return callbacks
}

// Cancel idempotently removes t from the manager's ordered set, returning
// whether it was still armed (spec §4.2). Safe to call more than once;
// the second and subsequent calls return false.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if !t.armed {
		return false
	}
	heap.Remove(&t.mgr.h, t.index)
	t.armed = false
	return true
}

// Refresh resets t to fire at now + its original interval, per spec
// §4.2. Works whether or not t is currently armed, re-arming it either
// way — the same as calling Reset with its existing interval.
func (t *Timer) Refresh() {
	t.Reset(t.interval, true)
}

// Reset rearms t for newInterval, per spec §4.2. If fromNow is true the
// new fire time is now + newInterval; otherwise it is based on t's
// previous schedule origin + newInterval (the original schedule is kept,
// only its period changes). t need not currently be armed.
func (t *Timer) Reset(newInterval time.Duration, fromNow bool) {
	m := t.mgr
	m.mu.Lock()

	if t.armed {
		heap.Remove(&m.h, t.index)
	}

	now := m.Clock.Now()
	base := now
	if !fromNow {
		base = t.nextFire.Add(-t.interval)
	}
	t.interval = newInterval
	t.nextFire = base.Add(newInterval)

	noteFront := m.register(t)
	m.mu.Unlock()

	if noteFront {
		m.notifyInsertedAtFront()
	}
}
