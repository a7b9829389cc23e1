// Package scheduler implements spec §4.3: a ready queue of (fiber, desired
// worker) pairs driven by a pool of worker goroutines, each running one
// fiber at a time cooperatively. Parallelism equals the worker count; a
// fiber never migrates across workers while in Exec.
package scheduler

import (
	"fmt"
	"sync"

	fiber "github.com/jacobsa/fibers"
	"github.com/jacobsa/syncutil"
	"github.com/kylelemons/godebug/pretty"
)

// AnyThread means a ready entry may run on whichever worker picks it up
// first, matching spec §3's "target_thread_id_or_any".
const AnyThread = -1

// readyEntry is spec §3's Scheduler ready entry: either a fiber or a
// zero-arg callable, optionally pinned to a specific worker.
type readyEntry struct {
	f      *fiber.Fiber
	fn     func() error
	thread int
}

// resumeControl lets a suspending fiber tell the worker that is about to
// observe it go Hold what to do instead of the default "put it straight
// back on this scheduler's ready queue" — used by SwitchTo (redirect to a
// different scheduler) and by Park (suppress entirely; some other
// component, e.g. a timer or an I/O event, will call Schedule explicitly).
type resumeControl struct {
	suppressRequeue bool
	redirectTo      *Scheduler
	redirectThread  int
}

var resumeControls sync.Map // *fiber.Fiber -> resumeControl

// Park suspends the current fiber without it being automatically requeued
// on its scheduler once it goes Hold. The caller is responsible for
// arranging that some other code path later calls Schedule on it — this is
// the primitive timer/ioreactor/streamio waits are built from.
func Park() error {
	f := fiber.Current()
	resumeControls.Store(f, resumeControl{suppressRequeue: true})
	return f.Yield()
}

// Scheduler is spec §3's Scheduler: name, worker count, use-caller flag,
// ready queue with its mutex, per-worker active-fiber count, stopping
// flag, root fiber (use-caller mode only).
type Scheduler struct {
	Name string

	Logger fiber.Logger

	mu syncutil.InvariantMutex
	// GUARDED_BY(mu)
	ready []readyEntry
	// GUARDED_BY(mu)
	stopping bool
	// GUARDED_BY(mu)
	activeCount []int

	cond *sync.Cond

	threadCount int
	useCaller   bool
	rootFiber   *fiber.Fiber

	wg sync.WaitGroup

	// IdleFunc, if set, replaces the default condition-variable wait as
	// the scheduler's idle() behavior (spec §4.3: "for the plain
	// scheduler this means blocking on a semaphore; for IOManager this
	// means blocking in the OS event wait call"). Go has no virtual
	// method dispatch to let IOManager override idle() the way the
	// original's subclass relationship does, so the hook is injected
	// instead. Must block until new work might be ready or the
	// scheduler is stopping, returning true only once stopping and
	// nothing remains to drain. Set before Start/Dispatch is called.
	IdleFunc func() bool
}

// New creates a Scheduler with threadCount workers (threadCount >= 1). If
// useCaller is true, worker 0 is not spawned automatically — the caller
// must invoke Dispatch to adopt its own goroutine as that worker, per
// spec §4.3's "use-caller mode."
func New(name string, threadCount int, useCaller bool) *Scheduler {
	if threadCount < 1 {
		panic("scheduler: threadCount must be >= 1")
	}
	s := &Scheduler{
		Name:        name,
		threadCount: threadCount,
		useCaller:   useCaller,
		activeCount: make([]int, threadCount),
		Logger:      fiber.DefaultLogger(),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) checkInvariants() {
	if s.stopping {
		return
	}
	for _, e := range s.ready {
		if e.f == nil && e.fn == nil {
			panic("scheduler: ready entry with neither fiber nor callable")
		}
	}
}

// ThreadCount returns the number of workers this scheduler owns. Dropped
// by the distillation but trivially restored from mordor's WorkerPool
// (see DESIGN.md).
func (s *Scheduler) ThreadCount() int { return s.threadCount }

// Stopping reports whether Stop has been called.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Current returns the scheduler currently responsible for the calling
// fiber, or nil if none. This is spec §4.3's thread-local "currently
// active scheduler" pointer, implemented via the handle fiber.Fiber
// already carries for exactly this purpose.
func Current() *Scheduler {
	s, _ := fiber.Current().SchedulerHandle().(*Scheduler)
	return s
}

// Start spawns the scheduler's worker goroutines (all of them, unless
// useCaller is set, in which case worker 0 is left for Dispatch).
func (s *Scheduler) Start() {
	begin := 0
	if s.useCaller {
		begin = 1
	}
	for i := begin; i < s.threadCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
}

// Dispatch adopts the calling goroutine as worker 0 and runs it until the
// scheduler stops. Valid only for a scheduler constructed with useCaller
// true; must be called exactly once.
func (s *Scheduler) Dispatch() {
	if !s.useCaller {
		panic("scheduler: Dispatch called without use-caller mode")
	}
	s.rootFiber = fiber.Current()
	s.rootFiber.SetSchedulerHandle(s)
	s.workerLoop(0)
}

func (s *Scheduler) logf(level fiber.Level, format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger(level, fmt.Sprintf("scheduler %s: %s", s.Name, fmt.Sprintf(format, args...)))
	}
}

func (s *Scheduler) workerLoop(threadID int) {
	solo := threadID == 0 && s.useCaller
	if !solo {
		defer s.wg.Done()
	}

	self := fiber.Current()
	self.SetSchedulerHandle(s)

	for {
		e, ok := s.popReady(threadID)
		if !ok {
			var stop bool
			if s.IdleFunc != nil {
				stop = s.IdleFunc()
			} else {
				stop = s.awaitWorkOrStop()
			}
			if stop {
				return
			}
			continue
		}
		s.runEntry(e, threadID)
	}
}

// popReady removes and returns the first ready entry pinned to threadID
// or to AnyThread, preserving the relative order of everything else. This
// is an equivalent, non-spinning formulation of spec §4.3's "pop the next
// entry; if pinned elsewhere, requeue and pop again."
func (s *Scheduler) popReady(threadID int) (readyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.ready {
		if e.thread == AnyThread || e.thread == threadID {
			s.ready = append(s.ready[:i:i], s.ready[i+1:]...)
			return e, true
		}
	}
	return readyEntry{}, false
}

// awaitWorkOrStop blocks until the ready queue has something for any
// worker or the scheduler is stopping, returning true in the latter case
// once the queue has fully drained.
func (s *Scheduler) awaitWorkOrStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) == 0 && !s.stopping {
		s.cond.Wait()
	}
	return s.stopping && len(s.ready) == 0
}

func (s *Scheduler) runEntry(e readyEntry, threadID int) {
	s.mu.Lock()
	s.activeCount[threadID]++
	s.mu.Unlock()

	var finalState fiber.State
	if e.fn != nil {
		if err := e.fn(); err != nil {
			s.logf(fiber.LevelError, "scheduled callable returned error: %v", err)
		}
	} else {
		// e.f runs on its own dedicated goroutine (see fiber.Call), so the
		// worker's own SetSchedulerHandle above does not cover it; Current()
		// called from inside e.f's entry needs its own handle set.
		e.f.SetSchedulerHandle(s)
		if err := e.f.Call(); err != nil {
			s.logf(fiber.LevelError, "fiber %s terminated with error: %v", e.f.Name, err)
		}
		finalState = e.f.State()
	}

	s.mu.Lock()
	s.activeCount[threadID]--
	s.mu.Unlock()

	if e.fn == nil && finalState == fiber.Hold {
		if v, ok := resumeControls.LoadAndDelete(e.f); ok {
			rc := v.(resumeControl)
			switch {
			case rc.redirectTo != nil:
				rc.redirectTo.Schedule(e.f, rc.redirectThread)
			case rc.suppressRequeue:
				// Someone else owns waking this fiber.
			default:
				s.Schedule(e.f, e.thread)
			}
		} else {
			s.Schedule(e.f, e.thread)
		}
	}

	s.cond.Broadcast()
}

// Schedule appends f to the ready queue, waking an idle worker if the
// queue was empty. Precondition: f is not currently in Exec (spec §4.3:
// "invalid to schedule a fiber that is already in Exec on another
// worker").
func (s *Scheduler) Schedule(f *fiber.Fiber, thread int) {
	if f.State() == fiber.Exec {
		panic(fmt.Sprintf("scheduler: cannot schedule %s: already in Exec", f.Name))
	}
	s.mu.Lock()
	s.ready = append(s.ready, readyEntry{f: f, thread: thread})
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ScheduleFunc appends a zero-arg callable to the ready queue.
func (s *Scheduler) ScheduleFunc(fn func() error, thread int) {
	s.mu.Lock()
	s.ready = append(s.ready, readyEntry{fn: fn, thread: thread})
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Yield cooperatively suspends the calling fiber and returns control to
// the scheduler; it is automatically rescheduled and resumes once the
// scheduler picks it again, per spec §4.3.
func (s *Scheduler) Yield() error {
	return fiber.Current().Yield()
}

// Stop sets the stopping flag and waits for spawned workers to exit
// (workers that see an empty ready queue with stopping set exit). Does
// not wait on a use-caller worker 0, which is driven by Dispatch and must
// be allowed to return from there on its own. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

// SwitchTo schedules the calling fiber on target and yields; on
// resumption the fiber is running inside target, i.e. the fiber that
// called it observes Current() == target from then on. Pair with Switch
// for a scoped, deferred-restore form.
func (s *Scheduler) SwitchTo(target *Scheduler, thread int) error {
	f := fiber.Current()
	resumeControls.Store(f, resumeControl{redirectTo: target, redirectThread: thread})
	// The redirect is consumed by runEntry once f goes Hold: instead of
	// rescheduling f on this scheduler, it calls target.Schedule(f, ...),
	// and that scheduler's own runEntry sets f's handle to target before
	// resuming it — so by the time Yield returns here, Current() == target.
	return f.Yield()
}

// SchedulerSwitcher is the scoped guard of spec §4.3: Switch records the
// scheduler active on entry and schedules a return to it when Restore is
// called, typically via defer.
type SchedulerSwitcher struct {
	prev *Scheduler
}

// Switch yields the calling fiber onto target, returning a guard whose
// Restore switches back to whichever scheduler was active before the
// call (nil if none was).
func Switch(target *Scheduler, thread int) (*SchedulerSwitcher, error) {
	prev := Current()
	sw := &SchedulerSwitcher{prev: prev}
	if prev == nil {
		fiber.Current().SetSchedulerHandle(target)
		return sw, nil
	}
	if err := prev.SwitchTo(target, thread); err != nil {
		return sw, err
	}
	return sw, nil
}

// Restore switches the calling fiber back to the scheduler that was
// active when Switch was called.
func (sw *SchedulerSwitcher) Restore() error {
	if sw.prev == nil {
		return nil
	}
	cur := Current()
	if cur == nil {
		fiber.Current().SetSchedulerHandle(sw.prev)
		return nil
	}
	return cur.SwitchTo(sw.prev, AnyThread)
}

// Dump renders a human-readable snapshot of the scheduler's queue depth
// and per-worker activity, in the same spirit as fiber.Stats.Dump.
func (s *Scheduler) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pretty.Sprint(struct {
		Name        string
		ReadyLen    int
		ActiveCount []int
		Stopping    bool
	}{s.Name, len(s.ready), s.activeCount, s.stopping})
}
