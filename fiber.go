package fiber

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the fiber lifecycle state (spec §3). Five values, matching the
// shape of the enum in the JVM-runtime reference's FiberState: a plain
// iota with a String() method.
type State int32

const (
	Init State = iota
	Exec
	Hold
	Term
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// resumeSignal is sent to wake a parked fiber goroutine. A non-nil Inject
// causes the fiber to observe that error at its suspension point, as if it
// had been thrown there (Fiber.Inject, combined with Call).
type resumeSignal struct {
	Inject error
}

// Fiber is a stackful-style coroutine: one dedicated goroutine plus a pair
// of rendezvous channels. Exactly one side of the (caller, fiber) pair is
// ever runnable, reproducing "one fiber in Exec per worker" without a
// hand-rolled context switch.
type Fiber struct {
	ID   int64
	Name string

	entry func() error

	mu    sync.Mutex
	state State

	// outer is set iff this fiber was entered via Call rather than
	// YieldTo; cleared when Call returns.
	outer *Fiber

	// yielder/yielderNextState record, for a fiber reached via YieldTo,
	// who yielded to it and what state the yielding fiber adopted as part
	// of that handoff (spec §3's "pointer to the fiber it most recently
	// yielded to, with that yielder's next-state" — stored here on the
	// *target* of the handoff so chained cleanup can walk it back).
	yielder          *Fiber
	yielderNextState State

	// schedulerHandle holds whichever *scheduler.Scheduler (opaque to this
	// package to avoid an import cycle; see SchedulerHandle) last resumed
	// this fiber. Exposed so the scheduler package can stash/retrieve its
	// own pointer without this package depending on it.
	schedulerHandle atomic.Value // holds interface{} set by the scheduler package

	injected error // pending error to raise on next resume (Inject)
	pendingErr error // error captured at termination (Except)

	started  int32 // 0 = goroutine not yet spawned, 1 = spawned
	resumeCh chan resumeSignal
	suspendCh chan struct{}

	flsMu sync.Mutex
	fls   []uint64

	stats *Stats
}

var fiberIDCounter int64

// registry maps a goroutine id to the Fiber whose dedicated goroutine it
// is. Go has no native goroutine-local storage; this is the standard
// workaround (parse the "goroutine N [...]" header runtime.Stack always
// emits) for the thread-local "current fiber" pointer spec §3 requires,
// per Design Notes §9 ("replace thread-local with task-local storage").
var registry sync.Map // int64 -> *Fiber

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (f *Fiber) register() { registry.Store(goroutineID(), f) }

// Current returns the fiber whose dedicated goroutine is calling Current,
// or a lazily-created "thread fiber" representing the calling goroutine if
// it has never been registered — matching spec §3's "the thread's original
// entry fiber owns no user function and no allocated stack."
func Current() *Fiber {
	id := goroutineID()
	if v, ok := registry.Load(id); ok {
		return v.(*Fiber)
	}
	f := newThreadFiber(fmt.Sprintf("thread-%d", id))
	f.state = Exec
	registry.Store(id, f)
	return f
}

func newThreadFiber(name string) *Fiber {
	f := &Fiber{
		ID:        atomic.AddInt64(&fiberIDCounter, 1),
		Name:      name,
		state:     Exec,
		suspendCh: make(chan struct{}, 1),
		resumeCh:  make(chan resumeSignal, 1),
		stats:     &Stats{},
	}
	f.started = 1
	return f
}

// New creates an Init fiber wrapping entry. It takes no stack size: the
// fiber's goroutine stack grows on demand (Config.StackSize is only an
// informational knob).
func New(name string, entry func() error) *Fiber {
	return &Fiber{
		ID:        atomic.AddInt64(&fiberIDCounter, 1),
		Name:      name,
		entry:     entry,
		state:     Init,
		suspendCh: make(chan struct{}, 1),
		resumeCh:  make(chan resumeSignal, 1),
		stats:     &Stats{},
	}
}

func (f *Fiber) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fiber) String() string {
	return fmt.Sprintf("Fiber[%d:%s:%s]", f.ID, f.Name, f.State())
}

// SchedulerHandle returns whatever the scheduler package last stored via
// SetSchedulerHandle, or nil. It lets *scheduler.Scheduler track "which
// scheduler last resumed this fiber" (the thread-local current-scheduler
// pointer of spec §4.3) without this package importing scheduler.
func (f *Fiber) SchedulerHandle() interface{} { return f.schedulerHandle.Load() }

// SetSchedulerHandle records the scheduler now responsible for this fiber.
func (f *Fiber) SetSchedulerHandle(h interface{}) { f.schedulerHandle.Store(h) }

// spawn starts the fiber's dedicated goroutine. Only called once, the
// first time the fiber is resumed from Init.
func (f *Fiber) spawn() {
	go func() {
		f.register()
		f.stats.recordStackAlloc()
		defer f.stats.recordStackFree()

		sig := <-f.resumeCh
		if sig.Inject != nil {
			f.pendingErr = sig.Inject
			f.setState(Except)
			f.notifyOuter()
			return
		}

		err := f.runGuarded()
		if err != nil {
			f.pendingErr = err
			f.setState(Except)
		} else {
			f.setState(Term)
		}
		f.notifyOuter()
	}()
}

// runGuarded invokes the entry function inside a recover guard, mirroring
// the entry trampoline of spec §4.1: a panic is caught and converted into
// the fiber's pending error rather than crashing the process.
func (f *Fiber) runGuarded() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fiber %s panicked: %v", f.Name, r)
		}
	}()
	return f.entry()
}

func (f *Fiber) notifyOuter() {
	select {
	case f.suspendCh <- struct{}{}:
	default:
	}
}

// Call resumes this fiber from the calling fiber, recording the caller as
// outer. Precondition: f.State() is Hold or Init and f is not already
// running. Returns the error the fiber terminated with, if any (Except is
// re-raised here rather than panicking the caller).
func (f *Fiber) Call() error {
	caller := Current()

	f.mu.Lock()
	switch f.state {
	case Init, Hold:
	default:
		f.mu.Unlock()
		panic(fmt.Sprintf("fiber: Call precondition violation: %s is %s", f.Name, f.state))
	}
	f.outer = caller
	f.state = Exec
	f.mu.Unlock()

	callerPrev := caller.State()
	caller.setState(Hold)

	_, report := traceSwitch(context.Background(), f.Name)

	start := time.Now()
	f.resume(resumeSignal{Inject: f.takeInjected()})
	<-f.suspendCh
	f.stats.recordSwitch(time.Since(start))

	caller.setState(callerPrev)

	f.mu.Lock()
	f.outer = nil
	finalState := f.state
	err := f.pendingErr
	f.pendingErr = nil
	f.mu.Unlock()

	if finalState == Except {
		report(err)
		return err
	}
	report(nil)
	return nil
}

func (f *Fiber) takeInjected() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.injected
	f.injected = nil
	return e
}

// resume sends sig to f's goroutine, spawning it first if this is its
// first resume (state transitioned from Init).
func (f *Fiber) resume(sig resumeSignal) {
	if atomic.CompareAndSwapInt32(&f.started, 0, 1) {
		f.spawn()
	}
	f.resumeCh <- sig
}

// Inject schedules an error to be raised inside the fiber the next time it
// is resumed via Call. Typically paired with Call to force unwinding of a
// fiber that must be destroyed while suspended.
func (f *Fiber) Inject(err error) {
	f.mu.Lock()
	f.injected = err
	f.mu.Unlock()
}

// Yield suspends the calling fiber, returning control to its outer (the
// fiber that most recently called Call on it). Requires that an outer
// exists; panics otherwise, matching spec §4.1's "requires an outer to
// exist."
func (f *Fiber) Yield() error {
	if Current() != f {
		panic("fiber: Yield called on a fiber other than the current one")
	}

	f.mu.Lock()
	if f.outer == nil {
		f.mu.Unlock()
		panic(fmt.Sprintf("fiber: Yield precondition violation: %s has no outer", f.Name))
	}
	f.state = Hold
	f.mu.Unlock()

	f.suspendCh <- struct{}{}
	sig := <-f.resumeCh
	f.setState(Exec)
	return sig.Inject
}

// YieldStatic yields from the current fiber back to its outer. A
// free-function mirror of spec §4.1's static Fiber::yield.
func YieldStatic() error {
	return Current().Yield()
}

// YieldTo switches execution to target, recording the current fiber as
// target's yielder and moving the current fiber itself into nextState
// (one of Hold, Term, Except) as part of the handoff. Used when two peer
// fibers cooperate without a call stack — e.g. ping-pong between fibers
// neither of which called the other via Call.
func (f *Fiber) YieldTo(target *Fiber, nextState State) error {
	if Current() != f {
		panic("fiber: YieldTo called on a fiber other than the current one")
	}
	if nextState != Hold && nextState != Term && nextState != Except {
		panic("fiber: YieldTo nextState must be Hold, Term, or Except")
	}

	target.mu.Lock()
	switch target.state {
	case Init, Hold:
	default:
		target.mu.Unlock()
		panic(fmt.Sprintf("fiber: YieldTo precondition violation: %s is %s", target.Name, target.state))
	}
	target.yielder = f
	target.yielderNextState = nextState
	target.state = Exec
	target.mu.Unlock()

	f.setState(nextState)

	start := time.Now()
	target.resume(resumeSignal{Inject: target.takeInjected()})

	if nextState == Term || nextState == Except {
		// f's own goroutine is ending its cooperative lifetime through
		// this handoff rather than a normal return from entry; let the
		// caller's defer chain (if any, i.e. if f has an outer) observe
		// it the same way a normal termination would.
		f.notifyOuter()
		f.stats.recordSwitch(time.Since(start))
		return nil
	}

	// Block until someone resumes this fiber again (another YieldTo, a
	// Call, or the scheduler picking it back up from its ready queue).
	sig := <-f.resumeCh
	f.setState(Exec)
	f.stats.recordSwitch(time.Since(start))
	return sig.Inject
}

// Reset returns a Term/Init/Except fiber to Init, reusing its identity
// (and, for the entry function, optionally replacing it). A fresh
// goroutine is spawned on the next Call, since a Go goroutine that has
// returned cannot be reused.
func (f *Fiber) Reset(entry func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case Term, Init, Except:
	default:
		panic(fmt.Sprintf("fiber: Reset precondition violation: %s is %s", f.Name, f.state))
	}

	if entry != nil {
		f.entry = entry
	}
	f.state = Init
	f.pendingErr = nil
	f.injected = nil
	f.outer = nil
	f.yielder = nil
	atomic.StoreInt32(&f.started, 0)
	// Drain any stale channel contents left over from the previous run.
	select {
	case <-f.resumeCh:
	default:
	}
	select {
	case <-f.suspendCh:
	default:
	}
}
