package scheduler

import (
	"sync"
	"testing"
	"time"

	fiber "github.com/jacobsa/fibers"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestScheduler(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func awaitOrFail(ti *TestInfo, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		panic("timed out waiting for scheduled work")
	}
}

////////////////////////////////////////////////////////////////////////
// Basic scheduling
////////////////////////////////////////////////////////////////////////

type SchedulerTest struct {
	s *Scheduler
}

func init() { RegisterTestSuite(&SchedulerTest{}) }

func (t *SchedulerTest) SetUp(ti *TestInfo) {
	t.s = New("test", 2, false)
	t.s.Start()
}

func (t *SchedulerTest) TearDown() {
	t.s.Stop()
}

func (t *SchedulerTest) ScheduleRunsFiber() {
	done := make(chan struct{})
	var mu sync.Mutex
	ran := false

	f := fiber.New("work", func() error {
		mu.Lock()
		ran = true
		mu.Unlock()
		close(done)
		return nil
	})
	t.s.Schedule(f, AnyThread)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		AssertTrue(false, "timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	ExpectTrue(ran)
}

// A fiber that cooperatively yields three times via Scheduler.Yield is
// automatically requeued each time and eventually reaches Term having
// observed all four segments run.
func (t *SchedulerTest) YieldIsAutoRequeued() {
	done := make(chan struct{})
	var mu sync.Mutex
	var segments []int

	var f *fiber.Fiber
	f = fiber.New("yielder", func() error {
		for i := 0; i < 4; i++ {
			mu.Lock()
			segments = append(segments, i)
			mu.Unlock()
			if i < 3 {
				if err := t.s.Yield(); err != nil {
					return err
				}
			}
		}
		close(done)
		return nil
	})
	t.s.Schedule(f, AnyThread)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		AssertTrue(false, "timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	ExpectThat(segments, ElementsAre(0, 1, 2, 3))
}

// Park suspends a fiber without auto-requeue; it only resumes once
// something calls Schedule on it explicitly.
func (t *SchedulerTest) ParkRequiresExplicitSchedule() {
	reachedPark := make(chan struct{})
	done := make(chan struct{})

	var f *fiber.Fiber
	f = fiber.New("parker", func() error {
		close(reachedPark)
		if err := Park(); err != nil {
			return err
		}
		close(done)
		return nil
	})
	t.s.Schedule(f, AnyThread)

	<-reachedPark
	// Give the scheduler a moment to actually observe Hold; since nothing
	// auto-requeues a parked fiber, done must not fire on its own.
	select {
	case <-done:
		AssertTrue(false, "parked fiber resumed without an explicit Schedule")
	case <-time.After(50 * time.Millisecond):
	}

	// Busy-wait briefly for the fiber to reach Hold (it may still be
	// transitioning) before explicitly resuming it.
	for i := 0; i < 100 && f.State() != fiber.Hold; i++ {
		time.Sleep(time.Millisecond)
	}
	AssertEq(fiber.Hold, f.State())

	t.s.Schedule(f, AnyThread)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		AssertTrue(false, "timed out waiting for explicit resume")
	}
}

func (t *SchedulerTest) StopIsIdempotent() {
	t.s.Stop()
	t.s.Stop() // must not panic or hang
	ExpectTrue(t.s.Stopping())
}

////////////////////////////////////////////////////////////////////////
// SwitchTo
////////////////////////////////////////////////////////////////////////

type SwitchToTest struct {
	a, b *Scheduler
}

func init() { RegisterTestSuite(&SwitchToTest{}) }

func (t *SwitchToTest) SetUp(ti *TestInfo) {
	t.a = New("a", 2, false)
	t.b = New("b", 2, false)
	t.a.Start()
	t.b.Start()
}

func (t *SwitchToTest) TearDown() {
	t.a.Stop()
	t.b.Stop()
}

func (t *SwitchToTest) FiberObservesTargetSchedulerAfterSwitch() {
	done := make(chan struct{})
	var mu sync.Mutex
	var observedAfter *Scheduler

	b := t.b
	f := fiber.New("switcher", func() error {
		if err := Current().SwitchTo(b, AnyThread); err != nil {
			return err
		}
		mu.Lock()
		observedAfter = Current()
		mu.Unlock()
		close(done)
		return nil
	})
	t.a.Schedule(f, AnyThread)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		AssertTrue(false, "timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	ExpectEq(t.b, observedAfter)
}
