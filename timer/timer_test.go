package timer

import (
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestTimer(t *testing.T) { RunTests(t) }

type ManagerTest struct {
	clock *timeutil.SimulatedClock
	mgr   *Manager
}

func init() { RegisterTestSuite(&ManagerTest{}) }

func (t *ManagerTest) SetUp(ti *TestInfo) {
	t.clock = &timeutil.SimulatedClock{}
	t.clock.SetTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	t.mgr = NewManager(t.clock, 5*time.Second)
}

func (t *ManagerTest) FiresAfterInterval() {
	fired := false
	t.mgr.RegisterTimer(10*time.Millisecond, func() { fired = true }, false)

	d, ok := t.mgr.NextTimer()
	AssertTrue(ok)
	ExpectTrue(d > 0)

	ExpectThat(t.mgr.ProcessTimers(), ElementsAre())
	ExpectFalse(fired)

	t.clock.AdvanceTime(10 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	AssertEq(1, len(cbs))
	cbs[0]()
	ExpectTrue(fired)

	_, ok = t.mgr.NextTimer()
	ExpectFalse(ok)
}

func (t *ManagerTest) RecurringTimerReArms() {
	var count int
	t.mgr.RegisterTimer(10*time.Millisecond, func() { count++ }, true)

	for i := 0; i < 3; i++ {
		t.clock.AdvanceTime(10 * time.Millisecond)
		cbs := t.mgr.ProcessTimers()
		AssertEq(1, len(cbs))
		cbs[0]()
	}
	ExpectEq(3, count)

	_, ok := t.mgr.NextTimer()
	ExpectTrue(ok)
}

func (t *ManagerTest) ConditionTimerSkippedWhenGuardFails() {
	live := false
	var count int
	t.mgr.RegisterConditionTimer(
		10*time.Millisecond,
		func() { count++ },
		func() bool { return live },
		false)

	t.clock.AdvanceTime(10 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	ExpectThat(cbs, ElementsAre())
	ExpectEq(0, count)
}

func (t *ManagerTest) ConditionTimerFiresWhenGuardHolds() {
	live := true
	var count int
	t.mgr.RegisterConditionTimer(
		10*time.Millisecond,
		func() { count++ },
		func() bool { return live },
		false)

	t.clock.AdvanceTime(10 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	AssertEq(1, len(cbs))
	cbs[0]()
	ExpectEq(1, count)
}

// Spec §8 scenario 4: three timers at +100us/+200us/+10s; a clock
// rollback of 6s (exceeding the 5s default threshold) expires all three
// in one ProcessTimers batch.
func (t *ManagerTest) RollbackExpiresEverythingPending() {
	var fired []int
	t.mgr.RegisterTimer(100*time.Microsecond, func() { fired = append(fired, 1) }, false)
	t.mgr.RegisterTimer(200*time.Microsecond, func() { fired = append(fired, 2) }, false)
	t.mgr.RegisterTimer(10*time.Second, func() { fired = append(fired, 3) }, false)

	// Establish a previous sample so the next call can detect the jump.
	ExpectThat(t.mgr.ProcessTimers(), ElementsAre())

	t.clock.AdvanceTime(-6 * time.Second)
	cbs := t.mgr.ProcessTimers()
	AssertEq(3, len(cbs))
	for _, cb := range cbs {
		cb()
	}
	ExpectThat(fired, Contains(1))
	ExpectThat(fired, Contains(2))
	ExpectThat(fired, Contains(3))

	_, ok := t.mgr.NextTimer()
	ExpectFalse(ok)
}

func (t *ManagerTest) CancelIsIdempotent() {
	timer := t.mgr.RegisterTimer(time.Second, func() {}, false)
	ExpectTrue(timer.Cancel())
	ExpectFalse(timer.Cancel())

	_, ok := t.mgr.NextTimer()
	ExpectFalse(ok)
}

func (t *ManagerTest) CancelledTimerDoesNotFire() {
	var fired bool
	timer := t.mgr.RegisterTimer(10*time.Millisecond, func() { fired = true }, false)
	timer.Cancel()

	t.clock.AdvanceTime(10 * time.Millisecond)
	ExpectThat(t.mgr.ProcessTimers(), ElementsAre())
	ExpectFalse(fired)
}

func (t *ManagerTest) RefreshPushesFireTimeBack() {
	var fired bool
	timer := t.mgr.RegisterTimer(10*time.Millisecond, func() { fired = true }, false)

	t.clock.AdvanceTime(5 * time.Millisecond)
	timer.Refresh()

	t.clock.AdvanceTime(5 * time.Millisecond)
	ExpectThat(t.mgr.ProcessTimers(), ElementsAre())
	ExpectFalse(fired)

	t.clock.AdvanceTime(5 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	AssertEq(1, len(cbs))
}

func (t *ManagerTest) ResetChangesInterval() {
	var fired bool
	timer := t.mgr.RegisterTimer(10*time.Millisecond, func() { fired = true }, false)
	timer.Reset(20*time.Millisecond, true)

	t.clock.AdvanceTime(10 * time.Millisecond)
	ExpectThat(t.mgr.ProcessTimers(), ElementsAre())
	ExpectFalse(fired)

	t.clock.AdvanceTime(10 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	AssertEq(1, len(cbs))
}

func (t *ManagerTest) FrontInsertInvokesHook() {
	var hookCalls int
	t.mgr.OnInsertedAtFront = func() { hookCalls++ }

	t.mgr.RegisterTimer(time.Second, func() {}, false)
	ExpectEq(1, hookCalls)

	// A later timer is not the new front; no additional hook call.
	t.mgr.RegisterTimer(2*time.Second, func() {}, false)
	ExpectEq(1, hookCalls)

	// An earlier timer becomes the new front.
	t.mgr.RegisterTimer(500*time.Millisecond, func() {}, false)
	ExpectEq(2, hookCalls)
}

func (t *ManagerTest) GenerationAdvancesOnEveryRegistration() {
	g0 := t.mgr.Generation()
	t.mgr.RegisterTimer(time.Second, func() {}, false)
	g1 := t.mgr.Generation()
	ExpectTrue(g1 > g0)

	t.mgr.RegisterTimer(2*time.Second, func() {}, false)
	g2 := t.mgr.Generation()
	ExpectTrue(g2 > g1)
}

func (t *ManagerTest) StableOrderingAtEqualTimes() {
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		t.mgr.RegisterTimer(10*time.Millisecond, func() { order = append(order, i) }, false)
	}

	t.clock.AdvanceTime(10 * time.Millisecond)
	cbs := t.mgr.ProcessTimers()
	AssertEq(3, len(cbs))
	for _, cb := range cbs {
		cb()
	}
	ExpectThat(order, ElementsAre(1, 2, 3))
}
