package fiber

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/kylelemons/godebug/pretty"
)

// Stats is the external Statistics collaborator (spec §6): counters and
// timed histograms for stack allocation/free and fiber-switch latency. The
// core increments these; nothing about where they are exported (expvar,
// Prometheus, ...) is this package's concern.
type Stats struct {
	StackAllocs   int64
	StackFrees    int64
	Switches      int64
	SwitchNanosSum int64
}

func (s *Stats) recordSwitch(d time.Duration) {
	atomic.AddInt64(&s.Switches, 1)
	atomic.AddInt64(&s.SwitchNanosSum, int64(d))
}

func (s *Stats) recordStackAlloc() { atomic.AddInt64(&s.StackAllocs, 1) }
func (s *Stats) recordStackFree()  { atomic.AddInt64(&s.StackFrees, 1) }

// MeanSwitchLatency returns the mean observed switch latency, or zero if no
// switches have been recorded yet.
func (s *Stats) MeanSwitchLatency() time.Duration {
	n := atomic.LoadInt64(&s.Switches)
	if n == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&s.SwitchNanosSum) / n)
}

// Dump renders a human-readable snapshot, in the same spirit as the
// teacher's reliance on kylelemons/godebug (pulled in transitively via
// ogletest there; used directly here for operator-facing diagnostics).
func (s *Stats) Dump() string {
	return pretty.Sprint(*s)
}

// traceSwitch opens a request-scoped span for a single fiber resume, the
// same call shape fuseops/common_op.go uses around reqtrace.StartSpan: the
// span is closed when the fiber next suspends or terminates, with any
// terminal error reported through it.
func traceSwitch(ctx context.Context, fiberName string) (context.Context, reqtrace.ReportFunc) {
	if !reqtrace.Enabled() {
		return ctx, func(err error) {}
	}
	return reqtrace.StartSpan(ctx, "fiber "+fiberName)
}
