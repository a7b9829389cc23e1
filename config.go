package fiber

import (
	"flag"
	"time"

	"github.com/jacobsa/timeutil"
)

// Default tunables (spec §6). These mirror the teacher's MountConfig shape:
// a plain struct of overridable knobs, with flag-backed process defaults
// for the common case of a single process-wide core.
const (
	DefaultStackSize         = 1 << 20   // 1 MiB
	DefaultRollbackThreshold = 5 * time.Second
	DefaultBufferSize        = 64 * 1024 // 64 KiB
)

var fStackSize = flag.Int(
	"fibers.stack_size",
	DefaultStackSize,
	"Default fiber stack size in bytes (informational; Go goroutine stacks "+
		"grow on demand, but callers may use this to size pools).")

var fBufferSize = flag.Int(
	"fibers.buffer_size",
	DefaultBufferSize,
	"Default BufferedStream buffer size in bytes.")

// Config holds the tunables consumed by the fiber/timer/reactor/stream
// core. The zero value is not valid; use NewConfig to pick up process-wide
// flag defaults, or construct one by hand for tests.
type Config struct {
	// StackSize is informational: it sizes any pool of reusable buffers a
	// caller keeps per fiber, matching the original's "stack region,
	// lazily faulted" sizing knob even though Go goroutine stacks are
	// managed by the runtime.
	StackSize int

	// RollbackThreshold is how far backward the clock must jump, between
	// two TimerManager.ProcessTimers samples, before every pending timer
	// is considered expired.
	RollbackThreshold time.Duration

	// BufferSize is the default BufferedStream read-ahead/write-coalescing
	// chunk size.
	BufferSize int

	// Clock is the monotonic time source. Defaults to timeutil.RealClock();
	// tests substitute a fake the same way samples/memfs did with its
	// timeutil.Clock field.
	Clock timeutil.Clock
}

// NewConfig returns a Config populated with the package defaults (picking
// up -fibers.stack_size/-fibers.buffer_size if flags have been parsed).
func NewConfig() Config {
	return Config{
		StackSize:         *fStackSize,
		RollbackThreshold: DefaultRollbackThreshold,
		BufferSize:        *fBufferSize,
		Clock:             timeutil.RealClock(),
	}
}
