// Package streamio implements the stream core (spec §4.5): a byte-stream
// interface built from capability-gated operations, plus the two
// implementations the scheduler/reactor core is built to drive —
// PipeStream (bounded in-memory, fiber-to-fiber) and BufferedStream
// (read-ahead + write-coalescing over a parent stream) — and two more a
// complete substrate needs to be useful: FileStream and ConnStream.
package streamio

import (
	"fmt"

	fiber "github.com/jacobsa/fibers"
)

// Capability is a bitmask a Stream advertises via its Capabilities method;
// callers must check before invoking the corresponding gated operation.
type Capability uint

const (
	CapSeek Capability = 1 << iota
	CapSize
	CapTruncate
	CapHalfClose
	CapFind
	CapCancel
	CapUnread
)

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Anchor identifies the origin a Seek offset is relative to.
type Anchor int

const (
	Begin Anchor = iota
	Current
	End
)

// Side is a bitmask identifying one or both halves of a stream for Close
// and the mirrored closed-mask PipeStream tracks per endpoint.
type Side uint

const (
	Read Side = 1 << iota
	Write
	Both = Read | Write
)

func (s Side) Has(want Side) bool { return s&want == want }

// Stream is the contract every implementation in this package advertises a
// subset of via Capabilities; invoking an operation whose bit is unset
// returns fiber.ErrNotSupported. Every operation may suspend the calling
// fiber (spec §5's "any stream read/write/find/flush/close that cannot
// complete immediately" is a suspension point). Apart from FileStream,
// whose reads and writes are synchronous file syscalls, the
// implementations here do not block the underlying OS thread.
type Stream interface {
	// Capabilities reports which of the gated operations below this
	// stream actually implements.
	Capabilities() Capability

	// Read fills buf with at least one and at most len(buf) bytes,
	// returning the count read. A return of (0, nil) means EOF. Reading
	// into a zero-length buf is a no-op returning (0, nil) without
	// suspending.
	Read(buf []byte) (int, error)

	// Write writes all of buf or fails; a return of (0, err) with
	// err == nil is a precondition violation (panic), matching the
	// "write must write at least one byte or fail" contract — callers
	// must never pass an empty buf.
	Write(buf []byte) (int, error)

	// Seek repositions to offset relative to anchor, returning the new
	// absolute position. Requires CapSeek. A resulting negative absolute
	// position fails with fiber.ErrInvalidArgument.
	Seek(offset int64, anchor Anchor) (int64, error)

	// Size returns the stream's current logical length. Requires CapSize.
	Size() (int64, error)

	// Truncate resizes the stream to n bytes, zero-extending if n is
	// larger than the current size. Requires CapTruncate.
	Truncate(n int64) error

	// Flush propagates any buffered writes toward their eventual
	// destination; propagate requests flushing further than this
	// stream's own immediate parent where that distinction exists.
	Flush(propagate bool) error

	// Close closes half or both sides of the stream. Closing Write alone
	// requires CapHalfClose; closing Both is always legal. A repeated
	// Close is not guaranteed to succeed: FileStream and ConnStream
	// return the error of closing the underlying file or connection again.
	Close(side Side) error

	// CancelRead/CancelWrite cause a currently suspended or any
	// subsequent call on the given side to fail with
	// fiber.ErrOperationAborted until that side is reset by closing.
	// Require CapCancel. Safe to call from any fiber or goroutine.
	CancelRead() error
	CancelWrite() error

	// Find scans for delim, returning its offset. Requires CapFind.
	// Exceeding sanityBound before finding delim raises
	// fiber.ErrBufferOverflow when throwIfMissing, else returns
	// (-1-buffered, nil) encoding "not found, buffered bytes accumulated".
	Find(delim []byte, sanityBound int, throwIfMissing bool) (int, error)

	// Unread pushes buf back so that it is returned by the next Read(s)
	// ahead of any data not yet consumed. Requires CapUnread.
	Unread(buf []byte) error
}

// Unsupported is embedded by concrete Stream implementations to inherit
// fiber.ErrNotSupported bodies for every capability-gated operation they
// don't themselves implement; a concrete type then only needs to define
// Capabilities and override the subset its bits advertise.
type Unsupported struct{}

func (Unsupported) Seek(offset int64, anchor Anchor) (int64, error) {
	return 0, fiber.ErrNotSupported
}

func (Unsupported) Size() (int64, error) { return 0, fiber.ErrNotSupported }

func (Unsupported) Truncate(n int64) error { return fiber.ErrNotSupported }

func (Unsupported) Close(side Side) error { return fiber.ErrNotSupported }

func (Unsupported) CancelRead() error { return fiber.ErrNotSupported }

func (Unsupported) CancelWrite() error { return fiber.ErrNotSupported }

func (Unsupported) Find(delim []byte, sanityBound int, throwIfMissing bool) (int, error) {
	return 0, fiber.ErrNotSupported
}

func (Unsupported) Unread(buf []byte) error { return fiber.ErrNotSupported }

// Flush defaults to a no-op success: a stream with nothing buffered has
// nothing to propagate, and this is the only gated-by-nothing operation
// in the contract (every implementation supports it, trivially or not).
func (Unsupported) Flush(propagate bool) error { return nil }

func requireCap(s Stream, want Capability, op string) error {
	if !s.Capabilities().Has(want) {
		return fmt.Errorf("streamio: %s: %w", op, fiber.ErrNotSupported)
	}
	return nil
}
