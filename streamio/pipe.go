package streamio

import (
	fiber "github.com/jacobsa/fibers"
	"github.com/jacobsa/fibers/scheduler"
	"github.com/jacobsa/syncutil"
)

// waiter records a fiber parked on one side of a pipeEndpoint, together
// with the scheduler that must Schedule it again to resume it — spec
// §4.5's "(fiber, scheduler)" pair.
type waiter struct {
	f     *fiber.Fiber
	sched *scheduler.Scheduler
}

func (w *waiter) wake() {
	if w == nil {
		return
	}
	w.sched.Schedule(w.f, scheduler.AnyThread)
}

// pipeEndpoint is one side of a PipeStream pair: its inbox holds bytes the
// peer has written and this side has not yet read.
type pipeEndpoint struct {
	inbox  buffer
	closed Side // which of THIS endpoint's own sides have been closed

	cancelRead  bool
	cancelWrite bool

	waitingReader *waiter
	waitingWriter *waiter

	peer *pipeEndpoint
}

// PipeStream is one endpoint of a pipe_stream(bufsize) pair (spec §4.5):
// writes to the other endpoint become readable here and vice versa,
// bounded by bufsize with backpressure, sharing one mutex between both
// endpoints.
type PipeStream struct {
	Unsupported

	shared *pipeShared
	self   *pipeEndpoint
}

type pipeShared struct {
	mu      syncutil.InvariantMutex
	bufsize int
}

// NewPipeStream returns the two linked endpoints of a pipe_stream(bufsize)
// pair. Writes to a are readable from b and vice versa.
func NewPipeStream(bufsize int) (a, b *PipeStream) {
	shared := &pipeShared{bufsize: bufsize}
	shared.mu = syncutil.NewInvariantMutex(func() {})

	ea := &pipeEndpoint{}
	eb := &pipeEndpoint{}
	ea.peer = eb
	eb.peer = ea

	a = &PipeStream{shared: shared, self: ea}
	b = &PipeStream{shared: shared, self: eb}
	return
}

func (p *PipeStream) Capabilities() Capability {
	return CapHalfClose | CapCancel
}

// Read satisfies spec §4.5's PipeStream read path: drain from this
// endpoint's inbox, blocking (by parking the calling fiber, not the OS
// thread) when it is empty and the peer has not closed its write side.
func (p *PipeStream) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	self := p.self
	shared := p.shared

	shared.mu.Lock()
	for {
		if self.closed.Has(Read) || self.cancelRead {
			shared.mu.Unlock()
			return 0, fiber.ErrOperationAborted
		}
		if self.inbox.len() > 0 {
			out := self.inbox.consume(len(buf))
			n := copy(buf, out)
			var toWake *waiter
			if self.peer.waitingWriter != nil {
				toWake, self.peer.waitingWriter = self.peer.waitingWriter, nil
			}
			shared.mu.Unlock()
			toWake.wake()
			return n, nil
		}
		if self.peer.closed.Has(Write) {
			shared.mu.Unlock()
			return 0, nil // EOF: peer will never write again
		}

		if self.waitingReader != nil {
			shared.mu.Unlock()
			panic("streamio: concurrent reads on the same PipeStream endpoint")
		}
		self.waitingReader = &waiter{f: fiber.Current(), sched: scheduler.Current()}
		shared.mu.Unlock()

		err := scheduler.Park()

		shared.mu.Lock()
		self.waitingReader = nil
		if err != nil {
			shared.mu.Unlock()
			return 0, err
		}
	}
}

// Write satisfies spec §4.5's PipeStream write path and backpressure rule:
// a writer blocks while the peer's inbox holds bufsize bytes, woken by any
// read that frees space.
func (p *PipeStream) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		panic("streamio: zero-length write")
	}

	self := p.self
	peer := self.peer
	shared := p.shared

	written := 0
	shared.mu.Lock()
	for written < len(buf) {
		if self.cancelWrite {
			shared.mu.Unlock()
			return written, fiber.ErrOperationAborted
		}
		if peer.closed.Has(Read) || self.closed.Has(Write) {
			shared.mu.Unlock()
			return written, fiber.ErrBrokenPipe
		}

		space := shared.bufsize - peer.inbox.len()
		if space > 0 {
			take := len(buf) - written
			if take > space {
				take = space
			}
			chunk := make([]byte, take)
			copy(chunk, buf[written:written+take])
			peer.inbox.append(chunk)
			written += take

			var toWake *waiter
			if peer.waitingReader != nil {
				toWake, peer.waitingReader = peer.waitingReader, nil
			}
			shared.mu.Unlock()
			toWake.wake()
			if written == len(buf) {
				return written, nil
			}
			shared.mu.Lock()
			continue
		}

		if self.waitingWriter != nil {
			shared.mu.Unlock()
			panic("streamio: concurrent writes on the same PipeStream endpoint")
		}
		self.waitingWriter = &waiter{f: fiber.Current(), sched: scheduler.Current()}
		shared.mu.Unlock()

		err := scheduler.Park()

		shared.mu.Lock()
		self.waitingWriter = nil
		if err != nil {
			shared.mu.Unlock()
			return written, err
		}
	}
	shared.mu.Unlock()
	return written, nil
}

// Close closes half or both sides of this endpoint. Closing Write wakes
// any peer reader blocked waiting for more data, which will now observe
// EOF; closing Read wakes any peer writer blocked on backpressure, which
// will now observe BrokenPipe. Either also wakes this same endpoint's own
// waiter on the closed side, if any fiber happens to be blocked there
// concurrently — otherwise it would stay parked forever, since nothing
// else would ever call Schedule on it again.
func (p *PipeStream) Close(side Side) error {
	self := p.self
	peer := self.peer
	shared := p.shared

	shared.mu.Lock()
	self.closed |= side

	var wakeReader, wakeWriter, wakeSelfReader, wakeSelfWriter *waiter
	if side.Has(Write) && peer.waitingReader != nil {
		wakeReader, peer.waitingReader = peer.waitingReader, nil
	}
	if side.Has(Read) && peer.waitingWriter != nil {
		wakeWriter, peer.waitingWriter = peer.waitingWriter, nil
	}
	if side.Has(Read) && self.waitingReader != nil {
		wakeSelfReader, self.waitingReader = self.waitingReader, nil
	}
	if side.Has(Write) && self.waitingWriter != nil {
		wakeSelfWriter, self.waitingWriter = self.waitingWriter, nil
	}
	shared.mu.Unlock()

	wakeReader.wake()
	wakeWriter.wake()
	wakeSelfReader.wake()
	wakeSelfWriter.wake()
	return nil
}

// CancelRead causes a currently suspended or subsequent Read on this
// endpoint to fail with fiber.ErrOperationAborted, until Close resets it.
// Safe to call from any fiber or goroutine.
func (p *PipeStream) CancelRead() error {
	self := p.self
	shared := p.shared

	shared.mu.Lock()
	self.cancelRead = true
	var toWake *waiter
	if self.waitingReader != nil {
		toWake, self.waitingReader = self.waitingReader, nil
	}
	shared.mu.Unlock()
	toWake.wake()
	return nil
}

// CancelWrite is CancelRead's write-side counterpart.
func (p *PipeStream) CancelWrite() error {
	self := p.self
	shared := p.shared

	shared.mu.Lock()
	self.cancelWrite = true
	var toWake *waiter
	if self.waitingWriter != nil {
		toWake, self.waitingWriter = self.waitingWriter, nil
	}
	shared.mu.Unlock()
	toWake.wake()
	return nil
}

// Flush is a no-op: a PipeStream has nothing buffered beyond what Write
// has already delivered to the peer's inbox.
func (p *PipeStream) Flush(propagate bool) error { return nil }
