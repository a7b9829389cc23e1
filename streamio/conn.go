package streamio

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	fiber "github.com/jacobsa/fibers"
	"github.com/jacobsa/fibers/ioreactor"
	"github.com/jacobsa/fibers/scheduler"
	"golang.org/x/sys/unix"
)

// halfCloser is the subset of *net.TCPConn (and similar) that makes
// CapHalfClose meaningful for a given connection.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// ConnStream is a supportsCancel Stream over a net.Conn's raw fd (spec's
// supplemented feature list, §4.5 "plus"), driving reads and writes
// directly against the IOManager instead of through Go's runtime
// netpoller: a non-blocking syscall; on EAGAIN, register with the
// IOManager and park; repeat (spec.md §2's reactor prose).
type ConnStream struct {
	Unsupported

	m    *ioreactor.IOManager
	conn net.Conn
	fd   int
	half halfCloser // nil if conn doesn't support half-close

	mu          sync.Mutex
	cancelRead  bool
	cancelWrite bool
}

// NewConnStream wraps conn (already accepted or dialed, e.g. via
// ioreactor.Listener.Accept) for fiber-cooperative I/O driven by m,
// extracting conn's raw fd and setting it non-blocking.
func NewConnStream(m *ioreactor.IOManager, conn net.Conn) (*ConnStream, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("streamio: connection does not support raw fd access")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("streamio: SyscallConn: %w", err)
	}

	var fd int
	var ctrlErr error
	if err := rc.Control(func(f uintptr) {
		fd = int(f)
		ctrlErr = unix.SetNonblock(fd, true)
	}); err != nil {
		return nil, fmt.Errorf("streamio: Control: %w", err)
	}
	if ctrlErr != nil {
		return nil, fmt.Errorf("streamio: SetNonblock: %w", ctrlErr)
	}

	hc, _ := conn.(halfCloser)
	return &ConnStream{m: m, conn: conn, fd: fd, half: hc}, nil
}

func (s *ConnStream) Capabilities() Capability {
	caps := CapCancel
	if s.half != nil {
		caps |= CapHalfClose
	}
	return caps
}

func (s *ConnStream) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		cancelled := s.cancelRead
		s.mu.Unlock()
		if cancelled {
			return 0, fiber.ErrOperationAborted
		}

		n, err := unix.Read(s.fd, buf)
		if err == nil {
			return n, nil // n == 0 means EOF, same as a plain read(2)
		}
		if err != unix.EAGAIN {
			return 0, fmt.Errorf("streamio: read: %w", err)
		}

		if regErr := s.m.RegisterEvent(s.fd, ioreactor.Read); regErr != nil {
			return 0, regErr
		}
		if pErr := scheduler.Park(); pErr != nil {
			return 0, pErr
		}
	}
}

func (s *ConnStream) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		panic("streamio: zero-length write")
	}

	written := 0
	for written < len(buf) {
		s.mu.Lock()
		cancelled := s.cancelWrite
		s.mu.Unlock()
		if cancelled {
			return written, fiber.ErrOperationAborted
		}

		n, err := unix.Write(s.fd, buf[written:])
		if err == nil {
			written += n
			continue
		}
		if err != unix.EAGAIN {
			return written, fmt.Errorf("streamio: write: %w", err)
		}

		if regErr := s.m.RegisterEvent(s.fd, ioreactor.Write); regErr != nil {
			return written, regErr
		}
		if pErr := scheduler.Park(); pErr != nil {
			return written, pErr
		}
	}
	return written, nil
}

// CancelRead causes a currently suspended or subsequent Read to fail with
// fiber.ErrOperationAborted until Close resets it. The sticky flag covers
// the case where no read is currently parked: CancelEvent alone only
// aborts a fiber already registered and waiting.
func (s *ConnStream) CancelRead() error {
	s.mu.Lock()
	s.cancelRead = true
	s.mu.Unlock()
	s.m.CancelEvent(s.fd, ioreactor.Read)
	return nil
}

func (s *ConnStream) CancelWrite() error {
	s.mu.Lock()
	s.cancelWrite = true
	s.mu.Unlock()
	s.m.CancelEvent(s.fd, ioreactor.Write)
	return nil
}

func (s *ConnStream) Flush(propagate bool) error { return nil }

// Close half- or fully closes the connection. Per the half-close
// resolution: closing Write alone drains nothing extra (TCP's own
// shutdown(SHUT_WR) already flushes in flight data and signals EOF to the
// peer); closing Read alone makes any further peer write fail with
// BrokenPipe/ECONNRESET at the OS level. Whichever side is closed, both the
// read and the write registration of this fd are dropped from the
// IOManager without waking a fiber parked on either.
func (s *ConnStream) Close(side Side) error {
	s.m.UnregisterEvent(s.fd, ioreactor.Read|ioreactor.Write)

	if side == Both || s.half == nil {
		if side != Both {
			return fiber.ErrNotSupported
		}
		return s.conn.Close()
	}

	var err error
	if side.Has(Read) {
		err = s.half.CloseRead()
	}
	if side.Has(Write) {
		if wErr := s.half.CloseWrite(); wErr != nil && err == nil {
			err = wErr
		}
	}
	return err
}
