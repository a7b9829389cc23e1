package ioreactor

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/jacobsa/fibers/scheduler"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// Listener is ioreactor's one concrete networking entry point (spec §1:
// "higher level networking ... built on this substrate", without
// implementing any protocol): Accept parks the calling fiber on this
// IOManager instead of blocking an OS thread, handing back ordinary
// net.Conn values (via net.FileConn) whose raw fd a streamio.ConnStream
// then drives through the same IOManager.
type Listener struct {
	m      *IOManager
	fd     int
	netLn  net.Listener
	closed bool
}

// Listen opens network/addr (as net.Listen) and wraps it for fiber-
// cooperative Accept on m — this IOManager's only acknowledgement that
// higher-level networking exists, without implementing any protocol on top
// of it. The listener is wrapped in netutil.LimitListener(maxConns), but
// Accept takes connections from the raw listening fd rather than through
// that wrapper, so maxConns does not bound the connections Accept returns.
func (m *IOManager) Listen(network, addr string, maxConns int) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	limited := netutil.LimitListener(ln, maxConns)

	sc, ok := ln.(syscall.Conn)
	if !ok {
		limited.Close()
		return nil, fmt.Errorf("ioreactor: listener for %q does not support raw fd access", network)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		limited.Close()
		return nil, fmt.Errorf("ioreactor: SyscallConn: %w", err)
	}

	var fd int
	var ctrlErr error
	if err := rc.Control(func(f uintptr) {
		fd = int(f)
		ctrlErr = unix.SetNonblock(fd, true)
	}); err != nil {
		limited.Close()
		return nil, fmt.Errorf("ioreactor: Control: %w", err)
	}
	if ctrlErr != nil {
		limited.Close()
		return nil, fmt.Errorf("ioreactor: SetNonblock: %w", ctrlErr)
	}

	return &Listener{m: m, fd: fd, netLn: limited}, nil
}

// Accept blocks the calling fiber, without blocking its worker, until a
// connection arrives or the listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err == nil {
			unix.CloseOnExec(nfd)
			if sErr := unix.SetNonblock(nfd, true); sErr != nil {
				unix.Close(nfd)
				return nil, fmt.Errorf("ioreactor: SetNonblock on accepted fd: %w", sErr)
			}
			f := os.NewFile(uintptr(nfd), "ioreactor-accepted-conn")
			conn, cErr := net.FileConn(f)
			f.Close()
			if cErr != nil {
				return nil, fmt.Errorf("ioreactor: FileConn: %w", cErr)
			}
			return conn, nil
		}
		if err != unix.EAGAIN {
			return nil, fmt.Errorf("ioreactor: accept: %w", err)
		}

		if regErr := l.m.RegisterEvent(l.fd, Read); regErr != nil {
			return nil, regErr
		}
		if pErr := scheduler.Park(); pErr != nil {
			return nil, pErr
		}
	}
}

// Close stops accepting and releases the underlying listener. A fiber
// parked in Accept is woken and its Accept returns
// fiber.ErrOperationAborted.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.m.CancelEvent(l.fd, Read)
	return l.netLn.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.netLn.Addr() }
