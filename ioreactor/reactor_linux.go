package ioreactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend implements pollBackend on Linux, promoting the teacher's
// indirect golang.org/x/sys dependency to a direct one (spec §4.4's
// domain stack).
type epollBackend struct {
	epfd int
}

func newPlatformPollBackend() (pollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{epfd: fd}, nil
}

func epollEvents(r, w bool) uint32 {
	var ev uint32
	if r {
		ev |= unix.EPOLLIN
	}
	if w {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) add(fd int, r, w bool) error {
	event := unix.EpollEvent{Events: epollEvents(r, w), Fd: int32(fd)}

	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &event)
	if err == unix.ENOENT {
		// mordor's epoll backend retries once against a concurrent
		// unregister racing the same fd rather than treating it as a
		// hard failure (see original_source/mordor/iomanager_epoll.cpp);
		// here that race instead means "not yet added," so fall back to
		// ADD.
		err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &event)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	return nil
}

func (b *epollBackend) remove(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("epoll_ctl(DEL): %w", err)
	}
	return nil
}

func (b *epollBackend) wait(timeout time.Duration, infinite bool) ([]readyEvent, error) {
	msec := -1
	if !infinite {
		msec = int(timeout / time.Millisecond)
		if msec < 0 {
			msec = 0
		}
	}

	var raw [256]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, raw[:], msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	events := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		events = append(events, readyEvent{
			fd:          int(e.Fd),
			readable:    e.Events&unix.EPOLLIN != 0,
			writable:    e.Events&unix.EPOLLOUT != 0,
			errOrHangup: e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return events, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
