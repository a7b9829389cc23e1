package ioreactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend implements pollBackend on Darwin, alongside
// reactor_linux.go's epoll backend, selected by filename suffix exactly
// as the teacher splits mount_linux.go/mount_darwin.go.
type kqueueBackend struct {
	kq int
}

func newPlatformPollBackend() (pollBackend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	return &kqueueBackend{kq: fd}, nil
}

func (b *kqueueBackend) add(fd int, r, w bool) error {
	filters := []int16{unix.EVFILT_READ, unix.EVFILT_WRITE}
	wanted := []bool{r, w}
	for i, filter := range filters {
		// One change per call: with no event list, kevent stops at the first
		// failing change, and deleting a filter the fd never had fails with
		// ENOENT, which here just means it is already absent.
		change := []unix.Kevent_t{kevent(fd, filter, toggleFlag(wanted[i]))}
		if _, err := unix.Kevent(b.kq, change, nil, nil); err != nil {
			if !wanted[i] && err == unix.ENOENT {
				continue
			}
			return fmt.Errorf("kevent(change): %w", err)
		}
	}
	return nil
}

func toggleFlag(on bool) uint16 {
	if on {
		return unix.EV_ADD
	}
	return unix.EV_DELETE
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
}

func (b *kqueueBackend) remove(fd int) error {
	changes := []unix.Kevent_t{
		kevent(fd, unix.EVFILT_READ, unix.EV_DELETE),
		kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE),
	}
	// ENOENT here just means "that filter was never registered"; both
	// read and write are best-effort removed regardless of which the
	// fd actually had.
	unix.Kevent(b.kq, changes, nil, nil)
	return nil
}

func (b *kqueueBackend) wait(timeout time.Duration, infinite bool) ([]readyEvent, error) {
	var ts *unix.Timespec
	if !infinite {
		if timeout < 0 {
			timeout = 0
		}
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}

	raw := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(b.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("kevent(wait): %w", err)
	}

	byFd := make(map[int]*readyEvent, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		fd := int(e.Ident)
		ev, ok := byFd[fd]
		if !ok {
			ev = &readyEvent{fd: fd}
			byFd[fd] = ev
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			ev.readable = true
		case unix.EVFILT_WRITE:
			ev.writable = true
		}
		if e.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			ev.errOrHangup = true
		}
	}

	events := make([]readyEvent, 0, len(byFd))
	for _, ev := range byFd {
		events = append(events, *ev)
	}
	return events, nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kq)
}
