//go:build linux

package uio

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NewEventFd creates the non-blocking eventfd a handle uses to interrupt its
// own blocked interrupt wait.
func NewEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

// SignalEventFd makes fd readable.
func SignalEventFd(fd int) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	for {
		_, err := unix.Write(fd, b[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// DrainEventFd resets fd and returns how many signals were pending.
func DrainEventFd(fd int) (uint64, error) {
	var b [8]byte
	for {
		n, err := unix.Read(fd, b[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, err
		case n != len(b):
			return 0, ErrShortRead
		}
		return binary.NativeEndian.Uint64(b[:]), nil
	}
}

// PollReadable waits until one of fds is readable or timeout elapses. A
// negative timeout waits forever. ready[i] is set for every readable fds[i];
// all false means the timeout expired.
func PollReadable(fds []int, timeout time.Duration) ([]bool, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		if !deadline.IsZero() {
			ms = pollMillis(time.Until(deadline))
		}
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		ready := make([]bool, len(fds))
		if n == 0 {
			return ready, nil
		}
		for i := range pfds {
			ready[i] = pfds[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0
		}
		return ready, nil
	}
}

// pollMillis rounds up so a wait never returns before its deadline.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
