//go:build linux

package uio

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Record locks cover one byte per page: the lock offset of page N is N.

// LockRange places a record lock over [start, start+n) of fd: a read lock when
// shared, a write lock otherwise. With wait the call sleeps until the range
// can be locked; without it contention is reported as an error that
// satisfies IsContention.
func LockRange(fd int, start, n int64, shared, wait bool) error {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(io.SeekStart),
		Start:  start,
		Len:    n,
	}
	if shared {
		lk.Type = unix.F_RDLCK
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, &lk)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// UnlockRange releases any record lock this process holds over [start, start+n).
func UnlockRange(fd int, start, n int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(io.SeekStart),
		Start:  start,
		Len:    n,
	}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lk)
}

// QueryLock reports the process holding a lock that conflicts with a write
// lock over [start, start+n). pid is 0 when nothing conflicts. Locks held by
// the calling process never conflict and are therefore not reported.
func QueryLock(fd int, start, n int64) (pid int, shared bool, err error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(io.SeekStart),
		Start:  start,
		Len:    n,
	}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_GETLK, &lk); err != nil {
		return 0, false, err
	}
	if lk.Type == unix.F_UNLCK {
		return 0, false, nil
	}
	return int(lk.Pid), lk.Type == unix.F_RDLCK, nil
}

// IsContention reports whether err means another process holds the lock.
func IsContention(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}
