//go:build linux

package uio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// UIO exchanges 32-bit words: writes toggle irqcontrol, reads return the
// total interrupt count.
const irqWordSize = 4

// EnableIRQ re-enables interrupt reporting on a UIO descriptor.
func EnableIRQ(fd int) error {
	var b [irqWordSize]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	for {
		_, err := unix.Write(fd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("irq enable: %w", err)
		}
		return nil
	}
}

// ReadIRQ reads the interrupt counter, blocking unless fd is non-blocking.
func ReadIRQ(fd int) (uint32, error) {
	var b [irqWordSize]byte
	for {
		n, err := unix.Read(fd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != irqWordSize {
			return 0, ErrShortRead
		}
		return binary.NativeEndian.Uint32(b[:]), nil
	}
}

// ReadIRQNonblocking switches fd to non-blocking mode, reads the counter and
// restores the previous flags. ok is false when no interrupt was pending.
func ReadIRQNonblocking(fd int) (count uint32, ok bool, err error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, false, fmt.Errorf("fcntl getfl: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return 0, false, fmt.Errorf("fcntl setfl: %w", err)
	}
	count, rerr := ReadIRQ(fd)
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		return 0, false, fmt.Errorf("fcntl restore: %w", err)
	}
	if rerr == unix.EAGAIN {
		return 0, false, nil
	}
	if rerr != nil {
		return 0, false, fmt.Errorf("irq read: %w", rerr)
	}
	return count, true, nil
}
