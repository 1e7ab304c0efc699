//go:build linux

package uio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize returns the system page size used for region offsets.
func PageSize() int {
	return unix.Getpagesize()
}

// OpenDevice opens a UIO device node read/write with synchronous I/O.
func OpenDevice(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// IsRetryable reports whether opening a device node may succeed later, e.g.
// while udev has not created the node yet.
func IsRetryable(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EINTR)
}

// FileID identifies the file behind fd by device and inode, so two paths to
// the same node yield the same id.
func FileID(fd int) (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", fmt.Errorf("fstat: %w", err)
	}
	return fmt.Sprintf("%d:%d", uint64(st.Dev), st.Ino), nil
}

// CloseFd closes a descriptor.
func CloseFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// MapRegion maps region opts.Index of a device read/write and shared with the
// kernel, so stores reach the hardware and every other mapper.
func MapRegion(opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}
	offset := int64(opts.Index) * int64(unix.Getpagesize())
	addr, err := unix.Mmap(opts.Fd, offset, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap map%d: %w", opts.Index, err)
	}
	return &MappedRegion{
		Addr:  addr,
		Index: opts.Index,
	}, nil
}

// UnmapRegion unmaps a region mapped by MapRegion.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap map%d: %w", region.Index, err)
	}
	region.Addr = nil
	return nil
}
