//go:build !linux

package uio

import (
	"os"
	"time"
)

// PageSize returns the system page size used for region offsets.
func PageSize() int { return os.Getpagesize() }

// OpenDevice requires Linux UIO.
func OpenDevice(path string) (int, error) { return -1, ErrUnsupported }

// IsRetryable always reports false outside Linux.
func IsRetryable(err error) bool { return false }

// FileID requires Linux UIO.
func FileID(fd int) (string, error) { return "", ErrUnsupported }

// CloseFd is a no-op outside Linux.
func CloseFd(fd int) error { return nil }

// MapRegion requires Linux UIO.
func MapRegion(opts MapOptions) (*MappedRegion, error) { return nil, ErrUnsupported }

// UnmapRegion is a no-op outside Linux.
func UnmapRegion(region *MappedRegion) error { return nil }

func LockRange(fd int, start, n int64, shared, wait bool) error { return ErrUnsupported }

func UnlockRange(fd int, start, n int64) error { return ErrUnsupported }

func QueryLock(fd int, start, n int64) (int, bool, error) { return 0, false, ErrUnsupported }

func IsContention(err error) bool { return false }

func NewEventFd() (int, error) { return -1, ErrUnsupported }

func SignalEventFd(fd int) error { return ErrUnsupported }

func DrainEventFd(fd int) (uint64, error) { return 0, ErrUnsupported }

func PollReadable(fds []int, timeout time.Duration) ([]bool, error) { return nil, ErrUnsupported }

func EnableIRQ(fd int) error { return ErrUnsupported }

func ReadIRQ(fd int) (uint32, error) { return 0, ErrUnsupported }

func ReadIRQNonblocking(fd int) (uint32, bool, error) { return 0, false, ErrUnsupported }
