// Package uio contains platform-specific helpers for the UIO conflict manager:
// mapping device regions, fcntl record locks, interrupt counters, eventfd
// cancellation and sysfs attribute parsing.
package uio

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// MappedRegion represents a memory-mapped UIO device region (map<N>).
type MappedRegion struct {
	Addr  []byte
	Index int
}

// MapOptions defines how a device region is mapped.
type MapOptions struct {
	Fd    int
	Index int // region number; mapped from file offset Index * page size
	Size  int
}

var (
	ErrInvalidSize = errors.New("uio: invalid region size")
	ErrShortRead   = errors.New("uio: short read")
	ErrUnsupported = errors.New("uio: platform not supported")
)

// ReadAttr reads a single-line sysfs attribute without its trailing newline.
func ReadAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n\t "), nil
}

// ReadUintAttr reads a numeric sysfs attribute. Base prefixes such as 0x are
// honoured, the way the kernel prints map addr and size.
func ReadUintAttr(path string) (uint64, error) {
	s, err := ReadAttr(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 0, 64)
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
