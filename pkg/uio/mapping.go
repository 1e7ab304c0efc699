/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uio

import (
	"fmt"
	"path/filepath"
	"sync"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// Mapping is one memory region of a device mapped into the process.
type Mapping struct {
	index    int
	addr     uint64
	size     int
	pageSize int

	once   sync.Once
	region *internaluio.MappedRegion
}

func mapDevice(fd int, dev Device, index int, maxSize uint64) (*Mapping, error) {
	dir := filepath.Join(dev.SysfsPath, "maps", fmt.Sprintf("map%d", index))
	addr, err := internaluio.ReadUintAttr(filepath.Join(dir, "addr"))
	if err != nil {
		return nil, err
	}
	size, err := internaluio.ReadUintAttr(filepath.Join(dir, "size"))
	if err != nil {
		return nil, err
	}
	if size == 0 || size > maxSize {
		return nil, fmt.Errorf("map%d size %#x outside (0, %#x]", index, size, maxSize)
	}
	region, err := internaluio.MapRegion(internaluio.MapOptions{Fd: fd, Index: index, Size: int(size)})
	if err != nil {
		return nil, err
	}
	return &Mapping{
		index:    index,
		addr:     addr,
		size:     int(size),
		pageSize: internaluio.PageSize(),
		region:   region,
	}, nil
}

// Index is the sysfs map number of the region.
func (m *Mapping) Index() int { return m.index }

// Address is the physical base address of the region.
func (m *Mapping) Address() uint64 { return m.addr }

// Size is the length of the region in bytes.
func (m *Mapping) Size() int { return m.size }

// Bytes returns the whole mapped region. It must not be used after Close.
func (m *Mapping) Bytes() []byte { return m.region.Addr }

// PageCount is the number of pages covering the region; a trailing partial
// page counts.
func (m *Mapping) PageCount() int { return (m.size + m.pageSize - 1) / m.pageSize }

// Pages returns the bytes of pages [first, first+n), clamped to the region
// size for a trailing partial page.
func (m *Mapping) Pages(first, n int) ([]byte, error) {
	if first < 0 || n <= 0 || first+n > m.PageCount() {
		return nil, newError(CodeInvalid, "pages", fmt.Errorf("pages [%d, %d) outside %d", first, first+n, m.PageCount()))
	}
	start := first * m.pageSize
	end := start + n*m.pageSize
	if end > m.size {
		end = m.size
	}
	return m.region.Addr[start:end:end], nil
}

// PageOf returns the page holding the physical address addr.
func (m *Mapping) PageOf(addr uint64) (int, error) {
	if addr < m.addr || addr >= m.addr+uint64(m.size) {
		return 0, newError(CodeInvalid, "page of", fmt.Errorf("address %#x outside [%#x, %#x)", addr, m.addr, m.addr+uint64(m.size)))
	}
	return int((addr - m.addr) / uint64(m.pageSize)), nil
}

// Close unmaps the region. Later calls are no-ops.
func (m *Mapping) Close() error {
	var err error
	m.once.Do(func() {
		err = internaluio.UnmapRegion(m.region)
	})
	return err
}
