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
	"sync"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// PageState is the in-process view of one pool page.
type PageState uint8

const (
	// PageFree pages carry no reservation of this process.
	PageFree PageState = iota
	// PageAllocated pages are reserved exclusively by one block.
	PageAllocated
	// PageShared pages are reserved by one or more shared blocks.
	PageShared
)

func (s PageState) String() string {
	switch s {
	case PageFree:
		return "free"
	case PageAllocated:
		return "allocated"
	case PageShared:
		return "shared"
	}
	return fmt.Sprintf("PageState(%d)", uint8(s))
}

// pageTable tracks the reservations of every handle of one device in this
// process. Record locks belong to the process, not to a descriptor, so the
// kernel cannot arbitrate between two handles of the same process; the
// table does, and the kernel arbitrates between processes.
//
// A page that is PageFree in the table carries no lock of this process.
// Every page that is not free carries one: a write lock for PageAllocated
// and a read lock for PageShared.
type pageTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pages   []PageState
	shares  []uint16
	holders map[int]struct{}
	used    int
}

func newPageTable(n int) *pageTable {
	t := &pageTable{
		pages:   make([]PageState, n),
		shares:  make([]uint16, n),
		holders: make(map[int]struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// compatible reports whether [off, off+count) can be reserved in the given
// mode. When it cannot, bad is the last offending page.
func (t *pageTable) compatible(off, count int, shared bool) (bad int, ok bool) {
	bad = -1
	for i := off; i < off+count; i++ {
		switch t.pages[i] {
		case PageAllocated:
			bad = i
		case PageShared:
			if !shared {
				bad = i
			}
		}
	}
	return bad, bad < 0
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// findFree returns the first run of count pages, starting on a multiple of
// align, that is compatible in the table and whose record lock could be
// taken without blocking. The caller holds t.mu and marks the run.
func (t *pageTable) findFree(fd, count, align int, shared bool) (int, error) {
	for s := alignUp(0, align); s+count <= len(t.pages); {
		if bad, ok := t.compatible(s, count, shared); !ok {
			s = alignUp(bad+1, align)
			continue
		}
		err := internaluio.LockRange(fd, int64(s), int64(count), shared, false)
		if err == nil {
			return s, nil
		}
		if !internaluio.IsContention(err) {
			return -1, newError(CodeSystem, "alloc", fmt.Errorf("lock pages [%d, %d): %w", s, s+count, err))
		}
		s = alignUp(s+count, align)
	}
	return -1, newError(CodeNoSpace, "alloc", fmt.Errorf("no run of %d page(s)", count))
}

// mark records a reservation whose lock is already held. The caller holds
// t.mu.
func (t *pageTable) mark(off, count int, shared bool) {
	for i := off; i < off+count; i++ {
		if t.pages[i] == PageFree {
			t.used++
		}
		if shared {
			t.pages[i] = PageShared
			t.shares[i]++
		} else {
			t.pages[i] = PageAllocated
			t.shares[i] = 0
		}
	}
}

func (t *pageTable) clear(off, count int) {
	for i := off; i < off+count; i++ {
		if t.pages[i] != PageFree {
			t.used--
		}
		t.pages[i] = PageFree
		t.shares[i] = 0
	}
}

// runs calls fn for every maximal run inside [off, off+count) whose pages
// satisfy match.
func runs(off, count int, match func(i int) bool, fn func(start, n int) error) error {
	for i := off; i < off+count; {
		if !match(i) {
			i++
			continue
		}
		j := i
		for j < off+count && match(j) {
			j++
		}
		if err := fn(i, j-i); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// release drops one reservation of [off, off+count). An exclusive run is
// unlocked as a whole. For a shared run only the pages whose last in-process
// holder leaves are unlocked; the others lose one holder. On an unlock
// failure the table is left as it was.
func (t *pageTable) release(fd, off, count int, shared bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !shared {
		if err := internaluio.UnlockRange(fd, int64(off), int64(count)); err != nil {
			return newError(CodeSystem, "free", fmt.Errorf("unlock pages [%d, %d): %w", off, off+count, err))
		}
		t.clear(off, count)
		t.cond.Broadcast()
		return nil
	}

	last := func(i int) bool { return t.pages[i] == PageShared && t.shares[i] <= 1 }
	var unlocked [][2]int
	err := runs(off, count, last, func(start, n int) error {
		if err := internaluio.UnlockRange(fd, int64(start), int64(n)); err != nil {
			return err
		}
		unlocked = append(unlocked, [2]int{start, n})
		return nil
	})
	if err != nil {
		for _, r := range unlocked {
			if lerr := internaluio.LockRange(fd, int64(r[0]), int64(r[1]), true, false); lerr != nil {
				internalLogger.warnf("uio: restore read lock on pages [%d, %d): %v", r[0], r[0]+r[1], lerr)
			}
		}
		return newError(CodeSystem, "free", fmt.Errorf("unlock shared pages: %w", err))
	}
	freed := false
	for i := off; i < off+count; i++ {
		if t.pages[i] != PageShared {
			continue
		}
		if t.shares[i] <= 1 {
			t.clear(i, 1)
			freed = true
		} else {
			t.shares[i]--
		}
	}
	if freed {
		t.cond.Broadcast()
	}
	return nil
}

// lockAt takes an exclusive reservation of the fixed run [off, off+count).
// Without wait any conflict, in this process or another, is ErrBusy. With
// wait the call sleeps until both the kernel lock and the table agree; stop
// is polled after every wakeup so a closing handle can end the wait.
func (t *pageTable) lockAt(fd, off, count int, wait bool, stop func() bool) error {
	for {
		if wait {
			// Sleep for other processes without holding the table.
			if err := internaluio.LockRange(fd, int64(off), int64(count), false, true); err != nil {
				return newError(CodeSystem, "lock at", fmt.Errorf("lock pages [%d, %d): %w", off, off+count, err))
			}
		}

		t.mu.Lock()
		if stop() {
			t.restore(fd, off, count)
			t.mu.Unlock()
			return ErrClosed
		}
		// A Free of an overlapping run may have unlocked the range while
		// the table was not held, so the lock is taken again under it.
		err := internaluio.LockRange(fd, int64(off), int64(count), false, false)
		if err != nil {
			t.restore(fd, off, count)
			t.mu.Unlock()
			if !internaluio.IsContention(err) {
				return newError(CodeSystem, "lock at", fmt.Errorf("lock pages [%d, %d): %w", off, off+count, err))
			}
			if !wait {
				return newError(CodeBusy, "lock at", fmt.Errorf("pages [%d, %d) locked by another process", off, off+count))
			}
			continue
		}
		if _, ok := t.compatible(off, count, false); ok {
			t.mark(off, count, false)
			t.mu.Unlock()
			return nil
		}

		// Held by another handle of this process. Its locks were merged into
		// ours by the kernel and have to be put back.
		t.restore(fd, off, count)
		if !wait {
			t.mu.Unlock()
			return newError(CodeBusy, "lock at", fmt.Errorf("pages [%d, %d) reserved in this process", off, off+count))
		}
		for {
			if stop() {
				t.mu.Unlock()
				return ErrClosed
			}
			if _, ok := t.compatible(off, count, false); ok {
				break
			}
			t.cond.Wait()
		}
		t.mu.Unlock()
	}
}

// restore makes the kernel locks over [off, off+count) match the table
// again. The caller holds t.mu.
func (t *pageTable) restore(fd, off, count int) {
	_ = runs(off, count, func(i int) bool { return t.pages[i] == PageFree }, func(start, n int) error {
		if err := internaluio.UnlockRange(fd, int64(start), int64(n)); err != nil {
			internalLogger.warnf("uio: unlock pages [%d, %d): %v", start, start+n, err)
		}
		return nil
	})
	_ = runs(off, count, func(i int) bool { return t.pages[i] == PageShared }, func(start, n int) error {
		if err := internaluio.LockRange(fd, int64(start), int64(n), true, false); err != nil {
			internalLogger.warnf("uio: downgrade pages [%d, %d): %v", start, start+n, err)
		}
		return nil
	})
}

// reassert takes again, through fd, the locks of every reservation in the
// table. Closing any descriptor of the device drops all record locks of the
// process, so this runs after every close while other handles remain.
// The caller holds t.mu.
func (t *pageTable) reassert(fd int) error {
	var first error
	relock := func(state PageState) {
		_ = runs(0, len(t.pages), func(i int) bool { return t.pages[i] == state }, func(start, n int) error {
			if err := internaluio.LockRange(fd, int64(start), int64(n), state == PageShared, false); err != nil {
				internalLogger.errorf("uio: reassert %s pages [%d, %d): %v", state, start, start+n, err)
				if first == nil {
					first = err
				}
			}
			return nil
		})
	}
	relock(PageAllocated)
	relock(PageShared)
	return first
}

// wake unblocks lockAt waiters so they can observe stop.
func (t *pageTable) wake() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *pageTable) snapshot() []PageState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PageState, len(t.pages))
	copy(out, t.pages)
	return out
}

func (t *pageTable) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}
