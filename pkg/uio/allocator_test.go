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

//go:build linux

package uio

import (
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

type AllocatorTestSuite struct {
	suite.Suite
	fs *fakeSysfs
	m  *Manager
	ps int
}

func (s *AllocatorTestSuite) SetupTest() {
	s.fs = newFakeSysfs(s.T(),
		fakeDevice{name: "VPU", poolPages: 8},
		fakeDevice{name: "BIG", poolPages: 64},
		fakeDevice{name: "REG"},
	)
	s.m = s.fs.manager(s.T())
	s.ps = internaluio.PageSize()
}

func (s *AllocatorTestSuite) open(name string) *Handle {
	h, err := s.m.Open(s.T().Context(), name)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = h.Close() })
	return h
}

func (s *AllocatorTestSuite) TestEightPageScenario() {
	h := s.open("VPU")

	b1, err := h.Alloc(3*s.ps, 1, false)
	s.Require().NoError(err)
	s.Equal(0, b1.Page())
	s.Equal(3, b1.Pages())

	b2, err := h.Alloc(3*s.ps, 1, false)
	s.Require().NoError(err)
	s.Equal(3, b2.Page())

	_, err = h.Alloc(3*s.ps, 1, false)
	s.ErrorIs(err, ErrNoSpace)

	s.Require().NoError(h.Free(b1))
	b3, err := h.Alloc(3*s.ps, 1, false)
	s.Require().NoError(err)
	s.Equal(0, b3.Page())
}

func (s *AllocatorTestSuite) TestBlockGeometry() {
	h := s.open("VPU")

	b, err := h.Alloc(s.ps+1, 0, false)
	s.Require().NoError(err)
	s.Equal(2, b.Pages())
	s.Equal(2*s.ps, b.Size())
	s.Len(b.Bytes(), 2*s.ps)
	s.Equal(uint64(testPoolAddr), b.Addr())
	s.Equal(0, b.Offset())
	s.False(b.Shared())

	b2, err := h.Alloc(1, 0, false)
	s.Require().NoError(err)
	s.Equal(2*s.ps, b2.Offset())
	s.Equal(uint64(testPoolAddr+2*s.ps), b2.Addr())

	b2.Bytes()[0] = 0x5a
	s.Equal(byte(0x5a), h.Pool().Bytes()[2*s.ps])
}

func (s *AllocatorTestSuite) TestAlignment() {
	h := s.open("VPU")

	b0, err := h.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(0, b0.Page())

	b4, err := h.Alloc(s.ps, 4*s.ps, false)
	s.Require().NoError(err)
	s.Equal(4, b4.Page())

	b3, err := h.Alloc(s.ps, 3*s.ps, false)
	s.Require().NoError(err)
	s.Equal(3, b3.Page())

	// Byte alignments round up to whole pages.
	b2, err := h.Alloc(s.ps, s.ps+1, false)
	s.Require().NoError(err)
	s.Equal(2, b2.Page())

	_, err = h.Alloc(s.ps, 4*s.ps, false)
	s.ErrorIs(err, ErrNoSpace)
}

func (s *AllocatorTestSuite) TestSharedMatching() {
	h := s.open("VPU")

	ex, err := h.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(0, ex.Page())

	// A shared run never overlaps an exclusive one.
	sh1, err := h.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	s.Equal(1, sh1.Page())
	s.True(sh1.Shared())

	// Shared runs overlap each other.
	sh2, err := h.Alloc(2*s.ps, 0, true)
	s.Require().NoError(err)
	s.Equal(1, sh2.Page())

	// An exclusive run skips shared pages.
	ex2, err := h.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(3, ex2.Page())

	states := h.table.snapshot()
	s.Equal([]PageState{PageAllocated, PageShared, PageShared, PageAllocated, PageFree, PageFree, PageFree, PageFree}, states)
	s.Equal(uint16(2), h.table.shares[1])

	// Page 1 keeps one holder, page 2 loses its only one.
	s.Require().NoError(h.Free(sh2))
	s.Equal([]PageState{PageAllocated, PageShared, PageFree, PageAllocated}, h.table.snapshot()[:4])

	s.Require().NoError(h.Free(sh1))
	s.Equal(PageFree, h.table.snapshot()[1])
	s.Equal(2, h.table.inUse())
}

func (s *AllocatorTestSuite) TestSharedAcrossHandles() {
	h1 := s.open("VPU")
	h2 := s.open("VPU")

	b1, err := h1.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	b2, err := h2.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	s.Equal(b1.Page(), b2.Page())

	e1, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	e2, err := h2.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.NotEqual(e1.Page(), e2.Page())
}

func (s *AllocatorTestSuite) TestConcurrentExclusiveNeverOverlap() {
	handles := []*Handle{s.open("BIG"), s.open("BIG")}

	var (
		mu    sync.Mutex
		pages []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			for {
				b, err := h.Alloc(s.ps, 0, false)
				if err != nil {
					s.ErrorIs(err, ErrNoSpace)
					return
				}
				mu.Lock()
				pages = append(pages, b.Page())
				mu.Unlock()
			}
		}(handles[i%2])
	}
	wg.Wait()

	sort.Ints(pages)
	s.Require().Len(pages, 64)
	for i, p := range pages {
		s.Equal(i, p)
	}
}

func (s *AllocatorTestSuite) TestLockAtBlocksUntilFree() {
	h1 := s.open("VPU")
	h2 := s.open("VPU")

	held, err := h1.Alloc(2*s.ps, 0, false)
	s.Require().NoError(err)

	var freed atomic.Bool
	done := make(chan *Block)
	go func() {
		b, err := h2.LockAt(held.Addr()+uint64(s.ps), s.ps, true)
		s.NoError(err)
		s.True(freed.Load(), "LockAt returned before the range was freed")
		done <- b
	}()

	select {
	case <-done:
		s.FailNow("LockAt did not block")
	case <-time.After(100 * time.Millisecond):
	}
	freed.Store(true)
	s.Require().NoError(h1.Free(held))

	select {
	case b := <-done:
		s.Require().NotNil(b)
		s.Equal(1, b.Page())
		s.Equal(PageAllocated, h1.table.snapshot()[1])
		s.Equal(PageFree, h1.table.snapshot()[0])
	case <-time.After(5 * time.Second):
		s.FailNow("LockAt did not wake up after Free")
	}
}

func (s *AllocatorTestSuite) TestCloseEndsLockAtWait() {
	h1 := s.open("VPU")
	h2 := s.open("VPU")

	held, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := h2.LockAt(held.Addr(), s.ps, true)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(h2.Close())

	select {
	case err := <-done:
		s.ErrorIs(err, ErrClosed)
	case <-time.After(5 * time.Second):
		s.FailNow("LockAt kept waiting after Close")
	}
	s.Equal(PageAllocated, h1.table.snapshot()[0])
}

func (s *AllocatorTestSuite) TestLockAtBusy() {
	h1 := s.open("VPU")
	h2 := s.open("VPU")

	held, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)

	_, err = h2.LockAt(held.Addr(), 2*s.ps, false)
	s.ErrorIs(err, ErrBusy)
	s.Equal([]PageState{PageAllocated, PageFree}, h1.table.snapshot()[:2])

	// The failed attempt must not leave page 1 locked nor page 0 unlocked.
	node := h1.Device().NodePath
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, 0))
	s.Equal(0, probePage(s.T(), s.fs, node, 1))

	s.Require().NoError(h1.Free(held))
	b, err := h2.LockAt(held.Addr(), 2*s.ps, false)
	s.Require().NoError(err)
	s.Equal(0, b.Page())
	s.Equal(2, b.Pages())
}

func (s *AllocatorTestSuite) TestLockAtOverShared() {
	h := s.open("VPU")

	sh, err := h.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	_, err = h.LockAt(sh.Addr(), s.ps, false)
	s.ErrorIs(err, ErrBusy)
	s.Equal(PageShared, h.table.snapshot()[0])
}

func (s *AllocatorTestSuite) TestLockAtInvalid() {
	h := s.open("VPU")

	_, err := h.LockAt(0x1000, s.ps, false)
	s.ErrorIs(err, ErrInvalid)
	_, err = h.LockAt(testPoolAddr+uint64(7*s.ps), 2*s.ps, false)
	s.ErrorIs(err, ErrInvalid)
	_, err = h.LockAt(testPoolAddr, 0, false)
	s.ErrorIs(err, ErrInvalid)
}

func (s *AllocatorTestSuite) TestFree() {
	h1 := s.open("VPU")
	h2 := s.open("VPU")

	b, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	keep, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)

	s.ErrorIs(h2.Free(b), ErrInvalid)
	s.ErrorIs(h1.Free(nil), ErrInvalid)

	s.Require().NoError(h1.Free(b))
	s.Nil(b.Bytes())
	s.Require().NoError(h1.Free(b))
	s.Equal([]PageState{PageFree, PageAllocated}, h1.table.snapshot()[:2])
	s.Equal(1, keep.Page())
}

func (s *AllocatorTestSuite) TestInvalidArguments() {
	h := s.open("VPU")
	_, err := h.Alloc(0, 0, false)
	s.ErrorIs(err, ErrInvalid)
	_, err = h.Alloc(s.ps, -1, false)
	s.ErrorIs(err, ErrInvalid)
	_, err = h.Alloc(9*s.ps, 0, false)
	s.ErrorIs(err, ErrNoSpace)
}

func (s *AllocatorTestSuite) TestNoPool() {
	h := s.open("REG")
	s.Nil(h.Pool())
	s.NotNil(h.Registers())

	_, err := h.Alloc(s.ps, 0, false)
	s.ErrorIs(err, ErrNoPool)
	_, err = h.LockAt(testPoolAddr, s.ps, false)
	s.ErrorIs(err, ErrNoPool)
	_, err = h.Usage()
	s.ErrorIs(err, ErrNoPool)
}

func (s *AllocatorTestSuite) TestCloseReleasesBlocks() {
	h1, err := s.m.Open(s.T().Context(), "VPU")
	s.Require().NoError(err)
	_, err = h1.Alloc(4*s.ps, 0, false)
	s.Require().NoError(err)
	s.Require().NoError(h1.Close())
	s.Equal(0, tables.Count())

	_, err = h1.Alloc(s.ps, 0, false)
	s.ErrorIs(err, ErrClosed)

	h2 := s.open("VPU")
	b, err := h2.Alloc(8*s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(0, b.Page())
}

func (s *AllocatorTestSuite) TestCloseKeepsOtherHandlesLocks() {
	h1 := s.open("VPU")
	h2, err := s.m.Open(s.T().Context(), "VPU")
	s.Require().NoError(err)

	b, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	sh, err := h1.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	node := h1.Device().NodePath
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, b.Page()))

	// Closing any descriptor of the device drops the locks of h1 too.
	s.Require().NoError(h2.Close())
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, b.Page()))
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, sh.Page()))
	s.Equal(0, probePage(s.T(), s.fs, node, 2))
}

func (s *AllocatorTestSuite) TestCrossProcess() {
	page, pid := holdPages(s.T(), s.fs, "VPU", 2)
	s.Equal(0, page)

	h := s.open("VPU")
	b, err := h.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(2, b.Page())

	_, err = h.LockAt(testPoolAddr, s.ps, false)
	s.ErrorIs(err, ErrBusy)
	s.Equal(PageFree, h.table.snapshot()[0])

	usage, err := h.Usage()
	s.Require().NoError(err)
	s.Require().Len(usage, 8)
	s.Equal(pid, usage[0].PID)
	s.Equal(pid, usage[1].PID)
	s.NotEmpty(usage[0].Command)
	s.Equal(os.Getpid(), usage[2].PID)
	s.Equal(PageAllocated, usage[2].State)
	s.Equal(0, usage[3].PID)

	// Shared requests cannot attach to another process's exclusive run.
	sh, err := h.Alloc(2*s.ps, 0, true)
	s.Require().NoError(err)
	s.Equal(3, sh.Page())
}

func (s *AllocatorTestSuite) TestManagersShareTables() {
	m2 := s.fs.manager(s.T())
	h1 := s.open("VPU")
	h2, err := m2.Open(s.T().Context(), "VPU")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = h2.Close() })
	s.Same(h1.table, h2.table)
	s.Equal(1, tables.Count())

	b1, err := h1.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	b2, err := h2.Alloc(s.ps, 0, false)
	s.Require().NoError(err)
	s.Equal(0, b1.Page())
	s.Equal(1, b2.Page())

	// A short-lived handle of the second manager drops the process's locks
	// on close; the reservations of both managers have to survive it.
	h3, err := m2.Open(s.T().Context(), "VPU")
	s.Require().NoError(err)
	s.Require().NoError(h3.Close())
	node := h1.Device().NodePath
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, b1.Page()))
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, b2.Page()))
}

func (s *AllocatorTestSuite) TestHugeRequests() {
	h := s.open("VPU")

	_, err := h.Alloc(math.MaxInt, 0, false)
	s.ErrorIs(err, ErrNoSpace)
	_, err = h.Alloc(8*s.ps+1, 0, false)
	s.ErrorIs(err, ErrNoSpace)

	// Page 0 is the only start aligned past the end of the pool.
	b, err := h.Alloc(1, math.MaxInt, false)
	s.Require().NoError(err)
	s.Equal(0, b.Page())
	_, err = h.Alloc(1, math.MaxInt, false)
	s.ErrorIs(err, ErrNoSpace)
	_, err = h.Alloc(1, 16*s.ps, false)
	s.ErrorIs(err, ErrNoSpace)

	_, err = h.LockAt(testPoolAddr+uint64(s.ps), math.MaxInt, false)
	s.ErrorIs(err, ErrInvalid)
	s.Equal(1, h.table.inUse())
}

func (s *AllocatorTestSuite) TestFreeKeepsReservationOnUnlockFailure() {
	h := s.open("VPU")
	ex, err := h.Alloc(2*s.ps, 0, false)
	s.Require().NoError(err)
	sh, err := h.Alloc(s.ps, 0, true)
	s.Require().NoError(err)
	want := []PageState{PageAllocated, PageAllocated, PageShared, PageFree}

	fd := h.fd
	h.fd = -1
	err = h.Free(ex)
	s.ErrorIs(err, ErrSystem)
	err = h.Free(sh)
	s.ErrorIs(err, ErrSystem)
	h.fd = fd

	s.Equal(want, h.table.snapshot()[:4])
	s.Equal(uint16(1), h.table.shares[2])
	s.Len(h.blocks, 2)
	s.NotNil(ex.Bytes())
	node := h.Device().NodePath
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, 0))
	s.Equal(os.Getpid(), probePage(s.T(), s.fs, node, 2))

	s.Require().NoError(h.Free(sh))
	s.Equal(PageFree, h.table.snapshot()[2])
	table := h.table
	s.Require().NoError(h.Close())
	s.Empty(h.blocks)
	s.Nil(ex.Bytes())
	s.Equal(0, table.inUse())
	s.Equal(0, tables.Count())
}

func TestAllocatorTestSuite(t *testing.T) {
	suite.Run(t, new(AllocatorTestSuite))
}
