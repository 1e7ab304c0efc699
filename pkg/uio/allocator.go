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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Block is a run of pool pages reserved through a Handle.
type Block struct {
	h      *Handle
	page   int
	count  int
	shared bool
	data   []byte
}

// Bytes returns the reserved memory. It must not be used after Free.
func (b *Block) Bytes() []byte { return b.data }

// Page returns the index of the first reserved page.
func (b *Block) Page() int { return b.page }

// Pages returns the number of reserved pages.
func (b *Block) Pages() int { return b.count }

// Offset returns the byte offset of the block inside the pool.
func (b *Block) Offset() int { return b.page * b.h.m.pageSize }

// Addr returns the physical address of the block.
func (b *Block) Addr() uint64 { return b.h.pool.Address() + uint64(b.Offset()) }

// Size returns the reserved length in bytes, whole pages.
func (b *Block) Size() int { return b.count * b.h.m.pageSize }

// Shared reports whether the block was reserved in shared mode.
func (b *Block) Shared() bool { return b.shared }

// pagesFor rounds bytes up to whole pages without overflowing.
func (h *Handle) pagesFor(bytes int) int {
	ps := h.m.pageSize
	n := bytes / ps
	if bytes%ps != 0 {
		n++
	}
	return n
}

func (h *Handle) startSpan(op string, attrs ...attribute.KeyValue) trace.Span {
	attrs = append(attrs, attribute.String("uio.device", h.dev.Name))
	_, span := h.m.tracer.Start(context.Background(), op, trace.WithAttributes(attrs...))
	return span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Alloc reserves the first free run of pool pages large enough for size
// bytes. align, in bytes, constrains the start of the run to a multiple of
// align rounded up to pages. A shared run may overlap other shared runs of
// any process but never an exclusive one.
func (h *Handle) Alloc(size, align int, shared bool) (b *Block, err error) {
	span := h.startSpan("uio.Alloc", attribute.Int("uio.size", size), attribute.Bool("uio.shared", shared))
	defer func() { endSpan(span, err) }()

	if size <= 0 || align < 0 {
		return nil, newError(CodeInvalid, "alloc", fmt.Errorf("size %d align %d", size, align))
	}
	if err := h.acquire("alloc"); err != nil {
		return nil, err
	}
	defer h.release()
	if h.table == nil {
		return nil, newError(CodeNoPool, "alloc", fmt.Errorf("%s", h.dev.Name))
	}

	t := h.table
	count := h.pagesFor(size)
	if count > len(t.pages) {
		h.m.metrics.allocFailures.WithLabelValues(h.dev.Name, CodeNoSpace.String()).Inc()
		return nil, newError(CodeNoSpace, "alloc", fmt.Errorf("%d bytes exceed the %d byte pool", size, h.pool.Size()))
	}
	// Only page 0 is a multiple of an alignment past the end of the pool.
	pageAlign := min(h.pagesFor(align), len(t.pages))
	t.mu.Lock()
	page, err := t.findFree(h.fd, count, pageAlign, shared)
	if err == nil {
		t.mark(page, count, shared)
	}
	t.mu.Unlock()
	if err != nil {
		h.m.metrics.allocFailures.WithLabelValues(h.dev.Name, Code(err).String()).Inc()
		return nil, err
	}
	return h.track(page, count, shared)
}

// LockAt reserves exclusively the pages covering [addr, addr+size), a range
// whose physical address the caller already knows. Without wait a range held
// by anyone else fails with ErrBusy; with wait the call blocks until the
// range is released. A blocked LockAt cannot be cancelled.
func (h *Handle) LockAt(addr uint64, size int, wait bool) (b *Block, err error) {
	span := h.startSpan("uio.LockAt", attribute.Int64("uio.addr", int64(addr)), attribute.Int("uio.size", size), attribute.Bool("uio.wait", wait))
	defer func() { endSpan(span, err) }()

	if size <= 0 {
		return nil, newError(CodeInvalid, "lock at", fmt.Errorf("size %d", size))
	}
	if err := h.acquire("lock at"); err != nil {
		return nil, err
	}
	defer h.release()
	if h.table == nil {
		return nil, newError(CodeNoPool, "lock at", fmt.Errorf("%s", h.dev.Name))
	}
	page, err := h.pool.PageOf(addr)
	if err != nil {
		return nil, err
	}
	count := h.pagesFor(size)
	if page+count > len(h.table.pages) {
		return nil, newError(CodeInvalid, "lock at", fmt.Errorf("pages [%d, %d) outside pool", page, page+count))
	}
	if err := h.table.lockAt(h.fd, page, count, wait, h.closed.Load); err != nil {
		h.m.metrics.allocFailures.WithLabelValues(h.dev.Name, Code(err).String()).Inc()
		return nil, err
	}
	return h.track(page, count, false)
}

func (h *Handle) track(page, count int, shared bool) (*Block, error) {
	data, err := h.pool.Pages(page, count)
	if err != nil {
		_ = h.table.release(h.fd, page, count, shared)
		return nil, err
	}
	b := &Block{h: h, page: page, count: count, shared: shared, data: data}
	h.mu.Lock()
	h.blocks[b] = struct{}{}
	h.mu.Unlock()

	h.m.metrics.allocs.WithLabelValues(h.dev.Name, allocMode(shared)).Inc()
	h.m.metrics.pagesInUse.WithLabelValues(h.dev.Name).Set(float64(h.table.inUse()))
	h.m.logger.tracef("uio: %s reserved pages [%d, %d) %s", h.dev.Name, page, page+count, allocMode(shared))
	return b, nil
}

// Free releases b. Freeing a block twice is a no-op. When the kernel refuses
// to unlock the range the reservation is kept and ErrSystem is returned.
func (h *Handle) Free(b *Block) (err error) {
	if b == nil || b.h != h {
		return newError(CodeInvalid, "free", fmt.Errorf("block not owned by %s", h.dev.Name))
	}
	if err := h.acquire("free"); err != nil {
		return err
	}
	defer h.release()
	return h.free(b)
}

func (h *Handle) free(b *Block) (err error) {
	h.mu.Lock()
	_, ok := h.blocks[b]
	delete(h.blocks, b)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	span := h.startSpan("uio.Free", attribute.Int("uio.page", b.page), attribute.Int("uio.pages", b.count))
	defer func() { endSpan(span, err) }()

	if err := h.table.release(h.fd, b.page, b.count, b.shared); err != nil {
		h.mu.Lock()
		h.blocks[b] = struct{}{}
		h.mu.Unlock()
		return err
	}
	b.data = nil

	h.m.metrics.frees.WithLabelValues(h.dev.Name).Inc()
	h.m.metrics.pagesInUse.WithLabelValues(h.dev.Name).Set(float64(h.table.inUse()))
	return nil
}
