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
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// Handle is one open UIO device: its register window, its optional memory
// pool and its interrupt line. A Handle is safe for concurrent use; Wait and
// ReadNonblocking exclude each other.
type Handle struct {
	m   *Manager
	dev Device

	key      string
	fd       int
	irqFd    int
	cancelFd int

	regs  *Mapping
	pool  *Mapping
	table *pageTable

	// irqMu is held for the whole of a Wait.
	irqMu sync.Mutex

	// lifeMu is held shared by every operation on the descriptors and
	// exclusively by Close.
	lifeMu sync.RWMutex

	mu     sync.Mutex
	blocks map[*Block]struct{}

	closed atomic.Bool
}

// Open resolves name against the registry and opens the first matching
// device. Any failure releases everything acquired so far.
func (m *Manager) Open(ctx context.Context, name string) (h *Handle, err error) {
	ctx, span := m.tracer.Start(ctx, "uio.Open", trace.WithAttributes(attribute.String("uio.name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dev, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	fd, err := m.openNode(ctx, dev)
	if err != nil {
		return nil, newError(CodeSystem, "open", fmt.Errorf("%s: %w", dev.NodePath, err))
	}
	key, err := internaluio.FileID(fd)
	if err != nil {
		_ = internaluio.CloseFd(fd)
		return nil, newError(CodeSystem, "open", fmt.Errorf("%s: %w", dev.NodePath, err))
	}

	h = &Handle{
		m:        m,
		dev:      dev,
		key:      key,
		fd:       fd,
		irqFd:    fd,
		cancelFd: -1,
		blocks:   make(map[*Block]struct{}),
	}
	if h.regs, err = mapDevice(fd, dev, 0, m.config.MaxMapSize); err != nil {
		_ = m.closeNode(dev, key, fd)
		return nil, newError(CodeMapFailed, "open", fmt.Errorf("%s registers: %w", dev.Name, err))
	}
	if pool, perr := mapDevice(fd, dev, 1, m.config.MaxMapSize); perr != nil {
		m.logger.infof("uio: %s opened without memory pool: %v", dev.Name, perr)
	} else {
		h.pool = pool
	}
	if h.cancelFd, err = internaluio.NewEventFd(); err != nil {
		h.teardown()
		return nil, newError(CodeSystem, "open", err)
	}
	if h.pool != nil {
		h.table = attachTable(key, h.pool.PageCount(), fd)
	}

	m.metrics.openHandles.WithLabelValues(dev.Name).Inc()
	m.logger.debugf("uio: opened %s (%s) pool=%v", dev.Name, dev.NodePath, h.pool != nil)
	span.SetAttributes(attribute.String("uio.device", dev.Name), attribute.Bool("uio.pool", h.pool != nil))
	return h, nil
}

// teardown releases the mappings and descriptors of h.
func (h *Handle) teardown() {
	if h.pool != nil {
		if err := h.pool.Close(); err != nil {
			h.m.logger.warnf("uio: %s unmap pool: %v", h.dev.Name, err)
		}
	}
	if h.regs != nil {
		if err := h.regs.Close(); err != nil {
			h.m.logger.warnf("uio: %s unmap registers: %v", h.dev.Name, err)
		}
	}
	h.mu.Lock()
	if h.cancelFd >= 0 {
		_ = internaluio.CloseFd(h.cancelFd)
		h.cancelFd = -1
	}
	h.mu.Unlock()
	if h.irqFd != h.fd {
		_ = internaluio.CloseFd(h.irqFd)
	}
	if err := h.m.closeNode(h.dev, h.key, h.fd); err != nil {
		h.m.logger.warnf("uio: %s close: %v", h.dev.Name, err)
	}
}

// Close cancels a pending Wait, frees the blocks still held through h and
// releases the device. It is safe to call more than once.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.Cancel()
	if h.table != nil {
		h.table.wake()
	}
	h.irqMu.Lock()
	defer h.irqMu.Unlock()
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()

	h.mu.Lock()
	blocks := make([]*Block, 0, len(h.blocks))
	for b := range h.blocks {
		blocks = append(blocks, b)
	}
	h.mu.Unlock()
	for _, b := range blocks {
		if err := h.free(b); err != nil {
			h.m.logger.warnf("uio: %s free on close: %v", h.dev.Name, err)
		}
	}

	h.teardown()
	h.m.metrics.openHandles.WithLabelValues(h.dev.Name).Dec()
	h.m.logger.debugf("uio: closed %s", h.dev.Name)
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Device returns the registry entry of the device.
func (h *Handle) Device() Device { return h.dev }

// Index returns the registry position of the device.
func (h *Handle) Index() int { return h.dev.Index }

// Registers returns the register window, mapping 0.
func (h *Handle) Registers() *Mapping { return h.regs }

// Pool returns the memory pool, mapping 1, or nil when the device has none.
func (h *Handle) Pool() *Mapping { return h.pool }

// acquire pins the descriptors of h for the duration of an operation.
func (h *Handle) acquire(op string) error {
	h.lifeMu.RLock()
	if h.closed.Load() {
		h.lifeMu.RUnlock()
		return newError(CodeClosed, op, nil)
	}
	return nil
}

func (h *Handle) release() { h.lifeMu.RUnlock() }
