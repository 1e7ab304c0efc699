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
	"errors"
	"time"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// Wait enables the interrupt of the device and blocks until it fires,
// returning the kernel's interrupt count. It fails with ErrCancelled after
// Cancel, Close or the cancellation of ctx, and with ErrTimedOut once the ctx
// deadline passes. A Cancel issued while no Wait is blocked ends the next
// one.
func (h *Handle) Wait(ctx context.Context) (count uint32, err error) {
	h.irqMu.Lock()
	defer h.irqMu.Unlock()
	if err := h.acquire("wait"); err != nil {
		return 0, err
	}
	defer h.release()

	span := h.startSpan("uio.Wait")
	start := time.Now()
	defer func() {
		h.m.metrics.observeWait(ctx, h.dev.Name, start)
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimedOut) {
			span.End()
			return
		}
		endSpan(span, err)
	}()

	if err := internaluio.EnableIRQ(h.irqFd); err != nil {
		return 0, newError(CodeSystem, "wait", err)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		h.Cancel()
		close(fired)
	})
	defer func() {
		if !stop() {
			// The ctx signal belongs to this wait only.
			<-fired
			h.clearCancel()
		}
	}()

	timeout := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	ready, err := internaluio.PollReadable([]int{h.cancelFd, h.irqFd}, timeout)
	if err != nil {
		return 0, newError(CodeSystem, "wait", err)
	}
	switch {
	case ready[0]:
		h.clearCancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, newError(CodeTimedOut, "wait", ctx.Err())
		}
		h.m.metrics.waitCancelled.WithLabelValues(h.dev.Name).Inc()
		return 0, newError(CodeCancelled, "wait", ctx.Err())
	case ready[1]:
		count, err := internaluio.ReadIRQ(h.irqFd)
		if err != nil {
			return 0, newError(CodeSystem, "wait", err)
		}
		h.m.metrics.interrupts.WithLabelValues(h.dev.Name).Inc()
		return count, nil
	}
	return 0, newError(CodeTimedOut, "wait", nil)
}

// WaitTimeout is Wait bounded by d; d <= 0 waits until an interrupt or a
// Cancel.
func (h *Handle) WaitTimeout(d time.Duration) (uint32, error) {
	if d <= 0 {
		return h.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return h.Wait(ctx)
}

// Cancel ends the Wait blocked on h, or the next one.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelFd < 0 {
		return
	}
	if err := internaluio.SignalEventFd(h.cancelFd); err != nil {
		h.m.logger.warnf("uio: %s cancel: %v", h.dev.Name, err)
	}
}

func (h *Handle) clearCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelFd < 0 {
		return
	}
	if _, err := internaluio.DrainEventFd(h.cancelFd); err != nil {
		h.m.logger.warnf("uio: %s drain cancel: %v", h.dev.Name, err)
	}
}

// ReadNonblocking consumes a pending interrupt count without blocking and
// reports whether one was pending. It fails with ErrBusy while a Wait is in
// progress on h.
func (h *Handle) ReadNonblocking() (bool, error) {
	if h.closed.Load() {
		return false, newError(CodeClosed, "read nonblocking", nil)
	}
	if !h.irqMu.TryLock() {
		return false, newError(CodeBusy, "read nonblocking", errors.New("wait in progress"))
	}
	defer h.irqMu.Unlock()
	if err := h.acquire("read nonblocking"); err != nil {
		return false, err
	}
	defer h.release()

	_, ok, err := internaluio.ReadIRQNonblocking(h.irqFd)
	if err != nil {
		return false, newError(CodeSystem, "read nonblocking", err)
	}
	if ok {
		h.m.metrics.interrupts.WithLabelValues(h.dev.Name).Inc()
	}
	return ok, nil
}
