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
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
)

// Event is one interrupt observed by a Watcher.
type Event struct {
	Device string
	Count  uint32
	Time   time.Time
}

// Watcher runs an interrupt loop per watched handle and delivers the
// interrupts through a bounded ring. When the ring is full new events are
// dropped and counted.
type Watcher struct {
	pool   *ants.Pool
	events *queue.RingBuffer

	mu      sync.Mutex
	watches map[*Handle]*watch
	closed  bool

	dropped atomic.Uint64
}

type watch struct {
	stopping atomic.Bool
	done     chan struct{}
}

// NewWatcher returns a Watcher able to follow up to size handles at once,
// buffering up to capacity events (rounded up to a power of two).
func NewWatcher(size int, capacity uint64) (*Watcher, error) {
	if size <= 0 || capacity == 0 {
		return nil, newError(CodeInvalid, "watcher", errors.New("size and capacity must be positive"))
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, newError(CodeSystem, "watcher", err)
	}
	return &Watcher{
		pool:    pool,
		events:  queue.NewRingBuffer(capacity),
		watches: make(map[*Handle]*watch),
	}, nil
}

// Watch starts following the interrupts of h until Unwatch, Close or the
// closing of h.
func (w *Watcher) Watch(h *Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return newError(CodeClosed, "watch", nil)
	}
	if _, ok := w.watches[h]; ok {
		return newError(CodeBusy, "watch", errors.New("handle already watched"))
	}
	wt := &watch{done: make(chan struct{})}
	if err := w.pool.Submit(func() { w.loop(h, wt) }); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return newError(CodeBusy, "watch", err)
		}
		return newError(CodeSystem, "watch", err)
	}
	w.watches[h] = wt
	return nil
}

func (w *Watcher) loop(h *Handle, wt *watch) {
	defer close(wt.done)
	for {
		count, err := h.Wait(context.Background())
		if err != nil {
			if errors.Is(err, ErrCancelled) && !wt.stopping.Load() {
				continue
			}
			if !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrClosed) {
				h.m.logger.warnf("uio: watcher %s: %v", h.dev.Name, err)
			}
			return
		}
		ok, err := w.events.Offer(Event{Device: h.dev.Name, Count: count, Time: time.Now()})
		if err != nil {
			return
		}
		if !ok {
			w.dropped.Add(1)
		}
	}
}

// Unwatch stops following h and waits for its loop to exit.
func (w *Watcher) Unwatch(h *Handle) {
	w.mu.Lock()
	wt, ok := w.watches[h]
	delete(w.watches, h)
	w.mu.Unlock()
	if ok {
		w.stop(h, wt)
	}
}

func (w *Watcher) stop(h *Handle, wt *watch) {
	wt.stopping.Store(true)
	h.Cancel()
	<-wt.done
	h.clearCancel()
}

// Next returns the oldest buffered event, waiting up to timeout for one;
// timeout <= 0 waits until an event arrives or the Watcher closes.
func (w *Watcher) Next(timeout time.Duration) (Event, error) {
	var (
		item interface{}
		err  error
	)
	if timeout > 0 {
		item, err = w.events.Poll(timeout)
	} else {
		item, err = w.events.Get()
	}
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return Event{}, newError(CodeTimedOut, "next", nil)
	case errors.Is(err, queue.ErrDisposed):
		return Event{}, newError(CodeClosed, "next", nil)
	case err != nil:
		return Event{}, newError(CodeSystem, "next", err)
	}
	return item.(Event), nil
}

// Len is the number of buffered events.
func (w *Watcher) Len() int { return int(w.events.Len()) }

// Dropped is the number of events lost to a full ring.
func (w *Watcher) Dropped() uint64 { return w.dropped.Load() }

// Close stops every loop and releases the worker pool. Pending Next calls
// return ErrClosed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	watches := w.watches
	w.watches = nil
	w.mu.Unlock()

	for h, wt := range watches {
		w.stop(h, wt)
	}
	w.pool.Release()
	w.events.Dispose()
	return nil
}
