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
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/trace"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

const openInitialInterval = 10 * time.Millisecond

// tables holds the page table of every device open in this process, keyed
// by the inode of its node. Record locks belong to the process, so handles
// of different Managers share one table per device.
var tables = cmap.New[*pageTable]()

// Manager owns a device registry. Every Manager of the process arbitrates
// pool pages through the same per-device page tables.
type Manager struct {
	config   *Config
	registry *Registry
	metrics  *managerMetrics
	tracer   trace.Tracer
	logger   *logger
	pageSize int
}

// NewManager returns a Manager using config, DefaultConfig when nil.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	cfg := *config
	cfg.fill()

	metrics, err := newManagerMetrics(cfg.Registerer, cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("uio metrics: %w", err)
	}
	return &Manager{
		config:   &cfg,
		registry: NewRegistry(cfg.SysfsRoot, cfg.DevDir, cfg.MaxDevices),
		metrics:  metrics,
		tracer:   cfg.Tracer,
		logger:   newLogger("uio", cfg.LogOutput),
		pageSize: internaluio.PageSize(),
	}, nil
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
	defaultErr     error
)

// Default returns the process-wide Manager, built on first use from
// DefaultConfig and the UIO_* environment overrides.
func Default() (*Manager, error) {
	defaultOnce.Do(func() {
		cfg := DefaultConfig()
		applyEnv(cfg)
		defaultManager, defaultErr = NewManager(cfg)
	})
	return defaultManager, defaultErr
}

// Open opens the first device whose name starts with name through the
// process-wide Manager.
func Open(ctx context.Context, name string) (*Handle, error) {
	m, err := Default()
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, name)
}

// ListDevices returns the device names known to the process-wide Manager.
func ListDevices() ([]string, error) {
	m, err := Default()
	if err != nil {
		return nil, err
	}
	return m.ListDevices(), nil
}

// Registry returns the device registry of m.
func (m *Manager) Registry() *Registry { return m.registry }

// ListDevices returns the discovered device names in discovery order.
func (m *Manager) ListDevices() []string { return m.registry.Names() }

// openNode opens the device node, retrying while udev has not created it
// yet or the driver reports it busy.
func (m *Manager) openNode(ctx context.Context, dev Device) (int, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if m.config.OpenTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = openInitialInterval
		eb.MaxElapsedTime = m.config.OpenTimeout
		b = eb
	}
	fd := -1
	op := func() error {
		var err error
		fd, err = internaluio.OpenDevice(dev.NodePath)
		if err != nil && !internaluio.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.debugf("uio: open %s: %v, retrying in %s", dev.NodePath, err, next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return -1, err
	}
	return fd, nil
}

// attachTable returns the page table of the device identified by key,
// creating it for the first handle, and records fd as one of its holders.
func attachTable(key string, pages, fd int) *pageTable {
	return tables.Upsert(key, nil, func(exist bool, cur, _ *pageTable) *pageTable {
		t := cur
		if !exist || t == nil {
			t = newPageTable(pages)
		}
		t.mu.Lock()
		t.holders[fd] = struct{}{}
		t.mu.Unlock()
		return t
	})
}

// closeNode closes a device descriptor. Closing drops every record lock this
// process holds on the device, so the locks of the reservations that remain
// in the table are taken again through a surviving holder. The table is
// removed with its last holder.
func (m *Manager) closeNode(dev Device, key string, fd int) error {
	var cerr error
	tables.RemoveCb(key, func(_ string, t *pageTable, exists bool) bool {
		if !exists || t == nil {
			cerr = internaluio.CloseFd(fd)
			return false
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.holders, fd)
		cerr = internaluio.CloseFd(fd)
		for survivor := range t.holders {
			if err := t.reassert(survivor); err != nil {
				m.logger.errorf("uio: %s lost reservations after close: %v", dev.Name, err)
			}
			return false
		}
		t.cond.Broadcast()
		return true
	})
	return cerr
}
