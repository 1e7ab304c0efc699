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

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type managerMetrics struct {
	allocs        *prometheus.CounterVec
	allocFailures *prometheus.CounterVec
	frees         *prometheus.CounterVec
	pagesInUse    *prometheus.GaugeVec
	openHandles   *prometheus.GaugeVec
	interrupts    *prometheus.CounterVec
	waitCancelled *prometheus.CounterVec

	waitDuration metric.Float64Histogram
}

func newManagerMetrics(reg prometheus.Registerer, meter metric.Meter) (*managerMetrics, error) {
	m := &managerMetrics{
		allocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uio_alloc_total",
			Help: "Successful page reservations by device and mode.",
		}, []string{"device", "mode"}),
		allocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uio_alloc_failures_total",
			Help: "Failed page reservations by device and reason.",
		}, []string{"device", "reason"}),
		frees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uio_free_total",
			Help: "Released page reservations by device.",
		}, []string{"device"}),
		pagesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uio_pages_in_use",
			Help: "Pool pages reserved by this process.",
		}, []string{"device"}),
		openHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uio_open_handles",
			Help: "Open device handles.",
		}, []string{"device"}),
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uio_interrupts_total",
			Help: "Interrupt waits that observed an interrupt.",
		}, []string{"device"}),
		waitCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uio_wait_cancelled_total",
			Help: "Interrupt waits ended by cancellation.",
		}, []string{"device"}),
	}
	if reg != nil {
		var err error
		if m.allocs, err = registerCollector(reg, m.allocs); err != nil {
			return nil, err
		}
		if m.allocFailures, err = registerCollector(reg, m.allocFailures); err != nil {
			return nil, err
		}
		if m.frees, err = registerCollector(reg, m.frees); err != nil {
			return nil, err
		}
		if m.pagesInUse, err = registerCollector(reg, m.pagesInUse); err != nil {
			return nil, err
		}
		if m.openHandles, err = registerCollector(reg, m.openHandles); err != nil {
			return nil, err
		}
		if m.interrupts, err = registerCollector(reg, m.interrupts); err != nil {
			return nil, err
		}
		if m.waitCancelled, err = registerCollector(reg, m.waitCancelled); err != nil {
			return nil, err
		}
	}
	h, err := meter.Float64Histogram("uio.wait.duration",
		metric.WithDescription("Time spent blocked in interrupt waits."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.waitDuration = h
	return m, nil
}

// registerCollector registers c or, when an equal collector is already
// registered by another manager, returns the existing one.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *managerMetrics) observeWait(ctx context.Context, device string, start time.Time) {
	m.waitDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("uio.device", device)))
}

func allocMode(shared bool) string {
	if shared {
		return "shared"
	}
	return "exclusive"
}
