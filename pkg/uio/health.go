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
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"
)

// NewHealthHandler returns an http.Handler serving /live and /ready. The
// process is live while the registry knows at least one device and ready
// while every given handle is open.
func NewHealthHandler(m *Manager, handles ...*Handle) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("uio-registry", func() error {
		if len(m.registry.Devices()) == 0 {
			return errors.New("no uio device under " + m.config.SysfsRoot)
		}
		return nil
	})
	for i, h := range handles {
		h := h
		health.AddReadinessCheck(fmt.Sprintf("uio-%s-%d", h.dev.Name, i), func() error {
			if h.Closed() {
				return ErrClosed
			}
			return nil
		})
	}
	return health
}
