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
	"strings"
	"sync"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// Device describes one UIO device found under the sysfs root.
type Device struct {
	// Name is the driver-provided name, trailing whitespace removed.
	Name string
	// SysfsPath is <SysfsRoot>/uio<ID>.
	SysfsPath string
	// NodePath is <DevDir>/uio<ID>.
	NodePath string
	// ID is the kernel's uio number.
	ID int
	// Index is the position of the device in discovery order.
	Index int
}

// Registry is the ordered list of UIO devices of the system. It is read
// from sysfs exactly once, on first use, and never changes afterwards.
type Registry struct {
	sysfsRoot  string
	devDir     string
	maxDevices int

	once    sync.Once
	devices []Device
}

// NewRegistry returns a registry that will scan sysfsRoot on first use.
func NewRegistry(sysfsRoot, devDir string, maxDevices int) *Registry {
	return &Registry{sysfsRoot: sysfsRoot, devDir: devDir, maxDevices: maxDevices}
}

func (r *Registry) load() {
	r.once.Do(func() {
		for n := 0; n < r.maxDevices; n++ {
			dir := filepath.Join(r.sysfsRoot, fmt.Sprintf("uio%d", n))
			name, err := internaluio.ReadAttr(filepath.Join(dir, "name"))
			if err != nil {
				// sysfs numbers devices densely; the first hole ends the list.
				break
			}
			r.devices = append(r.devices, Device{
				Name:      name,
				SysfsPath: dir,
				NodePath:  filepath.Join(r.devDir, fmt.Sprintf("uio%d", n)),
				ID:        n,
				Index:     len(r.devices),
			})
		}
		internalLogger.debugf("uio registry: %d device(s) under %s", len(r.devices), r.sysfsRoot)
	})
}

// Devices returns a copy of the discovered devices in discovery order.
func (r *Registry) Devices() []Device {
	r.load()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Names returns the device names in discovery order.
func (r *Registry) Names() []string {
	r.load()
	names := make([]string, len(r.devices))
	for i, dev := range r.devices {
		names[i] = dev.Name
	}
	return names
}

// Resolve returns the first device whose name starts with name.
func (r *Registry) Resolve(name string) (Device, error) {
	r.load()
	for _, dev := range r.devices {
		if strings.HasPrefix(dev.Name, name) {
			return dev, nil
		}
	}
	return Device{}, newError(CodeNotFound, "resolve", fmt.Errorf("no device matching %q", name))
}
