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
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/yaml.v3"
)

const (
	defaultSysfsRoot   = "/sys/class/uio"
	defaultDevDir      = "/dev"
	defaultMaxDevices  = 16
	defaultMaxMapSize  = 32 << 20
	defaultOpenTimeout = time.Second

	envSysfsRoot = "UIO_SYSFS_ROOT"
	envDevDir    = "UIO_DEV_DIR"
)

// Config is used to tune the Manager and its handles.
type Config struct {
	// SysfsRoot is the directory holding one uio<N> entry per device.
	SysfsRoot string `yaml:"sysfs_root"`

	// DevDir holds the uio<N> character devices.
	DevDir string `yaml:"dev_dir"`

	// MaxDevices bounds the registry scan.
	MaxDevices int `yaml:"max_devices"`

	// MaxMapSize rejects mappings whose advertised size exceeds it.
	MaxMapSize uint64 `yaml:"max_map_size"`

	// OpenTimeout bounds the retries of a device node that is missing or
	// busy. Zero disables retries.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// LogOutput is used to control the log destination.
	LogOutput io.Writer `yaml:"-"`

	// Registerer receives the uio_* collectors. Nil disables prometheus.
	Registerer prometheus.Registerer `yaml:"-"`

	Tracer trace.Tracer `yaml:"-"`
	Meter  metric.Meter `yaml:"-"`
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		SysfsRoot:   defaultSysfsRoot,
		DevDir:      defaultDevDir,
		MaxDevices:  defaultMaxDevices,
		MaxMapSize:  defaultMaxMapSize,
		OpenTimeout: defaultOpenTimeout,
		LogOutput:   os.Stdout,
		Registerer:  prometheus.DefaultRegisterer,
		Tracer:      tracenoop.NewTracerProvider().Tracer("github.com/srediag/plugin-uio"),
		Meter:       metricnoop.NewMeterProvider().Meter("github.com/srediag/plugin-uio"),
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	if config.SysfsRoot == "" {
		return errors.New("SysfsRoot must not be empty")
	}
	if config.DevDir == "" {
		return errors.New("DevDir must not be empty")
	}
	if config.MaxDevices <= 0 {
		return fmt.Errorf("MaxDevices must be positive, got %d", config.MaxDevices)
	}
	if config.MaxMapSize == 0 {
		return errors.New("MaxMapSize must be positive")
	}
	if config.OpenTimeout < 0 {
		return fmt.Errorf("OpenTimeout must not be negative, got %s", config.OpenTimeout)
	}
	return nil
}

// LoadConfig starts from DefaultConfig, decodes the YAML file at path over
// it when path is not empty and finally applies the UIO_SYSFS_ROOT and
// UIO_DEV_DIR environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envSysfsRoot); v != "" {
		cfg.SysfsRoot = v
	}
	if v := os.Getenv(envDevDir); v != "" {
		cfg.DevDir = v
	}
}

// fill sets the fields a caller may leave zero to their defaults.
func (c *Config) fill() {
	def := DefaultConfig()
	if c.LogOutput == nil {
		c.LogOutput = def.LogOutput
	}
	if c.Tracer == nil {
		c.Tracer = def.Tracer
	}
	if c.Meter == nil {
		c.Meter = def.Meter
	}
}
