// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config reads the spyglassd configuration file. Unknown keys are
// fatal: a typoed setting must not silently fall back to a default.
package config

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/service"
)

// FileConfig is the spyglassd YAML configuration file.
type FileConfig struct {
	// ListenAddr is the ingestion API address, host:port.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// DiagAddr is the diagnostics address serving metrics, health and
	// optionally pprof.
	DiagAddr string `yaml:"diag_addr,omitempty"`

	Log     Log     `yaml:"log,omitempty"`
	Storage Storage `yaml:"storage,omitempty"`
	Rate    Rate    `yaml:"rate,omitempty"`
	Tracing Tracing `yaml:"tracing,omitempty"`
}

// Log configures process logging.
type Log struct {
	// Severity is the minimum level: debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// Storage selects and configures the backend.
type Storage struct {
	// Type is lite (sqlite, durable) or memory (tests, demos).
	Type string `yaml:"type,omitempty"`
	// Path is the data directory for the lite backend.
	Path string `yaml:"path,omitempty"`
}

// Rate overrides the default per-tenant budgets.
type Rate struct {
	Capacity        int `yaml:"capacity,omitempty"`
	RefillPerMinute int `yaml:"refill_per_minute,omitempty"`
	HighMultiplier  int `yaml:"high_multiplier,omitempty"`
	MaxBuckets      int `yaml:"max_buckets,omitempty"`
}

// Tracing enables the OTLP trace exporter when an url is set.
type Tracing struct {
	ExporterURL  string  `yaml:"exporter_url,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// ReadConfig parses a configuration file from the reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read configuration")
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(bytes, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	return &fc, nil
}

// ReadFromFile reads the configuration file at the given path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed parsing %v", path)
	}
	return fc, nil
}

// Apply copies the file configuration onto the service config. Empty file
// settings leave the corresponding service defaults alone.
func Apply(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DiagAddr != "" {
		cfg.DiagAddr = fc.DiagAddr
	}
	if fc.Log.Severity != "" {
		cfg.Log.Severity = fc.Log.Severity
	}
	if fc.Log.Format != "" {
		cfg.Log.Format = fc.Log.Format
	}

	switch fc.Storage.Type {
	case "", service.StorageMemory, service.StorageLite:
	default:
		return trace.BadParameter("unsupported storage type %q, expected %q or %q",
			fc.Storage.Type, service.StorageLite, service.StorageMemory)
	}
	if fc.Storage.Type != "" {
		cfg.Storage.Type = fc.Storage.Type
	}
	if fc.Storage.Path != "" {
		cfg.Storage.Path = fc.Storage.Path
	}

	if fc.Rate.Capacity < 0 || fc.Rate.RefillPerMinute < 0 {
		return trace.BadParameter("rate capacity and refill must not be negative")
	}
	if fc.Rate.Capacity != 0 {
		cfg.Rate.Capacity = fc.Rate.Capacity
	}
	if fc.Rate.RefillPerMinute != 0 {
		cfg.Rate.RefillPerMinute = fc.Rate.RefillPerMinute
	}
	if fc.Rate.HighMultiplier != 0 {
		cfg.Rate.HighMultiplier = fc.Rate.HighMultiplier
	}
	if fc.Rate.MaxBuckets != 0 {
		cfg.Rate.MaxBuckets = fc.Rate.MaxBuckets
	}

	if fc.Tracing.ExporterURL != "" {
		cfg.Tracing.ExporterURL = fc.Tracing.ExporterURL
		cfg.Tracing.SamplingRate = fc.Tracing.SamplingRate
		if fc.Tracing.SamplingRate == 0 {
			cfg.Tracing.SamplingRate = defaults.TracingSamplingRate
		}
	}
	return nil
}
