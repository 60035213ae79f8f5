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

package agent

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// FileConfig is the spyglass-agent YAML configuration file. Unknown keys
// are fatal: a typoed setting must not silently fall back to a default.
type FileConfig struct {
	// APIURL is the ingest server base URL.
	APIURL string `yaml:"api_url"`
	// APIKey authenticates the tenant.
	APIKey string `yaml:"api_key"`

	// SamplePeriodSeconds is the focus/process scan interval, 1..300.
	SamplePeriodSeconds int `yaml:"sample_period_seconds,omitempty"`
	// NetworkPeriodSeconds is the connection scan interval.
	NetworkPeriodSeconds int `yaml:"network_period_seconds,omitempty"`
	// SuppressionSeconds is the duplicate suppression window.
	SuppressionSeconds int `yaml:"suppression_seconds,omitempty"`

	// QueueSoftCap and QueuePruneThreshold bound the durable queue.
	QueueSoftCap        int `yaml:"queue_soft_cap,omitempty"`
	QueuePruneThreshold int `yaml:"queue_prune_threshold,omitempty"`
	// RetryCeiling dead-letters an event after this many failed attempts.
	RetryCeiling int `yaml:"retry_ceiling,omitempty"`

	// StreamReconnectProbeSeconds is how often HTTP-only operation
	// re-probes the stream.
	StreamReconnectProbeSeconds int `yaml:"stream_reconnect_probe_seconds,omitempty"`
	// HTTPPacingMillis spaces HTTP fallback requests.
	HTTPPacingMillis int `yaml:"http_pacing_ms,omitempty"`

	// ApplicationAllowList names the applications worth usage events.
	ApplicationAllowList []string `yaml:"application_allow_list,omitempty"`
	// EmitLaunchEvents toggles application-launch emission. Defaults on.
	EmitLaunchEvents *bool `yaml:"emit_launch_events,omitempty"`
	// NetworkScanEnabled turns on the outbound connection scan.
	NetworkScanEnabled bool `yaml:"network_scan_enabled,omitempty"`

	// DataDir holds the durable queue.
	DataDir string `yaml:"data_dir,omitempty"`
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

// Apply copies the file configuration onto the agent config. Empty file
// settings leave the corresponding defaults alone.
func Apply(fc *FileConfig, cfg *Config) error {
	if fc == nil {
		return nil
	}
	if fc.APIURL != "" {
		cfg.APIURL = fc.APIURL
	}
	if fc.APIKey != "" {
		cfg.APIKey = fc.APIKey
	}

	if fc.SamplePeriodSeconds != 0 {
		if fc.SamplePeriodSeconds < 1 || fc.SamplePeriodSeconds > 300 {
			return trace.BadParameter("sample_period_seconds %d must be within 1..300", fc.SamplePeriodSeconds)
		}
		cfg.SamplePeriod = time.Duration(fc.SamplePeriodSeconds) * time.Second
	}
	if fc.NetworkPeriodSeconds != 0 {
		if fc.NetworkPeriodSeconds < 0 {
			return trace.BadParameter("network_period_seconds must not be negative")
		}
		cfg.NetworkPeriod = time.Duration(fc.NetworkPeriodSeconds) * time.Second
	}
	if fc.SuppressionSeconds != 0 {
		if fc.SuppressionSeconds < 0 {
			return trace.BadParameter("suppression_seconds must not be negative")
		}
		cfg.Suppression = time.Duration(fc.SuppressionSeconds) * time.Second
	}

	if fc.QueueSoftCap < 0 || fc.QueuePruneThreshold < 0 || fc.RetryCeiling < 0 {
		return trace.BadParameter("queue limits must not be negative")
	}
	if fc.QueueSoftCap != 0 {
		cfg.QueueSoftCap = fc.QueueSoftCap
	}
	if fc.QueuePruneThreshold != 0 {
		cfg.QueuePruneThreshold = fc.QueuePruneThreshold
	}
	if fc.RetryCeiling != 0 {
		cfg.RetryCeiling = fc.RetryCeiling
	}

	if fc.StreamReconnectProbeSeconds != 0 {
		if fc.StreamReconnectProbeSeconds < 0 {
			return trace.BadParameter("stream_reconnect_probe_seconds must not be negative")
		}
		cfg.ProbeInterval = time.Duration(fc.StreamReconnectProbeSeconds) * time.Second
	}
	if fc.HTTPPacingMillis != 0 {
		if fc.HTTPPacingMillis < 0 {
			return trace.BadParameter("http_pacing_ms must not be negative")
		}
		cfg.PacingInterval = time.Duration(fc.HTTPPacingMillis) * time.Millisecond
	}

	if len(fc.ApplicationAllowList) != 0 {
		cfg.AllowList = fc.ApplicationAllowList
	}
	if fc.EmitLaunchEvents != nil {
		cfg.DisableLaunchEvents = !*fc.EmitLaunchEvents
	}
	if fc.NetworkScanEnabled {
		cfg.NetworkScanEnabled = true
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	return nil
}
