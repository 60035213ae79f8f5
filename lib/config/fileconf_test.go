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

package config

import (
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/service"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(`
listen_addr: 0.0.0.0:4900
diag_addr: 127.0.0.1:4901
log:
  severity: debug
  format: json
storage:
  type: lite
  path: /tmp/spyglassd-test
rate:
  capacity: 1200
  refill_per_minute: 1200
tracing:
  exporter_url: http://127.0.0.1:4318
  sampling_rate: 0.25
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4900", fc.ListenAddr)
	require.Equal(t, "127.0.0.1:4901", fc.DiagAddr)
	require.Equal(t, "debug", fc.Log.Severity)
	require.Equal(t, "json", fc.Log.Format)
	require.Equal(t, "lite", fc.Storage.Type)
	require.Equal(t, "/tmp/spyglassd-test", fc.Storage.Path)
	require.Equal(t, 1200, fc.Rate.Capacity)
	require.Equal(t, 0.25, fc.Tracing.SamplingRate)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(strings.NewReader(`
listen_adr: 0.0.0.0:4900
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Contains(t, err.Error(), "listen_adr")
}

func TestApply(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(`
listen_addr: 127.0.0.1:5900
storage:
  type: memory
rate:
  capacity: 60
`))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, Apply(fc, &cfg))
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, "127.0.0.1:5900", cfg.ListenAddr)
	// Unset file settings fall back to service defaults.
	require.Equal(t, defaults.DiagAddr, cfg.DiagAddr)
	require.Equal(t, service.StorageMemory, cfg.Storage.Type)
	require.Equal(t, 60, cfg.Rate.Capacity)
	require.Zero(t, cfg.Rate.RefillPerMinute)
}

func TestApplyRejectsUnknownStorageType(t *testing.T) {
	t.Parallel()
	fc := &FileConfig{Storage: Storage{Type: "papyrus"}}
	err := Apply(fc, &service.Config{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestApplyTracingSamplingDefault(t *testing.T) {
	t.Parallel()
	fc := &FileConfig{Tracing: Tracing{ExporterURL: "http://127.0.0.1:4318"}}
	var cfg service.Config
	require.NoError(t, Apply(fc, &cfg))
	require.Equal(t, defaults.TracingSamplingRate, cfg.Tracing.SamplingRate)
}
