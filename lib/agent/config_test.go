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
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/defaults"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(`
api_url: https://ingest.example.com
api_key: sgk_0123456789abcdef
sample_period_seconds: 15
network_period_seconds: 120
suppression_seconds: 600
queue_soft_cap: 20000
retry_ceiling: 6
http_pacing_ms: 250
application_allow_list:
  - excel.exe
  - winword.exe
emit_launch_events: false
network_scan_enabled: true
data_dir: /tmp/spyglass-agent-test
`))
	require.NoError(t, err)
	require.Equal(t, "https://ingest.example.com", fc.APIURL)
	require.Equal(t, "sgk_0123456789abcdef", fc.APIKey)
	require.Equal(t, 15, fc.SamplePeriodSeconds)
	require.Equal(t, 120, fc.NetworkPeriodSeconds)
	require.Equal(t, 600, fc.SuppressionSeconds)
	require.Equal(t, 20000, fc.QueueSoftCap)
	require.Equal(t, 6, fc.RetryCeiling)
	require.Equal(t, 250, fc.HTTPPacingMillis)
	require.Equal(t, []string{"excel.exe", "winword.exe"}, fc.ApplicationAllowList)
	require.NotNil(t, fc.EmitLaunchEvents)
	require.False(t, *fc.EmitLaunchEvents)
	require.True(t, fc.NetworkScanEnabled)
	require.Equal(t, "/tmp/spyglass-agent-test", fc.DataDir)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(strings.NewReader(`
api_url: https://ingest.example.com
api_kei: sgk_0123456789abcdef
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
	require.Contains(t, err.Error(), "api_kei")
}

func TestApply(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(`
api_url: https://ingest.example.com
api_key: sgk_0123456789abcdef
sample_period_seconds: 30
application_allow_list:
  - excel.exe
`))
	require.NoError(t, err)

	cfg := Config{DataDir: t.TempDir()}
	require.NoError(t, Apply(fc, &cfg))
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, "https://ingest.example.com", cfg.APIURL)
	require.Equal(t, 30*time.Second, cfg.SamplePeriod)
	require.Equal(t, []string{"excel.exe"}, cfg.AllowList)
	// Unset file settings fall back to defaults downstream.
	require.Zero(t, cfg.NetworkPeriod)
	require.False(t, cfg.DisableLaunchEvents)
	require.False(t, cfg.NetworkScanEnabled)
	require.Equal(t, defaults.DrainTimeout, cfg.DrainTimeout)
	require.NotEmpty(t, cfg.Machine)
}

func TestApplyLaunchEventsNegation(t *testing.T) {
	t.Parallel()
	fc, err := ReadConfig(strings.NewReader(`
api_url: https://ingest.example.com
api_key: sgk_0123456789abcdef
emit_launch_events: false
`))
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, Apply(fc, &cfg))
	require.True(t, cfg.DisableLaunchEvents)

	// Explicit true and absent both leave launch events on.
	fc.EmitLaunchEvents = nil
	cfg = Config{}
	require.NoError(t, Apply(fc, &cfg))
	require.False(t, cfg.DisableLaunchEvents)
}

func TestApplyRejectsSamplePeriodOutOfRange(t *testing.T) {
	t.Parallel()
	for _, seconds := range []int{-5, 301} {
		fc := &FileConfig{SamplePeriodSeconds: seconds}
		err := Apply(fc, &Config{})
		require.Error(t, err, "sample_period_seconds=%d", seconds)
		require.True(t, trace.IsBadParameter(err))
	}
}

func TestConfigRequiresCredentials(t *testing.T) {
	t.Parallel()
	cfg := Config{APIURL: "https://ingest.example.com"}
	err := cfg.CheckAndSetDefaults()
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	cfg = Config{APIKey: "sgk_0123456789abcdef"}
	err = cfg.CheckAndSetDefaults()
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
