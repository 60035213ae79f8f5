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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		severity string
		level    slog.Level
		wantErr  bool
	}{
		{severity: "", level: slog.LevelInfo},
		{severity: "info", level: slog.LevelInfo},
		{severity: "DEBUG", level: slog.LevelDebug},
		{severity: " warn ", level: slog.LevelWarn},
		{severity: "warning", level: slog.LevelWarn},
		{severity: "error", level: slog.LevelError},
		{severity: "trace", wantErr: true},
	}
	for _, tt := range tests {
		level, err := ParseLevel(tt.severity)
		if tt.wantErr {
			require.Error(t, err, "severity %q", tt.severity)
			require.True(t, trace.IsBadParameter(err))
			continue
		}
		require.NoError(t, err, "severity %q", tt.severity)
		require.Equal(t, tt.level, level, "severity %q", tt.severity)
	}
}

func TestInitializeJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Initialize(Config{Severity: "debug", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.Debug("queue opened", "pending", 3)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "queue opened", record["msg"])
	require.Equal(t, float64(3), record["pending"])
}

func TestInitializeRejectsUnknownFormat(t *testing.T) {
	_, err := Initialize(Config{Format: "xml"})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

// Package loggers are created at init time, before the process logger is
// configured. They must pick up the configured handler anyway.
func TestPackageLoggerResolvesLateDefault(t *testing.T) {
	logger := NewPackageLogger("component", "queue")

	var buf bytes.Buffer
	_, err := Initialize(Config{Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.Info("compaction finished", "kept", 12)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "queue", record["component"])
	require.Equal(t, float64(12), record["kept"])
}
