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

package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{Service: "spyglassd", ExporterURL: "http://localhost:4318", SamplingRate: 0.5},
		},
		{
			name:    "missing service",
			cfg:     Config{ExporterURL: "http://localhost:4318"},
			wantErr: true,
		},
		{
			name:    "missing exporter",
			cfg:     Config{Service: "spyglassd"},
			wantErr: true,
		},
		{
			name:    "sampling rate out of range",
			cfg:     Config{Service: "spyglassd", ExporterURL: "http://localhost:4318", SamplingRate: 1.5},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.CheckAndSetDefaults()
			if tc.wantErr {
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.NotZero(t, tc.cfg.DialTimeout)
		})
	}
}

func TestProviderLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider, err := NewTraceProvider(ctx, Config{
		Service:      "spyglassd",
		Version:      "0.0.0-test",
		ExporterURL:  "http://127.0.0.1:1",
		SamplingRate: 1,
	})
	require.NoError(t, err)

	// No spans were recorded, so shutdown flushes nothing and must not
	// block on the unreachable endpoint.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, provider.Shutdown(shutdownCtx))
}
