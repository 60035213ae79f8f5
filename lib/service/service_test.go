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

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/defaults"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.ListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.DiagAddr, cfg.DiagAddr)
	require.Equal(t, StorageLite, cfg.Storage.Type)
	require.Equal(t, defaults.ServerDataDir, cfg.Storage.Path)
	require.NotNil(t, cfg.Clock)
}

func TestNewBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		bk, err := NewBackend(ctx, Config{Storage: StorageConfig{Type: StorageMemory}})
		require.NoError(t, err)
		require.NoError(t, bk.Close())
	})

	t.Run("lite", func(t *testing.T) {
		bk, err := NewBackend(ctx, Config{Storage: StorageConfig{Type: StorageLite, Path: t.TempDir()}})
		require.NoError(t, err)
		require.NoError(t, bk.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewBackend(ctx, Config{Storage: StorageConfig{Type: "papyrus"}})
		require.Error(t, err)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestRunStartsAndStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			ListenAddr: "127.0.0.1:0",
			DiagAddr:   "127.0.0.1:0",
			Storage:    StorageConfig{Type: StorageMemory},
			Logger:     logutils.DiscardLogger,
		})
	}()

	// Give the listeners a moment to come up, then ask for shutdown.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = Run(context.Background(), Config{
		ListenAddr: ln.Addr().String(),
		DiagAddr:   "127.0.0.1:0",
		Storage:    StorageConfig{Type: StorageMemory},
		Logger:     logutils.DiscardLogger,
	})
	require.Error(t, err)
}

func TestDiagHandler(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newDiagHandler(false))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "# HELP")

	// pprof stays off outside debug mode.
	resp, err = http.Get(srv.URL + "/debug/pprof/cmdline")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiagHandlerDebugServesPprof(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newDiagHandler(true))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/debug/pprof/cmdline")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
