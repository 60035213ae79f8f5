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

// Package service assembles and supervises the spyglassd process: storage
// backend, ingestion engine, API listener and diagnostics listener.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/backend/lite"
	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/ingest"
	"github.com/spyglasshq/spyglass/lib/limiter"
	"github.com/spyglasshq/spyglass/lib/observability/tracing"
	"github.com/spyglasshq/spyglass/lib/services/local"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
	"github.com/spyglasshq/spyglass/lib/web"
)

// Storage backend types accepted in the configuration.
const (
	StorageLite   = "lite"
	StorageMemory = "memory"
)

// StorageConfig selects the backend.
type StorageConfig struct {
	// Type is lite or memory.
	Type string
	// Path is the lite backend's data directory.
	Path string
}

// Config is the resolved spyglassd process configuration.
type Config struct {
	// ListenAddr is the ingestion API address.
	ListenAddr string

	// DiagAddr is the diagnostics address.
	DiagAddr string

	// Debug additionally serves pprof on the diagnostics listener.
	Debug bool

	// Log configures the process logger.
	Log logutils.Config

	// Storage selects the backend.
	Storage StorageConfig

	// Rate overrides per-tenant budgets.
	Rate limiter.Config

	// Tracing enables span export when ExporterURL is set.
	Tracing tracing.Config

	// Clock overrides time in tests.
	Clock clockwork.Clock

	// Logger overrides the configured process logger in tests.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.DiagAddr == "" {
		c.DiagAddr = defaults.DiagAddr
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageLite
	}
	if c.Storage.Type == StorageLite && c.Storage.Path == "" {
		c.Storage.Path = defaults.ServerDataDir
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewBackend opens the configured storage backend. The tenants CLI uses
// it for offline administration against the same database the server
// runs on.
func NewBackend(ctx context.Context, cfg Config) (backend.Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Storage.Type {
	case StorageMemory:
		bk, err := memory.New(memory.Config{Clock: cfg.Clock})
		return bk, trace.Wrap(err)
	case StorageLite:
		bk, err := lite.New(ctx, lite.Config{Path: cfg.Storage.Path, Clock: cfg.Clock})
		return bk, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unsupported storage type %q", cfg.Storage.Type)
	}
}

// Run starts spyglassd and blocks until the context is canceled or a
// listener fails. Shutdown is graceful within ServerShutdownTimeout, then
// hard: hijacked stream connections do not outlive the process.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	logger := cfg.Logger
	if logger == nil {
		processLogger, err := logutils.Initialize(cfg.Log)
		if err != nil {
			return trace.Wrap(err)
		}
		logger = processLogger.With(spyglass.ComponentKey, spyglass.ComponentServer)
	}

	if cfg.Tracing.ExporterURL != "" {
		cfg.Tracing.Service = spyglass.ComponentServer
		cfg.Tracing.Version = spyglass.Version
		provider, err := tracing.NewTraceProvider(ctx, cfg.Tracing)
		if err != nil {
			return trace.Wrap(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ServerShutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.WarnContext(ctx, "Failed to flush trace spans.", "error", err)
			}
		}()
	}

	bk, err := NewBackend(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer bk.Close()

	svc := local.New(bk)
	lim, err := limiter.New(cfg.Rate)
	if err != nil {
		return trace.Wrap(err)
	}
	engine, err := ingest.NewEngine(ingest.EngineConfig{
		Service: svc,
		Limiter: lim,
		Clock:   cfg.Clock,
		Logger:  logger.With(spyglass.ComponentKey, spyglass.ComponentIngest),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Engine:  engine,
		Service: svc,
		Clock:   cfg.Clock,
		Logger:  logger.With(spyglass.ComponentKey, spyglass.ComponentWeb),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	apiListener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "failed to bind API address %v", cfg.ListenAddr)
	}
	diagListener, err := net.Listen("tcp", cfg.DiagAddr)
	if err != nil {
		apiListener.Close()
		return trace.Wrap(err, "failed to bind diagnostics address %v", cfg.DiagAddr)
	}

	apiServer := &http.Server{
		Handler:           otelhttp.NewHandler(handler, "spyglassd"),
		ReadHeaderTimeout: defaults.RequestTimeout,
	}
	diagServer := &http.Server{
		Handler:           newDiagHandler(cfg.Debug),
		ReadHeaderTimeout: defaults.RequestTimeout,
	}

	logger.InfoContext(ctx, "Spyglass ingestion server starting.",
		"version", spyglass.Version,
		"listen_addr", apiListener.Addr().String(),
		"diag_addr", diagListener.Addr().String(),
		"storage", cfg.Storage.Type,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Serve(apiListener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		if err := diagServer.Serve(diagListener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.InfoContext(ctx, "Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ServerShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WarnContext(ctx, "Graceful API shutdown failed, closing.", "error", err)
		}
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			logger.WarnContext(ctx, "Graceful diagnostics shutdown failed, closing.", "error", err)
		}
		// Shutdown does not wait for hijacked websocket sessions.
		apiServer.Close()
		return nil
	})
	err = g.Wait()
	logger.InfoContext(ctx, "Spyglass ingestion server stopped.")
	return trace.Wrap(err)
}
