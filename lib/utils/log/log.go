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

// Package log configures slog for the spyglass binaries.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes the process-wide logging setup.
type Config struct {
	// Severity is the minimum level emitted: debug, info, warn or error.
	Severity string
	// Format selects text or json output.
	Format string
	// Output overrides the destination, stderr by default.
	Output io.Writer
}

// Initialize builds the process logger, installs it as the slog default
// and returns it.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case FormatText, "":
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel converts a level name to a slog level. The empty string maps
// to info.
func ParseLevel(severity string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, trace.BadParameter("unsupported log severity %q", severity)
	}
}

// DiscardLogger drops everything. Components default to it in tests.
var DiscardLogger = slog.New(slog.DiscardHandler)

// NewPackageLogger returns a logger with the given attributes that
// resolves the default handler at record time, so package-level loggers
// created before Initialize still honor the configured output.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// deferredHandler defers to slog.Default's handler on every call,
// replaying WithAttrs/WithGroup in order.
type deferredHandler struct {
	fns []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := slog.Default().Handler()
	for _, fn := range h.fns {
		handler = fn(handler)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fns := make([]func(slog.Handler) slog.Handler, len(h.fns), len(h.fns)+1)
	copy(fns, h.fns)
	fns = append(fns, func(handler slog.Handler) slog.Handler {
		return handler.WithAttrs(attrs)
	})
	return &deferredHandler{fns: fns}
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	fns := make([]func(slog.Handler) slog.Handler, len(h.fns), len(h.fns)+1)
	copy(fns, h.fns)
	fns = append(fns, func(handler slog.Handler) slog.Handler {
		return handler.WithGroup(name)
	})
	return &deferredHandler{fns: fns}
}
