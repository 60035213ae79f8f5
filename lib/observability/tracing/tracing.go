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

// Package tracing bootstraps the OpenTelemetry SDK for spyglassd. Tracing
// is off unless an OTLP endpoint is configured; spans then export over
// OTLP/HTTP.
package tracing

import (
	"context"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/spyglasshq/spyglass/lib/defaults"
)

// Config controls span export.
type Config struct {
	// Service is the service.name resource attribute.
	Service string
	// Version is the service.version resource attribute.
	Version string
	// ExporterURL is the OTLP/HTTP endpoint, e.g. http://localhost:4318.
	ExporterURL string
	// SamplingRate is the fraction of traces to sample, in [0, 1].
	SamplingRate float64
	// DialTimeout bounds exporter setup.
	DialTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Service == "" {
		return trace.BadParameter("missing service name")
	}
	if c.ExporterURL == "" {
		return trace.BadParameter("missing exporter url")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return trace.BadParameter("sampling rate must be within [0, 1], got %v", c.SamplingRate)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.ConnectTimeout
	}
	return nil
}

// Provider wraps the tracer provider with its shutdown.
type Provider struct {
	provider *sdktrace.TracerProvider
}

// NewTraceProvider sets up span export per cfg and installs the provider
// as the process default.
func NewTraceProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	u, err := url.Parse(cfg.ExporterURL)
	if err != nil {
		return nil, trace.BadParameter("invalid exporter url %q: %v", cfg.ExporterURL, err)
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(u.Host),
		otlptracehttp.WithTimeout(cfg.DialTimeout),
	}
	if u.Scheme != "https" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Service),
		attribute.String("service.version", cfg.Version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return trace.Wrap(p.provider.Shutdown(ctx))
}
