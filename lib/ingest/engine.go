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

// Package ingest implements the server-side event pipeline: authenticate,
// rate-limit, validate, normalize, store idempotently, attribute. The
// pipeline runs synchronously in request scope, so once a client holds an
// ack, the event and its attribution are readable.
package ingest

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/limiter"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

var tracer = otel.Tracer("github.com/spyglasshq/spyglass/lib/ingest")

// EngineConfig holds the engine's dependencies.
type EngineConfig struct {
	// Service is the durable storage.
	Service services.Service
	// Limiter meters per-tenant budgets.
	Limiter *limiter.Limiter
	// Authn resolves api keys. Built over Service when nil.
	Authn *Authenticator
	// Attributor links events to users. Built over Service when nil.
	Attributor *Attributor
	// Clock stamps receive times.
	Clock clockwork.Clock
	// Logger emits pipeline diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing parameter Limiter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(spyglass.ComponentKey, spyglass.ComponentIngest)
	}
	if c.Authn == nil {
		c.Authn = NewAuthenticator(c.Service, 0)
	}
	if c.Attributor == nil {
		c.Attributor = NewAttributor(c.Service, c.Clock, c.Logger)
	}
	return nil
}

// Engine runs the ingestion pipeline.
type Engine struct {
	cfg    EngineConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewEngine returns an engine with the given config.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Authenticate resolves an api key to its tenant.
func (e *Engine) Authenticate(ctx context.Context, apiKey string) (*types.Tenant, error) {
	tenant, err := e.cfg.Authn.Authenticate(ctx, apiKey)
	if err != nil {
		if trace.IsAccessDenied(err) {
			eventsRejected.WithLabelValues(reasonUnauthenticated).Inc()
		}
		return nil, trace.Wrap(err)
	}
	return tenant, nil
}

// AllowInteractive charges the tenant's interactive budget for one read
// request.
func (e *Engine) AllowInteractive(tenant *types.Tenant) error {
	if ok, retryAfter := e.cfg.Limiter.Allow(tenant, limiter.ScopeInteractive); !ok {
		throttledRequests.WithLabelValues(string(limiter.ScopeInteractive)).Inc()
		return trace.Wrap(newThrottleError(retryAfter))
	}
	return nil
}

// Ingest runs one event through the pipeline. The returned error kind maps
// onto the transport status: BadParameter for invalid events, LimitExceeded
// for throttles (retry advice via RetryAfter), anything else is server
// trouble and the client should re-send later.
func (e *Engine) Ingest(ctx context.Context, tenant *types.Tenant, event types.Event, channel string) error {
	ctx, span := tracer.Start(ctx, "Engine/Ingest",
		oteltrace.WithAttributes(attribute.String("kind", event.Kind)),
	)
	defer span.End()

	if ok, retryAfter := e.cfg.Limiter.Allow(tenant, limiter.ScopeIngest); !ok {
		throttledRequests.WithLabelValues(string(limiter.ScopeIngest)).Inc()
		eventsRejected.WithLabelValues(reasonThrottled).Inc()
		return trace.Wrap(newThrottleError(retryAfter))
	}
	return trace.Wrap(e.ingestAdmitted(ctx, tenant, event, channel))
}

// IngestBatch processes events in order. The batch charges its full length
// up front; when the budget cannot cover it, nothing is attempted and the
// whole batch should be retried later. Per-item validation failures land in
// the result, they do not fail the request.
func (e *Engine) IngestBatch(ctx context.Context, tenant *types.Tenant, events []types.Event, channel string) (*types.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "Engine/IngestBatch",
		oteltrace.WithAttributes(attribute.Int("batch_size", len(events))),
	)
	defer span.End()

	if len(events) == 0 {
		return &types.BatchResult{}, nil
	}
	if len(events) > defaults.MaxBatchElements {
		return nil, trace.BadParameter("batch exceeds %d elements", defaults.MaxBatchElements)
	}
	if ok, retryAfter := e.cfg.Limiter.AllowN(tenant, limiter.ScopeIngest, len(events)); !ok {
		throttledRequests.WithLabelValues(string(limiter.ScopeIngest)).Inc()
		eventsRejected.WithLabelValues(reasonThrottled).Add(float64(len(events)))
		return nil, trace.Wrap(newThrottleError(retryAfter))
	}
	result := &types.BatchResult{}
	for i, event := range events {
		err := e.ingestAdmitted(ctx, tenant, event, channel)
		switch {
		case err == nil:
			result.Processed++
		case trace.IsBadParameter(err):
			result.Failed = append(result.Failed, types.ItemFailure{
				Index:  i,
				Reason: trace.UserMessage(err),
			})
		default:
			// Storage trouble fails the whole request. Re-delivery is
			// safe: stored elements are absorbed as duplicates.
			return nil, trace.Wrap(err)
		}
	}
	return result, nil
}

func (e *Engine) ingestAdmitted(ctx context.Context, tenant *types.Tenant, event types.Event, channel string) error {
	start := e.clock.Now()
	defer func() {
		ingestLatencies.Observe(e.clock.Since(start).Seconds())
	}()

	if err := event.CheckAndSetDefaults(); err != nil {
		eventsRejected.WithLabelValues(reasonInvalid).Inc()
		return trace.Wrap(err)
	}
	event.Normalize()
	event.TenantID = tenant.ID
	event.ReceiveTime = e.clock.Now().UTC()
	event.Channel = channel

	if err := e.cfg.Service.CreateEvent(ctx, tenant.ID, event); err != nil {
		if trace.IsAlreadyExists(err) {
			// Re-delivery of an event we already hold. Ack success and
			// skip attribution so retries cannot double-count usage.
			eventsDuplicate.Inc()
			return nil
		}
		return trace.Wrap(err)
	}
	eventsAccepted.WithLabelValues(event.Kind, channel).Inc()

	if err := e.cfg.Attributor.Attribute(ctx, tenant.ID, &event); err != nil {
		// The event is stored but its rollup is not. Surface the error;
		// the client's retry lands as a duplicate, so the rollup for this
		// event is lost rather than doubled.
		e.logger.WarnContext(ctx, "attribution failed for stored event",
			"client_id", event.ClientID, "error", err)
		return trace.Wrap(err)
	}
	return nil
}
