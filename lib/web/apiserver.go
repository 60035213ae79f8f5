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

// Package web implements the tenant-facing edge of the ingestion server:
// the JSON API under /v1, the websocket event stream and the
// unauthenticated liveness probe. Handlers never read a tenant from the
// request body; the tenant is always the one the api key resolved to.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/httplib"
	"github.com/spyglasshq/spyglass/lib/ingest"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

// Config holds the dependencies of the API handler.
type Config struct {
	// Engine authenticates, throttles and stores incoming events.
	Engine *ingest.Engine

	// Service serves the read API.
	Service services.Service

	// Clock drives read deadlines and heartbeats.
	Clock clockwork.Clock

	// Logger emits handler diagnostics.
	Logger *slog.Logger

	// HeartbeatInterval is how often the server writes a heartbeat
	// frame on an idle stream.
	HeartbeatInterval time.Duration

	// HeartbeatMissWindow is how long a stream may stay silent before
	// the server drops it.
	HeartbeatMissWindow time.Duration

	// StreamSendTimeout bounds a single websocket write.
	StreamSendTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(spyglass.ComponentKey, spyglass.ComponentWeb)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatMissWindow == 0 {
		c.HeartbeatMissWindow = defaults.HeartbeatMissWindow
	}
	if c.StreamSendTimeout == 0 {
		c.StreamSendTimeout = defaults.StreamSendTimeout
	}
	return nil
}

// Handler routes the versioned ingestion API.
type Handler struct {
	httprouter.Router

	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the API handler and wires its routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	h.POST("/v1/ingest", h.withTenantAuth(h.ingestEvent))
	h.POST("/v1/ingest-batch", h.withTenantAuth(h.ingestBatch))
	h.GET("/v1/stream", h.streamEvents)
	h.GET("/v1/events", h.withTenantAuth(h.listEvents))
	h.GET("/v1/users", h.withTenantAuth(h.listUsers))

	// Liveness probe, deliberately unauthenticated.
	h.GET("/health", httplib.MakeHandler(h.health))

	return h, nil
}

// tenantHandler is an API handler that runs after api-key authentication.
type tenantHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, tenant *types.Tenant) (interface{}, error)

// withTenantAuth resolves the api key to a tenant before invoking the
// handler. The resolved tenant is the only tenant the request can touch.
func (h *Handler) withTenantAuth(fn tenantHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		tenant, err := h.cfg.Engine.Authenticate(r.Context(), apiKeyFromRequest(r))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, tenant)
	})
}

// apiKeyFromRequest extracts the tenant credential from the request
// headers. The dedicated header wins; a bearer token is accepted so that
// stock HTTP tooling can authenticate too.
func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get(spyglass.APIKeyHeader); key != "" {
		return key
	}
	const bearerPrefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimPrefix(auth, bearerPrefix)
	}
	return ""
}

// withRetryAdvice copies throttle advice into the Retry-After header
// before the error is written, so 429 responses tell clients when to
// come back.
func (h *Handler) withRetryAdvice(w http.ResponseWriter, err error) error {
	if seconds := ingest.RetryAfterSeconds(err); seconds > 0 {
		w.Header().Set(spyglass.RetryAfterHeader, strconv.Itoa(seconds))
	}
	return trace.Wrap(err)
}

type eventAck struct {
	EventID string `json:"event_id"`
}

func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenant *types.Tenant) (interface{}, error) {
	var event types.Event
	if err := httplib.ReadJSON(w, r, defaults.MaxEventBytes, &event); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.Ingest(r.Context(), tenant, event, types.ChannelHTTP); err != nil {
		return nil, h.withRetryAdvice(w, err)
	}
	return eventAck{EventID: event.ClientID}, nil
}

type batchRequest struct {
	Events []types.Event `json:"events"`
}

func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenant *types.Tenant) (interface{}, error) {
	var req batchRequest
	if err := httplib.ReadJSON(w, r, defaults.MaxBatchBytes, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Engine.IngestBatch(r.Context(), tenant, req.Events, types.ChannelHTTP)
	if err != nil {
		return nil, h.withRetryAdvice(w, err)
	}
	return result, nil
}

type eventsResponse struct {
	Events  []types.Event `json:"events"`
	NextKey string        `json:"next_key,omitempty"`
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenant *types.Tenant) (interface{}, error) {
	if err := h.cfg.Engine.AllowInteractive(tenant); err != nil {
		return nil, h.withRetryAdvice(w, err)
	}
	params := services.ListEventsParams{
		StartKey: r.URL.Query().Get("start_key"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, trace.BadParameter("invalid limit %q", raw)
		}
		params.Limit = limit
	}
	events, nextKey, err := h.cfg.Service.ListEvents(r.Context(), tenant.ID, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return eventsResponse{Events: events, NextKey: nextKey}, nil
}

type usersResponse struct {
	Users []types.User `json:"users"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tenant *types.Tenant) (interface{}, error) {
	if err := h.cfg.Engine.AllowInteractive(tenant); err != nil {
		return nil, h.withRetryAdvice(w, err)
	}
	users, err := h.cfg.Service.ListUsers(r.Context(), tenant.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return usersResponse{Users: users}, nil
}

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return healthStatus{Status: "ok", Version: spyglass.Version}, nil
}
