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

package web

import (
	"context"
	"net/http"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/ingest"
	"github.com/spyglasshq/spyglass/lib/observability/metrics"
	"github.com/spyglasshq/spyglass/lib/streamproto"
	"github.com/spyglasshq/spyglass/lib/types"
)

var (
	streamSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "stream_sessions",
			Help:      "Number of live websocket ingestion sessions.",
		},
	)

	streamRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "stream_rejects_total",
			Help:      "Number of websocket handshakes turned away, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	if err := metrics.RegisterPrometheusCollectors(streamSessions, streamRejections); err != nil {
		slog.Warn("Failed to register stream metrics.", "error", err)
	}
}

// streamEvents upgrades the request to a websocket and serves the agent
// event stream on it until the peer goes away or falls silent.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.WarnContext(r.Context(), "Failed to upgrade stream connection.", "error", err)
		return
	}
	stream := streamproto.NewSessionStream(conn, h.cfg.StreamSendTimeout)
	defer stream.Close()

	if err := stream.SetReadDeadline(h.clock.Now().Add(defaults.ConnectTimeout)); err != nil {
		return
	}
	hs, err := stream.ReadHandshake()
	if err != nil {
		if trace.IsAccessDenied(err) {
			streamRejections.WithLabelValues(streamproto.ReasonUnauthenticated).Inc()
			stream.Reject(streamproto.ReasonUnauthenticated, trace.UserMessage(err), 0)
			return
		}
		h.logger.DebugContext(r.Context(), "Stream handshake failed.", "error", err)
		return
	}
	tenant, err := h.cfg.Engine.Authenticate(r.Context(), hs.APIKey)
	if err != nil {
		reason := streamproto.ReasonInternal
		if trace.IsAccessDenied(err) {
			reason = streamproto.ReasonUnauthenticated
		}
		streamRejections.WithLabelValues(reason).Inc()
		if err := stream.Reject(reason, trace.UserMessage(err), 0); err != nil {
			h.logger.DebugContext(r.Context(), "Failed to send stream rejection.", "error", err)
		}
		return
	}

	sessionID := uuid.NewString()
	if err := stream.Accept(sessionID); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to accept stream session.", "error", err)
		return
	}

	logger := h.logger.With(
		"session_id", sessionID,
		"tenant", tenant.ID,
		"client_id", hs.ClientID,
	)
	logger.InfoContext(r.Context(), "Stream session started.", "hostname", hs.Hostname, "agent_version", hs.Version)
	streamSessions.Inc()
	defer streamSessions.Dec()
	defer logger.InfoContext(r.Context(), "Stream session ended.")

	h.serveStream(r.Context(), logger, stream, tenant)
}

// serveStream pumps frames on an accepted session. Server heartbeats keep
// the agent's liveness window fed while a read deadline enforces ours.
func (h *Handler) serveStream(ctx context.Context, logger *slog.Logger, stream *streamproto.SessionStream, tenant *types.Tenant) {
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.sendHeartbeats(ctx, logger, stream, heartbeatDone)

	for {
		if err := stream.SetReadDeadline(h.clock.Now().Add(h.cfg.HeartbeatMissWindow)); err != nil {
			return
		}
		frame, err := stream.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugContext(ctx, "Stream session read failed.", "error", err)
			}
			return
		}

		switch frame.Kind {
		case streamproto.KindHeartbeat:
			// The read itself refreshed our liveness window.

		case streamproto.KindEvent:
			ack := &streamproto.Frame{Kind: streamproto.KindAck, ID: frame.Event.ClientID, OK: true}
			if err := h.cfg.Engine.Ingest(ctx, tenant, *frame.Event, types.ChannelStream); err != nil {
				ack.OK = false
				ack.Error = trace.UserMessage(err)
				ack.RetryAfterSeconds = ingest.RetryAfterSeconds(err)
			}
			if err := stream.WriteFrame(ack); err != nil {
				return
			}

		case streamproto.KindBatch:
			ack := &streamproto.Frame{Kind: streamproto.KindBatchAck, OK: true}
			result, err := h.cfg.Engine.IngestBatch(ctx, tenant, frame.Events, types.ChannelStream)
			if err != nil {
				ack.OK = false
				ack.Error = trace.UserMessage(err)
				ack.RetryAfterSeconds = ingest.RetryAfterSeconds(err)
			} else {
				ack.Processed = result.Processed
				ack.Failed = result.Failed
			}
			if err := stream.WriteFrame(ack); err != nil {
				return
			}

		default:
			logger.WarnContext(ctx, "Closing stream session on unexpected frame.", "kind", frame.Kind)
			return
		}
	}
}

func (h *Handler) sendHeartbeats(ctx context.Context, logger *slog.Logger, stream *streamproto.SessionStream, done <-chan struct{}) {
	ticker := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := stream.WriteFrame(&streamproto.Frame{Kind: streamproto.KindHeartbeat}); err != nil {
				logger.DebugContext(ctx, "Stream heartbeat failed.", "error", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
