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

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/observability/metrics"
)

// Rejection reasons used as metric label values.
const (
	reasonUnauthenticated = "unauthenticated"
	reasonThrottled       = "throttled"
	reasonInvalid         = "invalid"
)

var (
	eventsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "ingest_events_total",
			Help:      "Number of events accepted into durable storage",
		},
		[]string{"kind", "channel"},
	)
	eventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "ingest_rejected_total",
			Help:      "Number of events rejected before storage, by reason",
		},
		[]string{"reason"},
	)
	eventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "ingest_duplicates_total",
			Help:      "Number of re-delivered events absorbed by idempotency",
		},
	)
	unclaimedSightings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "ingest_unclaimed_total",
			Help:      "Number of events whose principal mapped to no user",
		},
	)
	ingestLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "ingest_seconds",
			Help:      "Latency of event ingestion including attribution",
			// lowest bucket start of upper bound 0.0005 sec (0.5 ms) with
			// factor 2, highest bucket start of 0.0005 sec * 2^12 == 2.048 sec
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 13),
		},
	)
	throttledRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: spyglass.MetricNamespace,
			Name:      "throttled_total",
			Help:      "Number of requests denied by the rate limiter, by scope",
		},
		[]string{"scope"},
	)
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(
		eventsAccepted,
		eventsRejected,
		eventsDuplicate,
		unclaimedSightings,
		ingestLatencies,
		throttledRequests,
	)
}
