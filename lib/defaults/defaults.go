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

// Package defaults holds the tunables shared by the agent and the server.
// Every value here can be overridden through configuration; the constants
// are the contract the documentation quotes.
package defaults

import "time"

// Agent sampling and local pipeline.
const (
	// SamplePeriod is how often the sampler inspects foreground and
	// process state. Bounded by MinSamplePeriod/MaxSamplePeriod.
	SamplePeriod = 10 * time.Second

	// MinSamplePeriod and MaxSamplePeriod bound the configurable
	// sampling period.
	MinSamplePeriod = 1 * time.Second
	MaxSamplePeriod = 5 * time.Minute

	// NetworkPeriod is how often the sampler scans outbound connections.
	NetworkPeriod = 30 * time.Second

	// UsageRearmInterval re-arms the once-per-run application-usage
	// emission for a process that keeps running.
	UsageRearmInterval = 5 * time.Minute

	// SuppressionWindow is the deduplicator's identical-event window.
	SuppressionWindow = 60 * time.Second

	// DedupCacheSize caps the deduplicator's fingerprint LRU.
	DedupCacheSize = 1024

	// NetworkRemoteRate limits how often a single remote endpoint can
	// produce a network-connection event.
	NetworkRemoteRate = 1 * time.Minute

	// NetworkRemoteCacheSize caps the sampler's per-remote rate limiter
	// table.
	NetworkRemoteCacheSize = 4096

	// SlowdownFactor is applied to sampling periods while the shipper's
	// backpressure watermark is engaged.
	SlowdownFactor = 2
)

// Agent durable queue.
const (
	// QueueSoftCap is the pending-event count that triggers pruning
	// decisions. New events are always admitted.
	QueueSoftCap = 10000

	// QueuePruneThreshold is the depth past which the oldest
	// already-retried events are pruned first.
	QueuePruneThreshold = 8000

	// RetryCeiling moves an event to the dead-letter region after this
	// many failed delivery attempts.
	RetryCeiling = 10

	// QueueRetryInterval paces enqueue retries while queue writes fail
	// and the sampler is paused.
	QueueRetryInterval = 5 * time.Second

	// QueueCompactRatio triggers log compaction once acknowledged
	// records exceed this share of the file.
	QueueCompactRatio = 0.5

	// QueueFileMode is the permission set for queue files.
	QueueFileMode = 0o600
)

// Agent transport.
const (
	// StreamBatchSize is the shipper's batch size on the stream channel.
	StreamBatchSize = 50

	// HTTPPacing spaces HTTP fallback requests (at most ~100/min).
	HTTPPacing = 700 * time.Millisecond

	// ShipperPollInterval bounds how long queued retries wait for the
	// next delivery attempt when no new events arrive.
	ShipperPollInterval = 5 * time.Second

	// ReconnectBaseDelay and ReconnectMaxDelay bound the capped
	// exponential backoff between stream connection attempts.
	ReconnectBaseDelay = 1 * time.Second
	ReconnectMaxDelay  = 30 * time.Second

	// StreamFailureThreshold is the consecutive-failure count that
	// drops the transport to HTTP-only operation.
	StreamFailureThreshold = 10

	// StreamProbeInterval is how often HTTP-only operation re-probes
	// the stream channel.
	StreamProbeInterval = 5 * time.Minute

	// HeartbeatInterval is the agent's stream heartbeat cadence.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatMissWindow tears the stream down when nothing has been
	// heard from the peer for this long.
	HeartbeatMissWindow = 60 * time.Second

	// TeardownTimeout bounds channel teardown during a transport
	// state switch.
	TeardownTimeout = 2 * time.Second

	// ConnectTimeout bounds connection establishment on any channel.
	ConnectTimeout = 20 * time.Second

	// RequestTimeout bounds a single HTTP ingest request.
	RequestTimeout = 10 * time.Second

	// StreamSendTimeout bounds a single stream send.
	StreamSendTimeout = 5 * time.Second

	// BackpressureWatermark is the queue depth that engages sampler
	// slowdown; it releases at half the watermark.
	BackpressureWatermark = 5000

	// DrainTimeout bounds the shipper flush during shutdown.
	DrainTimeout = 5 * time.Second
)

// Server.
const (
	// ListenAddr is spyglassd's API listen address.
	ListenAddr = "0.0.0.0:3900"

	// DiagAddr is spyglassd's diagnostics listen address.
	DiagAddr = "127.0.0.1:3901"

	// ServerRequestTimeout bounds request handling end to end.
	ServerRequestTimeout = 30 * time.Second

	// ServerShutdownTimeout bounds graceful listener shutdown.
	ServerShutdownTimeout = 10 * time.Second

	// MaxBatchElements caps a single ingest-batch request.
	MaxBatchElements = 500

	// MaxBatchBytes caps the serialized ingest-batch body.
	MaxBatchBytes = 1 << 20

	// MaxEventBytes caps a single-event request body, generously above
	// the field caps so oversize bodies fail fast.
	MaxEventBytes = 64 << 10

	// APIKeyCacheTTL bounds how long a revoked api key keeps
	// authenticating from the credential cache.
	APIKeyCacheTTL = 60 * time.Second

	// ClockSkewTolerance clamps client timestamps used for attribution
	// to receive time plus this much.
	ClockSkewTolerance = 1 * time.Hour

	// AttributionCacheSize caps the resolved identity cache.
	AttributionCacheSize = 4096

	// AttributionCacheTTL bounds how long a removed identity mapping
	// keeps resolving from the cache.
	AttributionCacheTTL = 60 * time.Second

	// ServerDataDir is where the lite backend keeps its database.
	ServerDataDir = "/var/lib/spyglassd"

	// TracingSamplingRate is the share of requests traced when an
	// exporter is configured without an explicit rate.
	TracingSamplingRate = 0.1
)

// Rate limiting.
const (
	// BucketCapacity is the per-tenant token bucket burst size.
	BucketCapacity = 600

	// BucketRefillPerMinute is the per-tenant sustained rate.
	BucketRefillPerMinute = 600

	// LimiterMaxBuckets caps resident buckets across tenants.
	LimiterMaxBuckets = 100000

	// HighRateMultiplier scales the "high" rate class.
	HighRateMultiplier = 10
)

// Event field caps, enforced during validation.
const (
	// MaxSubjectBytes caps the event subject field.
	MaxSubjectBytes = 2 << 10

	// MaxTitleBytes caps the event title field.
	MaxTitleBytes = 4 << 10

	// MaxPrincipalBytes caps the event principal field.
	MaxPrincipalBytes = 512
)

// Read API pagination.
const (
	// EventPageSize is the default page size of the events read API.
	EventPageSize = 100

	// MaxEventPageSize caps a requested page size.
	MaxEventPageSize = 1000
)

// DataDir is the agent's default state directory.
const DataDir = "/var/lib/spyglass-agent"
