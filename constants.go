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

package spyglass

const (
	// ComponentKey is the log attribute key holding the component name.
	ComponentKey = "component"

	// ComponentServer is the ingestion server process.
	ComponentServer = "spyglassd"

	// ComponentWeb is the HTTP and stream API frontend.
	ComponentWeb = "web"

	// ComponentIngest is the validation/attribution engine behind the API.
	ComponentIngest = "ingest"

	// ComponentLimiter is the per-tenant rate limiter.
	ComponentLimiter = "limiter"

	// ComponentBackend is the storage backend.
	ComponentBackend = "backend"

	// ComponentDiag is the diagnostics listener (metrics, health, pprof).
	ComponentDiag = "diag"

	// ComponentAgent is the endpoint agent supervisor.
	ComponentAgent = "agent"

	// ComponentSampler is the agent's activity sampler.
	ComponentSampler = "sampler"

	// ComponentQueue is the agent's durable event queue.
	ComponentQueue = "queue"

	// ComponentTransport is the agent's server transport multiplexer.
	ComponentTransport = "transport"

	// ComponentShipper is the agent's queue drain loop.
	ComponentShipper = "shipper"
)

const (
	// APIKeyHeader carries the tenant api key on HTTP requests.
	APIKeyHeader = "X-Spyglass-Api-Key"

	// RetryAfterHeader advises throttled clients when to retry.
	RetryAfterHeader = "Retry-After"

	// MetricNamespace prefixes all prometheus metrics exported by
	// either binary.
	MetricNamespace = "spyglass"

	// APIVersion is the versioned prefix of the ingestion API.
	APIVersion = "v1"
)
