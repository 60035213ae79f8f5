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

// Package agent supervises the endpoint pipeline: platform sampling,
// duplicate suppression, the durable queue, and delivery to the ingest
// service. It owns startup ordering and the graceful teardown sequence;
// the stages themselves live in the subpackages.
package agent

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/agent/dedup"
	"github.com/spyglasshq/spyglass/lib/agent/queue"
	"github.com/spyglasshq/spyglass/lib/agent/sampler"
	"github.com/spyglasshq/spyglass/lib/agent/shipper"
	"github.com/spyglasshq/spyglass/lib/agent/transport"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// Config holds the assembled agent configuration, after file settings and
// command line flags have been applied.
type Config struct {
	// APIURL is the ingest server base URL.
	APIURL string
	// APIKey authenticates the tenant.
	APIKey string
	// DataDir holds the durable queue.
	DataDir string
	// Machine identifies this workstation in emitted events. Defaults to
	// the hostname.
	Machine string

	// SamplePeriod and NetworkPeriod drive the sampler cadence.
	SamplePeriod  time.Duration
	NetworkPeriod time.Duration
	// Suppression is the duplicate suppression window.
	Suppression time.Duration

	// QueueSoftCap, QueuePruneThreshold and RetryCeiling bound the queue.
	QueueSoftCap        int
	QueuePruneThreshold int
	RetryCeiling        int

	// ProbeInterval is how often HTTP-only operation re-probes the stream.
	ProbeInterval time.Duration
	// PacingInterval spaces HTTP fallback requests.
	PacingInterval time.Duration

	// AllowList names the applications worth usage events.
	AllowList []string
	// DisableLaunchEvents turns off application-launch emission.
	DisableLaunchEvents bool
	// NetworkScanEnabled turns on the outbound connection scan.
	NetworkScanEnabled bool

	// DrainTimeout bounds the final flush on shutdown.
	DrainTimeout time.Duration

	// Platform overrides the host platform in tests.
	Platform sampler.Platform
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.APIURL == "" {
		return trace.BadParameter("missing parameter APIURL")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.Machine == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return trace.Wrap(err, "failed to determine hostname")
		}
		c.Machine = hostname
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	if c.Platform == nil {
		c.Platform = sampler.NewHostPlatform()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(spyglass.ComponentKey, spyglass.ComponentAgent)
	}
	return nil
}

// Agent ties the pipeline stages together.
type Agent struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	queue   *queue.Queue
	sampler *sampler.Sampler
	dedup   *dedup.Deduplicator
	mux     *transport.Multiplexer
	shipper *shipper.Shipper
}

// New opens the durable queue and wires the pipeline stages. The caller
// owns the returned agent and must Run it or Close it.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	q, err := queue.Open(queue.Config{
		Dir:            cfg.DataDir,
		SoftCap:        cfg.QueueSoftCap,
		PruneThreshold: cfg.QueuePruneThreshold,
		RetryCeiling:   cfg.RetryCeiling,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ok := false
	defer func() {
		if !ok {
			q.Close()
		}
	}()

	smplr, err := sampler.New(sampler.Config{
		Platform:            cfg.Platform,
		Machine:             cfg.Machine,
		SamplePeriod:        cfg.SamplePeriod,
		NetworkPeriod:       cfg.NetworkPeriod,
		AllowList:           cfg.AllowList,
		DisableLaunchEvents: cfg.DisableLaunchEvents,
		NetworkScanEnabled:  cfg.NetworkScanEnabled,
		Clock:               cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dd, err := dedup.New(dedup.Config{
		Window: cfg.Suppression,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	mux, err := transport.New(transport.Config{
		APIURL:        cfg.APIURL,
		APIKey:        cfg.APIKey,
		ClientID:      cfg.Machine,
		Hostname:      cfg.Machine,
		ProbeInterval: cfg.ProbeInterval,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ship, err := shipper.New(shipper.Config{
		Queue:          q,
		Sender:         mux,
		PacingInterval: cfg.PacingInterval,
		OnBackpressure: smplr.SetSlowdown,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ok = true
	return &Agent{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		queue:   q,
		sampler: smplr,
		dedup:   dd,
		mux:     mux,
		shipper: ship,
	}, nil
}

// Queue exposes the durable queue for inspection commands.
func (a *Agent) Queue() *queue.Queue {
	return a.queue
}

// Drain ships queued events until the queue is empty or the context
// expires, without starting the sampling pipeline. Delivery goes over
// HTTP since no stream is up.
func (a *Agent) Drain(ctx context.Context) error {
	return trace.Wrap(a.shipper.Drain(ctx))
}

// Close releases the durable queue. One-shot commands pair New with
// Close; Run closes the queue on its own way out.
func (a *Agent) Close() error {
	return trace.Wrap(a.queue.Close())
}

// Run starts the pipeline and blocks until the context is canceled, then
// tears the stages down in order: sampler first so the queue stops
// growing, then a bounded drain while the transport is still up.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "Spyglass agent starting.",
		"version", spyglass.Version,
		"machine", a.cfg.Machine,
		"data_dir", a.cfg.DataDir,
	)

	if err := a.recordLifecycle("agent-start"); err != nil {
		a.logger.WarnContext(ctx, "Failed to record the start lifecycle event.", "error", err)
	}

	// Each stage gets its own context so teardown can proceed in stage
	// order rather than all at once.
	samplerCtx, stopSampler := context.WithCancel(context.Background())
	defer stopSampler()
	shipperCtx, stopShipper := context.WithCancel(context.Background())
	defer stopShipper()
	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()

	var g errgroup.Group
	g.Go(func() error {
		return a.sampler.Run(samplerCtx)
	})
	pipelineDone := make(chan struct{})
	g.Go(func() error {
		defer close(pipelineDone)
		a.pipeline(samplerCtx)
		return nil
	})
	g.Go(func() error {
		return a.mux.Run(transportCtx)
	})
	shipperDone := make(chan struct{})
	g.Go(func() error {
		defer close(shipperDone)
		return a.shipper.Run(shipperCtx)
	})

	<-ctx.Done()
	a.logger.InfoContext(ctx, "Shutdown requested, draining the pipeline.")

	// Producers stop first so the queue stops growing.
	stopSampler()
	a.await(pipelineDone, defaults.TeardownTimeout)

	if err := a.recordLifecycle("agent-stop"); err != nil {
		a.logger.WarnContext(ctx, "Failed to record the stop lifecycle event.", "error", err)
	}

	// Stop the drain loop, then flush synchronously while the transport
	// is still connected. Whatever does not make it out stays durable
	// for the next run.
	stopShipper()
	a.await(shipperDone, defaults.TeardownTimeout)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
	if err := a.shipper.Drain(drainCtx); err != nil {
		a.logger.WarnContext(ctx, "Final drain did not finish, events stay queued for the next run.",
			"error", err, "pending", a.queue.Size())
	}
	cancelDrain()

	stopTransport()
	err := g.Wait()

	if closeErr := a.queue.Close(); closeErr != nil {
		a.logger.WarnContext(ctx, "Failed to close the queue cleanly.", "error", closeErr)
	}
	a.logger.InfoContext(ctx, "Spyglass agent stopped.")
	return trace.Wrap(err)
}

// pipeline moves sampled candidates through suppression into the durable
// queue.
func (a *Agent) pipeline(ctx context.Context) {
	for {
		select {
		case event := <-a.sampler.Events():
			a.offer(ctx, event)
		case <-ctx.Done():
			// Keep whatever the sampler buffered before it stopped.
			for {
				select {
				case event := <-a.sampler.Events():
					a.offer(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) offer(ctx context.Context, event types.Event) {
	if !a.dedup.ShouldEmit(event) {
		return
	}
	err := a.queue.Enqueue(event)
	if err == nil {
		return
	}
	if trace.IsBadParameter(err) {
		// Event-level rejection; retrying the same event cannot help.
		a.logger.WarnContext(ctx, "Failed to persist a sampled event.",
			"error", err, "kind", event.Kind, "subject", event.Subject)
		return
	}
	a.retryEnqueue(ctx, event, err)
}

// retryEnqueue holds the sampler paused while the local queue fails
// writes, retrying the failed event until storage recovers or the
// pipeline stops. Observations that cannot be persisted are not worth
// collecting.
func (a *Agent) retryEnqueue(ctx context.Context, event types.Event, cause error) {
	a.logger.WarnContext(ctx, "Local queue write failed, sampling is paused until storage recovers.",
		"error", cause, "kind", event.Kind)
	a.sampler.Pause(true)
	defer a.sampler.Pause(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(defaults.QueueRetryInterval):
		}
		if err := a.queue.Enqueue(event); err == nil {
			a.logger.InfoContext(ctx, "Local queue recovered, sampling resumed.")
			return
		}
	}
}

// recordLifecycle queues an agent lifecycle marker. Lifecycle events skip
// suppression: a restart inside the window is exactly what they report.
func (a *Agent) recordLifecycle(phase string) error {
	return trace.Wrap(a.queue.Enqueue(types.Event{
		Kind:       types.KindAgentLifecycle,
		Subject:    phase,
		Machine:    a.cfg.Machine,
		ClientID:   uuid.NewString(),
		ClientTime: a.clock.Now().UTC(),
	}))
}

func (a *Agent) await(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-a.clock.After(timeout):
	}
}
