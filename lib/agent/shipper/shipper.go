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

// Package shipper drains the durable queue into the transport. It owns the
// retry bookkeeping: acked events leave the queue, permanent rejections go
// to the dead-letter log, transient failures bump retry counters.
package shipper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/agent/queue"
	"github.com/spyglasshq/spyglass/lib/agent/transport"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
	"github.com/spyglasshq/spyglass/lib/utils"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// testEvent allows tests to observe shipping decisions without timing
// heuristics.
type testEvent string

const (
	batchShippedEvent   testEvent = "batch-shipped"
	batchFailedEvent    testEvent = "batch-failed"
	throttledEvent      testEvent = "throttled"
	credentialHaltEvent testEvent = "credential-halt"
	slowdownOnEvent     testEvent = "slowdown-on"
	slowdownOffEvent    testEvent = "slowdown-off"
)

// Sender delivers event batches upstream. *transport.Multiplexer implements
// it.
type Sender interface {
	Send(ctx context.Context, events []types.Event) (*types.BatchResult, error)
	State() transport.State
}

// Config configures a Shipper.
type Config struct {
	// Queue is the durable queue to drain.
	Queue *queue.Queue
	// Sender delivers batches.
	Sender Sender
	// BatchSize caps a stream send. HTTP mode ships one event per request
	// regardless.
	BatchSize int
	// PacingInterval spaces HTTP requests out.
	PacingInterval time.Duration
	// PollInterval is how long queued retries wait for the next attempt
	// when no new events arrive.
	PollInterval time.Duration
	// Watermark is the queue depth that engages the backpressure signal.
	// It releases at half the watermark.
	Watermark int
	// OnBackpressure, when set, receives watermark transitions. Wired to
	// the sampler's slowdown switch.
	OnBackpressure func(engaged bool)
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger overrides the default package logger.
	Logger *slog.Logger

	// testEvents receives shipping decisions in tests.
	testEvents chan testEvent
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing parameter Sender")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.StreamBatchSize
	}
	if c.BatchSize < 1 {
		return trace.BadParameter("batch size %d must be positive", c.BatchSize)
	}
	if c.PacingInterval == 0 {
		c.PacingInterval = defaults.HTTPPacing
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.ShipperPollInterval
	}
	if c.Watermark == 0 {
		c.Watermark = defaults.BackpressureWatermark
	}
	if c.Watermark < 2 {
		return trace.BadParameter("watermark %d is too small to release", c.Watermark)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(spyglass.ComponentKey, spyglass.ComponentShipper)
	}
	return nil
}

// Shipper moves events from the queue to the server and settles the
// outcome of every attempt back into the queue.
type Shipper struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
	retry  utils.Retry

	// halted latches on a rejected api key. Sampling and queueing keep
	// running; only delivery stops.
	halted atomic.Bool

	// slowdownEngaged is owned by the loop that calls checkWatermark.
	slowdownEngaged bool
}

// New creates a Shipper. Call Run to start draining.
func New(cfg Config) (*Shipper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   defaults.ReconnectBaseDelay,
		Max:    defaults.ReconnectMaxDelay,
		Jitter: utils.NewHalfJitter(),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Shipper{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		retry:  retry,
	}, nil
}

// Halted reports whether shipping stopped on a rejected api key.
func (s *Shipper) Halted() bool {
	return s.halted.Load()
}

// Run drains the queue until ctx is canceled, waking on enqueues and on a
// poll tick that retries failed events. Always returns nil.
func (s *Shipper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Shipper started.",
		"batch_size", s.cfg.BatchSize, "watermark", s.cfg.Watermark)
	defer s.logger.InfoContext(ctx, "Shipper stopped.")

	poll := s.clock.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		s.checkWatermark(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.halted.Load() && s.cfg.Queue.Size() > 0 {
			s.shipOnce(ctx)
			continue
		}
		select {
		case <-s.cfg.Queue.Notify():
		case <-poll.Chan():
		case <-ctx.Done():
			return nil
		}
	}
}

// Drain ships until the queue is empty or ctx expires. Meant for shutdown
// and the drain command, after Run has stopped; leftovers stay durable for
// the next start.
func (s *Shipper) Drain(ctx context.Context) error {
	for ctx.Err() == nil {
		if s.halted.Load() {
			return trace.AccessDenied("shipping is halted on a rejected api key")
		}
		if s.cfg.Queue.Size() == 0 {
			return nil
		}
		s.shipOnce(ctx)
	}
	return trace.Wrap(ctx.Err())
}

// shipOnce attempts one batch and settles its outcome. It does its own
// waiting (pacing, throttle advice, failure backoff), so callers can loop
// on it without spinning.
func (s *Shipper) shipOnce(ctx context.Context) {
	streaming := s.cfg.Sender.State() == transport.StateStreaming
	size := 1
	if streaming {
		size = s.cfg.BatchSize
	}
	batch := s.cfg.Queue.PeekBatch(size)
	if len(batch) == 0 {
		return
	}
	events := make([]types.Event, 0, len(batch))
	for i := range batch {
		events = append(events, batch[i].Event)
	}

	result, err := s.cfg.Sender.Send(ctx, events)
	if err != nil {
		s.handleSendError(ctx, batch, result, err)
		return
	}
	s.retry.Reset()
	s.settle(ctx, batch, result)
	s.testEvent(batchShippedEvent)
	if !streaming {
		// Spread HTTP requests out; each one is a separate server charge.
		s.sleep(ctx, s.cfg.PacingInterval)
	}
}

// settle acks accepted events and dead-letters permanent rejections. The
// transport resolves the first result.Processed+len(result.Failed) events
// of the batch; anything past that was never attempted and stays queued.
func (s *Shipper) settle(ctx context.Context, batch []queue.PendingEvent, result *types.BatchResult) {
	resolved := result.Processed + len(result.Failed)
	if resolved > len(batch) {
		resolved = len(batch)
	}
	failed := make(map[int]string, len(result.Failed))
	for _, f := range result.Failed {
		failed[f.Index] = f.Reason
	}

	var accepted []string
	byReason := make(map[string][]string)
	for i := 0; i < resolved; i++ {
		if reason, ok := failed[i]; ok {
			byReason[reason] = append(byReason[reason], batch[i].Event.ClientID)
			continue
		}
		accepted = append(accepted, batch[i].Event.ClientID)
	}

	if len(accepted) > 0 {
		if err := s.cfg.Queue.Ack(accepted); err != nil {
			s.logger.ErrorContext(ctx, "Failed to ack delivered events.", "error", err)
		}
	}
	for reason, ids := range byReason {
		// A rejection the server classified is not going to pass on a
		// retry; park it where the operator can find it.
		s.logger.WarnContext(ctx, "Server permanently rejected events.",
			"count", len(ids), "reason", reason)
		if err := s.cfg.Queue.DeadLetter(ids, reason); err != nil {
			s.logger.ErrorContext(ctx, "Failed to dead-letter rejected events.", "error", err)
		}
	}
}

func (s *Shipper) handleSendError(ctx context.Context, batch []queue.PendingEvent, result *types.BatchResult, err error) {
	switch {
	case trace.IsAccessDenied(err):
		s.halted.Store(true)
		s.logger.ErrorContext(ctx, "Server rejected the api key, shipping halted. Events keep queueing durably; fix the key and restart the agent.",
			"error", err)
		s.testEvent(credentialHaltEvent)
		return
	case trace.IsLimitExceeded(err):
		delay := transport.RetryAfter(err)
		if delay <= 0 {
			delay = s.cfg.PollInterval
		}
		s.logger.DebugContext(ctx, "Server throttled the tenant, pausing delivery.", "retry_after", delay)
		s.testEvent(throttledEvent)
		s.sleep(ctx, delay)
		return
	}

	// Transient failure. Settle what the server resolved before the error
	// and bump the event that hit it, so a poison event cannot wedge the
	// queue forever.
	if result != nil {
		s.settle(ctx, batch, result)
		next := result.Processed + len(result.Failed)
		if next < len(batch) && ctx.Err() == nil {
			id := batch[next].Event.ClientID
			if failErr := s.cfg.Queue.Fail([]string{id}, trace.UserMessage(err)); failErr != nil {
				s.logger.ErrorContext(ctx, "Failed to record a delivery failure.", "error", failErr)
			}
		}
	}

	s.retry.Inc()
	s.logger.DebugContext(ctx, "Batch delivery failed, backing off.", "error", err)
	s.testEvent(batchFailedEvent)
	select {
	case <-s.retry.After():
	case <-ctx.Done():
	}
}

// checkWatermark flips the backpressure signal on queue depth, with
// hysteresis so the sampler does not flap around the threshold.
func (s *Shipper) checkWatermark(ctx context.Context) {
	size := s.cfg.Queue.Size()
	switch {
	case !s.slowdownEngaged && size >= s.cfg.Watermark:
		s.slowdownEngaged = true
		s.logger.WarnContext(ctx, "Queue depth passed the backpressure watermark, slowing the sampler.",
			"size", size, "watermark", s.cfg.Watermark)
		if s.cfg.OnBackpressure != nil {
			s.cfg.OnBackpressure(true)
		}
		s.testEvent(slowdownOnEvent)
	case s.slowdownEngaged && size <= s.cfg.Watermark/2:
		s.slowdownEngaged = false
		s.logger.InfoContext(ctx, "Queue depth recovered, restoring the sampler cadence.", "size", size)
		if s.cfg.OnBackpressure != nil {
			s.cfg.OnBackpressure(false)
		}
		s.testEvent(slowdownOffEvent)
	}
}

func (s *Shipper) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.clock.After(d):
	case <-ctx.Done():
	}
}

func (s *Shipper) testEvent(event testEvent) {
	if s.cfg.testEvents == nil {
		return
	}
	s.cfg.testEvents <- event
}
