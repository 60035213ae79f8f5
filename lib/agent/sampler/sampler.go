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

// Package sampler observes workstation activity and turns it into
// candidate events: foreground focus changes, allow-listed application
// runs, browser visits and outbound connections. Candidates flow out on a
// channel; deduplication and durability are downstream concerns.
package sampler

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// eventBufferSize bounds the output channel. The consumer only has to
// keep up on average; a full buffer drops the candidate rather than stall
// the sampling loop.
const eventBufferSize = 64

// Config configures a Sampler.
type Config struct {
	// Platform provides the OS probes.
	Platform Platform
	// Machine is the hostname stamped on emitted events.
	Machine string
	// SamplePeriod is the focus and process scan interval. Clamped to
	// [MinSamplePeriod, MaxSamplePeriod].
	SamplePeriod time.Duration
	// NetworkPeriod is the connection scan interval.
	NetworkPeriod time.Duration
	// AllowList names the applications worth an application-usage event.
	// Matching is case-insensitive and ignores the .exe extension.
	AllowList []string
	// DisableLaunchEvents turns off application-launch emission for
	// process runs first observed after the sampler started.
	DisableLaunchEvents bool
	// NetworkScanEnabled turns on the outbound connection scan.
	NetworkScanEnabled bool
	// UsageRearmInterval re-arms application-usage for a process run
	// that outlives it.
	UsageRearmInterval time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Platform == nil {
		return trace.BadParameter("missing parameter Platform")
	}
	if c.Machine == "" {
		c.Machine, _ = os.Hostname()
	}
	if c.SamplePeriod == 0 {
		c.SamplePeriod = defaults.SamplePeriod
	}
	if c.SamplePeriod < defaults.MinSamplePeriod {
		c.SamplePeriod = defaults.MinSamplePeriod
	}
	if c.SamplePeriod > defaults.MaxSamplePeriod {
		c.SamplePeriod = defaults.MaxSamplePeriod
	}
	if c.NetworkPeriod == 0 {
		c.NetworkPeriod = defaults.NetworkPeriod
	}
	if c.NetworkPeriod < 0 {
		return trace.BadParameter("network period %v must be positive", c.NetworkPeriod)
	}
	if c.UsageRearmInterval == 0 {
		c.UsageRearmInterval = defaults.UsageRearmInterval
	}
	if c.UsageRearmInterval < 0 {
		return trace.BadParameter("usage re-arm interval %v must be positive", c.UsageRearmInterval)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(spyglass.ComponentKey, spyglass.ComponentSampler)
	}
	return nil
}

// focusKey identifies a foreground sample. A focus event fires when the
// tuple differs from the previous sample's.
type focusKey struct {
	process string
	title   string
}

// runKey identifies one continuous process run. The start time guards
// against PID reuse.
type runKey struct {
	pid     int32
	started int64
}

// Sampler is a long-lived worker emitting candidate events. All loop
// state is owned by the Run goroutine; only the slowdown and pause flags
// are shared.
type Sampler struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	events   chan types.Event
	slowdown atomic.Bool
	paused   atomic.Bool

	allow     map[string]struct{}
	started   time.Time
	lastFocus focusKey
	usage     map[runKey]time.Time
	remotes   *lru.Cache[string, *rate.Limiter]
}

// New creates a Sampler. Call Run to start sampling.
func New(cfg Config) (*Sampler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	remotes, err := lru.New[string, *rate.Limiter](defaults.NetworkRemoteCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Sampler{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		events:  make(chan types.Event, eventBufferSize),
		allow:   make(map[string]struct{}, len(cfg.AllowList)),
		usage:   make(map[runKey]time.Time),
		remotes: remotes,
	}
	for _, name := range cfg.AllowList {
		s.allow[processKey(name)] = struct{}{}
	}
	return s, nil
}

// Events is the candidate event stream. Closed never; drained by the
// agent pipeline.
func (s *Sampler) Events() <-chan types.Event {
	return s.events
}

// SetSlowdown doubles the sampling and network periods while engaged.
// The shipper engages it when its backlog passes the watermark. Takes
// effect from the next timer arm.
func (s *Sampler) SetSlowdown(engaged bool) {
	if s.slowdown.Swap(engaged) != engaged {
		s.logger.Debug("Sampling slowdown toggled", "engaged", engaged)
	}
}

// Pause stops sampling while engaged, keeping the loop and its timers
// alive. The agent engages it when local queue writes fail; observing
// activity that cannot be persisted helps nobody.
func (s *Sampler) Pause(engaged bool) {
	if s.paused.Swap(engaged) != engaged {
		s.logger.Info("Sampling pause toggled", "engaged", engaged)
	}
}

func (s *Sampler) samplePeriod() time.Duration {
	if s.slowdown.Load() {
		return s.cfg.SamplePeriod * defaults.SlowdownFactor
	}
	return s.cfg.SamplePeriod
}

func (s *Sampler) networkPeriod() time.Duration {
	if s.slowdown.Load() {
		return s.cfg.NetworkPeriod * defaults.SlowdownFactor
	}
	return s.cfg.NetworkPeriod
}

// Run samples until the context is canceled. Always returns nil; probe
// failures degrade to logs, never to a dead agent.
func (s *Sampler) Run(ctx context.Context) error {
	s.started = s.clock.Now()
	s.logger.InfoContext(ctx, "Sampler started",
		"sample_period", s.cfg.SamplePeriod,
		"network_period", s.cfg.NetworkPeriod,
		"network_scan", s.cfg.NetworkScanEnabled,
		"allow_list_size", len(s.allow),
	)
	defer s.logger.InfoContext(ctx, "Sampler stopped")

	sample := s.clock.NewTimer(s.samplePeriod())
	defer sample.Stop()
	network := s.clock.NewTimer(s.networkPeriod())
	defer network.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sample.Chan():
			if !s.paused.Load() {
				s.sampleOnce(ctx)
			}
			sample.Reset(s.samplePeriod())
		case <-network.Chan():
			if s.cfg.NetworkScanEnabled && !s.paused.Load() {
				s.scanNetwork(ctx)
			}
			network.Reset(s.networkPeriod())
		}
	}
}

// sampleOnce runs one focus and process cycle. The deadline keeps a hung
// OS probe from stalling the loop past its own period.
func (s *Sampler) sampleOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.samplePeriod())
	defer cancel()

	s.sampleFocus(ctx)
	s.sampleProcesses(ctx)
}

func (s *Sampler) sampleFocus(ctx context.Context) {
	win, err := s.cfg.Platform.ForegroundWindow(ctx)
	if err != nil {
		if !trace.IsNotFound(err) && !trace.IsNotImplemented(err) {
			s.logger.DebugContext(ctx, "Foreground window probe failed", "error", err)
		}
		// No resolvable focus. Clearing the tuple means the same window
		// fires again after an unlock.
		s.lastFocus = focusKey{}
		return
	}
	key := focusKey{process: win.Process, title: win.Title}
	if key == s.lastFocus {
		return
	}
	s.lastFocus = key
	s.emit(ctx, types.Event{
		Kind:      types.KindWindowFocus,
		Subject:   win.Process,
		Title:     win.Title,
		Principal: win.Principal,
	})
	if visited, ok := ExtractURL(win.Process, win.Title); ok {
		s.emit(ctx, types.Event{
			Kind:      types.KindWebVisit,
			Subject:   visited,
			Title:     win.Title,
			Principal: win.Principal,
		})
	}
}

func (s *Sampler) sampleProcesses(ctx context.Context) {
	if len(s.allow) == 0 {
		return
	}
	procs, err := s.cfg.Platform.Processes(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "Process scan failed", "error", err)
		return
	}
	now := s.clock.Now()
	running := make(map[runKey]struct{}, len(procs))
	for _, proc := range procs {
		if _, listed := s.allow[processKey(proc.Name)]; !listed {
			continue
		}
		key := runKey{pid: proc.PID, started: proc.StartedAt.UnixMilli()}
		running[key] = struct{}{}
		lastEmit, seen := s.usage[key]
		if seen && now.Sub(lastEmit) < s.cfg.UsageRearmInterval {
			continue
		}
		if !seen && !s.cfg.DisableLaunchEvents && proc.StartedAt.After(s.started) {
			s.emit(ctx, types.Event{
				Kind:      types.KindApplicationLaunch,
				Subject:   proc.Name,
				Principal: proc.Principal,
			})
		}
		s.usage[key] = now
		s.emit(ctx, types.Event{
			Kind:      types.KindApplicationUsage,
			Subject:   proc.Name,
			Principal: proc.Principal,
		})
	}
	// Forget ended runs so the next run of the same application emits
	// fresh usage.
	for key := range s.usage {
		if _, ok := running[key]; !ok {
			delete(s.usage, key)
		}
	}
}

func (s *Sampler) scanNetwork(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.networkPeriod())
	defer cancel()

	conns, err := s.cfg.Platform.Connections(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "Connection scan failed", "error", err)
		return
	}
	now := s.clock.Now()
	for _, conn := range conns {
		if conn.Principal == "" {
			// The server refuses events without a principal; an
			// unattributable socket is not worth a dead-letter.
			continue
		}
		limiter, ok := s.remotes.Get(conn.RemoteAddr)
		if !ok {
			limiter = rate.NewLimiter(rate.Every(defaults.NetworkRemoteRate), 1)
			s.remotes.Add(conn.RemoteAddr, limiter)
		}
		if !limiter.AllowN(now, 1) {
			continue
		}
		s.emit(ctx, types.Event{
			Kind:      types.KindNetworkConnection,
			Subject:   conn.RemoteAddr,
			Title:     conn.Process,
			Principal: conn.Principal,
		})
	}
}

// emit stamps identity fields and hands the candidate to the pipeline.
// Drops when the consumer is behind; durability starts at the queue, not
// here.
func (s *Sampler) emit(ctx context.Context, event types.Event) {
	event.ClientID = uuid.NewString()
	event.ClientTime = s.clock.Now().UTC()
	event.Machine = s.cfg.Machine
	select {
	case s.events <- event:
	default:
		s.logger.DebugContext(ctx, "Dropped candidate event, consumer is behind", "kind", event.Kind)
	}
}
