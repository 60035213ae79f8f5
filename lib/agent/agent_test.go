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

package agent

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/agent/sampler"
	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/ingest"
	"github.com/spyglasshq/spyglass/lib/limiter"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
	"github.com/spyglasshq/spyglass/lib/web"
)

// fakePlatform scripts the OS probes so the sampler sees a deterministic
// workstation.
type fakePlatform struct {
	mu     sync.Mutex
	window sampler.WindowInfo
	procs  []sampler.ProcessInfo
}

func (p *fakePlatform) ForegroundWindow(ctx context.Context) (*sampler.WindowInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	win := p.window
	return &win, nil
}

func (p *fakePlatform) Processes(ctx context.Context) ([]sampler.ProcessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sampler.ProcessInfo(nil), p.procs...), nil
}

func (p *fakePlatform) Connections(ctx context.Context) ([]sampler.ConnectionInfo, error) {
	return nil, nil
}

// ingestPack is a real ingest server behind an httptest listener, with a
// provisioned tenant.
type ingestPack struct {
	srv    *httptest.Server
	svc    *local.Service
	tenant *types.Tenant
}

func newIngestPack(t *testing.T) *ingestPack {
	t.Helper()
	ctx := context.Background()

	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)

	lim, err := limiter.New(limiter.Config{})
	require.NoError(t, err)

	engine, err := ingest.NewEngine(ingest.EngineConfig{
		Service: svc,
		Limiter: lim,
		Logger:  logutils.DiscardLogger,
	})
	require.NoError(t, err)

	handler, err := web.NewHandler(web.Config{
		Engine:  engine,
		Service: svc,
		Logger:  logutils.DiscardLogger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tenant, err := svc.CreateTenant(ctx, types.Tenant{Name: "acme"})
	require.NoError(t, err)

	return &ingestPack{srv: srv, svc: svc, tenant: tenant}
}

func (p *ingestPack) listEvents(t *testing.T) []types.Event {
	t.Helper()
	events, _, err := p.svc.ListEvents(context.Background(), p.tenant.ID, services.ListEventsParams{Limit: 100})
	require.NoError(t, err)
	return events
}

func (p *ingestPack) findEvent(t *testing.T, kind string) (types.Event, bool) {
	t.Helper()
	for _, event := range p.listEvents(t) {
		if event.Kind == kind {
			return event, true
		}
	}
	return types.Event{}, false
}

func newTestAgentConfig(t *testing.T, pack *ingestPack, platform sampler.Platform) Config {
	return Config{
		APIURL:       pack.srv.URL,
		APIKey:       pack.tenant.APIKey,
		DataDir:      t.TempDir(),
		Machine:      "WS-042",
		SamplePeriod: time.Second,
		Suppression:  time.Hour,
		AllowList:    []string{"excel.exe"},
		DrainTimeout: 10 * time.Second,
		Platform:     platform,
		Logger:       logutils.DiscardLogger,
	}
}

// TestAgentEndToEnd drives the whole pipeline against a real ingest
// server: platform probes through suppression and the durable queue out
// to the store, including re-delivery of an already stored event and the
// lifecycle markers around shutdown.
func TestAgentEndToEnd(t *testing.T) {
	t.Parallel()
	pack := newIngestPack(t)

	platform := &fakePlatform{
		window: sampler.WindowInfo{
			Process:   "excel.exe",
			Title:     "Q3 Report.xlsx",
			Principal: `ACME\kim`,
		},
		procs: []sampler.ProcessInfo{
			{PID: 4242, Name: "excel.exe", Principal: `ACME\kim`, StartedAt: time.Now().Add(-time.Minute)},
		},
	}

	a, err := New(newTestAgentConfig(t, pack, platform))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	// One sample tick should land a focus event, a launch event and a
	// usage event in the store, alongside the start marker.
	expectKinds := []string{
		types.KindAgentLifecycle,
		types.KindWindowFocus,
		types.KindApplicationLaunch,
		types.KindApplicationUsage,
	}
	require.Eventually(t, func() bool {
		for _, kind := range expectKinds {
			if _, ok := pack.findEvent(t, kind); !ok {
				return false
			}
		}
		return true
	}, 15*time.Second, 100*time.Millisecond)

	focus, ok := pack.findEvent(t, types.KindWindowFocus)
	require.True(t, ok)
	require.Equal(t, "excel.exe", focus.Subject)
	require.Equal(t, "Q3 Report.xlsx", focus.Title)
	require.Equal(t, `ACME\kim`, focus.Principal)
	require.Equal(t, "WS-042", focus.Machine)
	require.Equal(t, pack.tenant.ID, focus.TenantID)

	start, ok := pack.findEvent(t, types.KindAgentLifecycle)
	require.True(t, ok)
	require.Equal(t, "agent-start", start.Subject)
	require.Empty(t, start.Principal)

	// Re-deliver an event the server already stored. The duplicate must
	// be acknowledged and retired, not retried or dead-lettered.
	require.NoError(t, a.Queue().Enqueue(focus))
	require.Eventually(t, func() bool {
		return a.Queue().Size() == 0
	}, 15*time.Second, 100*time.Millisecond)
	require.Zero(t, a.Queue().DeadLetterSize())

	storedFocus := 0
	for _, event := range pack.listEvents(t) {
		if event.ClientID == focus.ClientID {
			storedFocus++
		}
	}
	require.Equal(t, 1, storedFocus)

	// Shutdown drains the stop marker before the transport goes away.
	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("agent did not stop")
	}

	subjects := make(map[string]int)
	for _, event := range pack.listEvents(t) {
		if event.Kind == types.KindAgentLifecycle {
			subjects[event.Subject]++
		}
	}
	require.Equal(t, 1, subjects["agent-start"])
	require.Equal(t, 1, subjects["agent-stop"])
}

// TestAgentDrainWithoutRun is the path behind the drain command: no
// sampling pipeline, just the queue flushing over HTTP.
func TestAgentDrainWithoutRun(t *testing.T) {
	t.Parallel()
	pack := newIngestPack(t)

	cfg := newTestAgentConfig(t, pack, &fakePlatform{})
	cfg.PacingInterval = time.Millisecond
	a, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Queue().Enqueue(types.Event{
			Kind:       types.KindApplicationUsage,
			Subject:    "winword.exe",
			Principal:  `ACME\jdoe`,
			Machine:    "WS-042",
			ClientID:   uuid.NewString(),
			ClientTime: time.Now().UTC(),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, a.Drain(ctx))
	require.Zero(t, a.Queue().Size())
	require.Len(t, pack.listEvents(t), 3)
}

// TestAgentQueueFailureBlocksInsteadOfDropping exercises the degraded
// path: while the queue cannot take writes the pipeline retries the
// failed event instead of dropping it, and lets go when the pipeline
// stops. Event-level rejections still drop immediately.
func TestAgentQueueFailureBlocksInsteadOfDropping(t *testing.T) {
	t.Parallel()
	pack := newIngestPack(t)

	cfg := newTestAgentConfig(t, pack, &fakePlatform{})
	a, err := New(cfg)
	require.NoError(t, err)
	// A closed queue fails every write, like a storage outage would.
	require.NoError(t, a.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No client id is an event-level rejection, not storage trouble.
	start := time.Now()
	a.offer(ctx, types.Event{Kind: types.KindApplicationUsage, Subject: "winword.exe"})
	require.Less(t, time.Since(start), time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.offer(ctx, types.Event{
			Kind:       types.KindApplicationUsage,
			Subject:    "excel.exe",
			Machine:    "WS-042",
			ClientID:   uuid.NewString(),
			ClientTime: time.Now().UTC(),
		})
	}()

	select {
	case <-done:
		t.Fatal("offer returned while the queue was failing")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("offer did not stop with the pipeline")
	}
}

// TestAgentSuppressionAcrossPipeline checks that a focus flap inside the
// suppression window reaches the store once.
func TestAgentSuppressionAcrossPipeline(t *testing.T) {
	t.Parallel()
	pack := newIngestPack(t)

	platform := &fakePlatform{
		window: sampler.WindowInfo{
			Process:   "excel.exe",
			Title:     "Q3 Report.xlsx",
			Principal: `ACME\kim`,
		},
	}
	cfg := newTestAgentConfig(t, pack, platform)
	cfg.AllowList = nil

	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := pack.findEvent(t, types.KindWindowFocus)
		return ok
	}, 15*time.Second, 100*time.Millisecond)

	// Flap focus away and back. The sampler sees a fresh tuple each
	// switch, but suppression holds the repeat back.
	platform.mu.Lock()
	platform.window.Title = "Inbox"
	platform.window.Process = "outlook.exe"
	platform.mu.Unlock()

	require.Eventually(t, func() bool {
		return countFocus(pack.listEvents(t)) >= 2
	}, 15*time.Second, 100*time.Millisecond)

	platform.mu.Lock()
	platform.window.Title = "Q3 Report.xlsx"
	platform.window.Process = "excel.exe"
	platform.mu.Unlock()

	// Give the pipeline two more sample periods to (wrongly) re-emit.
	time.Sleep(3 * time.Second)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("agent did not stop")
	}

	byTuple := make(map[string]int)
	for _, event := range pack.listEvents(t) {
		if event.Kind == types.KindWindowFocus {
			byTuple[event.Subject+"|"+event.Title]++
		}
	}
	require.Equal(t, 1, byTuple["excel.exe|Q3 Report.xlsx"], "suppressed repeat reached the store: %v", byTuple)
	require.Equal(t, 1, byTuple["outlook.exe|Inbox"])
}

func countFocus(events []types.Event) int {
	n := 0
	for _, event := range events {
		if event.Kind == types.KindWindowFocus {
			n++
		}
	}
	return n
}
