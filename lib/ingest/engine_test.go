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
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/limiter"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

type testEnv struct {
	engine *Engine
	svc    *local.Service
	clock  *clockwork.FakeClock
	tenant *types.Tenant
}

func newTestEnv(t *testing.T, limiterCfg limiter.Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))

	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)

	limiterCfg.Clock = clock
	lim, err := limiter.New(limiterCfg)
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Service: svc,
		Limiter: lim,
		Clock:   clock,
		Logger:  logutils.DiscardLogger,
	})
	require.NoError(t, err)

	tenant, err := svc.CreateTenant(ctx, types.Tenant{Name: "acme"})
	require.NoError(t, err)

	return &testEnv{engine: engine, svc: svc, clock: clock, tenant: tenant}
}

func (env *testEnv) addUserWithIdentity(t *testing.T, email, principal string) *types.User {
	t.Helper()
	ctx := context.Background()
	user, err := env.svc.CreateUser(ctx, env.tenant.ID, types.User{Email: email})
	require.NoError(t, err)
	_, err = env.svc.UpsertIdentity(ctx, env.tenant.ID, types.EndpointIdentity{
		UserID:     user.ID,
		Identifier: principal,
	})
	require.NoError(t, err)
	return user
}

func (env *testEnv) event(kind, subject, principal string) types.Event {
	return types.Event{
		Kind:       kind,
		Subject:    subject,
		Principal:  principal,
		Machine:    "WS-042",
		ClientID:   uuid.NewString(),
		ClientTime: env.clock.Now().UTC(),
	}
}

func TestIngestStoresAndAttributes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})
	user := env.addUserWithIdentity(t, "kim@acme.test", `ACME\kim`)

	event := env.event(types.KindApplicationUsage, "excel.exe", `ACME\kim`)
	require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelStream))

	// The stored event carries server-stamped fields.
	stored, err := env.svc.GetEvent(ctx, env.tenant.ID, event.ClientID)
	require.NoError(t, err)
	require.Equal(t, env.tenant.ID, stored.TenantID)
	require.Equal(t, types.ChannelStream, stored.Channel)
	require.Equal(t, env.clock.Now().UTC(), stored.ReceiveTime)

	// Attribution is readable the moment Ingest returns.
	got, err := env.svc.GetUser(ctx, env.tenant.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, event.ClientTime, got.LastActivity)
	require.Equal(t, uint64(1), got.AppUsage["excel.exe"])
}

func TestIngestDuplicateSkipsAttribution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})
	user := env.addUserWithIdentity(t, "kim@acme.test", `ACME\kim`)

	event := env.event(types.KindApplicationUsage, "excel.exe", `ACME\kim`)
	require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP))

	// Re-delivery acks clean and must not double-count usage.
	require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP))

	got, err := env.svc.GetUser(ctx, env.tenant.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.AppUsage["excel.exe"])
}

func TestIngestThrottles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{Capacity: 2, RefillPerMinute: 60})
	env.addUserWithIdentity(t, "kim@acme.test", `ACME\kim`)

	for i := 0; i < 2; i++ {
		event := env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`)
		require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP))
	}

	event := env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`)
	err := env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
	require.Greater(t, RetryAfter(err), time.Duration(0))
	require.Greater(t, RetryAfterSeconds(err), 0)

	// A throttled event is not stored.
	_, getErr := env.svc.GetEvent(ctx, env.tenant.ID, event.ClientID)
	require.True(t, trace.IsNotFound(getErr))
}

func TestIngestRejectsInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})

	testCases := []struct {
		name   string
		mutate func(*types.Event)
	}{
		{"unknown kind", func(e *types.Event) { e.Kind = "keystroke-dump" }},
		{"missing subject", func(e *types.Event) { e.Subject = "" }},
		{"malformed client id", func(e *types.Event) { e.ClientID = "not-a-uuid" }},
		{"missing client time", func(e *types.Event) { e.ClientTime = time.Time{} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event := env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`)
			tc.mutate(&event)
			err := env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestIngestUnknownPrincipalRecordsUnclaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})

	event := env.event(types.KindWindowFocus, "excel.exe", `ACME\ghost`)
	require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelStream))

	// No phantom user is fabricated.
	users, err := env.svc.ListUsers(ctx, env.tenant.ID)
	require.NoError(t, err)
	require.Empty(t, users)

	unclaimed, err := env.svc.ListUnclaimed(ctx, env.tenant.ID)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.Equal(t, `acme\ghost`, unclaimed[0].Principal)
	require.Equal(t, "WS-042", unclaimed[0].Machine)
}

func TestIngestClampsSkewedClientTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})
	user := env.addUserWithIdentity(t, "kim@acme.test", `ACME\kim`)

	event := env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`)
	event.ClientTime = env.clock.Now().Add(3 * time.Hour)
	require.NoError(t, env.engine.Ingest(ctx, env.tenant, event, types.ChannelHTTP))

	got, err := env.svc.GetUser(ctx, env.tenant.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().UTC().Add(time.Hour), got.LastActivity)
}

func TestIngestBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{})
	env.addUserWithIdentity(t, "kim@acme.test", `ACME\kim`)

	events := []types.Event{
		env.event(types.KindApplicationUsage, "excel.exe", `ACME\kim`),
		env.event("bogus-kind", "excel.exe", `ACME\kim`),
		env.event(types.KindWindowFocus, "winword.exe", `ACME\kim`),
	}
	result, err := env.engine.IngestBatch(ctx, env.tenant, events, types.ChannelHTTP)
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Len(t, result.Failed, 1)
	require.Equal(t, 1, result.Failed[0].Index)
	require.Contains(t, result.Failed[0].Reason, "unknown event kind")
}

func TestIngestBatchThrottledWhole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, limiter.Config{Capacity: 2, RefillPerMinute: 60})

	events := []types.Event{
		env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`),
		env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`),
		env.event(types.KindWindowFocus, "excel.exe", `ACME\kim`),
	}
	_, err := env.engine.IngestBatch(ctx, env.tenant, events, types.ChannelHTTP)
	require.True(t, trace.IsLimitExceeded(err))

	// Nothing was attempted: the budget still covers a smaller batch.
	result, err := env.engine.IngestBatch(ctx, env.tenant, events[:2], types.ChannelHTTP)
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
}

func TestAllowInteractive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, limiter.Config{Capacity: 1, RefillPerMinute: 60})

	require.NoError(t, env.engine.AllowInteractive(env.tenant))
	err := env.engine.AllowInteractive(env.tenant)
	require.True(t, trace.IsLimitExceeded(err))
	require.Greater(t, RetryAfter(err), time.Duration(0))
}
