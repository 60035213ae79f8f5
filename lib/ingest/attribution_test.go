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
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

func TestAttributeStaleMappingFallsBackToUnclaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))

	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)
	attributor := NewAttributor(svc, clock, logutils.DiscardLogger)

	tenant, err := svc.CreateTenant(ctx, types.Tenant{Name: "acme"})
	require.NoError(t, err)
	user, err := svc.CreateUser(ctx, tenant.ID, types.User{Email: "kim@acme.test"})
	require.NoError(t, err)
	_, err = svc.UpsertIdentity(ctx, tenant.ID, types.EndpointIdentity{
		UserID:     user.ID,
		Identifier: `ACME\kim`,
	})
	require.NoError(t, err)

	event := types.Event{
		Kind:        types.KindWindowFocus,
		Subject:     "excel.exe",
		Principal:   `ACME\kim`,
		Machine:     "WS-042",
		ClientID:    uuid.NewString(),
		ClientTime:  clock.Now().UTC(),
		ReceiveTime: clock.Now().UTC(),
	}
	// Prime the identity cache.
	require.NoError(t, attributor.Attribute(ctx, tenant.ID, &event))

	// The user disappears while the cache still remembers the mapping.
	require.NoError(t, svc.DeleteUser(ctx, tenant.ID, user.ID))

	event.ClientID = uuid.NewString()
	require.NoError(t, attributor.Attribute(ctx, tenant.ID, &event))

	unclaimed, err := svc.ListUnclaimed(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
}

func TestAttributeSkipsNonInteractiveKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)
	attributor := NewAttributor(svc, clock, logutils.DiscardLogger)

	tenant, err := svc.CreateTenant(ctx, types.Tenant{Name: "acme"})
	require.NoError(t, err)

	event := types.Event{
		Kind:        types.KindNetworkConnection,
		Subject:     "203.0.113.7:443",
		Principal:   `ACME\ghost`,
		ClientID:    uuid.NewString(),
		ClientTime:  clock.Now().UTC(),
		ReceiveTime: clock.Now().UTC(),
	}
	require.NoError(t, attributor.Attribute(ctx, tenant.ID, &event))

	// Machine-scoped kinds neither move activity nor surface principals.
	unclaimed, err := svc.ListUnclaimed(ctx, tenant.ID)
	require.NoError(t, err)
	require.Empty(t, unclaimed)
}
