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

package services_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
)

// TestTenantScopedSignatures walks every tenant-scoped storage interface and
// asserts each method takes the tenant id as its first parameter after the
// context. New methods that read the tenant from anywhere else fail here.
func TestTenantScopedSignatures(t *testing.T) {
	t.Parallel()

	scoped := []struct {
		name  string
		iface reflect.Type
	}{
		{"Users", reflect.TypeOf((*services.Users)(nil)).Elem()},
		{"Identities", reflect.TypeOf((*services.Identities)(nil)).Elem()},
		{"Events", reflect.TypeOf((*services.Events)(nil)).Elem()},
		{"UnclaimedPrincipals", reflect.TypeOf((*services.UnclaimedPrincipals)(nil)).Elem()},
	}

	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
	tenantIDType := reflect.TypeOf(types.TenantID(""))

	for _, tc := range scoped {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < tc.iface.NumMethod(); i++ {
				method := tc.iface.Method(i)
				require.GreaterOrEqual(t, method.Type.NumIn(), 2,
					"%s.%s must take a context and a tenant id", tc.name, method.Name)
				require.Equal(t, ctxType, method.Type.In(0),
					"%s.%s must take context.Context first", tc.name, method.Name)
				require.Equal(t, tenantIDType, method.Type.In(1),
					"%s.%s must take types.TenantID right after the context", tc.name, method.Name)
			}
		})
	}
}

// TestZeroTenantRejected proves the storage layer refuses to operate without
// a tenant scope instead of silently reading across tenants.
func TestZeroTenantRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)

	var zero types.TenantID
	calls := map[string]func() error{
		"GetTenant": func() error {
			_, err := svc.GetTenant(ctx, zero)
			return err
		},
		"RotateAPIKey": func() error {
			_, err := svc.RotateAPIKey(ctx, zero)
			return err
		},
		"DeleteTenant": func() error {
			return svc.DeleteTenant(ctx, zero)
		},
		"CreateUser": func() error {
			_, err := svc.CreateUser(ctx, zero, types.User{Email: "kim@acme.test"})
			return err
		},
		"GetUser": func() error {
			_, err := svc.GetUser(ctx, zero, "some-user")
			return err
		},
		"ListUsers": func() error {
			_, err := svc.ListUsers(ctx, zero)
			return err
		},
		"RecordActivity": func() error {
			_, err := svc.RecordActivity(ctx, zero, "some-user", services.ActivityUpdate{ObservedAt: time.Now()})
			return err
		},
		"DeleteUser": func() error {
			return svc.DeleteUser(ctx, zero, "some-user")
		},
		"UpsertIdentity": func() error {
			_, err := svc.UpsertIdentity(ctx, zero, types.EndpointIdentity{UserID: "some-user", Identifier: `ACME\kim`})
			return err
		},
		"GetIdentity": func() error {
			_, err := svc.GetIdentity(ctx, zero, `ACME\kim`)
			return err
		},
		"ListIdentities": func() error {
			_, err := svc.ListIdentities(ctx, zero)
			return err
		},
		"DeleteIdentity": func() error {
			return svc.DeleteIdentity(ctx, zero, `ACME\kim`)
		},
		"CreateEvent": func() error {
			return svc.CreateEvent(ctx, zero, types.Event{ClientID: "33333333-3333-3333-3333-333333333333"})
		},
		"GetEvent": func() error {
			_, err := svc.GetEvent(ctx, zero, "33333333-3333-3333-3333-333333333333")
			return err
		},
		"ListEvents": func() error {
			_, _, err := svc.ListEvents(ctx, zero, services.ListEventsParams{})
			return err
		},
		"RecordUnclaimed": func() error {
			return svc.RecordUnclaimed(ctx, zero, `ACME\ghost`, "WS-042", time.Now())
		},
		"ListUnclaimed": func() error {
			_, err := svc.ListUnclaimed(ctx, zero)
			return err
		},
		"DeleteUnclaimed": func() error {
			return svc.DeleteUnclaimed(ctx, zero, `ACME\ghost`)
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.True(t, trace.IsBadParameter(err),
				"expected BadParameter for zero tenant id, got %v", err)
		})
	}
}

// Compile-time check that the local implementation satisfies the full
// storage surface.
var _ services.Service = (*local.Service)(nil)
