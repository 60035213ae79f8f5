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

package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestTenantCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	tenant := Tenant{Name: "Initech"}
	require.NoError(t, tenant.CheckAndSetDefaults())
	require.False(t, tenant.ID.IsZero())
	require.NotEmpty(t, tenant.APIKey)
	require.Equal(t, RateClassDefault, tenant.RateClass)

	_, err := uuid.Parse(string(tenant.ID))
	require.NoError(t, err)
	_, err = uuid.Parse(tenant.APIKey)
	require.NoError(t, err)

	bad := Tenant{Name: "Initech", RateClass: "platinum"}
	err = bad.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	unnamed := Tenant{}
	err = unnamed.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
}

func TestUserCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	user := User{
		TenantID: TenantID(uuid.NewString()),
		Email:    " JSmith@Example.COM ",
	}
	require.NoError(t, user.CheckAndSetDefaults())
	require.Equal(t, "jsmith@example.com", user.Email)
	require.False(t, user.ID.IsZero())

	noTenant := User{Email: "a@b.c"}
	require.True(t, trace.IsBadParameter(noTenant.CheckAndSetDefaults()))

	noEmail := User{TenantID: TenantID(uuid.NewString())}
	require.True(t, trace.IsBadParameter(noEmail.CheckAndSetDefaults()))

	badEmail := User{TenantID: TenantID(uuid.NewString()), Email: "jsmith"}
	require.True(t, trace.IsBadParameter(badEmail.CheckAndSetDefaults()))
}

func TestEndpointIdentityCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	identity := EndpointIdentity{
		TenantID:   TenantID(uuid.NewString()),
		UserID:     UserID(uuid.NewString()),
		Identifier: ` CORP\JSmith `,
	}
	require.NoError(t, identity.CheckAndSetDefaults())
	require.Equal(t, `CORP\JSmith`, identity.Identifier)

	missing := EndpointIdentity{TenantID: TenantID(uuid.NewString()), UserID: UserID(uuid.NewString())}
	require.True(t, trace.IsBadParameter(missing.CheckAndSetDefaults()))
}

func TestFoldPrincipal(t *testing.T) {
	t.Parallel()

	require.Equal(t, `corp\jsmith`, FoldPrincipal(`CORP\JSmith`))
	require.Equal(t, `corp\jsmith`, FoldPrincipal(` corp\jsmith `))
	require.Equal(t, FoldPrincipal(`CORP\JSMITH`), FoldPrincipal(`corp\jsmith`))
}

func TestParseTenantID(t *testing.T) {
	t.Parallel()

	id, err := ParseTenantID(uuid.NewString())
	require.NoError(t, err)
	require.False(t, id.IsZero())

	_, err = ParseTenantID("tenant-1")
	require.True(t, trace.IsBadParameter(err))
}
