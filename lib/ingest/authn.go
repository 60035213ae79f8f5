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
	"time"

	"github.com/gravitational/trace"
	cache "github.com/patrickmn/go-cache"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

// Authenticator resolves api keys to tenants with a short positive cache.
// Lookup failures are never cached, so a freshly issued key works at once;
// a revoked key keeps authenticating for at most the cache TTL.
type Authenticator struct {
	tenants services.Tenants
	cache   *cache.Cache
}

// NewAuthenticator returns an authenticator over the tenants service. ttl
// bounds credential staleness; zero applies the default.
func NewAuthenticator(tenants services.Tenants, ttl time.Duration) *Authenticator {
	if ttl == 0 {
		ttl = defaults.APIKeyCacheTTL
	}
	return &Authenticator{
		tenants: tenants,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Authenticate resolves the api key to its tenant. Unknown keys and missing
// keys both come back as AccessDenied with the same message, so probing
// cannot distinguish a revoked key from one that never existed.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*types.Tenant, error) {
	if apiKey == "" {
		return nil, trace.AccessDenied("api key is not recognized")
	}
	if cached, ok := a.cache.Get(apiKey); ok {
		tenant := cached.(types.Tenant)
		return &tenant, nil
	}
	tenant, err := a.tenants.GetTenantByAPIKey(ctx, apiKey)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("api key is not recognized")
		}
		return nil, trace.Wrap(err)
	}
	a.cache.Set(apiKey, *tenant, cache.DefaultExpiration)
	return tenant, nil
}
