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

package local

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/types"
)

// CreateTenant creates the tenant record and its api key index entry in
// one atomic apply, so a key never authenticates a half-created tenant.
func (s *Service) CreateTenant(ctx context.Context, tenant types.Tenant) (*types.Tenant, error) {
	if err := tenant.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tenant.CreatedAt = s.Clock().Now().UTC()
	value, err := marshal(tenant)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, err = s.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       tenantKey(tenant.ID),
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: value}),
		},
		{
			Key:       apiKeyKey(tenant.APIKey),
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte(tenant.ID)}),
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.AlreadyExists("tenant %q or its api key already exists", tenant.ID)
		}
		return nil, trace.Wrap(err)
	}
	return &tenant, nil
}

// GetTenant returns a tenant by id.
func (s *Service) GetTenant(ctx context.Context, tenantID types.TenantID) (*types.Tenant, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	item, err := s.Get(ctx, tenantKey(tenantID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("tenant %q is not found", tenantID)
		}
		return nil, trace.Wrap(err)
	}
	var tenant types.Tenant
	if err := unmarshal(item.Value, &tenant); err != nil {
		return nil, trace.Wrap(err)
	}
	if tenant.Deleted {
		return nil, trace.NotFound("tenant %q is not found", tenantID)
	}
	return &tenant, nil
}

// GetTenantByAPIKey resolves an api key through the index to its tenant.
func (s *Service) GetTenantByAPIKey(ctx context.Context, apiKey string) (*types.Tenant, error) {
	if apiKey == "" {
		return nil, trace.BadParameter("missing api key")
	}
	item, err := s.Get(ctx, apiKeyKey(apiKey))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("api key is not recognized")
		}
		return nil, trace.Wrap(err)
	}
	tenant, err := s.GetTenant(ctx, types.TenantID(item.Value))
	if err != nil {
		if trace.IsNotFound(err) {
			// the index outlived its tenant, treat the key as revoked
			return nil, trace.NotFound("api key is not recognized")
		}
		return nil, trace.Wrap(err)
	}
	if tenant.APIKey != apiKey {
		// the index outlived a rotation
		return nil, trace.NotFound("api key is not recognized")
	}
	return tenant, nil
}

// ListTenants returns all tenants.
func (s *Service) ListTenants(ctx context.Context) ([]types.Tenant, error) {
	prefix := backend.Key(tenantsPrefix)
	result, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tenants := make([]types.Tenant, 0, len(result.Items))
	for _, item := range result.Items {
		var tenant types.Tenant
		if err := unmarshal(item.Value, &tenant); err != nil {
			return nil, trace.Wrap(err)
		}
		if tenant.Deleted {
			continue
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// RotateAPIKey replaces the tenant's api key. Activation of the new key
// and revocation of the old one land in the same atomic apply.
func (s *Service) RotateAPIKey(ctx context.Context, tenantID types.TenantID) (*types.Tenant, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	for i := 0; i < casAttempts; i++ {
		item, err := s.Get(ctx, tenantKey(tenantID))
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, trace.NotFound("tenant %q is not found", tenantID)
			}
			return nil, trace.Wrap(err)
		}
		var tenant types.Tenant
		if err := unmarshal(item.Value, &tenant); err != nil {
			return nil, trace.Wrap(err)
		}
		if tenant.Deleted {
			return nil, trace.NotFound("tenant %q is not found", tenantID)
		}
		oldKey := tenant.APIKey
		tenant.APIKey = uuid.NewString()
		value, err := marshal(tenant)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		_, err = s.AtomicWrite(ctx, []backend.ConditionalAction{
			{
				Key:       tenantKey(tenantID),
				Condition: backend.Revision(item.Revision),
				Action:    backend.Put(backend.Item{Value: value}),
			},
			{
				Key:       apiKeyKey(oldKey),
				Condition: backend.Whatever(),
				Action:    backend.Delete(),
			},
			{
				Key:       apiKeyKey(tenant.APIKey),
				Condition: backend.NotExists(),
				Action:    backend.Put(backend.Item{Value: []byte(tenantID)}),
			},
		})
		if err == nil {
			return &tenant, nil
		}
		if !errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("failed to rotate api key for tenant %q after %d attempts", tenantID, casAttempts)
}

// DeleteTenant tombstones the tenant, revokes its api key and cascades
// over every record family stored under the tenant. The tombstone keeps
// the tenant id from being reused; reads treat it as absent.
func (s *Service) DeleteTenant(ctx context.Context, tenantID types.TenantID) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return trace.Wrap(err)
	}
	tombstone := *tenant
	tombstone.Deleted = true
	// the raw key has no business outliving the credential
	tombstone.APIKey = ""
	value, err := marshal(tombstone)
	if err != nil {
		return trace.Wrap(err)
	}
	// drop the credential first so nothing writes during the cascade
	_, err = s.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       tenantKey(tenantID),
			Condition: backend.Exists(),
			Action:    backend.Put(backend.Item{Value: value}),
		},
		{
			Key:       apiKeyKey(tenant.APIKey),
			Condition: backend.Whatever(),
			Action:    backend.Delete(),
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.NotFound("tenant %q is not found", tenantID)
		}
		return trace.Wrap(err)
	}
	for _, prefix := range []string{usersPrefix, userEmailsPrefix, identitiesPrefix, eventsPrefix, unclaimedPrefix} {
		start := backend.Key(prefix, string(tenantID))
		if err := s.DeleteRange(ctx, start, backend.RangeEnd(start)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
