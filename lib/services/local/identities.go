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

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/types"
)

// UpsertIdentity creates or replaces the endpoint identity mapping. A
// matching unclaimed-principal record is removed on the way in, since the
// principal is claimed now.
func (s *Service) UpsertIdentity(ctx context.Context, tenantID types.TenantID, identity types.EndpointIdentity) (*types.EndpointIdentity, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	identity.TenantID = tenantID
	if err := identity.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := marshal(identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	folded := types.FoldPrincipal(identity.Identifier)
	if _, err := s.Put(ctx, backend.Item{
		Key:   identityKey(tenantID, folded),
		Value: value,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Delete(ctx, unclaimedKey(tenantID, folded)); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return &identity, nil
}

// GetIdentity looks up an identity by principal identifier. The lookup is
// case-insensitive.
func (s *Service) GetIdentity(ctx context.Context, tenantID types.TenantID, identifier string) (*types.EndpointIdentity, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	folded := types.FoldPrincipal(identifier)
	if folded == "" {
		return nil, trace.BadParameter("missing principal identifier")
	}
	item, err := s.Get(ctx, identityKey(tenantID, folded))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("identity %q is not found", identifier)
		}
		return nil, trace.Wrap(err)
	}
	var identity types.EndpointIdentity
	if err := unmarshal(item.Value, &identity); err != nil {
		return nil, trace.Wrap(err)
	}
	return &identity, nil
}

// ListIdentities returns all identity mappings of the tenant.
func (s *Service) ListIdentities(ctx context.Context, tenantID types.TenantID) ([]types.EndpointIdentity, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	prefix := backend.Key(identitiesPrefix, string(tenantID))
	result, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	identities := make([]types.EndpointIdentity, 0, len(result.Items))
	for _, item := range result.Items {
		var identity types.EndpointIdentity
		if err := unmarshal(item.Value, &identity); err != nil {
			return nil, trace.Wrap(err)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

// DeleteIdentity removes an identity mapping.
func (s *Service) DeleteIdentity(ctx context.Context, tenantID types.TenantID, identifier string) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	folded := types.FoldPrincipal(identifier)
	if folded == "" {
		return trace.BadParameter("missing principal identifier")
	}
	if err := s.Delete(ctx, identityKey(tenantID, folded)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("identity %q is not found", identifier)
		}
		return trace.Wrap(err)
	}
	return nil
}
