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
	"time"

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/types"
)

// RecordUnclaimed notes a principal that produced events but has no identity
// mapping. Repeat sightings bump the counter instead of creating duplicates.
func (s *Service) RecordUnclaimed(ctx context.Context, tenantID types.TenantID, principal, machine string, seenAt time.Time) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	folded := types.FoldPrincipal(principal)
	if folded == "" {
		return trace.BadParameter("missing principal identifier")
	}
	if seenAt.IsZero() {
		return trace.BadParameter("missing sighting timestamp")
	}
	seenAt = seenAt.UTC()
	key := unclaimedKey(tenantID, folded)
	for i := 0; i < casAttempts; i++ {
		item, err := s.Get(ctx, key)
		if trace.IsNotFound(err) {
			record := types.UnclaimedPrincipal{
				TenantID:  tenantID,
				Principal: folded,
				Machine:   machine,
				FirstSeen: seenAt,
				LastSeen:  seenAt,
				Count:     1,
			}
			value, err := marshal(record)
			if err != nil {
				return trace.Wrap(err)
			}
			_, err = s.Create(ctx, backend.Item{Key: key, Value: value})
			if err == nil {
				return nil
			}
			if !trace.IsAlreadyExists(err) {
				return trace.Wrap(err)
			}
			// Lost the create race, reread and bump instead.
			continue
		}
		if err != nil {
			return trace.Wrap(err)
		}
		var record types.UnclaimedPrincipal
		if err := unmarshal(item.Value, &record); err != nil {
			return trace.Wrap(err)
		}
		record.Count++
		if record.LastSeen.Before(seenAt) {
			record.LastSeen = seenAt
		}
		if record.Machine == "" {
			record.Machine = machine
		}
		value, err := marshal(record)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = s.ConditionalUpdate(ctx, backend.Item{
			Key:      key,
			Value:    value,
			Revision: item.Revision,
		})
		if err == nil {
			return nil
		}
		if !trace.IsCompareFailed(err) {
			return trace.Wrap(err)
		}
	}
	return trace.CompareFailed("failed to record unclaimed principal %q after %d attempts", principal, casAttempts)
}

// ListUnclaimed returns the tenant's unclaimed principals.
func (s *Service) ListUnclaimed(ctx context.Context, tenantID types.TenantID) ([]types.UnclaimedPrincipal, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	prefix := backend.Key(unclaimedPrefix, string(tenantID))
	result, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records := make([]types.UnclaimedPrincipal, 0, len(result.Items))
	for _, item := range result.Items {
		var record types.UnclaimedPrincipal
		if err := unmarshal(item.Value, &record); err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteUnclaimed removes an unclaimed-principal record.
func (s *Service) DeleteUnclaimed(ctx context.Context, tenantID types.TenantID, principal string) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	folded := types.FoldPrincipal(principal)
	if folded == "" {
		return trace.BadParameter("missing principal identifier")
	}
	if err := s.Delete(ctx, unclaimedKey(tenantID, folded)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("unclaimed principal %q is not found", principal)
		}
		return trace.Wrap(err)
	}
	return nil
}
