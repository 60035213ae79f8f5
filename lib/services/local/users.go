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

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

// CreateUser creates the user record and its email index entry atomically,
// enforcing per-tenant email uniqueness.
func (s *Service) CreateUser(ctx context.Context, tenantID types.TenantID, user types.User) (*types.User, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	user.TenantID = tenantID
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	user.CreatedAt = s.Clock().Now().UTC()
	value, err := marshal(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, err = s.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       userKey(tenantID, user.ID),
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: value}),
		},
		{
			Key:       userEmailKey(tenantID, user.Email),
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte(user.ID)}),
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.AlreadyExists("user %q already exists", user.Email)
		}
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, tenantID types.TenantID, userID types.UserID) (*types.User, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	if userID.IsZero() {
		return nil, trace.BadParameter("missing user id")
	}
	item, err := s.Get(ctx, userKey(tenantID, userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q is not found", userID)
		}
		return nil, trace.Wrap(err)
	}
	var user types.User
	if err := unmarshal(item.Value, &user); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// ListUsers returns all users of the tenant.
func (s *Service) ListUsers(ctx context.Context, tenantID types.TenantID) ([]types.User, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	prefix := backend.Key(usersPrefix, string(tenantID))
	result, err := s.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	users := make([]types.User, 0, len(result.Items))
	for _, item := range result.Items {
		var user types.User
		if err := unmarshal(item.Value, &user); err != nil {
			return nil, trace.Wrap(err)
		}
		users = append(users, user)
	}
	return users, nil
}

// RecordActivity ratchets the user's last-activity timestamp forward and
// bumps the per-application usage counter in one compare-and-swap, so a
// reader never observes one half of the attribution.
func (s *Service) RecordActivity(ctx context.Context, tenantID types.TenantID, userID types.UserID, update services.ActivityUpdate) (*types.User, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	if userID.IsZero() {
		return nil, trace.BadParameter("missing user id")
	}
	if update.ObservedAt.IsZero() {
		return nil, trace.BadParameter("missing activity timestamp")
	}
	observedAt := update.ObservedAt.UTC()
	for i := 0; i < casAttempts; i++ {
		item, err := s.Get(ctx, userKey(tenantID, userID))
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, trace.NotFound("user %q is not found", userID)
			}
			return nil, trace.Wrap(err)
		}
		var user types.User
		if err := unmarshal(item.Value, &user); err != nil {
			return nil, trace.Wrap(err)
		}
		changed := false
		if user.LastActivity.Before(observedAt) {
			user.LastActivity = observedAt
			changed = true
		}
		if update.Subject != "" {
			if user.AppUsage == nil {
				user.AppUsage = make(map[string]uint64)
			}
			user.AppUsage[update.Subject]++
			changed = true
		}
		if !changed {
			return &user, nil
		}
		value, err := marshal(user)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		_, err = s.ConditionalUpdate(ctx, backend.Item{
			Key:      userKey(tenantID, userID),
			Value:    value,
			Revision: item.Revision,
		})
		if err == nil {
			return &user, nil
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("failed to record activity for user %q after %d attempts", userID, casAttempts)
}

// DeleteUser removes the user and its email index entry.
func (s *Service) DeleteUser(ctx context.Context, tenantID types.TenantID, userID types.UserID) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	if userID.IsZero() {
		return trace.BadParameter("missing user id")
	}
	user, err := s.GetUser(ctx, tenantID, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       userKey(tenantID, userID),
			Condition: backend.Exists(),
			Action:    backend.Delete(),
		},
		{
			Key:       userEmailKey(tenantID, user.Email),
			Condition: backend.Whatever(),
			Action:    backend.Delete(),
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.NotFound("user %q is not found", userID)
		}
		return trace.Wrap(err)
	}
	return nil
}
