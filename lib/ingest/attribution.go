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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

// AttributionBackend is the slice of storage attribution needs.
type AttributionBackend interface {
	services.Users
	services.Identities
	services.UnclaimedPrincipals
}

type attributionKey struct {
	tenantID  types.TenantID
	principal string
}

// Attributor links stored events to users and folds them into the user's
// activity rollups. Identity lookups go through a TTL cache, so mapping
// changes take effect within the TTL rather than instantly.
type Attributor struct {
	backend    AttributionBackend
	clock      clockwork.Clock
	logger     *slog.Logger
	identities *expirable.LRU[attributionKey, types.UserID]
}

// NewAttributor returns an attributor over the given storage.
func NewAttributor(backend AttributionBackend, clock clockwork.Clock, logger *slog.Logger) *Attributor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Attributor{
		backend: backend,
		clock:   clock,
		logger:  logger,
		identities: expirable.NewLRU[attributionKey, types.UserID](
			defaults.AttributionCacheSize, nil, defaults.AttributionCacheTTL),
	}
}

// isInteractive reports whether the kind indicates a person at the
// keyboard. Only these kinds move a user's last-activity timestamp.
func isInteractive(kind string) bool {
	switch kind {
	case types.KindApplicationLaunch, types.KindApplicationUsage,
		types.KindWindowFocus, types.KindWebVisit:
		return true
	}
	return false
}

// recordsUnclaimed reports whether an unmapped principal on this kind is
// worth surfacing to administrators.
func recordsUnclaimed(kind string) bool {
	switch kind {
	case types.KindApplicationUsage, types.KindWindowFocus, types.KindWebVisit:
		return true
	}
	return false
}

// Attribute resolves the event's principal and applies the activity update.
// Events without a principal or without interactive meaning pass through
// untouched. The caller sees an error only on storage trouble; an unmapped
// principal is a normal outcome.
func (a *Attributor) Attribute(ctx context.Context, tenantID types.TenantID, event *types.Event) error {
	if event.Principal == "" || !isInteractive(event.Kind) {
		return nil
	}
	userID, found, err := a.resolve(ctx, tenantID, event.Principal)
	if err != nil {
		return trace.Wrap(err)
	}
	if !found {
		return trace.Wrap(a.noteUnclaimed(ctx, tenantID, event))
	}

	update := services.ActivityUpdate{ObservedAt: a.observedAt(event)}
	if event.Kind == types.KindApplicationUsage {
		update.Subject = event.Subject
	}
	if _, err := a.backend.RecordActivity(ctx, tenantID, userID, update); err != nil {
		if trace.IsNotFound(err) {
			// The mapping points at a user that no longer exists.
			a.identities.Remove(attributionKey{tenantID: tenantID, principal: types.FoldPrincipal(event.Principal)})
			a.logger.WarnContext(ctx, "identity mapping points at a missing user",
				"principal", event.Principal, "user_id", userID)
			return trace.Wrap(a.noteUnclaimed(ctx, tenantID, event))
		}
		return trace.Wrap(err)
	}
	return nil
}

func (a *Attributor) noteUnclaimed(ctx context.Context, tenantID types.TenantID, event *types.Event) error {
	if !recordsUnclaimed(event.Kind) {
		return nil
	}
	unclaimedSightings.Inc()
	return trace.Wrap(a.backend.RecordUnclaimed(ctx, tenantID, event.Principal, event.Machine, a.clock.Now().UTC()))
}

func (a *Attributor) resolve(ctx context.Context, tenantID types.TenantID, principal string) (types.UserID, bool, error) {
	key := attributionKey{tenantID: tenantID, principal: types.FoldPrincipal(principal)}
	if userID, ok := a.identities.Get(key); ok {
		return userID, true, nil
	}
	identity, err := a.backend.GetIdentity(ctx, tenantID, principal)
	if err != nil {
		if trace.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, trace.Wrap(err)
	}
	a.identities.Add(key, identity.UserID)
	return identity.UserID, true, nil
}

// observedAt clamps the client timestamp so a skewed agent clock cannot
// run a user's last activity arbitrarily into the future.
func (a *Attributor) observedAt(event *types.Event) time.Time {
	observed := event.ClientTime
	ceiling := event.ReceiveTime.Add(defaults.ClockSkewTolerance)
	if observed.After(ceiling) {
		observed = ceiling
	}
	return observed.UTC()
}
