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

// Package services defines the typed storage interfaces of the ingestion
// server. Every method touching tenant data takes the tenant id as an
// explicit parameter; implementations reject a zero tenant id. Handlers
// never pass a tenant id taken from a request body, only from the
// authenticated credential.
package services

import (
	"context"
	"time"

	"github.com/spyglasshq/spyglass/lib/types"
)

// Tenants manages tenant accounts and their api keys.
type Tenants interface {
	// CreateTenant creates a tenant and its api key index entry
	// atomically.
	CreateTenant(ctx context.Context, tenant types.Tenant) (*types.Tenant, error)
	// GetTenant returns a tenant by id.
	GetTenant(ctx context.Context, tenantID types.TenantID) (*types.Tenant, error)
	// GetTenantByAPIKey resolves an api key to its tenant.
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*types.Tenant, error)
	// ListTenants returns all tenants.
	ListTenants(ctx context.Context) ([]types.Tenant, error)
	// RotateAPIKey replaces the tenant's api key. The old key stops
	// authenticating in the same atomic apply that activates the new
	// one.
	RotateAPIKey(ctx context.Context, tenantID types.TenantID) (*types.Tenant, error)
	// DeleteTenant removes the tenant and cascades over everything
	// stored under it.
	DeleteTenant(ctx context.Context, tenantID types.TenantID) error
}

// ActivityUpdate describes one attribution write against a user record.
type ActivityUpdate struct {
	// ObservedAt is the candidate last-activity timestamp. The stored
	// value never moves backwards.
	ObservedAt time.Time
	// Subject, when set, is the application whose usage counter is
	// bumped together with the activity timestamp.
	Subject string
}

// Users manages user records within a tenant.
type Users interface {
	// CreateUser creates a user. Emails are unique within the tenant.
	CreateUser(ctx context.Context, tenantID types.TenantID, user types.User) (*types.User, error)
	// GetUser returns a user by id.
	GetUser(ctx context.Context, tenantID types.TenantID, userID types.UserID) (*types.User, error)
	// ListUsers returns all users of the tenant.
	ListUsers(ctx context.Context, tenantID types.TenantID) ([]types.User, error)
	// RecordActivity applies an attribution update to the user record:
	// last activity ratchets forward and the usage counter bumps in one
	// compare-and-swap, so no partial attribution is observable.
	RecordActivity(ctx context.Context, tenantID types.TenantID, userID types.UserID, update ActivityUpdate) (*types.User, error)
	// DeleteUser removes the user and its email index entry.
	DeleteUser(ctx context.Context, tenantID types.TenantID, userID types.UserID) error
}

// Identities manages endpoint identity mappings within a tenant.
type Identities interface {
	// UpsertIdentity creates or replaces the mapping for the identity's
	// identifier and clears any unclaimed-principal record for it.
	UpsertIdentity(ctx context.Context, tenantID types.TenantID, identity types.EndpointIdentity) (*types.EndpointIdentity, error)
	// GetIdentity looks a mapping up by identifier. Lookup is
	// case-insensitive.
	GetIdentity(ctx context.Context, tenantID types.TenantID, identifier string) (*types.EndpointIdentity, error)
	// ListIdentities returns all mappings of the tenant.
	ListIdentities(ctx context.Context, tenantID types.TenantID) ([]types.EndpointIdentity, error)
	// DeleteIdentity removes a mapping by identifier.
	DeleteIdentity(ctx context.Context, tenantID types.TenantID, identifier string) error
}

// ListEventsParams page through a tenant's stored events.
type ListEventsParams struct {
	// Limit caps the page size.
	Limit int
	// StartKey resumes listing after the given client id, exclusive.
	StartKey string
}

// Events is the durable event store.
type Events interface {
	// CreateEvent stores an event keyed by its client id. A duplicate
	// client id within the tenant returns AlreadyExists, which makes
	// re-delivery idempotent.
	CreateEvent(ctx context.Context, tenantID types.TenantID, event types.Event) error
	// GetEvent returns a stored event by client id.
	GetEvent(ctx context.Context, tenantID types.TenantID, clientID string) (*types.Event, error)
	// ListEvents pages through the tenant's events in client id order.
	// The returned key resumes the next page, empty when done.
	ListEvents(ctx context.Context, tenantID types.TenantID, params ListEventsParams) ([]types.Event, string, error)
}

// UnclaimedPrincipals tracks OS logins that produced events but map to no
// user yet.
type UnclaimedPrincipals interface {
	// RecordUnclaimed notes one more event from an unmapped principal.
	RecordUnclaimed(ctx context.Context, tenantID types.TenantID, principal, machine string, seenAt time.Time) error
	// ListUnclaimed returns the tenant's unmapped principals.
	ListUnclaimed(ctx context.Context, tenantID types.TenantID) ([]types.UnclaimedPrincipal, error)
	// DeleteUnclaimed removes the record for a principal.
	DeleteUnclaimed(ctx context.Context, tenantID types.TenantID, principal string) error
}

// Service bundles every storage dependency of the ingestion server.
type Service interface {
	Tenants
	Users
	Identities
	Events
	UnclaimedPrincipals
}
