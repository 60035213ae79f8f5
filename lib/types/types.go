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

// Package types defines the records the pipeline moves and stores:
// tenants, users, endpoint identities and events. Identifier types are
// distinct so a storage method cannot silently drop its tenant scope.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// TenantID identifies a tenant. Every storage operation takes it as an
// explicit parameter; it is never read from request bodies.
type TenantID string

func (id TenantID) String() string { return string(id) }

// IsZero reports whether the id is unset.
func (id TenantID) IsZero() bool { return id == "" }

// ParseTenantID validates s as a tenant id.
func ParseTenantID(s string) (TenantID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", trace.BadParameter("invalid tenant id %q", s)
	}
	return TenantID(s), nil
}

// UserID identifies a user within a tenant.
type UserID string

func (id UserID) String() string { return string(id) }

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool { return id == "" }

// Rate classes assignable to a tenant.
const (
	RateClassDefault   = "default"
	RateClassHigh      = "high"
	RateClassUnlimited = "unlimited"
)

// Tenant is a customer account. The api key authenticates every request
// the tenant's agents make; rotation replaces it atomically.
type Tenant struct {
	ID           TenantID  `json:"id"`
	Name         string    `json:"name"`
	ContactEmail string    `json:"contact_email,omitempty"`
	APIKey       string    `json:"api_key"`
	RateClass    string    `json:"rate_class"`
	CreatedAt    time.Time `json:"created_at"`
	// Deleted marks a tombstoned tenant. The record stays so the id can
	// not be reused; every read treats it as absent.
	Deleted bool `json:"deleted,omitempty"`
}

// CheckAndSetDefaults validates the tenant and fills in generated fields.
func (t *Tenant) CheckAndSetDefaults() error {
	if t.Name == "" {
		return trace.BadParameter("missing tenant name")
	}
	if t.ID.IsZero() {
		t.ID = TenantID(uuid.NewString())
	} else if _, err := uuid.Parse(string(t.ID)); err != nil {
		return trace.BadParameter("invalid tenant id %q", t.ID)
	}
	if t.APIKey == "" {
		t.APIKey = uuid.NewString()
	}
	switch t.RateClass {
	case "":
		t.RateClass = RateClassDefault
	case RateClassDefault, RateClassHigh, RateClassUnlimited:
	default:
		return trace.BadParameter("unknown rate class %q", t.RateClass)
	}
	return nil
}

// User is a person events attribute to. LastActivity and AppUsage live on
// the same record so attribution updates both in one compare-and-swap.
type User struct {
	ID          UserID   `json:"id"`
	TenantID    TenantID `json:"tenant_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	// LicenseTags mark the licensed product seats assigned to the user.
	LicenseTags []string `json:"license_tags,omitempty"`
	// LastActivity never moves backwards.
	LastActivity time.Time `json:"last_activity,omitempty"`
	// AppUsage counts attributed application-usage events per subject.
	AppUsage  map[string]uint64 `json:"app_usage,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CheckAndSetDefaults validates the user and fills in generated fields.
func (u *User) CheckAndSetDefaults() error {
	if u.TenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return trace.BadParameter("missing user email")
	}
	if !strings.Contains(u.Email, "@") {
		return trace.BadParameter("invalid user email %q", u.Email)
	}
	if u.ID.IsZero() {
		u.ID = UserID(uuid.NewString())
	}
	return nil
}

// EndpointIdentity maps an OS login observed on a workstation to a user.
// Identifiers compare case-insensitively; the folded form is the lookup key.
type EndpointIdentity struct {
	TenantID TenantID `json:"tenant_id"`
	UserID   UserID   `json:"user_id"`
	// Identifier is the OS principal, commonly DOMAIN\login.
	Identifier  string    `json:"identifier"`
	MachineHint string    `json:"machine_hint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the identity mapping.
func (i *EndpointIdentity) CheckAndSetDefaults() error {
	if i.TenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	if i.UserID.IsZero() {
		return trace.BadParameter("missing user id")
	}
	i.Identifier = strings.TrimSpace(i.Identifier)
	if i.Identifier == "" {
		return trace.BadParameter("missing identifier")
	}
	return nil
}

// UnclaimedPrincipal records activity from an OS login no identity claims
// yet. It exists so administrators can find mappings to create; no user
// record is fabricated for it.
type UnclaimedPrincipal struct {
	TenantID  TenantID  `json:"tenant_id"`
	Principal string    `json:"principal"`
	Machine   string    `json:"machine,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     uint64    `json:"count"`
}

// FoldPrincipal canonicalizes an OS principal for lookups. Windows logins
// are case-insensitive, so the folded form is the storage key.
func FoldPrincipal(principal string) string {
	return strings.ToLower(strings.TrimSpace(principal))
}
