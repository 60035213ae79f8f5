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

// Package local implements the typed storage services over the key/value
// backend.
package local

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/types"
)

// Key prefixes of the stored record families.
const (
	tenantsPrefix    = "tenants"
	apiKeysPrefix    = "apikeys"
	usersPrefix      = "users"
	userEmailsPrefix = "useremails"
	identitiesPrefix = "identities"
	eventsPrefix     = "events"
	unclaimedPrefix  = "unclaimed"
)

// casAttempts bounds compare-and-swap retry loops.
const casAttempts = 8

// Service implements services.Service over a storage backend.
type Service struct {
	backend.Backend
}

// New returns a Service storing everything in bk.
func New(bk backend.Backend) *Service {
	return &Service{Backend: bk}
}

func tenantKey(id types.TenantID) []byte {
	return backend.Key(tenantsPrefix, string(id))
}

func apiKeyKey(apiKey string) []byte {
	return backend.Key(apiKeysPrefix, apiKey)
}

func userKey(tenantID types.TenantID, id types.UserID) []byte {
	return backend.Key(usersPrefix, string(tenantID), string(id))
}

func userEmailKey(tenantID types.TenantID, email string) []byte {
	return backend.Key(userEmailsPrefix, string(tenantID), email)
}

func identityKey(tenantID types.TenantID, folded string) []byte {
	return backend.Key(identitiesPrefix, string(tenantID), folded)
}

func eventKey(tenantID types.TenantID, clientID string) []byte {
	return backend.Key(eventsPrefix, string(tenantID), clientID)
}

func unclaimedKey(tenantID types.TenantID, folded string) []byte {
	return backend.Key(unclaimedPrefix, string(tenantID), folded)
}

func marshal(v any) ([]byte, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return value, nil
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return trace.BadParameter("missing stored value")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
