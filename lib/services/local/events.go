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
	"bytes"
	"context"

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/backend"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/services"
	"github.com/spyglasshq/spyglass/lib/types"
)

// CreateEvent stores an event keyed by its client id. The write is
// create-only: a second submission of the same client id fails with
// AlreadyExists, which is how replayed deliveries are detected.
func (s *Service) CreateEvent(ctx context.Context, tenantID types.TenantID, event types.Event) error {
	if tenantID.IsZero() {
		return trace.BadParameter("missing tenant id")
	}
	if event.ClientID == "" {
		return trace.BadParameter("missing event client id")
	}
	event.TenantID = tenantID
	value, err := marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.Create(ctx, backend.Item{
		Key:   eventKey(tenantID, event.ClientID),
		Value: value,
	}); err != nil {
		if trace.IsAlreadyExists(err) {
			return trace.AlreadyExists("event %q already exists", event.ClientID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// GetEvent returns a stored event by client id.
func (s *Service) GetEvent(ctx context.Context, tenantID types.TenantID, clientID string) (*types.Event, error) {
	if tenantID.IsZero() {
		return nil, trace.BadParameter("missing tenant id")
	}
	if clientID == "" {
		return nil, trace.BadParameter("missing event client id")
	}
	item, err := s.Get(ctx, eventKey(tenantID, clientID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("event %q is not found", clientID)
		}
		return nil, trace.Wrap(err)
	}
	var event types.Event
	if err := unmarshal(item.Value, &event); err != nil {
		return nil, trace.Wrap(err)
	}
	return &event, nil
}

// ListEvents returns a page of the tenant's events in key order. The
// returned key, when non-empty, resumes the listing on the next call.
func (s *Service) ListEvents(ctx context.Context, tenantID types.TenantID, params services.ListEventsParams) ([]types.Event, string, error) {
	if tenantID.IsZero() {
		return nil, "", trace.BadParameter("missing tenant id")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaults.EventPageSize
	}
	if limit > defaults.MaxEventPageSize {
		limit = defaults.MaxEventPageSize
	}
	prefix := backend.Key(eventsPrefix, string(tenantID))
	startKey := prefix
	if params.StartKey != "" {
		// Resume strictly after the cursor: ranges are inclusive on both
		// ends, so nudge past the last returned key.
		startKey = append(eventKey(tenantID, params.StartKey), 0)
	}
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(prefix), limit+1)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	items := result.Items
	nextKey := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1].Key
		nextKey = string(bytes.TrimPrefix(last, append(prefix, backend.Separator)))
	}
	events := make([]types.Event, 0, len(items))
	for _, item := range items {
		var event types.Event
		if err := unmarshal(item.Value, &event); err != nil {
			return nil, "", trace.Wrap(err)
		}
		events = append(events, event)
	}
	return events, nextKey, nil
}
