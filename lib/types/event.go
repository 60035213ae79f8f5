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

package types

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/defaults"
)

// Event kinds accepted on the wire.
const (
	// KindApplicationLaunch marks the first observation of a process run.
	KindApplicationLaunch = "application-launch"
	// KindApplicationUsage marks an allow-listed application observed
	// running, at most once per continuous run.
	KindApplicationUsage = "application-usage"
	// KindWindowFocus marks a foreground window change.
	KindWindowFocus = "window-focus"
	// KindWebVisit marks a browser visit derived from a window title.
	KindWebVisit = "web-visit"
	// KindNetworkConnection marks an outbound connection of interest.
	KindNetworkConnection = "network-connection"
	// KindAgentLifecycle marks agent start/stop.
	KindAgentLifecycle = "agent-lifecycle"
)

// Delivery channels stamped on stored events.
const (
	ChannelStream = "stream"
	ChannelHTTP   = "http"
)

var eventKinds = map[string]struct{}{
	KindApplicationLaunch: {},
	KindApplicationUsage:  {},
	KindWindowFocus:       {},
	KindWebVisit:          {},
	KindNetworkConnection: {},
	KindAgentLifecycle:    {},
}

// IsValidEventKind reports whether kind is accepted on the wire.
func IsValidEventKind(kind string) bool {
	_, ok := eventKinds[kind]
	return ok
}

// Event is one observation made by an agent. TenantID, ReceiveTime and
// Channel are stamped by the server after authentication; values supplied
// by clients for them are discarded.
type Event struct {
	TenantID TenantID `json:"tenant_id,omitempty"`
	Kind     string   `json:"kind"`
	// Subject is the application name, URL or remote endpoint.
	Subject string `json:"subject"`
	// Title is the window title, when the kind has one.
	Title string `json:"title,omitempty"`
	// Principal is the OS login the activity belongs to.
	Principal string `json:"principal"`
	Machine   string `json:"machine,omitempty"`
	// ClientID is the agent-generated id the server deduplicates on.
	ClientID    string    `json:"client_id"`
	ClientTime  time.Time `json:"client_time"`
	ReceiveTime time.Time `json:"receive_time,omitempty"`
	Channel     string    `json:"channel,omitempty"`
}

// CheckAndSetDefaults validates required fields, kind membership and the
// field size caps.
func (e *Event) CheckAndSetDefaults() error {
	if e.Kind == "" {
		return trace.BadParameter("missing event kind")
	}
	if !IsValidEventKind(e.Kind) {
		return trace.BadParameter("unknown event kind %q", e.Kind)
	}
	if e.Subject == "" {
		return trace.BadParameter("missing event subject")
	}
	if e.Principal == "" && e.Kind != KindAgentLifecycle {
		return trace.BadParameter("missing event principal")
	}
	if e.ClientID == "" {
		return trace.BadParameter("missing client id")
	}
	if _, err := uuid.Parse(e.ClientID); err != nil {
		return trace.BadParameter("invalid client id %q", e.ClientID)
	}
	if e.ClientTime.IsZero() {
		return trace.BadParameter("missing client time")
	}
	if len(e.Subject) > defaults.MaxSubjectBytes {
		return trace.BadParameter("subject exceeds %d bytes", defaults.MaxSubjectBytes)
	}
	if len(e.Title) > defaults.MaxTitleBytes {
		return trace.BadParameter("title exceeds %d bytes", defaults.MaxTitleBytes)
	}
	if len(e.Principal) > defaults.MaxPrincipalBytes {
		return trace.BadParameter("principal exceeds %d bytes", defaults.MaxPrincipalBytes)
	}
	return nil
}

// Normalize brings accepted field values to canonical form. It runs after
// validation so caps apply to what the client actually sent.
func (e *Event) Normalize() {
	e.Subject = strings.TrimSpace(e.Subject)
	e.Title = strings.TrimSpace(e.Title)
	e.Principal = strings.TrimSpace(e.Principal)
	e.Machine = strings.TrimSpace(e.Machine)
	if e.Kind == KindWebVisit {
		e.Subject = normalizeWebSubject(e.Subject)
	}
	e.ClientTime = e.ClientTime.UTC()
}

// normalizeWebSubject lower-cases the host of a web-visit subject and
// drops query and fragment. Subjects are often bare domains without a
// scheme, which url.Parse reads as a path.
func normalizeWebSubject(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		host, rest, found := strings.Cut(s, "/")
		if !found {
			return strings.ToLower(s)
		}
		return strings.ToLower(host) + "/" + rest
	}
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// ItemFailure describes one rejected element of a batch.
type ItemFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult is the per-batch outcome shared by the HTTP and stream
// channels: how many elements were accepted and which were rejected.
// Duplicates count as processed.
type BatchResult struct {
	Processed int           `json:"processed"`
	Failed    []ItemFailure `json:"failed,omitempty"`
}
