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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/backend/memory"
	"github.com/spyglasshq/spyglass/lib/ingest"
	"github.com/spyglasshq/spyglass/lib/limiter"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// webPack is a full server stack behind an httptest listener. Stream
// tests reuse it through its websocket URL.
type webPack struct {
	srv    *httptest.Server
	svc    *local.Service
	tenant *types.Tenant
}

func newWebPack(t *testing.T, limits limiter.Config) *webPack {
	// Short heartbeats keep the stream tests snappy; the generous miss
	// window keeps slow CI machines from dropping live sessions.
	return newWebPackWithStreamTimeouts(t, limits, 100*time.Millisecond, 5*time.Second)
}

func newWebPackWithStreamTimeouts(t *testing.T, limits limiter.Config, heartbeat, missWindow time.Duration) *webPack {
	t.Helper()
	ctx := context.Background()

	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })
	svc := local.New(bk)

	lim, err := limiter.New(limits)
	require.NoError(t, err)

	engine, err := ingest.NewEngine(ingest.EngineConfig{
		Service: svc,
		Limiter: lim,
		Logger:  logutils.DiscardLogger,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Engine:              engine,
		Service:             svc,
		Logger:              logutils.DiscardLogger,
		HeartbeatInterval:   heartbeat,
		HeartbeatMissWindow: missWindow,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tenant, err := svc.CreateTenant(ctx, types.Tenant{Name: "acme"})
	require.NoError(t, err)

	return &webPack{srv: srv, svc: svc, tenant: tenant}
}

// roundTrip sends a request with the given api key and returns the
// response plus its decoded body.
func (p *webPack) roundTrip(t *testing.T, method, path, apiKey string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, p.srv.URL+path, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set(spyglass.APIKeyHeader, apiKey)
	}
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func (p *webPack) event(kind, subject, principal string) types.Event {
	return types.Event{
		Kind:       kind,
		Subject:    subject,
		Principal:  principal,
		Machine:    "WS-042",
		ClientID:   uuid.NewString(),
		ClientTime: time.Now().UTC(),
	}
}

func TestIngestEventEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newWebPack(t, limiter.Config{})

	event := pack.event(types.KindApplicationLaunch, "excel.exe", `ACME\kim`)
	// A tenant id smuggled into the body must be ignored in favor of the
	// one the api key resolved to.
	event.TenantID = types.TenantID("someone-else")

	resp, body := pack.roundTrip(t, http.MethodPost, "/v1/ingest", pack.tenant.APIKey, event)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var ack struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(body, &ack))
	require.Equal(t, event.ClientID, ack.EventID)

	stored, err := pack.svc.GetEvent(ctx, pack.tenant.ID, event.ClientID)
	require.NoError(t, err)
	require.Equal(t, pack.tenant.ID, stored.TenantID)
	require.Equal(t, types.ChannelHTTP, stored.Channel)
	require.False(t, stored.ReceiveTime.IsZero())
}

func TestIngestRequiresAPIKey(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})
	event := pack.event(types.KindApplicationLaunch, "excel.exe", `ACME\kim`)

	for name, apiKey := range map[string]string{
		"missing key": "",
		"unknown key": uuid.NewString(),
	} {
		t.Run(name, func(t *testing.T) {
			resp, body := pack.roundTrip(t, http.MethodPost, "/v1/ingest", apiKey, event)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			var reply struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(body, &reply))
			require.Contains(t, reply.Error.Message, "api key")
		})
	}
}

func TestIngestAcceptsBearerToken(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})
	event := pack.event(types.KindApplicationLaunch, "excel.exe", `ACME\kim`)

	payload, err := json.Marshal(event)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, pack.srv.URL+"/v1/ingest", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pack.tenant.APIKey)

	resp, err := pack.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})

	event := pack.event(types.KindApplicationLaunch, "excel.exe", `ACME\kim`)
	event.Title = strings.Repeat("x", 80<<10)

	resp, _ := pack.roundTrip(t, http.MethodPost, "/v1/ingest", pack.tenant.APIKey, event)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})

	event := pack.event("coffee-break", "excel.exe", `ACME\kim`)
	resp, body := pack.roundTrip(t, http.MethodPost, "/v1/ingest", pack.tenant.APIKey, event)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestIngestBatchEndpoint(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})

	events := []types.Event{
		pack.event(types.KindApplicationUsage, "excel.exe", `ACME\kim`),
		pack.event("bogus-kind", "word.exe", `ACME\kim`),
		pack.event(types.KindWindowFocus, "outlook.exe", `ACME\kim`),
	}
	resp, body := pack.roundTrip(t, http.MethodPost, "/v1/ingest-batch", pack.tenant.APIKey, map[string]interface{}{
		"events": events,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result types.BatchResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 2, result.Processed)
	require.Len(t, result.Failed, 1)
	require.Equal(t, 1, result.Failed[0].Index)
	require.Contains(t, result.Failed[0].Reason, "kind")
}

func TestThrottledRequestCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{Capacity: 1, RefillPerMinute: 1})

	resp, _ := pack.roundTrip(t, http.MethodPost, "/v1/ingest", pack.tenant.APIKey,
		pack.event(types.KindApplicationLaunch, "excel.exe", `ACME\kim`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := pack.roundTrip(t, http.MethodPost, "/v1/ingest", pack.tenant.APIKey,
		pack.event(types.KindApplicationLaunch, "word.exe", `ACME\kim`))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, string(body))
	require.NotEmpty(t, resp.Header.Get(spyglass.RetryAfterHeader))
}

func TestListEventsPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newWebPack(t, limiter.Config{})

	for i := 0; i < 5; i++ {
		event := pack.event(types.KindApplicationLaunch, fmt.Sprintf("app-%d.exe", i), `ACME\kim`)
		require.NoError(t, event.CheckAndSetDefaults())
		event.ReceiveTime = time.Now().UTC()
		require.NoError(t, pack.svc.CreateEvent(ctx, pack.tenant.ID, event))
	}

	seen := map[string]bool{}
	path := "/v1/events?limit=2"
	for {
		resp, body := pack.roundTrip(t, http.MethodGet, path, pack.tenant.APIKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var page struct {
			Events  []types.Event `json:"events"`
			NextKey string        `json:"next_key"`
		}
		require.NoError(t, json.Unmarshal(body, &page))
		for _, event := range page.Events {
			require.False(t, seen[event.ClientID], "event %q served twice", event.ClientID)
			seen[event.ClientID] = true
		}
		if page.NextKey == "" {
			break
		}
		path = "/v1/events?limit=2&start_key=" + page.NextKey
	}
	require.Len(t, seen, 5)
}

func TestListUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newWebPack(t, limiter.Config{})

	for _, email := range []string{"kim@acme.test", "lee@acme.test"} {
		_, err := pack.svc.CreateUser(ctx, pack.tenant.ID, types.User{Email: email})
		require.NoError(t, err)
	}

	resp, body := pack.roundTrip(t, http.MethodGet, "/v1/users", pack.tenant.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var reply struct {
		Users []types.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(body, &reply))
	require.Len(t, reply.Users, 2)
}

func TestReadAPIIsTenantScoped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pack := newWebPack(t, limiter.Config{})

	other, err := pack.svc.CreateTenant(ctx, types.Tenant{Name: "globex"})
	require.NoError(t, err)

	event := pack.event(types.KindApplicationLaunch, "excel.exe", `GLOBEX\sam`)
	require.NoError(t, event.CheckAndSetDefaults())
	event.ReceiveTime = time.Now().UTC()
	require.NoError(t, pack.svc.CreateEvent(ctx, other.ID, event))

	resp, body := pack.roundTrip(t, http.MethodGet, "/v1/events", pack.tenant.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Events []types.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Empty(t, page.Events, "tenant %q must not see tenant %q events", pack.tenant.ID, other.ID)
}

func TestHealthRequiresNoAuth(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t, limiter.Config{})

	resp, body := pack.roundTrip(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, "ok", status.Status)
	require.Equal(t, spyglass.Version, status.Version)
}
