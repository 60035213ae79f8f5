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

// Package transport delivers queued events to the ingest service. It
// prefers a long-lived websocket stream and falls back to plain HTTP
// requests when the stream cannot be kept up, re-probing it periodically.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/httplib"
	"github.com/spyglasshq/spyglass/lib/streamproto"
	"github.com/spyglasshq/spyglass/lib/types"
	"github.com/spyglasshq/spyglass/lib/utils"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// State is the delivery channel the multiplexer currently runs on.
type State string

const (
	// StateDisconnected means the run loop is not active.
	StateDisconnected State = "disconnected"
	// StateConnecting means a stream dial is in progress.
	StateConnecting State = "connecting"
	// StateStreaming means events ride the websocket stream.
	StateStreaming State = "streaming"
	// StateHTTPOnly means stream dialing failed repeatedly and events go
	// over individual HTTP requests until a probe succeeds.
	StateHTTPOnly State = "http-only"
)

// testEvent allows tests to observe the state machine without timing
// heuristics.
type testEvent string

const (
	dialOKEvent        testEvent = "dial-ok"
	dialErrEvent       testEvent = "dial-err"
	streamLostEvent    testEvent = "stream-lost"
	heartbeatMissEvent testEvent = "heartbeat-miss"
	httpFallbackEvent  testEvent = "http-fallback"
	streamProbeEvent   testEvent = "stream-probe"
)

// Config configures a Multiplexer.
type Config struct {
	// APIURL is the base server URL, e.g. https://ingest.example.com.
	APIURL string
	// APIKey authenticates the tenant.
	APIKey string
	// ClientID identifies this agent installation.
	ClientID string
	// Hostname is reported in the stream handshake.
	Hostname string
	// FailureThreshold is how many consecutive stream connect failures
	// switch delivery to HTTP only.
	FailureThreshold int
	// ProbeInterval is how often HTTP-only mode re-probes the stream.
	ProbeInterval time.Duration
	// HeartbeatInterval is the client heartbeat cadence on the stream.
	HeartbeatInterval time.Duration
	// HeartbeatMissWindow reconnects a stream with no traffic for this
	// long.
	HeartbeatMissWindow time.Duration
	// ReconnectBase and ReconnectMax bound the dial backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// SendTimeout bounds a single stream write.
	SendTimeout time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Logger overrides the default package logger.
	Logger *slog.Logger

	// testEvents receives state machine transitions in tests.
	testEvents chan testEvent
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.APIURL == "" {
		return trace.BadParameter("missing parameter APIURL")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.ClientID == "" {
		c.ClientID = c.Hostname
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.StreamFailureThreshold
	}
	if c.FailureThreshold < 1 {
		return trace.BadParameter("failure threshold %d must be positive", c.FailureThreshold)
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.StreamProbeInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatMissWindow == 0 {
		c.HeartbeatMissWindow = defaults.HeartbeatMissWindow
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = defaults.ReconnectBaseDelay
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = defaults.ReconnectMaxDelay
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaults.StreamSendTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(spyglass.ComponentKey, spyglass.ComponentTransport)
	}
	return nil
}

// activeStream is the stream currently owned by the run loop. done is
// closed when its read loop exits, unblocking senders waiting on an ack.
type activeStream struct {
	sess *streamproto.SessionStream
	done chan struct{}
}

// Multiplexer moves event batches to the server over whichever channel is
// healthy. One Run loop owns the stream lifecycle; Send may be called
// concurrently with it but sends are serialized.
type Multiplexer struct {
	cfg        Config
	clock      clockwork.Clock
	logger     *slog.Logger
	httpClient *roundtrip.Client
	streamURL  string
	retry      utils.Retry
	dialer     *websocket.Dialer

	stateMu sync.Mutex
	state   State

	activeMu sync.Mutex
	active   *activeStream

	sendMu sync.Mutex
	ackMu  sync.Mutex
	ackCh  chan *streamproto.Frame
}

// New creates a Multiplexer. Call Run to start the stream state machine;
// Send works in any state.
func New(cfg Config) (*Multiplexer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	streamURL, err := streamEndpoint(cfg.APIURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpClient, err := roundtrip.NewClient(cfg.APIURL, spyglass.APIVersion,
		roundtrip.HTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaults.RequestTimeout,
		}),
		roundtrip.BearerAuth(cfg.APIKey),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   cfg.ReconnectBase,
		Max:    cfg.ReconnectMax,
		Jitter: utils.NewFullJitter(),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Multiplexer{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		httpClient: httpClient,
		streamURL:  streamURL,
		retry:      retry,
		state:      StateDisconnected,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaults.ConnectTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}, nil
}

// Probe checks server reachability and then api key acceptance, in that
// order, so the caller can tell an unreachable server from a rejected
// credential. The connection test command uses it.
func Probe(ctx context.Context, apiURL, apiKey string) error {
	health, err := roundtrip.NewClient(apiURL, "",
		roundtrip.HTTPClient(&http.Client{Timeout: defaults.RequestTimeout}))
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := httplib.ConvertResponse(health.Get(ctx, health.Endpoint("health"), url.Values{})); err != nil {
		return trace.Wrap(err, "server health check failed")
	}

	api, err := roundtrip.NewClient(apiURL, spyglass.APIVersion,
		roundtrip.HTTPClient(&http.Client{Timeout: defaults.RequestTimeout}),
		roundtrip.BearerAuth(apiKey),
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := httplib.ConvertResponse(api.Get(ctx, api.Endpoint("events"), url.Values{"limit": []string{"1"}})); err != nil {
		return trace.Wrap(err, "api key check failed")
	}
	return nil
}

// streamEndpoint derives the websocket URL from the API base URL.
func streamEndpoint(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", trace.BadParameter("invalid api url %q: %v", apiURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", trace.BadParameter("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + spyglass.APIVersion + "/stream"
	return u.String(), nil
}

// State reports the current delivery channel. The shipper uses it to pick
// batch sizes and pacing.
func (m *Multiplexer) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Multiplexer) setState(ctx context.Context, next State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()
	if prev != next {
		m.logger.InfoContext(ctx, "Transport state changed.", "from", prev, "to", next)
	}
}

func (m *Multiplexer) testEvent(event testEvent) {
	if m.cfg.testEvents == nil {
		return
	}
	m.cfg.testEvents <- event
}

func (m *Multiplexer) setActive(active *activeStream) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	m.active = active
}

func (m *Multiplexer) currentStream() *activeStream {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.active
}

// Run owns the stream lifecycle: dial with capped backoff, serve until the
// stream breaks, switch to HTTP-only probing after too many consecutive
// dial failures. Returns nil once ctx is canceled.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer m.setState(ctx, StateDisconnected)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.setState(ctx, StateConnecting)
		sess, err := m.dialStream(ctx)
		if err == nil {
			failures = 0
			m.retry.Reset()
			m.testEvent(dialOKEvent)
			m.setState(ctx, StateStreaming)

			active := &activeStream{sess: sess, done: make(chan struct{})}
			m.setActive(active)
			m.serveStream(ctx, active)
			m.setActive(nil)
			close(active.done)

			if ctx.Err() != nil {
				return nil
			}
			m.testEvent(streamLostEvent)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		m.testEvent(dialErrEvent)
		if trace.IsAccessDenied(err) {
			m.logger.WarnContext(ctx, "Event stream rejected the api key.", "error", err)
		} else {
			m.logger.DebugContext(ctx, "Event stream connect failed.",
				"error", err, "consecutive_failures", failures)
		}

		if failures >= m.cfg.FailureThreshold {
			m.setState(ctx, StateHTTPOnly)
			m.testEvent(httpFallbackEvent)
			select {
			case <-m.clock.After(m.cfg.ProbeInterval):
				m.testEvent(streamProbeEvent)
			case <-ctx.Done():
				return nil
			}
			continue
		}

		m.retry.Inc()
		select {
		case <-m.retry.After():
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Multiplexer) dialStream(ctx context.Context) (*streamproto.SessionStream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaults.ConnectTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.streamURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, trace.ConnectionProblem(err, "failed to dial event stream (HTTP %d)", resp.StatusCode)
		}
		return nil, trace.ConnectionProblem(err, "failed to dial event stream")
	}
	sess := streamproto.NewSessionStream(conn, m.cfg.SendTimeout)
	if err := sess.SetReadDeadline(m.clock.Now().Add(defaults.ConnectTimeout)); err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	verdict, err := sess.Handshake(streamproto.ClientHandshake{
		APIKey:   m.cfg.APIKey,
		ClientID: m.cfg.ClientID,
		Hostname: m.cfg.Hostname,
		Version:  spyglass.Version,
	})
	if err != nil {
		sess.Close()
		return nil, trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Event stream established.", "session_id", verdict.SessionID)
	return sess, nil
}

// serveStream reads frames until the stream breaks or ctx is canceled.
// Heartbeats ride a separate goroutine; acks are routed to the sender
// waiting on them.
func (m *Multiplexer) serveStream(ctx context.Context, active *activeStream) {
	defer active.sess.Close()

	// The reader blocks in ReadFrame; closing the socket is the only way
	// to tear it down promptly on shutdown.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			active.sess.Close()
		case <-watchdogDone:
		}
	}()

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go m.sendHeartbeats(ctx, active.sess, heartbeatDone)

	for {
		if err := active.sess.SetReadDeadline(m.clock.Now().Add(m.cfg.HeartbeatMissWindow)); err != nil {
			return
		}
		frame, err := active.sess.ReadFrame()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				m.logger.WarnContext(ctx, "No server traffic within the heartbeat window, reconnecting.",
					"window", m.cfg.HeartbeatMissWindow)
				m.testEvent(heartbeatMissEvent)
			case ctx.Err() == nil:
				m.logger.DebugContext(ctx, "Event stream read failed.", "error", err)
			}
			return
		}
		switch frame.Kind {
		case streamproto.KindHeartbeat:
			// The read itself refreshed our liveness window.
		case streamproto.KindAck, streamproto.KindBatchAck:
			m.deliverAck(ctx, frame)
		default:
			m.logger.WarnContext(ctx, "Closing event stream on unexpected frame.", "kind", frame.Kind)
			return
		}
	}
}

func (m *Multiplexer) sendHeartbeats(ctx context.Context, sess *streamproto.SessionStream, done <-chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := sess.WriteFrame(&streamproto.Frame{Kind: streamproto.KindHeartbeat}); err != nil {
				// The reader notices the dead socket through its deadline;
				// closing here hurries it along.
				sess.Close()
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Multiplexer) deliverAck(ctx context.Context, frame *streamproto.Frame) {
	m.ackMu.Lock()
	ch := m.ackCh
	m.ackMu.Unlock()
	if ch == nil {
		m.logger.DebugContext(ctx, "Dropping ack with no sender waiting.", "kind", frame.Kind, "id", frame.ID)
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// Send delivers a batch and reports the outcome. On a nil error the result
// covers every event: Failed lists permanent rejections, everything else
// was accepted. On a non-nil error delivery stopped early; the indexes
// attempted so far are result.Processed+len(result.Failed), the rest were
// never sent and stay queued. Throttle errors carry advice readable via
// RetryAfter.
func (m *Multiplexer) Send(ctx context.Context, events []types.Event) (*types.BatchResult, error) {
	if len(events) == 0 {
		return &types.BatchResult{}, nil
	}
	if active := m.currentStream(); active != nil {
		result, err := m.sendStream(ctx, active, events)
		if err == nil || !trace.IsConnectionProblem(err) {
			return result, trace.Wrap(err)
		}
		// The stream died mid-send and the run loop is already redialing.
		// This batch goes over HTTP instead of waiting for it.
		m.logger.DebugContext(ctx, "Stream send failed, delivering batch over HTTP.", "error", err)
	}
	return m.sendHTTP(ctx, events)
}

func (m *Multiplexer) sendStream(ctx context.Context, active *activeStream, events []types.Event) (*types.BatchResult, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	ackCh := make(chan *streamproto.Frame, 1)
	m.ackMu.Lock()
	m.ackCh = ackCh
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		m.ackCh = nil
		m.ackMu.Unlock()
	}()

	frame := &streamproto.Frame{Kind: streamproto.KindBatch, Events: events}
	if len(events) == 1 {
		frame = &streamproto.Frame{Kind: streamproto.KindEvent, Event: &events[0]}
	}
	if err := active.sess.WriteFrame(frame); err != nil {
		return nil, trace.ConnectionProblem(err, "event stream write failed")
	}

	select {
	case ack := <-ackCh:
		if len(events) == 1 {
			return singleAckResult(ack)
		}
		return batchAckResult(ack)
	case <-active.done:
		return nil, trace.ConnectionProblem(nil, "event stream closed while waiting for an ack")
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func singleAckResult(ack *streamproto.Frame) (*types.BatchResult, error) {
	if ack.OK {
		return &types.BatchResult{Processed: 1}, nil
	}
	if ack.RetryAfterSeconds > 0 {
		return nil, NewThrottledError(time.Duration(ack.RetryAfterSeconds)*time.Second, ack.Error)
	}
	return &types.BatchResult{Failed: []types.ItemFailure{{Index: 0, Reason: ack.Error}}}, nil
}

func batchAckResult(ack *streamproto.Frame) (*types.BatchResult, error) {
	if !ack.OK {
		if ack.RetryAfterSeconds > 0 {
			return nil, NewThrottledError(time.Duration(ack.RetryAfterSeconds)*time.Second, ack.Error)
		}
		return nil, trace.Errorf("batch rejected: %s", ack.Error)
	}
	return &types.BatchResult{Processed: ack.Processed, Failed: ack.Failed}, nil
}

// sendHTTP ships one event per request. Pacing between requests belongs to
// the shipper.
func (m *Multiplexer) sendHTTP(ctx context.Context, events []types.Event) (*types.BatchResult, error) {
	result := &types.BatchResult{}
	for i := range events {
		err := m.postEvent(ctx, &events[i])
		if err == nil {
			result.Processed++
			continue
		}
		if trace.IsBadParameter(err) || errors.Is(err, httplib.ErrPayloadTooLarge) {
			// Permanent rejection of this event only; the rest of the
			// batch still has a chance.
			result.Failed = append(result.Failed, types.ItemFailure{Index: i, Reason: trace.UserMessage(err)})
			continue
		}
		return result, trace.Wrap(err)
	}
	return result, nil
}

func (m *Multiplexer) postEvent(ctx context.Context, event *types.Event) error {
	re, err := m.httpClient.PostJSON(ctx, m.httpClient.Endpoint("ingest"), event)
	if err == nil && re.Code() == http.StatusTooManyRequests {
		message := "request rate exceeded"
		var body httplib.ErrorBody
		if jsonErr := json.Unmarshal(re.Bytes(), &body); jsonErr == nil && body.Error.Message != "" {
			message = body.Error.Message
		}
		return NewThrottledError(retryAfterHeader(re), message)
	}
	_, err = httplib.ConvertResponse(re, err)
	return trace.Wrap(err)
}

func retryAfterHeader(re *roundtrip.Response) time.Duration {
	seconds, err := strconv.Atoi(re.Headers().Get(spyglass.RetryAfterHeader))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// throttledError carries the server's retry advice alongside the
// LimitExceeded kind so the shipper can honor it without parsing messages.
type throttledError struct {
	retryAfter time.Duration
	err        error
}

// NewThrottledError builds the error Send returns when the server throttles
// the tenant. RetryAfter reads the advice back.
func NewThrottledError(retryAfter time.Duration, message string) error {
	if message == "" {
		message = "request rate exceeded"
	}
	return &throttledError{
		retryAfter: retryAfter,
		err:        trace.LimitExceeded("%s", message),
	}
}

func (e *throttledError) Error() string { return e.err.Error() }

func (e *throttledError) Unwrap() error { return e.err }

// RetryAfter extracts the server's retry advice from a Send error, zero
// when it carries none.
func RetryAfter(err error) time.Duration {
	var throttled *throttledError
	if errors.As(err, &throttled) {
		return throttled.retryAfter
	}
	return 0
}
