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

// Package streamproto defines the JSON message protocol spoken over the
// event stream websocket. A session opens with a handshake exchange, then
// carries event, batch, heartbeat and ack frames until either side closes.
package streamproto

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass/lib/types"
)

// ClientHandshake is the first message a client sends on a new stream.
type ClientHandshake struct {
	// APIKey authenticates the tenant.
	APIKey string `json:"api_key"`
	// ClientID identifies the agent installation.
	ClientID string `json:"client_id,omitempty"`
	// Hostname names the workstation the agent runs on.
	Hostname string `json:"hostname,omitempty"`
	// Version is the agent build version.
	Version string `json:"version,omitempty"`
}

// Session handshake verdicts.
const (
	SessionOK       = "ok"
	SessionRejected = "rejected"
)

// Rejection reasons. They map to error kinds on the client so the
// transport can tell a bad credential from a throttle.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonThrottled       = "throttled"
	ReasonInternal        = "internal"
)

// ServerHandshake is the server's reply to a ClientHandshake.
type ServerHandshake struct {
	Session   string `json:"session"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	// RetryAfterSeconds advises when to retry a throttled handshake.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Frame kinds.
const (
	KindEvent     = "event"
	KindBatch     = "batch"
	KindHeartbeat = "heartbeat"
	KindAck       = "ack"
	KindBatchAck  = "batch_ack"
)

// Frame is one protocol message after the handshake. Kind selects which
// fields are meaningful.
type Frame struct {
	Kind string `json:"kind"`

	// Event is set on event frames.
	Event *types.Event `json:"event,omitempty"`
	// Events is set on batch frames.
	Events []types.Event `json:"events,omitempty"`

	// ID correlates an ack with the client id of the event it answers.
	ID string `json:"id,omitempty"`
	// OK reports whether the acked event was accepted. Duplicates ack OK.
	OK bool `json:"ok,omitempty"`
	// Error describes a rejected event.
	Error string `json:"error,omitempty"`

	// Processed and Failed are set on batch_ack frames. Failed entries are
	// permanent rejections; everything past Processed that is not listed
	// was never attempted and should be re-sent.
	Processed int                 `json:"processed,omitempty"`
	Failed    []types.ItemFailure `json:"failed,omitempty"`

	// RetryAfterSeconds is set on ack and batch_ack frames when the
	// tenant is over budget. The unacked remainder stays queued.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Check validates the frame kind and shape.
func (f *Frame) Check() error {
	switch f.Kind {
	case KindEvent:
		if f.Event == nil {
			return trace.BadParameter("event frame carries no event")
		}
	case KindBatch:
		if len(f.Events) == 0 {
			return trace.BadParameter("batch frame carries no events")
		}
	case KindHeartbeat, KindAck, KindBatchAck:
	case "":
		return trace.BadParameter("missing frame kind")
	default:
		return trace.BadParameter("unknown frame kind %q", f.Kind)
	}
	return nil
}

// SessionStream exchanges protocol messages over a websocket connection.
// Writes are serialized; gorilla connections allow only one concurrent
// writer.
type SessionStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewSessionStream wraps an established websocket connection. writeTimeout
// bounds each write; zero disables the deadline.
func NewSessionStream(conn *websocket.Conn, writeTimeout time.Duration) *SessionStream {
	return &SessionStream{conn: conn, writeTimeout: writeTimeout}
}

func (s *SessionStream) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(s.conn.WriteJSON(v))
}

// WriteFrame sends one frame.
func (s *SessionStream) WriteFrame(frame *Frame) error {
	if err := frame.Check(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.writeJSON(frame))
}

// ReadFrame reads and validates the next frame.
func (s *SessionStream) ReadFrame() (*Frame, error) {
	var frame Frame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := frame.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &frame, nil
}

// SetReadDeadline bounds the next read. The owner refreshes it on every
// received frame to detect silent peers.
func (s *SessionStream) SetReadDeadline(t time.Time) error {
	return trace.Wrap(s.conn.SetReadDeadline(t))
}

// Handshake runs the client side of the session handshake and returns the
// server verdict. Rejections surface as typed errors.
func (s *SessionStream) Handshake(hs ClientHandshake) (*ServerHandshake, error) {
	if err := s.writeJSON(hs); err != nil {
		return nil, trace.Wrap(err)
	}
	var verdict ServerHandshake
	if err := s.conn.ReadJSON(&verdict); err != nil {
		return nil, trace.Wrap(err)
	}
	if verdict.Session == SessionOK {
		return &verdict, nil
	}
	switch verdict.Reason {
	case ReasonUnauthenticated:
		return nil, trace.AccessDenied("%s", verdict.Error)
	case ReasonThrottled:
		return nil, trace.LimitExceeded("%s", verdict.Error)
	default:
		return nil, trace.ConnectionProblem(nil, "stream handshake rejected: %s", verdict.Error)
	}
}

// ReadHandshake reads the client's opening message (server side).
func (s *SessionStream) ReadHandshake() (*ClientHandshake, error) {
	var hs ClientHandshake
	if err := s.conn.ReadJSON(&hs); err != nil {
		return nil, trace.Wrap(err)
	}
	if hs.APIKey == "" {
		return nil, trace.AccessDenied("stream handshake carries no api key")
	}
	return &hs, nil
}

// Accept confirms the session (server side).
func (s *SessionStream) Accept(sessionID string) error {
	return trace.Wrap(s.writeJSON(ServerHandshake{
		Session:   SessionOK,
		SessionID: sessionID,
	}))
}

// Reject refuses the session and closes the stream (server side).
func (s *SessionStream) Reject(reason, message string, retryAfter time.Duration) error {
	err := s.writeJSON(ServerHandshake{
		Session:           SessionRejected,
		Reason:            reason,
		Error:             message,
		RetryAfterSeconds: int(retryAfter / time.Second),
	})
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return trace.Wrap(err)
}

// Close sends a close message and tears the connection down.
func (s *SessionStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.writeTimeout)
		if s.writeTimeout == 0 {
			deadline = time.Now().Add(time.Second)
		}
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return trace.Wrap(s.closeErr)
}
