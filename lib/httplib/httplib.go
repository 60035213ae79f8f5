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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/spyglasshq/spyglass/lib/defaults"
)

// HandlerFunc specifies an HTTP handler function that returns the response
// body or an error. Errors are translated to status codes by ReplyError.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// The handler's context is bounded by the server request timeout; stream
// endpoints that outlive a request do not go through this adapter.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), defaults.ServerRequestTimeout)
		defer cancel()
		out, err := fn(w, r.WithContext(ctx), p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ErrPayloadTooLarge is returned by ReadJSON when the request body exceeds
// the handler's cap. It replies with 413 rather than 429: the payload will
// never fit, so retrying it as a throttle would loop forever.
var ErrPayloadTooLarge = &trace.LimitExceededError{Message: "request payload exceeds the size limit"}

// ReadJSON reads the request body up to maxBytes and unmarshals it into val.
func ReadJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, val interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return trace.Wrap(ErrPayloadTooLarge)
		}
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ErrorToCode maps an error to its response status code. Authentication
// failures reply 401: the credential itself is bad, not the caller's
// permissions.
func ErrorToCode(err error) int {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	default:
		return trace.ErrorToCode(err)
	}
}

// ReplyError sets up the http error response and writes it to writer w.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToCode(err), ErrorResponse(err))
}

// ErrorBody is the JSON shape of error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the user-facing message of an error response.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ErrorResponse builds the response body for an error.
func ErrorResponse(err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: trace.UserMessage(err)}}
}

// ConvertResponse converts an http error to the internal error type based
// on the response status code and body.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			return nil, trace.ConnectionProblem(uerr.Err, "failed to send request")
		}
		return nil, trace.Wrap(err)
	}
	code := re.Code()
	if code >= 200 && code <= 299 {
		return re, nil
	}
	msg := errorMessage(re)
	switch code {
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, trace.AccessDenied("%s", msg)
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", msg)
	case http.StatusConflict:
		return nil, trace.AlreadyExists("%s", msg)
	case http.StatusRequestEntityTooLarge:
		return nil, trace.Wrap(ErrPayloadTooLarge)
	case http.StatusPreconditionFailed:
		return nil, trace.CompareFailed("%s", msg)
	case http.StatusTooManyRequests:
		return nil, trace.LimitExceeded("%s", msg)
	}
	return nil, trace.Errorf("unrecognized http error: %v %s", code, msg)
}

func errorMessage(re *roundtrip.Response) string {
	var body ErrorBody
	if err := json.Unmarshal(re.Bytes(), &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(re.Bytes()))
}
