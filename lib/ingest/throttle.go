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
	"errors"
	"math"
	"time"

	"github.com/gravitational/trace"
)

// throttleError carries machine-readable retry advice alongside the
// LimitExceeded kind, so transports can emit a Retry-After header or frame
// field without parsing messages.
type throttleError struct {
	retryAfter time.Duration
	err        error
}

func newThrottleError(retryAfter time.Duration) error {
	return &throttleError{
		retryAfter: retryAfter,
		err:        trace.LimitExceeded("request rate exceeded, retry in %v", retryAfter.Round(time.Second)),
	}
}

func (e *throttleError) Error() string { return e.err.Error() }

func (e *throttleError) Unwrap() error { return e.err }

// RetryAfter extracts retry advice from a throttle error, zero when err
// carries none.
func RetryAfter(err error) time.Duration {
	var throttled *throttleError
	if errors.As(err, &throttled) {
		return throttled.retryAfter
	}
	return 0
}

// RetryAfterSeconds renders retry advice for the Retry-After header and the
// stream ack field. It rounds up so a client never retries early.
func RetryAfterSeconds(err error) int {
	retryAfter := RetryAfter(err)
	if retryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(retryAfter.Seconds()))
}
