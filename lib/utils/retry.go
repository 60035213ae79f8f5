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

package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewFullJitter returns a jitter on the range [0,n). Most suitable for
// breaking up thundering herds of reconnecting clients, where the full
// range matters more than a guaranteed minimum delay.
func NewFullJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int63n(int64(d)))
	}
}

// NewHalfJitter returns a jitter on the range [n/2,n). Suitable for
// periodic operations where a minimum spacing still matters.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// Retry provides retry backoff state.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt.
	Inc()
	// Duration returns the current retry delay, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// ExponentialConfig configures a doubling backoff.
type ExponentialConfig struct {
	// Base is the first delay of the progression. Required.
	Base time.Duration
	// Max caps the progression. Required.
	Max time.Duration
	// Jitter is applied to the computed delay when set. Successive calls
	// to Duration may then return different results.
	Jitter Jitter
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
}

func (c *ExponentialConfig) checkAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing exponential retry base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing exponential retry max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a capped doubling backoff.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Exponential{cfg: cfg}, nil
}

// Exponential doubles the delay on every attempt up to the configured cap.
type Exponential struct {
	cfg     ExponentialConfig
	attempt int64
}

// Reset resets the progression.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc advances the progression.
func (r *Exponential) Inc() {
	r.attempt++
}

// Duration returns the current delay.
func (r *Exponential) Duration() time.Duration {
	d := r.cfg.Base
	for i := int64(0); i < r.attempt && d < r.cfg.Max; i++ {
		d *= 2
	}
	if d > r.cfg.Max {
		d = r.cfg.Max
	}
	if r.cfg.Jitter != nil {
		d = r.cfg.Jitter(d)
	}
	return d
}

// After returns a channel that fires once the current delay elapses.
func (r *Exponential) After() <-chan time.Time {
	return r.cfg.Clock.After(r.Duration())
}

// Clone returns a reset copy of the retry.
func (r *Exponential) Clone() Retry {
	return &Exponential{cfg: r.cfg}
}
