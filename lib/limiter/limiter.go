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

// Package limiter enforces per-tenant request budgets with token buckets.
// Buckets are keyed by tenant and scope so one tenant's burst cannot starve
// another and interactive reads survive an ingest flood.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
)

// Scope separates budgets by traffic class.
type Scope string

const (
	// ScopeIngest covers event submission on both channels.
	ScopeIngest Scope = "ingest"
	// ScopeInteractive covers read endpoints used by people and dashboards.
	ScopeInteractive Scope = "interactive"
)

// Config holds limiter parameters.
type Config struct {
	// Capacity is the bucket size for the default rate class.
	Capacity int
	// RefillPerMinute is the steady refill rate for the default class.
	RefillPerMinute int
	// HighMultiplier scales capacity and refill for the high rate class.
	HighMultiplier int
	// MaxBuckets caps how many buckets are tracked before the least
	// recently used one is dropped. A dropped bucket reinitializes full,
	// which briefly favors the tenant over the server. That is the right
	// trade: losing a bucket must never lock a tenant out.
	MaxBuckets int
	// Clock is used to meter refill.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = defaults.BucketCapacity
	}
	if c.Capacity < 0 {
		return trace.BadParameter("bucket capacity must be positive")
	}
	if c.RefillPerMinute == 0 {
		c.RefillPerMinute = defaults.BucketRefillPerMinute
	}
	if c.RefillPerMinute < 0 {
		return trace.BadParameter("refill rate must be positive")
	}
	if c.HighMultiplier == 0 {
		c.HighMultiplier = defaults.HighRateMultiplier
	}
	if c.HighMultiplier < 1 {
		return trace.BadParameter("high rate multiplier must be at least 1")
	}
	if c.MaxBuckets == 0 {
		c.MaxBuckets = defaults.LimiterMaxBuckets
	}
	if c.MaxBuckets < 1 {
		return trace.BadParameter("bucket cap must be at least 1")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type bucketKey struct {
	tenantID types.TenantID
	scope    Scope
}

// Limiter meters requests per (tenant, scope) pair.
type Limiter struct {
	cfg   Config
	clock clockwork.Clock

	// mu guards bucket creation so two concurrent misses do not race a
	// fresh bucket into the cache twice.
	mu      sync.Mutex
	buckets *lru.Cache[bucketKey, *rate.Limiter]
}

// New returns a limiter with the given config.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	buckets, err := lru.New[bucketKey, *rate.Limiter](cfg.MaxBuckets)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		clock:   cfg.Clock,
		buckets: buckets,
	}, nil
}

// Allow spends one token from the tenant's bucket for the scope. When the
// bucket is empty it reports false together with how long the caller should
// wait before retrying. Rate class changes take effect when the tenant's
// bucket is next created.
func (l *Limiter) Allow(tenant *types.Tenant, scope Scope) (bool, time.Duration) {
	return l.AllowN(tenant, scope, 1)
}

// AllowN spends n tokens at once. Batches charge their full length so a
// tenant cannot stretch the budget by packing events into fewer requests.
func (l *Limiter) AllowN(tenant *types.Tenant, scope Scope, n int) (bool, time.Duration) {
	if tenant.RateClass == types.RateClassUnlimited {
		return true, 0
	}
	bucket := l.bucket(tenant, scope)
	now := l.clock.Now()
	r := bucket.ReserveN(now, n)
	if !r.OK() {
		// n exceeds the bucket capacity and can never be admitted whole.
		return false, time.Minute
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucket(tenant *types.Tenant, scope Scope) *rate.Limiter {
	key := bucketKey{tenantID: tenant.ID, scope: scope}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets.Get(key); ok {
		return bucket
	}
	multiplier := 1
	if tenant.RateClass == types.RateClassHigh {
		multiplier = l.cfg.HighMultiplier
	}
	refill := rate.Limit(float64(l.cfg.RefillPerMinute*multiplier) / 60.0)
	bucket := rate.NewLimiter(refill, l.cfg.Capacity*multiplier)
	l.buckets.Add(key, bucket)
	return bucket
}

// Len reports how many buckets are currently tracked.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
