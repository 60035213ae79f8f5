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

// Package dedup suppresses repeated observations before they reach the
// durable queue. Suppression is advisory: a restart forgets the window
// and the server absorbs any resulting duplicates idempotently.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
)

// Config configures a deduplicator.
type Config struct {
	// CacheSize caps how many fingerprints are remembered.
	CacheSize int
	// Window is how long a repeated observation stays suppressed.
	Window time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.CacheSize == 0 {
		c.CacheSize = defaults.DedupCacheSize
	}
	if c.CacheSize < 0 {
		return trace.BadParameter("cache size %d must be positive", c.CacheSize)
	}
	if c.Window == 0 {
		c.Window = defaults.SuppressionWindow
	}
	if c.Window < 0 {
		return trace.BadParameter("suppression window %v must be positive", c.Window)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Deduplicator remembers recently emitted observations by fingerprint.
type Deduplicator struct {
	cfg   Config
	clock clockwork.Clock

	mu   sync.Mutex
	seen *lru.Cache[uint64, time.Time]
}

// New returns a deduplicator with the given config.
func New(cfg Config) (*Deduplicator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	seen, err := lru.New[uint64, time.Time](cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Deduplicator{cfg: cfg, clock: cfg.Clock, seen: seen}, nil
}

// ShouldEmit reports whether the observation is novel within the
// suppression window and records the emission when it is. Suppressed
// repeats do not refresh the window, so a steady signal still comes
// through once per window.
func (d *Deduplicator) ShouldEmit(event types.Event) bool {
	fp := fingerprint(event)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen.Get(fp); ok && now.Sub(last) < d.cfg.Window {
		return false
	}
	d.seen.Add(fp, now)
	return true
}

// fingerprint hashes the observation identity. Window titles are noisy,
// so they are folded and whitespace-collapsed before hashing.
func fingerprint(event types.Event) uint64 {
	h := xxhash.New()
	for _, field := range []string{
		event.Kind,
		event.Subject,
		normalizeTitle(event.Title),
		event.Principal,
	} {
		h.WriteString(field)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
