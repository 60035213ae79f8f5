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

// Package memory implements the storage backend in process memory. It
// backs tests and single-node evaluation setups; nothing survives a
// restart.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/spyglasshq/spyglass/lib/backend"
)

// GetName returns the name the backend registers under in the storage
// config.
func GetName() string {
	return "memory"
}

const defaultBTreeDegree = 8

// Config holds memory backend settings.
type Config struct {
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// BTreeDegree is the degree of the underlying btree.
	BTreeDegree int
}

func (c *Config) checkAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = defaultBTreeDegree
	}
	return nil
}

// Memory is a btree-backed in-process backend.
type Memory struct {
	cfg Config

	mu   sync.Mutex
	tree *btree.BTreeG[*btreeItem]
}

type btreeItem struct {
	backend.Item
}

func lessItems(a, b *btreeItem) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:  cfg,
		tree: btree.NewG[*btreeItem](cfg.BTreeDegree, lessItems),
	}, nil
}

// GetName returns the implementation name.
func (m *Memory) GetName() string {
	return GetName()
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Close releases backend resources.
func (m *Memory) Close() error {
	return nil
}

// Create creates an item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tree.Get(&btreeItem{Item: i}); found {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	i.Revision = backend.CreateRevision()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// Put puts an item into the backend, creating it if needed.
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.Revision = backend.CreateRevision()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// Update updates an existing item.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tree.Get(&btreeItem{Item: i}); !found {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	i.Revision = backend.CreateRevision()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// ConditionalUpdate updates an existing item if its stored revision
// matches the revision of i.
func (m *Memory) ConditionalUpdate(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Revision == "" {
		return nil, trace.Wrap(backend.ErrIncorrectRevision)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, found := m.tree.Get(&btreeItem{Item: i})
	if !found || existing.Revision != i.Revision {
		return nil, trace.Wrap(backend.ErrIncorrectRevision)
	}
	i.Revision = backend.CreateRevision()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key, Revision: i.Revision}, nil
}

// Get returns a single item or NotFound.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	item := existing.Item
	return &item, nil
}

// GetRange returns items in the [startKey, endKey] range, both inclusive.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result backend.GetResult
	m.tree.AscendGreaterOrEqual(&btreeItem{Item: backend.Item{Key: startKey}}, func(item *btreeItem) bool {
		if bytes.Compare(item.Key, endKey) > 0 {
			return false
		}
		result.Items = append(result.Items, item.Item)
		return limit == backend.NoLimit || len(result.Items) < limit
	})
	return &result, nil
}

// Delete deletes an item by key.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tree.Delete(&btreeItem{Item: backend.Item{Key: key}}); !found {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes all items in the [startKey, endKey] range, both
// inclusive.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*btreeItem
	m.tree.AscendGreaterOrEqual(&btreeItem{Item: backend.Item{Key: startKey}}, func(item *btreeItem) bool {
		if bytes.Compare(item.Key, endKey) > 0 {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	return nil
}

// AtomicWrite applies all actions if every condition holds.
func (m *Memory) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) (string, error) {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return "", trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ca := range condacts {
		existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: ca.Key}})
		switch ca.Condition.Kind {
		case backend.KindWhatever:
		case backend.KindExists:
			if !found {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindNotExists:
			if found {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindRevision:
			if !found || existing.Revision != ca.Condition.Revision {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		default:
			return "", trace.BadParameter("unexpected condition kind %v", ca.Condition.Kind)
		}
	}

	revision := backend.CreateRevision()
	for _, ca := range condacts {
		switch ca.Action.Kind {
		case backend.KindNop:
		case backend.KindPut:
			item := ca.Action.Item
			item.Key = ca.Key
			item.Revision = revision
			m.tree.ReplaceOrInsert(&btreeItem{Item: item})
		case backend.KindDelete:
			m.tree.Delete(&btreeItem{Item: backend.Item{Key: ca.Key}})
		default:
			return "", trace.BadParameter("unexpected action kind %v", ca.Action.Kind)
		}
	}
	return revision, nil
}
