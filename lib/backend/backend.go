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

// Package backend abstracts the key/value store the server keeps its
// state in. Item keys are assumed to be valid UTF8, which may be enforced
// by the various Backend implementations.
package backend

import (
	"bytes"
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// ErrIncorrectRevision is returned from conditional operations when the
// revision no longer matches the stored item.
var ErrIncorrectRevision = &trace.CompareFailedError{
	Message: "resource revision does not match, it may have been concurrently modified or deleted; work from the latest state",
}

// Backend implements abstraction over local storage backend.
type Backend interface {
	// GetName returns the implementation name, used in logs and config.
	GetName() string

	// Create creates item if it does not exist, returns AlreadyExists
	// otherwise.
	Create(ctx context.Context, i Item) (*Lease, error)

	// Put puts value into backend (creates if it does not exist,
	// updates it otherwise).
	Put(ctx context.Context, i Item) (*Lease, error)

	// Update updates value in the backend, returns NotFound if the item
	// does not exist.
	Update(ctx context.Context, i Item) (*Lease, error)

	// ConditionalUpdate updates the value in the backend if the revision
	// of the stored item matches i.Revision, and returns CompareFailed
	// otherwise.
	ConditionalUpdate(ctx context.Context, i Item) (*Lease, error)

	// Get returns a single item or a NotFound error.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns items between startKey and endKey, both
	// inclusive, up to limit.
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes item by key, returns NotFound if the item does not
	// exist.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes the range of items between startKey and
	// endKey, both inclusive.
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// AtomicWrite applies all conditional actions if every condition
	// holds, and fails the whole batch with ErrConditionFailed
	// otherwise. All items written by one call share one revision.
	AtomicWrite(ctx context.Context, condacts []ConditionalAction) (revision string, err error)

	// Close closes backend and all associated resources.
	Close() error

	// Clock returns the clock used by this backend.
	Clock() clockwork.Clock
}

// Item is a key value item.
type Item struct {
	// Key is a key of the key value item.
	Key []byte
	// Value is a value of the key value item.
	Value []byte
	// Revision identifies the stored version of the item. Backends set
	// it on every write; it is opaque to callers.
	Revision string
}

// Lease is returned from write operations and carries the revision the
// write produced.
type Lease struct {
	// Key is the key the write touched.
	Key []byte
	// Revision is the revision the write produced.
	Revision string
}

// GetResult provides the result of a GetRange request.
type GetResult struct {
	// Items returns a list of items.
	Items []Item
}

// NoLimit specifies no limits.
const NoLimit = 0

// Separator is used as a separator between key parts.
const Separator = '/'

// Key joins parts into a path separated by Separator, and makes sure the
// path always starts with Separator ("/").
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// RangeEnd returns the end of the range for a given prefix key.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

var noEnd = []byte{0}

// Items is a sortable list of backend items.
type Items []Item

// Len is part of sort.Interface.
func (it Items) Len() int {
	return len(it)
}

// Swap is part of sort.Interface.
func (it Items) Swap(i, j int) {
	it[i], it[j] = it[j], it[i]
}

// Less is part of sort.Interface.
func (it Items) Less(i, j int) bool {
	return bytes.Compare(it[i].Key, it[j].Key) < 0
}
