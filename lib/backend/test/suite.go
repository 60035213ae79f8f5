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

// Package test contains the compliance suite every storage backend
// implementation must pass.
package test

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/spyglasshq/spyglass/lib/backend"
)

// Constructor builds a fresh backend for one test.
type Constructor func(t *testing.T) backend.Backend

// RunBackendComplianceSuite runs the behaviors shared by all backend
// implementations against the provided constructor.
func RunBackendComplianceSuite(t *testing.T, newBackend Constructor) {
	t.Run("CRUD", func(t *testing.T) {
		testCRUD(t, newBackend(t))
	})
	t.Run("Range", func(t *testing.T) {
		testRange(t, newBackend(t))
	})
	t.Run("ConditionalUpdate", func(t *testing.T) {
		testConditionalUpdate(t, newBackend(t))
	})
	t.Run("AtomicWrite", func(t *testing.T) {
		testAtomicWrite(t, newBackend(t))
	})
	t.Run("AtomicWriteConditionFailed", func(t *testing.T) {
		testAtomicWriteConditionFailed(t, newBackend(t))
	})
	t.Run("DeleteRange", func(t *testing.T) {
		testDeleteRange(t, newBackend(t))
	})
}

func testCRUD(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	key := backend.Key("tenants", "alpha")

	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)
	require.NotEmpty(t, lease.Revision)

	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Value)
	require.Equal(t, lease.Revision, item.Revision)

	putLease, err := bk.Put(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)
	require.NotEqual(t, lease.Revision, putLease.Revision)

	item, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Value)

	_, err = bk.Update(ctx, backend.Item{Key: key, Value: []byte("v3")})
	require.NoError(t, err)

	_, err = bk.Update(ctx, backend.Item{Key: backend.Key("tenants", "missing"), Value: []byte("x")})
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, bk.Delete(ctx, key))
	err = bk.Delete(ctx, key)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testRange(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := bk.Create(ctx, backend.Item{
			Key:   backend.Key("users", "tenant1", name),
			Value: []byte(name),
		})
		require.NoError(t, err)
	}
	_, err := bk.Create(ctx, backend.Item{
		Key:   backend.Key("users", "tenant2", "z"),
		Value: []byte("z"),
	})
	require.NoError(t, err)

	prefix := backend.Key("users", "tenant1")
	result, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	require.Equal(t, []byte("a"), result.Items[0].Value)
	require.Equal(t, []byte("c"), result.Items[2].Value)

	result, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)

	_, err = bk.GetRange(ctx, nil, backend.RangeEnd(prefix), backend.NoLimit)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func testConditionalUpdate(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	key := backend.Key("users", "tenant1", "alice")

	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	_, err = bk.ConditionalUpdate(ctx, backend.Item{Key: key, Value: []byte("v2"), Revision: "stale"})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Value)

	updated, err := bk.ConditionalUpdate(ctx, backend.Item{Key: key, Value: []byte("v2"), Revision: lease.Revision})
	require.NoError(t, err)
	require.NotEqual(t, lease.Revision, updated.Revision)

	item, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Value)
	require.Equal(t, updated.Revision, item.Revision)

	_, err = bk.ConditionalUpdate(ctx, backend.Item{
		Key:      backend.Key("users", "tenant1", "missing"),
		Value:    []byte("x"),
		Revision: updated.Revision,
	})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

func testAtomicWrite(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	tenantKey := backend.Key("tenants", "t1")
	keyIndex := backend.Key("apikeys", "key-1")

	revision, err := bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       tenantKey,
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte("tenant")}),
		},
		{
			Key:       keyIndex,
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte("t1")}),
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, revision)

	tenantItem, err := bk.Get(ctx, tenantKey)
	require.NoError(t, err)
	indexItem, err := bk.Get(ctx, keyIndex)
	require.NoError(t, err)
	require.Equal(t, revision, tenantItem.Revision)
	require.Equal(t, revision, indexItem.Revision)

	// key rotation: replace the index, keep the tenant, conditioned on
	// the revision read above
	newIndex := backend.Key("apikeys", "key-2")
	_, err = bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       tenantKey,
			Condition: backend.Revision(tenantItem.Revision),
			Action:    backend.Put(backend.Item{Value: []byte("tenant-rotated")}),
		},
		{
			Key:       keyIndex,
			Condition: backend.Exists(),
			Action:    backend.Delete(),
		},
		{
			Key:       newIndex,
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte("t1")}),
		},
	})
	require.NoError(t, err)

	_, err = bk.Get(ctx, keyIndex)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	_, err = bk.Get(ctx, newIndex)
	require.NoError(t, err)

	// oversized batches are rejected outright
	oversized := make([]backend.ConditionalAction, backend.MaxAtomicWriteSize+1)
	for i := range oversized {
		oversized[i] = backend.ConditionalAction{
			Key:       backend.Key("bulk", string(rune('a'+i%26)), string(rune('0'+i/26))),
			Condition: backend.Whatever(),
			Action:    backend.Nop(),
		}
	}
	_, err = bk.AtomicWrite(ctx, oversized)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func testAtomicWriteConditionFailed(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	existing := backend.Key("tenants", "taken")
	fresh := backend.Key("tenants", "fresh")

	_, err := bk.Create(ctx, backend.Item{Key: existing, Value: []byte("v")})
	require.NoError(t, err)

	_, err = bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       fresh,
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte("new")}),
		},
		{
			Key:       existing,
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte("clobber")}),
		},
	})
	require.ErrorIs(t, err, backend.ErrConditionFailed)

	// nothing was applied
	_, err = bk.Get(ctx, fresh)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	item, err := bk.Get(ctx, existing)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), item.Value)
}

func testDeleteRange(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := bk.Create(ctx, backend.Item{
			Key:   backend.Key("events", "tenant1", name),
			Value: []byte(name),
		})
		require.NoError(t, err)
	}
	_, err := bk.Create(ctx, backend.Item{
		Key:   backend.Key("events", "tenant2", "d"),
		Value: []byte("d"),
	})
	require.NoError(t, err)

	prefix := backend.Key("events", "tenant1")
	require.NoError(t, bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)))

	result, err := bk.GetRange(ctx, backend.Key("events"), backend.RangeEnd(backend.Key("events")), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, []byte("d"), result.Items[0].Value)
}
