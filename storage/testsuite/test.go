// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package testsuite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/storage"
)

// RunTests runs common storage.KeyValueStore tests.
func RunTests(t *testing.T, store storage.KeyValueStore) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, store) })
	t.Run("Incr", func(t *testing.T) { testIncr(t, store) })
	t.Run("Keys", func(t *testing.T) { testKeys(t, store) })
	t.Run("Sets", func(t *testing.T) { testSets(t, store) })
	t.Run("Sorted", func(t *testing.T) { testSorted(t, store) })
	t.Run("Hashes", func(t *testing.T) { testHashes(t, store) })
}

// RunPubSubTests runs common storage.PubSub tests.
func RunPubSubTests(t *testing.T, store storage.Store) {
	t.Run("PubSub", func(t *testing.T) { testPubSub(t, store) })
}

func testCRUD(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	_, err := store.Get(ctx, "crud/missing")
	require.True(t, storage.ErrKeyNotFound.Has(err), "expected key not found, got %v", err)

	require.NoError(t, store.Set(ctx, "crud/a", []byte("alpha")))
	value, err := store.Get(ctx, "crud/a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), value)

	require.NoError(t, store.Set(ctx, "crud/a", []byte("beta")))
	value, err = store.Get(ctx, "crud/a")
	require.NoError(t, err)
	require.Equal(t, []byte("beta"), value)

	require.NoError(t, store.Delete(ctx, "crud/a"))
	_, err = store.Get(ctx, "crud/a")
	require.True(t, storage.ErrKeyNotFound.Has(err))

	require.Error(t, store.Set(ctx, "", []byte("x")), "empty key should fail")
}

func testIncr(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	first, err := store.Incr(ctx, "incr/counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := store.Incr(ctx, "incr/counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), second)

	require.NoError(t, store.Delete(ctx, "incr/counter"))
}

func testKeys(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "keys-one", []byte("1")))
	require.NoError(t, store.Set(ctx, "keys-two", []byte("2")))
	require.NoError(t, store.Set(ctx, "other", []byte("3")))
	defer func() {
		_ = store.Delete(ctx, "keys-one")
		_ = store.Delete(ctx, "keys-two")
		_ = store.Delete(ctx, "other")
	}()

	keys, err := store.Keys(ctx, "keys-*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keys-one", "keys-two"}, keys)
}

func testSets(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	require.NoError(t, store.SetAdd(ctx, "set/s", "a", "b", "c"))
	require.NoError(t, store.SetAdd(ctx, "set/s", "a")) // duplicate is a no-op

	members, err := store.SetMembers(ctx, "set/s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	ok, err := store.SetContains(ctx, "set/s", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SetRemove(ctx, "set/s", "b"))
	ok, err = store.SetContains(ctx, "set/s", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err = store.SetMembers(ctx, "set/missing")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, store.Delete(ctx, "set/s"))
}

func testSorted(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	for i, value := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, store.SortedAdd(ctx, "sorted/log", int64(i+1), []byte(value)))
	}

	count, err := store.SortedCount(ctx, "sorted/log")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	entries, err := store.SortedRangeByScore(ctx, "sorted/log", 3, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("three"), entries[0].Value)
	assert.Equal(t, []byte("four"), entries[1].Value)
	assert.Equal(t, []byte("five"), entries[2].Value)

	entries, err = store.SortedRangeByScore(ctx, "sorted/log", 2, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Score)
	assert.Equal(t, int64(3), entries[1].Score)

	require.NoError(t, store.SortedRemoveBelow(ctx, "sorted/log", 4))
	entries, err = store.SortedRangeByScore(ctx, "sorted/log", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Score)

	require.NoError(t, store.Delete(ctx, "sorted/log"))
}

func testHashes(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	require.NoError(t, store.HashSet(ctx, "hash/h", "f1", []byte("v1")))
	require.NoError(t, store.HashSet(ctx, "hash/h", "f2", []byte("v2")))

	value, err := store.HashGet(ctx, "hash/h", "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	_, err = store.HashGet(ctx, "hash/h", "missing")
	require.True(t, storage.ErrKeyNotFound.Has(err))

	all, err := store.HashGetAll(ctx, "hash/h")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")}, all)

	require.NoError(t, store.HashDelete(ctx, "hash/h", "f1"))
	all, err = store.HashGetAll(ctx, "hash/h")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"f2": []byte("v2")}, all)

	require.NoError(t, store.Delete(ctx, "hash/h"))
}

func testPubSub(t *testing.T, store storage.Store) {
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "testsuite/events")
	require.NoError(t, err)

	require.NoError(t, store.Publish(ctx, "testsuite/events", []byte("hello")))

	msg := <-sub.Channel()
	assert.Equal(t, "testsuite/events", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, sub.Close())
}
