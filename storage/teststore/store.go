// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package teststore

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/livetable/livetable/storage"
)

// Client implements an in-memory storage.Store, including pub/sub. It is the
// reference implementation used by tests and single-process development mode.
type Client struct {
	mu sync.Mutex

	values  map[string][]byte
	sets    map[string]map[string]struct{}
	sorted  map[string][]storage.ScoredEntry
	hashes  map[string]map[string][]byte
	subs    map[string][]*subscription
	version int

	CallCount struct {
		Get     int
		Set     int
		Delete  int
		Incr    int
		Publish int
	}
}

// New creates a new in-memory store.
func New() *Client {
	return &Client{
		values: map[string][]byte{},
		sets:   map[string]map[string]struct{}{},
		sorted: map[string][]storage.ScoredEntry{},
		hashes: map[string]map[string][]byte{},
		subs:   map[string][]*subscription{},
	}
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	return append([]byte{}, data...)
}

// Get implements storage.KeyValueStore.
func (store *Client) Get(ctx context.Context, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	if key == "" {
		return nil, storage.ErrEmptyKey
	}
	value, ok := store.values[key]
	if !ok {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return clone(value), nil
}

// Set implements storage.KeyValueStore.
func (store *Client) Set(ctx context.Context, key string, value []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Set++
	store.version++

	if key == "" {
		return storage.ErrEmptyKey
	}
	store.values[key] = clone(value)
	return nil
}

// Delete implements storage.KeyValueStore.
func (store *Client) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	store.version++

	delete(store.values, key)
	delete(store.sets, key)
	delete(store.sorted, key)
	delete(store.hashes, key)
	return nil
}

// Incr implements storage.KeyValueStore.
func (store *Client) Incr(ctx context.Context, key string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Incr++
	store.version++

	if key == "" {
		return 0, storage.ErrEmptyKey
	}
	current := int64(0)
	if value, ok := store.values[key]; ok {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, storage.Error.New("incr on non-integer value: %v", err)
		}
		current = parsed
	}
	current++
	store.values[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Keys implements storage.KeyValueStore.
func (store *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var matched []string
	for key := range store.values {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	for key := range store.hashes {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// SetAdd implements storage.KeyValueStore.
func (store *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	set, ok := store.sets[key]
	if !ok {
		set = map[string]struct{}{}
		store.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SetRemove implements storage.KeyValueStore.
func (store *Client) SetRemove(ctx context.Context, key string, members ...string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	set := store.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

// SetMembers implements storage.KeyValueStore.
func (store *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	members := make([]string, 0, len(store.sets[key]))
	for member := range store.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SetContains implements storage.KeyValueStore.
func (store *Client) SetContains(ctx context.Context, key, member string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ok := store.sets[key][member]
	return ok, nil
}

// SortedAdd implements storage.KeyValueStore.
func (store *Client) SortedAdd(ctx context.Context, key string, score int64, value []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	entries := store.sorted[key]
	index := sort.Search(len(entries), func(i int) bool { return entries[i].Score > score })
	entries = append(entries, storage.ScoredEntry{})
	copy(entries[index+1:], entries[index:])
	entries[index] = storage.ScoredEntry{Score: score, Value: clone(value)}
	store.sorted[key] = entries
	return nil
}

// SortedRangeByScore implements storage.KeyValueStore.
func (store *Client) SortedRangeByScore(ctx context.Context, key string, min, max int64) ([]storage.ScoredEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var result []storage.ScoredEntry
	for _, entry := range store.sorted[key] {
		if entry.Score < min {
			continue
		}
		if max >= 0 && entry.Score > max {
			break
		}
		result = append(result, storage.ScoredEntry{Score: entry.Score, Value: clone(entry.Value)})
	}
	return result, nil
}

// SortedRemoveBelow implements storage.KeyValueStore.
func (store *Client) SortedRemoveBelow(ctx context.Context, key string, threshold int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	entries := store.sorted[key]
	index := sort.Search(len(entries), func(i int) bool { return entries[i].Score >= threshold })
	store.sorted[key] = append([]storage.ScoredEntry{}, entries[index:]...)
	return nil
}

// SortedCount implements storage.KeyValueStore.
func (store *Client) SortedCount(ctx context.Context, key string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return int64(len(store.sorted[key])), nil
}

// HashSet implements storage.KeyValueStore.
func (store *Client) HashSet(ctx context.Context, key, field string, value []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	hash, ok := store.hashes[key]
	if !ok {
		hash = map[string][]byte{}
		store.hashes[key] = hash
	}
	hash[field] = clone(value)
	return nil
}

// HashGet implements storage.KeyValueStore.
func (store *Client) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	value, ok := store.hashes[key][field]
	if !ok {
		return nil, storage.ErrKeyNotFound.New("%q/%q", key, field)
	}
	return clone(value), nil
}

// HashGetAll implements storage.KeyValueStore.
func (store *Client) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	result := map[string][]byte{}
	for field, value := range store.hashes[key] {
		result[field] = clone(value)
	}
	return result, nil
}

// HashDelete implements storage.KeyValueStore.
func (store *Client) HashDelete(ctx context.Context, key string, fields ...string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.version++

	hash := store.hashes[key]
	for _, field := range fields {
		delete(hash, field)
	}
	return nil
}

// Close implements storage.KeyValueStore.
func (store *Client) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, subs := range store.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
	}
	store.subs = map[string][]*subscription{}
	return nil
}
