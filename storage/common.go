// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package storage

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the default storage error class.
var Error = errs.Class("storage")

var (
	// ErrKeyNotFound is returned when a key is absent from the store.
	ErrKeyNotFound = errs.Class("key not found")
	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.New("empty key")
	// ErrPubSubUnsupported is returned by stores without a pub/sub facility.
	ErrPubSubUnsupported = errs.New("pub/sub unsupported by this store")
)

// ScoredEntry is a member of a sorted set together with its score.
type ScoredEntry struct {
	Score int64
	Value []byte
}

// KeyValueStore is the key-value substrate consumed by the changelog and the
// subscription registry. Implementations guarantee atomicity of individual
// operations; no multi-key transactions are required.
type KeyValueStore interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the integer stored under key and returns
	// the new value. A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SetAdd adds members to the set stored under key.
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetRemove removes members from the set stored under key.
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers returns all members of the set stored under key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetContains reports whether member is in the set stored under key.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SortedAdd adds a scored entry to the sorted set stored under key.
	SortedAdd(ctx context.Context, key string, score int64, value []byte) error
	// SortedRangeByScore returns entries with min <= score <= max in
	// ascending score order. Max < 0 means unbounded above.
	SortedRangeByScore(ctx context.Context, key string, min, max int64) ([]ScoredEntry, error)
	// SortedRemoveBelow removes entries with score < threshold.
	SortedRemoveBelow(ctx context.Context, key string, threshold int64) error
	// SortedCount returns the number of entries in the sorted set.
	SortedCount(ctx context.Context, key string) (int64, error)

	// HashSet stores value under field in the hash stored under key.
	HashSet(ctx context.Context, key, field string, value []byte) error
	// HashGet returns the value under field, or ErrKeyNotFound.
	HashGet(ctx context.Context, key, field string) ([]byte, error)
	// HashGetAll returns all field/value pairs of the hash stored under key.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HashDelete removes fields from the hash stored under key.
	HashDelete(ctx context.Context, key string, fields ...string) error

	Close() error
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Data    []byte
}

// PubSub is the broadcast substrate used to fan events out across processes.
type PubSub interface {
	// Publish sends data to every current subscriber of channel.
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe starts receiving messages published on channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is an open pub/sub channel subscription.
type Subscription interface {
	// Channel returns the stream of received messages. It is closed when
	// the subscription is closed.
	Channel() <-chan Message
	Close() error
}

// Store combines the key-value and pub/sub substrates.
type Store interface {
	KeyValueStore
	PubSub
}
