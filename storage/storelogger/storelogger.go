// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/livetable/livetable/storage"
)

var id int64

// Logger implements a zap-logging wrapper around a storage.KeyValueStore.
type Logger struct {
	log   *zap.Logger
	store storage.KeyValueStore
}

// New creates a new Logger with log and store.
func New(log *zap.Logger, store storage.KeyValueStore) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{
		log:   log.Named(name),
		store: store,
	}
}

// NewTest creates a Logger for testing.
func NewTest(t *testing.T, store storage.KeyValueStore) *Logger {
	return New(zaptest.NewLogger(t), store)
}

// Get implements storage.KeyValueStore.
func (store *Logger) Get(ctx context.Context, key string) ([]byte, error) {
	store.log.Debug("Get", zap.String("key", key))
	return store.store.Get(ctx, key)
}

// Set implements storage.KeyValueStore.
func (store *Logger) Set(ctx context.Context, key string, value []byte) error {
	store.log.Debug("Set", zap.String("key", key), zap.Int("size", len(value)))
	return store.store.Set(ctx, key, value)
}

// Delete implements storage.KeyValueStore.
func (store *Logger) Delete(ctx context.Context, key string) error {
	store.log.Debug("Delete", zap.String("key", key))
	return store.store.Delete(ctx, key)
}

// Incr implements storage.KeyValueStore.
func (store *Logger) Incr(ctx context.Context, key string) (int64, error) {
	store.log.Debug("Incr", zap.String("key", key))
	return store.store.Incr(ctx, key)
}

// Keys implements storage.KeyValueStore.
func (store *Logger) Keys(ctx context.Context, pattern string) ([]string, error) {
	store.log.Debug("Keys", zap.String("pattern", pattern))
	return store.store.Keys(ctx, pattern)
}

// SetAdd implements storage.KeyValueStore.
func (store *Logger) SetAdd(ctx context.Context, key string, members ...string) error {
	store.log.Debug("SetAdd", zap.String("key", key), zap.Strings("members", members))
	return store.store.SetAdd(ctx, key, members...)
}

// SetRemove implements storage.KeyValueStore.
func (store *Logger) SetRemove(ctx context.Context, key string, members ...string) error {
	store.log.Debug("SetRemove", zap.String("key", key), zap.Strings("members", members))
	return store.store.SetRemove(ctx, key, members...)
}

// SetMembers implements storage.KeyValueStore.
func (store *Logger) SetMembers(ctx context.Context, key string) ([]string, error) {
	store.log.Debug("SetMembers", zap.String("key", key))
	return store.store.SetMembers(ctx, key)
}

// SetContains implements storage.KeyValueStore.
func (store *Logger) SetContains(ctx context.Context, key, member string) (bool, error) {
	store.log.Debug("SetContains", zap.String("key", key), zap.String("member", member))
	return store.store.SetContains(ctx, key, member)
}

// SortedAdd implements storage.KeyValueStore.
func (store *Logger) SortedAdd(ctx context.Context, key string, score int64, value []byte) error {
	store.log.Debug("SortedAdd", zap.String("key", key), zap.Int64("score", score))
	return store.store.SortedAdd(ctx, key, score, value)
}

// SortedRangeByScore implements storage.KeyValueStore.
func (store *Logger) SortedRangeByScore(ctx context.Context, key string, min, max int64) ([]storage.ScoredEntry, error) {
	store.log.Debug("SortedRangeByScore", zap.String("key", key), zap.Int64("min", min), zap.Int64("max", max))
	return store.store.SortedRangeByScore(ctx, key, min, max)
}

// SortedRemoveBelow implements storage.KeyValueStore.
func (store *Logger) SortedRemoveBelow(ctx context.Context, key string, threshold int64) error {
	store.log.Debug("SortedRemoveBelow", zap.String("key", key), zap.Int64("threshold", threshold))
	return store.store.SortedRemoveBelow(ctx, key, threshold)
}

// SortedCount implements storage.KeyValueStore.
func (store *Logger) SortedCount(ctx context.Context, key string) (int64, error) {
	store.log.Debug("SortedCount", zap.String("key", key))
	return store.store.SortedCount(ctx, key)
}

// HashSet implements storage.KeyValueStore.
func (store *Logger) HashSet(ctx context.Context, key, field string, value []byte) error {
	store.log.Debug("HashSet", zap.String("key", key), zap.String("field", field))
	return store.store.HashSet(ctx, key, field, value)
}

// HashGet implements storage.KeyValueStore.
func (store *Logger) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	store.log.Debug("HashGet", zap.String("key", key), zap.String("field", field))
	return store.store.HashGet(ctx, key, field)
}

// HashGetAll implements storage.KeyValueStore.
func (store *Logger) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	store.log.Debug("HashGetAll", zap.String("key", key))
	return store.store.HashGetAll(ctx, key)
}

// HashDelete implements storage.KeyValueStore.
func (store *Logger) HashDelete(ctx context.Context, key string, fields ...string) error {
	store.log.Debug("HashDelete", zap.String("key", key), zap.Strings("fields", fields))
	return store.store.HashDelete(ctx, key, fields...)
}

// Close implements storage.KeyValueStore.
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.store.Close()
}
