// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"path"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"github.com/livetable/livetable/storage"
)

// Error is the boltdb storage error class.
var Error = errs.Class("boltdb")

var (
	valuesBucket = []byte("values")
	setsBucket   = []byte("sets")
	sortedBucket = []byte("sorted")
	hashesBucket = []byte("hashes")
)

// Client implements storage.KeyValueStore on a bolt file. Bolt has no pub/sub
// facility, so this store only suits single-process deployments where event
// fan-out stays local.
type Client struct {
	db *bolt.DB
}

// New instantiates a new bolt-backed store at the given file path.
func New(filepath string) (*Client, error) {
	db, err := bolt.Open(filepath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{valuesBucket, setsBucket, sortedBucket, hashesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return &Client{db: db}, nil
}

// Get implements storage.KeyValueStore.
func (client *Client) Get(ctx context.Context, key string) (_ []byte, err error) {
	if key == "" {
		return nil, storage.ErrEmptyKey
	}
	var value []byte
	err = client.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(valuesBucket).Get([]byte(key))
		if data == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		value = append([]byte{}, data...)
		return nil
	})
	return value, err
}

// Set implements storage.KeyValueStore.
func (client *Client) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(valuesBucket).Put([]byte(key), value)
	}))
}

// Delete implements storage.KeyValueStore.
func (client *Client) Delete(ctx context.Context, key string) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(valuesBucket).Delete([]byte(key)); err != nil {
			return err
		}
		for _, parent := range [][]byte{setsBucket, sortedBucket, hashesBucket} {
			bucket := tx.Bucket(parent)
			if bucket.Bucket([]byte(key)) != nil {
				if err := bucket.DeleteBucket([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	}))
}

// Incr implements storage.KeyValueStore. Bolt serialises writers, so the
// read-modify-write inside the update transaction is atomic.
func (client *Client) Incr(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, storage.ErrEmptyKey
	}
	var current int64
	err := client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(valuesBucket)
		if data := bucket.Get([]byte(key)); data != nil {
			parsed, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return Error.New("incr on non-integer value: %v", err)
			}
			current = parsed
		}
		current++
		return bucket.Put([]byte(key), []byte(strconv.FormatInt(current, 10)))
	})
	return current, err
}

// Keys implements storage.KeyValueStore.
func (client *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var matched []string
	err := client.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(valuesBucket).ForEach(func(k, _ []byte) error {
			if ok, _ := path.Match(pattern, string(k)); ok {
				matched = append(matched, string(k))
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(hashesBucket).ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a sub-bucket
			}
			if ok, _ := path.Match(pattern, string(k)); ok {
				matched = append(matched, string(k))
			}
			return nil
		})
	})
	return matched, Error.Wrap(err)
}

// SetAdd implements storage.KeyValueStore.
func (client *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(setsBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		for _, member := range members {
			if err := bucket.Put([]byte(member), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SetRemove implements storage.KeyValueStore.
func (client *Client) SetRemove(ctx context.Context, key string, members ...string) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(setsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		for _, member := range members {
			if err := bucket.Delete([]byte(member)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SetMembers implements storage.KeyValueStore.
func (client *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(setsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			members = append(members, string(k))
			return nil
		})
	})
	return members, Error.Wrap(err)
}

// SetContains implements storage.KeyValueStore.
func (client *Client) SetContains(ctx context.Context, key, member string) (bool, error) {
	var found bool
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(setsBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		found = bucket.Get([]byte(member)) != nil
		return nil
	})
	return found, Error.Wrap(err)
}

// sortedEntryKey orders entries by score first, then by value bytes, so a
// cursor scan yields ascending score order.
func sortedEntryKey(score int64, value []byte) []byte {
	key := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(key[:8], uint64(score))
	copy(key[8:], value)
	return key
}

// SortedAdd implements storage.KeyValueStore.
func (client *Client) SortedAdd(ctx context.Context, key string, score int64, value []byte) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(sortedBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		return bucket.Put(sortedEntryKey(score, value), value)
	}))
}

// SortedRangeByScore implements storage.KeyValueStore.
func (client *Client) SortedRangeByScore(ctx context.Context, key string, min, max int64) ([]storage.ScoredEntry, error) {
	var entries []storage.ScoredEntry
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sortedBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		start := sortedEntryKey(min, nil)
		for k, v := cursor.Seek(start); k != nil; k, v = cursor.Next() {
			score := int64(binary.BigEndian.Uint64(k[:8]))
			if max >= 0 && score > max {
				break
			}
			entries = append(entries, storage.ScoredEntry{
				Score: score,
				Value: append([]byte{}, v...),
			})
		}
		return nil
	})
	return entries, Error.Wrap(err)
}

// SortedRemoveBelow implements storage.KeyValueStore.
func (client *Client) SortedRemoveBelow(ctx context.Context, key string, threshold int64) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sortedBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		limit := sortedEntryKey(threshold, nil)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SortedCount implements storage.KeyValueStore.
func (client *Client) SortedCount(ctx context.Context, key string) (int64, error) {
	var count int64
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sortedBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		count = int64(bucket.Stats().KeyN)
		return nil
	})
	return count, Error.Wrap(err)
}

// HashSet implements storage.KeyValueStore.
func (client *Client) HashSet(ctx context.Context, key, field string, value []byte) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(hashesBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(field), value)
	}))
}

// HashGet implements storage.KeyValueStore.
func (client *Client) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	var value []byte
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if bucket == nil {
			return storage.ErrKeyNotFound.New("%q/%q", key, field)
		}
		data := bucket.Get([]byte(field))
		if data == nil {
			return storage.ErrKeyNotFound.New("%q/%q", key, field)
		}
		value = append([]byte{}, data...)
		return nil
	})
	return value, err
}

// HashGetAll implements storage.KeyValueStore.
func (client *Client) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	result := map[string][]byte{}
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte{}, v...)
			return nil
		})
	})
	return result, Error.Wrap(err)
}

// HashDelete implements storage.KeyValueStore.
func (client *Client) HashDelete(ctx context.Context, key string, fields ...string) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		for _, field := range fields {
			if err := bucket.Delete([]byte(field)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Close closes the bolt database.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

// Publish implements storage.PubSub. Bolt has no pub/sub facility.
func (client *Client) Publish(ctx context.Context, channel string, data []byte) error {
	return storage.ErrPubSubUnsupported
}

// Subscribe implements storage.PubSub. Bolt has no pub/sub facility.
func (client *Client) Subscribe(ctx context.Context, channel string) (storage.Subscription, error) {
	return nil, storage.ErrPubSubUnsupported
}
