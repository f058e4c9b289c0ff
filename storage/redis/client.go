// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package redis

import (
	"context"
	"net/url"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/zeebo/errs"

	"github.com/livetable/livetable/storage"
)

// Error is the redis storage error class.
var Error = errs.Class("redis")

// Client implements storage.Store on a redis server.
type Client struct {
	db *redis.Client
}

// NewClient returns a configured Client instance, verifying a successful
// connection to redis.
func NewClient(address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	if err := client.db.Ping().Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// NewClientFrom returns a configured Client instance from a redis address
// of the form redis://host:port?db=n&password=pw.
func NewClientFrom(address string) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if u.Scheme != "redis" {
		return nil, Error.New("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	db, _ := strconv.Atoi(q.Get("db"))
	return NewClient(u.Host, q.Get("password"), db)
}

// Get implements storage.KeyValueStore.
func (client *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, storage.ErrEmptyKey
	}
	value, err := client.db.Get(key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Set implements storage.KeyValueStore.
func (client *Client) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	return Error.Wrap(client.db.Set(key, value, 0).Err())
}

// Delete implements storage.KeyValueStore.
func (client *Client) Delete(ctx context.Context, key string) error {
	return Error.Wrap(client.db.Del(key).Err())
}

// Incr implements storage.KeyValueStore.
func (client *Client) Incr(ctx context.Context, key string) (int64, error) {
	value, err := client.db.Incr(key).Result()
	return value, Error.Wrap(err)
}

// Keys implements storage.KeyValueStore.
func (client *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := client.db.Keys(pattern).Result()
	return keys, Error.Wrap(err)
}

// SetAdd implements storage.KeyValueStore.
func (client *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return Error.Wrap(client.db.SAdd(key, asInterfaces(members)...).Err())
}

// SetRemove implements storage.KeyValueStore.
func (client *Client) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return Error.Wrap(client.db.SRem(key, asInterfaces(members)...).Err())
}

// SetMembers implements storage.KeyValueStore.
func (client *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := client.db.SMembers(key).Result()
	return members, Error.Wrap(err)
}

// SetContains implements storage.KeyValueStore.
func (client *Client) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := client.db.SIsMember(key, member).Result()
	return ok, Error.Wrap(err)
}

// SortedAdd implements storage.KeyValueStore.
func (client *Client) SortedAdd(ctx context.Context, key string, score int64, value []byte) error {
	return Error.Wrap(client.db.ZAdd(key, redis.Z{
		Score:  float64(score),
		Member: string(value),
	}).Err())
}

// SortedRangeByScore implements storage.KeyValueStore.
func (client *Client) SortedRangeByScore(ctx context.Context, key string, min, max int64) ([]storage.ScoredEntry, error) {
	maxArg := "+inf"
	if max >= 0 {
		maxArg = strconv.FormatInt(max, 10)
	}
	zs, err := client.db.ZRangeByScoreWithScores(key, redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: maxArg,
	}).Result()
	if err != nil {
		return nil, Error.New("zrangebyscore error: %v", err)
	}

	entries := make([]storage.ScoredEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, storage.ScoredEntry{
			Score: int64(z.Score),
			Value: []byte(member),
		})
	}
	return entries, nil
}

// SortedRemoveBelow implements storage.KeyValueStore.
func (client *Client) SortedRemoveBelow(ctx context.Context, key string, threshold int64) error {
	return Error.Wrap(client.db.ZRemRangeByScore(key, "-inf", "("+strconv.FormatInt(threshold, 10)).Err())
}

// SortedCount implements storage.KeyValueStore.
func (client *Client) SortedCount(ctx context.Context, key string) (int64, error) {
	count, err := client.db.ZCard(key).Result()
	return count, Error.Wrap(err)
}

// HashSet implements storage.KeyValueStore.
func (client *Client) HashSet(ctx context.Context, key, field string, value []byte) error {
	return Error.Wrap(client.db.HSet(key, field, value).Err())
}

// HashGet implements storage.KeyValueStore.
func (client *Client) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	value, err := client.db.HGet(key, field).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrKeyNotFound.New("%q/%q", key, field)
	}
	if err != nil {
		return nil, Error.New("hget error: %v", err)
	}
	return value, nil
}

// HashGetAll implements storage.KeyValueStore.
func (client *Client) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	fields, err := client.db.HGetAll(key).Result()
	if err != nil {
		return nil, Error.New("hgetall error: %v", err)
	}
	result := make(map[string][]byte, len(fields))
	for field, value := range fields {
		result[field] = []byte(value)
	}
	return result, nil
}

// HashDelete implements storage.KeyValueStore.
func (client *Client) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return Error.Wrap(client.db.HDel(key, fields...).Err())
}

// Publish implements storage.PubSub.
func (client *Client) Publish(ctx context.Context, channel string, data []byte) error {
	return Error.Wrap(client.db.Publish(channel, data).Err())
}

// Subscribe implements storage.PubSub.
func (client *Client) Subscribe(ctx context.Context, channel string) (storage.Subscription, error) {
	pubsub := client.db.Subscribe(channel)
	if _, err := pubsub.Receive(); err != nil {
		_ = pubsub.Close()
		return nil, Error.New("subscribe error: %v", err)
	}

	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan storage.Message),
	}
	go sub.run()
	return sub, nil
}

// Close closes the redis connection.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan storage.Message
}

func (sub *subscription) run() {
	defer close(sub.ch)
	for msg := range sub.pubsub.Channel() {
		sub.ch <- storage.Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

// Channel implements storage.Subscription.
func (sub *subscription) Channel() <-chan storage.Message { return sub.ch }

// Close implements storage.Subscription.
func (sub *subscription) Close() error {
	return Error.Wrap(sub.pubsub.Close())
}

func asInterfaces(members []string) []interface{} {
	result := make([]interface{}, len(members))
	for i, member := range members {
		result[i] = member
	}
	return result
}
