// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package teststore

import (
	"context"

	"github.com/livetable/livetable/storage"
)

const subscriberBuffer = 256

type subscription struct {
	store   *Client
	channel string
	ch      chan storage.Message
	closed  bool
}

// Publish implements storage.PubSub.
func (store *Client) Publish(ctx context.Context, channel string, data []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Publish++

	for _, sub := range store.subs[channel] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- storage.Message{Channel: channel, Data: clone(data)}:
		default:
			// a full subscriber drops the message, matching redis semantics
		}
	}
	return nil
}

// Subscribe implements storage.PubSub.
func (store *Client) Subscribe(ctx context.Context, channel string) (storage.Subscription, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	sub := &subscription{
		store:   store,
		channel: channel,
		ch:      make(chan storage.Message, subscriberBuffer),
	}
	store.subs[channel] = append(store.subs[channel], sub)
	return sub, nil
}

// Channel implements storage.Subscription.
func (sub *subscription) Channel() <-chan storage.Message { return sub.ch }

// Close implements storage.Subscription.
func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	sub.closeLocked()

	subs := sub.store.subs[sub.channel]
	for i, other := range subs {
		if other == sub {
			sub.store.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (sub *subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
