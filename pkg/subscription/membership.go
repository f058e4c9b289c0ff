// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package subscription

import (
	"context"

	"github.com/livetable/livetable/storage"
)

// Membership is the relevantIds set of one subscription: the exact primary
// keys the subscriber currently believes to be in its view. Only the event
// router mutates it.
type Membership struct {
	store storage.KeyValueStore
	key   string
}

// Add records ids as part of the subscriber's view.
func (m *Membership) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return Error.Wrap(m.store.SetAdd(ctx, m.key, ids...))
}

// Remove drops ids from the subscriber's view.
func (m *Membership) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return Error.Wrap(m.store.SetRemove(ctx, m.key, ids...))
}

// Contains reports whether the subscriber's view includes id.
func (m *Membership) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.SetContains(ctx, m.key, id)
	return ok, Error.Wrap(err)
}

// Members returns the whole view.
func (m *Membership) Members(ctx context.Context) ([]string, error) {
	members, err := m.store.SetMembers(ctx, m.key)
	return members, Error.Wrap(err)
}

// Clear empties the view.
func (m *Membership) Clear(ctx context.Context) error {
	return Error.Wrap(m.store.Delete(ctx, m.key))
}
