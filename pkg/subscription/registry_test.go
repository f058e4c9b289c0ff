// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package subscription_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/livetable/livetable/internal/testcontext"
	"github.com/livetable/livetable/pkg/subscription"
	"github.com/livetable/livetable/storage/teststore"
)

func newRegistry(t *testing.T) *subscription.Registry {
	return subscription.NewRegistry(zaptest.NewLogger(t), teststore.New())
}

func TestCreateGetDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := newRegistry(t)

	created := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	sub := subscription.Subscription{
		ID:          "s-1",
		Resource:    "tasks",
		Filter:      `status=="active"`,
		ScopeFilter: `userId=="u-9"`,
		HandlerID:   "proc-a",
		UserID:      "u-9",
		RemoteAddr:  "10.0.0.7",
		CreatedAt:   created,
		LastSeq:     12,
		ExpiresAt:   created.Add(time.Hour),
	}
	require.NoError(t, registry.Create(ctx, sub))

	got, err := registry.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	require.NoError(t, registry.Delete(ctx, "s-1"))
	_, err = registry.Get(ctx, "s-1")
	assert.True(t, subscription.ErrNotFound.Has(err), "got %v", err)

	// deleting twice is fine
	require.NoError(t, registry.Delete(ctx, "s-1"))
}

func TestCreateRequiresID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := newRegistry(t)
	err := registry.Create(ctx, subscription.Subscription{Resource: "tasks"})
	require.Error(t, err)
}

func TestForResource(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := newRegistry(t)
	for _, sub := range []subscription.Subscription{
		{ID: "s-1", Resource: "tasks", HandlerID: "proc-a"},
		{ID: "s-2", Resource: "tasks", HandlerID: "proc-b"},
		{ID: "s-3", Resource: "users", HandlerID: "proc-a"},
	} {
		require.NoError(t, registry.Create(ctx, sub))
	}

	subs, err := registry.ForResource(ctx, "tasks")
	require.NoError(t, err)
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"s-1", "s-2"}, ids)

	require.NoError(t, registry.Delete(ctx, "s-1"))
	subs, err = registry.ForResource(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s-2", subs[0].ID)

	none, err := registry.ForResource(ctx, "projects")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTouch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := newRegistry(t)
	require.NoError(t, registry.Create(ctx, subscription.Subscription{ID: "s-1", Resource: "tasks"}))

	require.NoError(t, registry.Touch(ctx, "s-1", 77))
	got, err := registry.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.LastSeq)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	open := subscription.Subscription{ID: "s-1"}
	assert.False(t, open.Expired(now))

	bounded := subscription.Subscription{ID: "s-2", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, bounded.Expired(now))
	assert.True(t, bounded.Expired(now.Add(2*time.Minute)))
}

func TestMembership(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := newRegistry(t)
	require.NoError(t, registry.Create(ctx, subscription.Subscription{ID: "s-1", Resource: "tasks"}))

	view := registry.Membership("s-1")
	require.NoError(t, view.Add(ctx, "t-1", "t-2"))
	require.NoError(t, view.Add(ctx))

	ok, err := view.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = view.Contains(ctx, "t-9")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := view.Members(ctx)
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"t-1", "t-2"}, members)

	require.NoError(t, view.Remove(ctx, "t-1"))
	ok, err = view.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting the subscription clears its membership set
	require.NoError(t, view.Add(ctx, "t-3"))
	require.NoError(t, registry.Delete(ctx, "s-1"))
	members, err = registry.Membership("s-1").Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}
