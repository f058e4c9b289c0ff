// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/livetable/livetable/internal/testcontext"
	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/events"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/pkg/subscription"
	"github.com/livetable/livetable/storage/teststore"
)

func taskSchema() *resource.Schema {
	return &resource.Schema{
		Name:       "tasks",
		Table:      "tasks",
		PrimaryKey: "id",
		Fields: map[string]resource.Kind{
			"id":     resource.KindString,
			"status": resource.KindString,
			"userId": resource.KindString,
			"score":  resource.KindNumber,
		},
	}
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(ctx context.Context, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event{}, c.events...)
}

type fixture struct {
	store    *teststore.Client
	registry *subscription.Registry
	router   *events.Router
	sink     *collector
}

func newFixture(t *testing.T, handlerID string) *fixture {
	log := zaptest.NewLogger(t)
	store := teststore.New()
	registry := subscription.NewRegistry(log, store)
	catalog := resource.NewCatalog(taskSchema())
	router := events.NewRouter(log, store, registry, catalog,
		filter.NewCache(0, filter.DefaultLimits), handlerID)
	return &fixture{store: store, registry: registry, router: router, sink: &collector{}}
}

func task(id, status string, score float64) resource.Record {
	return resource.Record{
		"id":     resource.StringValue(id),
		"status": resource.StringValue(status),
		"score":  resource.NumberValue(score),
	}
}

func entry(seq int64, kind changelog.Kind, id string, before, after resource.Record) changelog.Entry {
	return changelog.Entry{
		Seq:       seq,
		Resource:  "tasks",
		Kind:      kind,
		ObjectID:  id,
		Before:    before,
		After:     after,
		Timestamp: time.Now(),
	}
}

func TestRouteTruthTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, "proc-a")
	sub := subscription.Subscription{
		ID: "s-1", Resource: "tasks", Filter: `status=="active"`, HandlerID: "proc-a",
	}
	require.NoError(t, f.registry.Create(ctx, sub))
	f.router.Attach("s-1", f.sink.handle)

	steps := []struct {
		entry    changelog.Entry
		wantType events.Type
		inView   bool
	}{
		// not in view, enters scope
		{entry(1, changelog.KindCreate, "t-1", nil, task("t-1", "active", 10)), events.TypeAdded, true},
		// in view, stays in scope
		{entry(2, changelog.KindUpdate, "t-1", task("t-1", "active", 10), task("t-1", "active", 20)), events.TypeChanged, true},
		// in view, leaves scope
		{entry(3, changelog.KindUpdate, "t-1", task("t-1", "active", 20), task("t-1", "paused", 20)), events.TypeRemoved, false},
		// not in view, out of scope: silence
		{entry(4, changelog.KindUpdate, "t-1", task("t-1", "paused", 20), task("t-1", "paused", 30)), "", false},
		// re-enters scope
		{entry(5, changelog.KindUpdate, "t-1", task("t-1", "paused", 30), task("t-1", "active", 30)), events.TypeAdded, true},
		// in view, deleted
		{entry(6, changelog.KindDelete, "t-1", task("t-1", "active", 30), nil), events.TypeRemoved, false},
		// not in view, deleted again elsewhere: silence
		{entry(7, changelog.KindDelete, "t-2", task("t-2", "paused", 1), nil), "", false},
	}

	var want []events.Type
	for _, step := range steps {
		require.NoError(t, f.router.Dispatch(ctx, []changelog.Entry{step.entry}))
		if step.wantType != "" {
			want = append(want, step.wantType)
		}

		inView, err := f.registry.Membership("s-1").Contains(ctx, step.entry.ObjectID)
		require.NoError(t, err)
		assert.Equal(t, step.inView, inView, "membership after seq %d", step.entry.Seq)
	}

	got := f.sink.all()
	require.Len(t, got, len(want))
	seen := map[string]bool{}
	for i, event := range got {
		assert.Equal(t, want[i], event.Type, "event %d", i)
		assert.Equal(t, int64(i+1), event.Seq, "per-subscription seq is dense")
		assert.NotEmpty(t, event.ID)
		assert.False(t, seen[event.ID], "event ids are unique")
		seen[event.ID] = true
		assert.Equal(t, "tasks", event.Resource)
		if event.Type == events.TypeRemoved {
			assert.Nil(t, event.Record, "removed carries no record")
		} else {
			assert.NotNil(t, event.Record)
		}
	}
}

func TestScopeFilterConjoined(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, "proc-a")
	require.NoError(t, f.registry.Create(ctx, subscription.Subscription{
		ID: "s-1", Resource: "tasks",
		Filter:      `status=="active"`,
		ScopeFilter: `userId=="u-1"`,
		HandlerID:   "proc-a",
	}))
	f.router.Attach("s-1", f.sink.handle)

	mine := task("t-1", "active", 1)
	mine["userId"] = resource.StringValue("u-1")
	theirs := task("t-2", "active", 1)
	theirs["userId"] = resource.StringValue("u-2")

	require.NoError(t, f.router.Dispatch(ctx, []changelog.Entry{
		entry(1, changelog.KindCreate, "t-1", nil, mine),
		entry(2, changelog.KindCreate, "t-2", nil, theirs),
	}))

	got := f.sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeAdded, got[0].Type)
	assert.Equal(t, "t-1", got[0].ObjectID)
}

func TestSentinelInvalidates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, "proc-a")
	require.NoError(t, f.registry.Create(ctx, subscription.Subscription{
		ID: "s-1", Resource: "tasks", Filter: ``, HandlerID: "proc-a",
	}))
	f.router.Attach("s-1", f.sink.handle)

	require.NoError(t, f.router.Dispatch(ctx, []changelog.Entry{
		entry(1, changelog.KindUpdate, changelog.SentinelObjectID, nil, nil),
	}))

	got := f.sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeInvalidate, got[0].Type)
	assert.NotEmpty(t, got[0].Reason)
}

func TestExpiredSubscriptionInvalidates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, "proc-a")
	require.NoError(t, f.registry.Create(ctx, subscription.Subscription{
		ID: "s-1", Resource: "tasks", Filter: ``, HandlerID: "proc-a",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	f.router.Attach("s-1", f.sink.handle)

	require.NoError(t, f.router.Dispatch(ctx, []changelog.Entry{
		entry(1, changelog.KindCreate, "t-1", nil, task("t-1", "active", 1)),
	}))

	got := f.sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeInvalidate, got[0].Type)
	assert.Equal(t, "auth expired", got[0].Reason)
}

func TestConcurrentSubscribersDisjointViews(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, "proc-a")
	active := &collector{}
	high := &collector{}
	require.NoError(t, f.registry.Create(ctx, subscription.Subscription{
		ID: "s-active", Resource: "tasks", Filter: `status=="active"`, HandlerID: "proc-a",
	}))
	require.NoError(t, f.registry.Create(ctx, subscription.Subscription{
		ID: "s-high", Resource: "tasks", Filter: `score>50`, HandlerID: "proc-a",
	}))
	f.router.Attach("s-active", active.handle)
	f.router.Attach("s-high", high.handle)

	require.NoError(t, f.router.Dispatch(ctx, []changelog.Entry{
		entry(1, changelog.KindCreate, "t-1", nil, task("t-1", "active", 10)),
		entry(2, changelog.KindCreate, "t-2", nil, task("t-2", "paused", 90)),
		entry(3, changelog.KindCreate, "t-3", nil, task("t-3", "active", 70)),
	}))

	activeIDs := map[string]bool{}
	for _, event := range active.all() {
		require.Equal(t, events.TypeAdded, event.Type)
		activeIDs[event.ObjectID] = true
	}
	assert.Equal(t, map[string]bool{"t-1": true, "t-3": true}, activeIDs)

	highIDs := map[string]bool{}
	for _, event := range high.all() {
		require.Equal(t, events.TypeAdded, event.Type)
		highIDs[event.ObjectID] = true
	}
	assert.Equal(t, map[string]bool{"t-2": true, "t-3": true}, highIDs)
}

func TestPubSubDelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	store := teststore.New()
	registry := subscription.NewRegistry(log, store)
	catalog := resource.NewCatalog(taskSchema())

	origin := events.NewRouter(log, store, registry, catalog,
		filter.NewCache(0, filter.DefaultLimits), "proc-a")
	remote := events.NewRouter(log, store, registry, catalog,
		filter.NewCache(0, filter.DefaultLimits), "proc-b")

	require.NoError(t, registry.Create(ctx, subscription.Subscription{
		ID: "s-1", Resource: "tasks", Filter: ``, HandlerID: "proc-b",
	}))

	received := make(chan events.Event, 1)
	remote.Attach("s-1", func(ctx context.Context, event events.Event) error {
		received <- event
		return nil
	})

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return remote.Listen(listenCtx) })

	// give the listener a moment to subscribe
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, origin.Dispatch(ctx, []changelog.Entry{
		entry(1, changelog.KindCreate, "t-1", nil, task("t-1", "active", 1)),
	}))

	select {
	case event := <-received:
		assert.Equal(t, events.TypeAdded, event.Type)
		assert.Equal(t, "t-1", event.ObjectID)
		assert.Equal(t, "s-1", event.SubscriptionID)
	case <-time.After(5 * time.Second):
		t.Fatal("event did not arrive over pub/sub")
	}
	cancel()
}
