// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/pkg/subscription"
	"github.com/livetable/livetable/storage"
)

var (
	mon = monkit.Package()

	// Error is the events error class.
	Error = errs.Class("events")

	monEmitted     = mon.Counter("events_emitted")
	monInvalidated = mon.Counter("events_invalidated")
)

// Channel is the pub/sub channel carrying events between processes.
const Channel = "livetable:events"

// Handler consumes events for one locally-connected subscription. An error
// means the event was not accepted.
type Handler func(ctx context.Context, event Event) error

// Router diffs committed mutations against every subscription's membership
// set and delivers the resulting events, locally or over pub/sub.
type Router struct {
	log       *zap.Logger
	store     storage.Store
	registry  *subscription.Registry
	catalog   *resource.Catalog
	filters   *filter.Cache
	handlerID string

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRouter creates a router. handlerID names this process; subscriptions
// recording a different handler are reached over pub/sub.
func NewRouter(log *zap.Logger, store storage.Store, registry *subscription.Registry, catalog *resource.Catalog, filters *filter.Cache, handlerID string) *Router {
	return &Router{
		log:       log,
		store:     store,
		registry:  registry,
		catalog:   catalog,
		filters:   filters,
		handlerID: handlerID,
		handlers:  map[string]Handler{},
	}
}

// HandlerID returns the process identity used for handler locality.
func (r *Router) HandlerID() string { return r.handlerID }

// Attach registers the local handler for a subscription.
func (r *Router) Attach(subscriptionID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[subscriptionID] = handler
}

// Detach removes the local handler for a subscription.
func (r *Router) Detach(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, subscriptionID)
}

// Dispatch routes committed changelog entries to every subscription on the
// affected resources. A failing subscription does not block the others.
func (r *Router) Dispatch(ctx context.Context, entries []changelog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	byResource := map[string][]changelog.Entry{}
	var order []string
	for _, entry := range entries {
		if _, seen := byResource[entry.Resource]; !seen {
			order = append(order, entry.Resource)
		}
		byResource[entry.Resource] = append(byResource[entry.Resource], entry)
	}

	var group errs.Group
	for _, resourceName := range order {
		subs, err := r.registry.ForResource(ctx, resourceName)
		if err != nil {
			group.Add(err)
			continue
		}
		for _, sub := range subs {
			if err := r.route(ctx, sub, byResource[resourceName]); err != nil {
				r.log.Error("event routing failed",
					zap.String("subscription", sub.ID),
					zap.String("resource", resourceName),
					zap.Error(err))
				group.Add(err)
			}
		}
	}
	return Error.Wrap(group.Err())
}

// route applies the membership diff for one subscription.
//
// wasRelevant comes from the stored membership set rather than from
// re-evaluating the before image: the set is the ground truth of what the
// client currently sees, and before images may be partial.
func (r *Router) route(ctx context.Context, sub subscription.Subscription, entries []changelog.Entry) error {
	if sub.Expired(time.Now()) {
		return r.Invalidate(ctx, sub, "auth expired")
	}

	combined, err := r.CombinedFilter(sub)
	if err != nil {
		r.log.Warn("stored filter no longer compiles",
			zap.String("subscription", sub.ID), zap.Error(err))
		return r.Invalidate(ctx, sub, "filter no longer valid")
	}

	view := r.registry.Membership(sub.ID)
	for _, entry := range entries {
		if entry.ObjectID == changelog.SentinelObjectID {
			return r.Invalidate(ctx, sub, "raw mutation")
		}

		was, err := view.Contains(ctx, entry.ObjectID)
		if err != nil {
			return err
		}
		is := entry.After != nil && combined.Evaluate(entry.After)

		switch {
		case !was && is:
			if err := view.Add(ctx, entry.ObjectID); err != nil {
				return err
			}
			err = r.Emit(ctx, sub, Event{
				Type:      TypeAdded,
				GlobalSeq: entry.Seq,
				ObjectID:  entry.ObjectID,
				Record:    entry.After,
			})
		case was && is:
			err = r.Emit(ctx, sub, Event{
				Type:      TypeChanged,
				GlobalSeq: entry.Seq,
				ObjectID:  entry.ObjectID,
				Record:    entry.After,
			})
		case was && !is:
			if err := view.Remove(ctx, entry.ObjectID); err != nil {
				return err
			}
			err = r.Emit(ctx, sub, Event{
				Type:      TypeRemoved,
				GlobalSeq: entry.Seq,
				ObjectID:  entry.ObjectID,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Replay routes already-committed entries to a single subscription. The
// stream manager uses it to catch a resuming client up from its last seen
// seq; membership diffing works the same as for live dispatch.
func (r *Router) Replay(ctx context.Context, sub subscription.Subscription, entries []changelog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	matching := entries[:0:0]
	for _, entry := range entries {
		if entry.Resource == sub.Resource {
			matching = append(matching, entry)
		}
	}
	return r.route(ctx, sub, matching)
}

// CombinedFilter compiles filter ∧ scopeFilter for a subscription.
func (r *Router) CombinedFilter(sub subscription.Subscription) (*filter.Filter, error) {
	schema, err := r.catalog.Get(sub.Resource)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	combined, err := r.filters.Get(schema, sub.Filter)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if sub.ScopeFilter != "" {
		scope, err := r.filters.Get(schema, sub.ScopeFilter)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		combined = combined.And(scope)
	}
	return combined, nil
}

// Emit assigns delivery identity (uuid, per-subscription seq, timestamp)
// and delivers the event.
func (r *Router) Emit(ctx context.Context, sub subscription.Subscription, event Event) error {
	seq, err := r.registry.NextSeq(ctx, sub.ID)
	if err != nil {
		return err
	}
	event.ID = uuid.NewString()
	event.SubscriptionID = sub.ID
	event.Seq = seq
	if event.Resource == "" {
		event.Resource = sub.Resource
	}
	event.Timestamp = time.Now().UTC()

	monEmitted.Inc(1)
	if event.Type == TypeInvalidate {
		monInvalidated.Inc(1)
	}
	return r.deliver(ctx, sub, event)
}

// Invalidate tells the subscriber to rebuild its view.
func (r *Router) Invalidate(ctx context.Context, sub subscription.Subscription, reason string) error {
	return r.Emit(ctx, sub, Event{Type: TypeInvalidate, Reason: reason})
}

func (r *Router) deliver(ctx context.Context, sub subscription.Subscription, event Event) error {
	if sub.HandlerID == r.handlerID {
		r.mu.Lock()
		handler := r.handlers[sub.ID]
		r.mu.Unlock()
		if handler != nil {
			err := handler(ctx, event)
			if err == nil {
				return nil
			}
			r.log.Warn("local handler rejected event, publishing",
				zap.String("subscription", sub.ID), zap.Error(err))
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(r.store.Publish(ctx, Channel, data))
}

// Listen forwards published events to local handlers until ctx is done.
// Events for subscriptions without a local handler are dropped.
func (r *Router) Listen(ctx context.Context) error {
	pubsub, err := r.store.Subscribe(ctx, Channel)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = pubsub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				r.log.Warn("malformed event on pub/sub", zap.Error(err))
				continue
			}
			r.mu.Lock()
			handler := r.handlers[event.SubscriptionID]
			r.mu.Unlock()
			if handler == nil {
				continue
			}
			if err := handler(ctx, event); err != nil {
				r.log.Warn("handler rejected published event",
					zap.String("subscription", event.SubscriptionID), zap.Error(err))
			}
		}
	}
}
