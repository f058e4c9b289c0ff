// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package subscription implements the registry of live subscriptions. The
// records live in the KV substrate so every process can enumerate them; a
// per-resource index accelerates the event router's scan.
package subscription

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/livetable/livetable/storage"
)

var (
	mon = monkit.Package()

	// Error is the subscription error class.
	Error = errs.Class("subscription")
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errs.Class("subscription not found")
)

// Subscription is a live-query registration. RelevantIDs are not part of
// the record; they live in their own KV set, accessed through Membership.
type Subscription struct {
	ID          string
	Resource    string
	Filter      string
	ScopeFilter string

	// HandlerID names the process owning the SSE connection. Events for a
	// non-local handler travel over pub/sub.
	HandlerID string

	UserID     string
	RemoteAddr string

	CreatedAt time.Time
	LastSeq   int64

	// ExpiresAt bounds the authorisation lifetime; zero means no bound.
	ExpiresAt time.Time
}

// Expired reports whether the subscription's authorisation lapsed.
func (sub *Subscription) Expired(now time.Time) bool {
	return !sub.ExpiresAt.IsZero() && now.After(sub.ExpiresAt)
}

func recordKey(id string) string     { return "sub:" + id }
func membershipKey(id string) string { return "subids:" + id }
func resourceKey(name string) string { return "subres:" + name }
func seqKey(id string) string        { return "subseq:" + id }

// Registry stores subscriptions in the KV substrate.
type Registry struct {
	log   *zap.Logger
	store storage.KeyValueStore
}

// NewRegistry creates a registry on the given store.
func NewRegistry(log *zap.Logger, store storage.KeyValueStore) *Registry {
	return &Registry{log: log, store: store}
}

// Create persists the subscription and indexes it by resource.
func (registry *Registry) Create(ctx context.Context, sub Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)

	if sub.ID == "" {
		return Error.New("missing subscription id")
	}
	if err := registry.write(ctx, sub); err != nil {
		return err
	}
	return Error.Wrap(registry.store.SetAdd(ctx, resourceKey(sub.Resource), sub.ID))
}

// Get loads a subscription by id.
func (registry *Registry) Get(ctx context.Context, id string) (Subscription, error) {
	fields, err := registry.store.HashGetAll(ctx, recordKey(id))
	if err != nil {
		return Subscription{}, Error.Wrap(err)
	}
	if len(fields) == 0 {
		return Subscription{}, ErrNotFound.New("%q", id)
	}
	return decode(id, fields)
}

// Delete removes the subscription, its membership set and its index entry.
// Deleting an absent subscription is not an error.
func (registry *Registry) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := registry.Get(ctx, id)
	if ErrNotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var group errs.Group
	group.Add(registry.store.SetRemove(ctx, resourceKey(sub.Resource), id))
	group.Add(registry.store.Delete(ctx, membershipKey(id)))
	group.Add(registry.store.Delete(ctx, seqKey(id)))
	group.Add(registry.store.Delete(ctx, recordKey(id)))
	return Error.Wrap(group.Err())
}

// ForResource returns all subscriptions on the resource. Index entries
// whose record is gone are dropped from the index on the way.
func (registry *Registry) ForResource(ctx context.Context, resourceName string) (_ []Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	ids, err := registry.store.SetMembers(ctx, resourceKey(resourceName))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	subs := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := registry.Get(ctx, id)
		if ErrNotFound.Has(err) {
			if err := registry.store.SetRemove(ctx, resourceKey(resourceName), id); err != nil {
				registry.log.Warn("stale subscription index entry not removed",
					zap.String("id", id), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Touch records the latest per-subscription sequence a client was sent.
func (registry *Registry) Touch(ctx context.Context, id string, lastSeq int64) error {
	return Error.Wrap(registry.store.HashSet(ctx, recordKey(id), "lastSeq",
		[]byte(strconv.FormatInt(lastSeq, 10))))
}

// NextSeq atomically assigns the next per-subscription event sequence.
func (registry *Registry) NextSeq(ctx context.Context, id string) (int64, error) {
	seq, err := registry.store.Incr(ctx, seqKey(id))
	return seq, Error.Wrap(err)
}

// Membership returns the relevantIds view of a subscription.
func (registry *Registry) Membership(id string) *Membership {
	return &Membership{store: registry.store, key: membershipKey(id)}
}

func (registry *Registry) write(ctx context.Context, sub Subscription) error {
	key := recordKey(sub.ID)
	fields := map[string]string{
		"resource":    sub.Resource,
		"filter":      sub.Filter,
		"scopeFilter": sub.ScopeFilter,
		"handlerId":   sub.HandlerID,
		"userId":      sub.UserID,
		"remoteAddr":  sub.RemoteAddr,
		"createdAt":   sub.CreatedAt.UTC().Format(time.RFC3339Nano),
		"lastSeq":     strconv.FormatInt(sub.LastSeq, 10),
	}
	if !sub.ExpiresAt.IsZero() {
		fields["expiresAt"] = sub.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	for field, value := range fields {
		if err := registry.store.HashSet(ctx, key, field, []byte(value)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func decode(id string, fields map[string][]byte) (Subscription, error) {
	sub := Subscription{
		ID:          id,
		Resource:    string(fields["resource"]),
		Filter:      string(fields["filter"]),
		ScopeFilter: string(fields["scopeFilter"]),
		HandlerID:   string(fields["handlerId"]),
		UserID:      string(fields["userId"]),
		RemoteAddr:  string(fields["remoteAddr"]),
	}

	if raw, ok := fields["createdAt"]; ok {
		createdAt, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return Subscription{}, Error.New("malformed createdAt for %q: %v", id, err)
		}
		sub.CreatedAt = createdAt
	}
	if raw, ok := fields["expiresAt"]; ok {
		expiresAt, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return Subscription{}, Error.New("malformed expiresAt for %q: %v", id, err)
		}
		sub.ExpiresAt = expiresAt
	}
	if raw, ok := fields["lastSeq"]; ok {
		lastSeq, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Subscription{}, Error.New("malformed lastSeq for %q: %v", id, err)
		}
		sub.LastSeq = lastSeq
	}
	return sub, nil
}
