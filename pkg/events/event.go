// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package events turns committed mutations into per-subscriber
// added/changed/removed/invalidate events with exact scope semantics.
package events

import (
	"time"

	"github.com/livetable/livetable/pkg/resource"
)

// Type is the event type seen by subscribers.
type Type string

// Event types.
const (
	// TypeConnected opens every stream and carries the current global seq.
	TypeConnected Type = "connected"
	// TypeExisting seeds a fresh stream with one event per matching row.
	TypeExisting Type = "existing"
	// TypeAdded announces a record that entered the subscriber's view.
	TypeAdded Type = "added"
	// TypeChanged announces a mutation of a record already in view.
	TypeChanged Type = "changed"
	// TypeRemoved announces a record that left the subscriber's view.
	TypeRemoved Type = "removed"
	// TypeInvalidate tells the subscriber its view can no longer be
	// maintained incrementally and must be rebuilt.
	TypeInvalidate Type = "invalidate"
)

// Event is one delivery on a subscription stream.
type Event struct {
	// ID is a unique identifier of this delivery.
	ID string `json:"id"`
	// SubscriptionID names the target subscription.
	SubscriptionID string `json:"subscriptionId"`
	// Seq is the per-subscription sequence, strictly increasing and
	// independent of the global changelog seq.
	Seq int64 `json:"seq"`
	// GlobalSeq is the changelog seq that produced the event, zero for
	// stream-lifecycle events.
	GlobalSeq int64 `json:"globalSeq,omitempty"`

	Type     Type            `json:"type"`
	Resource string          `json:"resource,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
	Record   resource.Record `json:"object,omitempty"`

	// Reason explains an invalidate.
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
