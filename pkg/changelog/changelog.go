// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package changelog implements the globally-ordered, bounded log of
// committed mutations. Sequence numbers come from the KV substrate's atomic
// counter; entries live in a sorted set scored by sequence.
package changelog

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/storage"
)

var (
	mon = monkit.Package()

	// Error is the changelog error class.
	Error = errs.Class("changelog")
)

// DefaultRetention is the default number of retained entries.
const DefaultRetention = 10000

// DefaultTrimInterval is how often the periodic trim cycle runs. Append
// already trims opportunistically, the cycle covers quiet periods.
const DefaultTrimInterval = time.Minute

const (
	seqKey     = "changelog:seq"
	entriesKey = "changelog:entries"
)

// Kind is the mutation kind of a changelog entry.
type Kind string

// Mutation kinds.
const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// SentinelObjectID marks an entry produced by a raw-SQL mutation whose
// affected rows are unknown; subscribers on the resource must be
// invalidated.
const SentinelObjectID = "*"

// Entry is an immutable record of one committed row mutation.
type Entry struct {
	Seq       int64           `json:"seq"`
	Resource  string          `json:"resource"`
	Kind      Kind            `json:"kind"`
	ObjectID  string          `json:"objectId"`
	Before    resource.Record `json:"before,omitempty"`
	After     resource.Record `json:"after,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log is the bounded, totally-ordered changelog.
type Log struct {
	log       *zap.Logger
	store     storage.KeyValueStore
	retention int64
}

// New creates a changelog on the given store. retention <= 0 uses the
// default.
func New(log *zap.Logger, store storage.KeyValueStore, retention int64) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{log: log, store: store, retention: retention}
}

// Append assigns the next sequence number to the entry, stores it, and
// trims entries that fell out of retention. It returns the assigned
// sequence.
func (l *Log) Append(ctx context.Context, entry Entry) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	seq, err := l.store.Incr(ctx, seqKey)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	entry.Seq = seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := l.store.SortedAdd(ctx, entriesKey, seq, data); err != nil {
		return 0, Error.Wrap(err)
	}

	if err := l.store.SortedRemoveBelow(ctx, entriesKey, seq-l.retention+1); err != nil {
		// trimming is retried on the next append; the entry is committed
		l.log.Warn("changelog trim failed", zap.Int64("seq", seq), zap.Error(err))
	}
	return seq, nil
}

// CurrentSeq returns the most recently assigned sequence number, zero when
// nothing was ever appended.
func (l *Log) CurrentSeq(ctx context.Context) (int64, error) {
	value, err := l.store.Get(ctx, seqKey)
	if storage.ErrKeyNotFound.Has(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	seq, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, Error.New("malformed sequence counter: %v", err)
	}
	return seq, nil
}

// MinRetainedSeq returns the oldest sequence number still within
// retention.
func (l *Log) MinRetainedSeq(ctx context.Context) (int64, error) {
	current, err := l.CurrentSeq(ctx)
	if err != nil {
		return 0, err
	}
	min := current - l.retention + 1
	if min < 1 {
		min = 1
	}
	return min, nil
}

// NeedsInvalidation reports whether a client that last saw sinceSeq can no
// longer be served by replay because its history was trimmed.
func (l *Log) NeedsInvalidation(ctx context.Context, sinceSeq int64) (bool, error) {
	if sinceSeq <= 0 {
		return false, nil
	}
	min, err := l.MinRetainedSeq(ctx)
	if err != nil {
		return false, err
	}
	return sinceSeq < min, nil
}

// Range returns all entries with seq > sinceSeqExclusive in ascending
// order.
func (l *Log) Range(ctx context.Context, sinceSeqExclusive int64) (_ []Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	scored, err := l.store.SortedRangeByScore(ctx, entriesKey, sinceSeqExclusive+1, -1)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	entries := make([]Entry, 0, len(scored))
	for _, item := range scored {
		var entry Entry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, Error.New("malformed entry at seq %d: %v", item.Score, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RangeForResource returns entries for one resource with seq > sinceSeq.
func (l *Log) RangeForResource(ctx context.Context, resourceName string, sinceSeq int64) ([]Entry, error) {
	return l.RangeForResources(ctx, map[string]bool{resourceName: true}, sinceSeq)
}

// RangeForResources returns entries for a set of resources with
// seq > sinceSeq.
func (l *Log) RangeForResources(ctx context.Context, resources map[string]bool, sinceSeq int64) ([]Entry, error) {
	entries, err := l.Range(ctx, sinceSeq)
	if err != nil {
		return nil, err
	}
	filtered := entries[:0:0]
	for _, entry := range entries {
		if resources[entry.Resource] {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// Trim removes entries outside the retention window. Append already trims;
// this exists for the periodic defensive cycle.
func (l *Log) Trim(ctx context.Context) error {
	min, err := l.MinRetainedSeq(ctx)
	if err != nil {
		return err
	}
	return Error.Wrap(l.store.SortedRemoveBelow(ctx, entriesKey, min))
}
