// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package changelog_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/livetable/livetable/internal/testcontext"
	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/storage/teststore"
)

func newLog(t *testing.T, retention int64) *changelog.Log {
	return changelog.New(zaptest.NewLogger(t), teststore.New(), retention)
}

func entry(resourceName, objectID string, kind changelog.Kind) changelog.Entry {
	return changelog.Entry{
		Resource: resourceName,
		Kind:     kind,
		ObjectID: objectID,
		After: resource.Record{
			"id": resource.StringValue(objectID),
		},
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 0)

	for want := int64(1); want <= 25; want++ {
		seq, err := log.Append(ctx, entry("tasks", fmt.Sprintf("t-%d", want), changelog.KindCreate))
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	current, err := log.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), current)
}

func TestCurrentSeqEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 0)

	current, err := log.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	min, err := log.MinRetainedSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), min)
}

func TestRangeOrderAndExclusivity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 0)
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, entry("tasks", fmt.Sprintf("t-%d", i), changelog.KindUpdate))
		require.NoError(t, err)
	}

	entries, err := log.Range(ctx, 4)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	for i, got := range entries {
		assert.Equal(t, int64(5+i), got.Seq)
		assert.Equal(t, "tasks", got.Resource)
		assert.False(t, got.Timestamp.IsZero())
	}

	entries, err = log.Range(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRangeForResources(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 0)
	resources := []string{"tasks", "users", "projects"}
	for i := 0; i < 12; i++ {
		_, err := log.Append(ctx, entry(resources[i%3], fmt.Sprintf("o-%d", i), changelog.KindCreate))
		require.NoError(t, err)
	}

	tasks, err := log.RangeForResource(ctx, "tasks", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, got := range tasks {
		assert.Equal(t, "tasks", got.Resource)
	}

	both, err := log.RangeForResources(ctx, map[string]bool{"tasks": true, "users": true}, 6)
	require.NoError(t, err)
	require.Len(t, both, 4)
	var last int64
	for _, got := range both {
		assert.NotEqual(t, "projects", got.Resource)
		assert.Greater(t, got.Seq, last)
		last = got.Seq
	}
}

func TestRetentionTrim(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 5)
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, entry("tasks", fmt.Sprintf("t-%d", i), changelog.KindDelete))
		require.NoError(t, err)
	}

	min, err := log.MinRetainedSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), min)

	entries, err := log.Range(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, int64(6), entries[0].Seq)
	assert.Equal(t, int64(10), entries[4].Seq)
}

func TestNeedsInvalidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 5)
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, entry("tasks", fmt.Sprintf("t-%d", i), changelog.KindUpdate))
		require.NoError(t, err)
	}

	// seq 2 was trimmed away, replay is impossible
	gone, err := log.NeedsInvalidation(ctx, 2)
	require.NoError(t, err)
	assert.True(t, gone)

	ok, err := log.NeedsInvalidation(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// zero means "no history seen", never invalidated
	fresh, err := log.NeedsInvalidation(ctx, 0)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestEntryRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := newLog(t, 0)

	when := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	before := resource.Record{
		"id":     resource.StringValue("t-1"),
		"status": resource.StringValue("pending"),
		"score":  resource.NumberValue(10),
	}
	after := resource.Record{
		"id":     resource.StringValue("t-1"),
		"status": resource.StringValue("active"),
		"score":  resource.NumberValue(55),
	}

	seq, err := log.Append(ctx, changelog.Entry{
		Resource:  "tasks",
		Kind:      changelog.KindUpdate,
		ObjectID:  "t-1",
		Before:    before,
		After:     after,
		Timestamp: when,
	})
	require.NoError(t, err)

	entries, err := log.Range(ctx, seq-1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, changelog.KindUpdate, got.Kind)
	assert.Equal(t, "t-1", got.ObjectID)
	assert.Equal(t, "pending", got.Before["status"].Str())
	assert.Equal(t, "active", got.After["status"].Str())
	assert.Equal(t, float64(55), got.After["score"].Num())
	assert.True(t, when.Equal(got.Timestamp))
}
