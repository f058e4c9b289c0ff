// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package confirm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/pkg/secret"
)

func newManager() *Manager {
	return NewManager(secret.Generate(), 0, 0)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	m := newManager()

	token, expiresAt, err := m.Issue(OpBatchDelete, "tasks", `status=="inactive"`, []string{"t-3", "t-1", "t-2"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expiresAt, 5*time.Second)

	ids, err := m.Verify(token, OpBatchDelete, "tasks", `status=="inactive"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, ids)

	// whitespace-normalised filter still matches
	_, err = m.Verify(token, OpBatchDelete, "tasks", `  status=="inactive" `)
	require.NoError(t, err)
}

func TestVerifyMismatches(t *testing.T) {
	m := newManager()

	token, _, err := m.Issue(OpBatchUpdate, "tasks", `score<10`, []string{"t-1"})
	require.NoError(t, err)

	t.Run("operation", func(t *testing.T) {
		_, err := m.Verify(token, OpBatchDelete, "tasks", `score<10`)
		assert.True(t, ErrOperationMismatch.Has(err), "got %v", err)
	})

	t.Run("resource", func(t *testing.T) {
		_, err := m.Verify(token, OpBatchUpdate, "users", `score<10`)
		assert.True(t, ErrOperationMismatch.Has(err), "got %v", err)
	})

	t.Run("filter", func(t *testing.T) {
		_, err := m.Verify(token, OpBatchUpdate, "tasks", `score<20`)
		assert.True(t, ErrFilterMismatch.Has(err), "got %v", err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Verify("%%%", OpBatchUpdate, "tasks", `score<10`)
		assert.True(t, ErrInvalidSignature.Has(err), "got %v", err)
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := token[:len(token)-2] + "xx"
		_, err := m.Verify(tampered, OpBatchUpdate, "tasks", `score<10`)
		assert.True(t, ErrInvalidSignature.Has(err), "got %v", err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := newManager()
		_, err := other.Verify(token, OpBatchUpdate, "tasks", `score<10`)
		assert.True(t, ErrInvalidSignature.Has(err), "got %v", err)
	})
}

func TestVerifyExpired(t *testing.T) {
	m := NewManager(secret.Generate(), time.Minute, 0)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, _, err := m.Issue(OpBatchDelete, "tasks", ``, []string{"t-1"})
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token, OpBatchDelete, "tasks", ``)
	assert.True(t, ErrExpired.Has(err), "got %v", err)
}

func TestIssueLimit(t *testing.T) {
	m := NewManager(secret.Generate(), 0, 3)

	ids := []string{"a", "b", "c", "d"}
	_, _, err := m.Issue(OpBatchDelete, "tasks", ``, ids)
	assert.True(t, ErrLimitExceeded.Has(err), "got %v", err)

	_, _, err = m.Issue(OpBatchDelete, "tasks", ``, ids[:3])
	assert.NoError(t, err)
}

func TestCheckAffected(t *testing.T) {
	m := newManager()

	attested := []string{"t-1", "t-2", "t-3"}

	// rows vanished since the dry-run: apply degrades to fewer rows
	assert.NoError(t, m.CheckAffected(attested, []string{"t-1", "t-3"}))
	assert.NoError(t, m.CheckAffected(attested, nil))

	// a new row drifted into the filter: refuse to touch it
	err := m.CheckAffected(attested, []string{"t-1", "t-9"})
	assert.True(t, ErrIdempotencyMismatch.Has(err), "got %v", err)
}

func TestSample(t *testing.T) {
	var ids []string
	for i := 20; i > 0; i-- {
		ids = append(ids, fmt.Sprintf("t-%02d", i))
	}
	sample := Sample(ids, SampleSize)
	require.Len(t, sample, SampleSize)
	assert.Equal(t, "t-01", sample[0])
	assert.Equal(t, "t-10", sample[SampleSize-1])

	short := Sample([]string{"b", "a"}, SampleSize)
	assert.Equal(t, []string{"a", "b"}, short)
}
