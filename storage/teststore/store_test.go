// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"github.com/livetable/livetable/storage/testsuite"
)

func TestSuite(t *testing.T) {
	store := New()
	defer func() { _ = store.Close() }()

	testsuite.RunTests(t, store)
	testsuite.RunPubSubTests(t, store)
}
