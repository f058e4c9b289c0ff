// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/storage/testsuite"
)

func TestSuite(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClient(server.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	testsuite.RunTests(t, client)
}

func TestNewClientFrom(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClientFrom("redis://" + server.Addr() + "?db=0")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewClientFrom("http://localhost:6379")
	require.Error(t, err)
}
