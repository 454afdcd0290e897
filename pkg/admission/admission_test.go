// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsNoopWhenDisabled(t *testing.T) {
	c := NewController(Config{Enabled: false}, NewLocalCoordinator(), log.NewNopLogger(), nil)
	lease, err := c.Acquire(context.Background(), 1000)
	require.NoError(t, err)
	require.Nil(t, lease)

	// Releasing a nil lease must also be a no-op, not a panic.
	c.Release(lease)
}

func TestAcquireSelectsQueueByThreshold(t *testing.T) {
	coord := NewLocalCoordinator()
	c := NewController(Config{
		Enabled:       true,
		Threshold:     10,
		SmallQueueCap: 1,
		LargeQueueCap: 1,
		Timeout:       time.Second,
	}, coord, log.NewNopLogger(), nil)

	small, err := c.Acquire(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, small)

	large, err := c.Acquire(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, large)

	c.Release(small)
	c.Release(large)
}

func TestAcquireTimesOutWhenQueueFull(t *testing.T) {
	coord := NewLocalCoordinator()
	c := NewController(Config{
		Enabled:       true,
		Threshold:     10,
		SmallQueueCap: 1,
		LargeQueueCap: 1,
		Timeout:       50 * time.Millisecond,
	}, coord, log.NewNopLogger(), nil)

	held, err := c.Acquire(context.Background(), 1)
	require.NoError(t, err)
	defer c.Release(held)

	_, err = c.Acquire(context.Background(), 1)
	require.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestReleaseIsIdempotent(t *testing.T) {
	coord := NewLocalCoordinator()
	c := NewController(Config{
		Enabled:       true,
		SmallQueueCap: 1,
		Timeout:       time.Second,
	}, coord, log.NewNopLogger(), nil)

	lease, err := c.Acquire(context.Background(), 0)
	require.NoError(t, err)

	c.Release(lease)
	c.Release(lease)

	// A fresh acquisition must succeed: the slot was truly freed, not
	// double-counted.
	lease2, err := c.Acquire(context.Background(), 0)
	require.NoError(t, err)
	c.Release(lease2)
}
