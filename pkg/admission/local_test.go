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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foremancore/dqe/pkg/fragment"
)

type recordingListener struct {
	calls [][]fragment.Endpoint
}

func (l *recordingListener) EndpointsDead(endpoints []fragment.Endpoint) {
	l.calls = append(l.calls, endpoints)
}

func TestNotifyEndpointsDeadFansOutToAllListeners(t *testing.T) {
	coord := NewLocalCoordinator()
	a, b := &recordingListener{}, &recordingListener{}
	coord.AddDrillbitStatusListener(a)
	coord.AddDrillbitStatusListener(b)

	dead := []fragment.Endpoint{{Address: "10.0.0.1", Port: 5432}}
	coord.NotifyEndpointsDead(dead)

	require.Equal(t, [][]fragment.Endpoint{dead}, a.calls)
	require.Equal(t, [][]fragment.Endpoint{dead}, b.calls)
}

func TestRemoveDrillbitStatusListenerStopsDelivery(t *testing.T) {
	coord := NewLocalCoordinator()
	l := &recordingListener{}
	coord.AddDrillbitStatusListener(l)
	coord.RemoveDrillbitStatusListener(l)

	coord.NotifyEndpointsDead([]fragment.Endpoint{{Address: "10.0.0.1", Port: 1}})
	require.Empty(t, l.calls)
}

func TestGetSemaphoreReusesSameInstanceByName(t *testing.T) {
	coord := NewLocalCoordinator()
	a, err := coord.GetSemaphore("query.small", 4)
	require.NoError(t, err)
	b, err := coord.GetSemaphore("query.small", 4)
	require.NoError(t, err)
	require.Same(t, a, b)
}
