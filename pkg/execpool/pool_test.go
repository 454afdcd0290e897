// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package execpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foremancore/dqe/pkg/util/stopper"
)

func TestSubmitRunsTaskAsynchronously(t *testing.T) {
	s := stopper.New()
	p := New(s)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}

	s.Stop(context.Background())
}

func TestSubmitFailsAfterStop(t *testing.T) {
	s := stopper.New()
	p := New(s)
	s.Stop(context.Background())

	err := p.Submit(func(context.Context) {})
	require.ErrorIs(t, err, stopper.ErrUnavailable)
}

func TestStopWaitsForSubmittedTask(t *testing.T) {
	s := stopper.New()
	p := New(s)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
}
