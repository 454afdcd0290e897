// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package stopper provides a small quiescing task runner. Background work
// (root fragment executors submitted through pkg/execpool, and
// cmd/foreman's metrics server) is started through a Stopper so that
// shutdown can wait for in-flight tasks to drain instead of yanking the
// process out from under them.
package stopper

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable is returned by RunAsyncTask/RunTaskWithErr once the
// Stopper has started quiescing.
var ErrUnavailable = errors.New("stopper: server is quiescing")

// Stopper tracks outstanding tasks and exposes a channel that closes once
// quiescing has been requested, mirroring the teacher's stop.Stopper
// without the OS-signal wiring this module has no use for.
type Stopper struct {
	mu        sync.Mutex
	quiescing bool
	quiesceCh chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Stopper.
func New() *Stopper {
	return &Stopper{quiesceCh: make(chan struct{})}
}

// ShouldQuiesce returns a channel that is closed once Stop has been
// called. Long-running loops select on this to know when to exit.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiesceCh
}

// RunAsyncTask runs f in a new goroutine, tracked so that Stop can wait
// for it. Returns ErrUnavailable without starting f if the Stopper is
// already quiescing.
func (s *Stopper) RunAsyncTask(ctx context.Context, _ string, f func(context.Context)) error {
	s.mu.Lock()
	if s.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		f(ctx)
	}()
	return nil
}

// RunTaskWithErr runs f synchronously on the calling goroutine, but only
// if the Stopper has not started quiescing; the task is tracked for the
// duration of the call so Stop blocks until it returns.
func (s *Stopper) RunTaskWithErr(
	ctx context.Context, _ string, f func(context.Context) error,
) error {
	s.mu.Lock()
	if s.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	return f(ctx)
}

// Stop signals quiescence and blocks until every tracked task has
// returned.
func (s *Stopper) Stop(context.Context) {
	s.mu.Lock()
	if s.quiescing {
		s.mu.Unlock()
		return
	}
	s.quiescing = true
	close(s.quiesceCh)
	s.mu.Unlock()

	s.wg.Wait()
}
