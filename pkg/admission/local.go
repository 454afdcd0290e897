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
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/fragment"
)

// LocalCoordinator is an in-process ClusterCoordinator backed by
// golang.org/x/sync/semaphore.Weighted. It is the default used by
// cmd/foreman for single-node operation and by tests that don't need a
// real distributed semaphore service; a production deployment instead
// plugs in a cluster-coordinated semaphore as an external collaborator.
type LocalCoordinator struct {
	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted

	listenersMu sync.Mutex
	listeners   map[execinfra.DrillbitStatusListener]struct{}
}

// NewLocalCoordinator constructs a LocalCoordinator.
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		semaphores: make(map[string]*semaphore.Weighted),
		listeners:  make(map[execinfra.DrillbitStatusListener]struct{}),
	}
}

// GetSemaphore returns the named semaphore, creating it with the given
// capacity on first use. A capacity of zero is treated as 1 rather than
// creating a permanently-blocked weighted semaphore of capacity zero;
// the admission-disabled path never reaches here in the first place.
func (c *LocalCoordinator) GetSemaphore(name string, capacity int) (execinfra.DistributedSemaphore, error) {
	if capacity <= 0 {
		capacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.semaphores[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(capacity))
		c.semaphores[name] = sem
	}
	return (*localSemaphore)(sem), nil
}

// AddDrillbitStatusListener registers l to be notified of endpoint
// failures injected via NotifyEndpointsDead.
func (c *LocalCoordinator) AddDrillbitStatusListener(l execinfra.DrillbitStatusListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[l] = struct{}{}
}

// RemoveDrillbitStatusListener is the idempotent inverse of
// AddDrillbitStatusListener.
func (c *LocalCoordinator) RemoveDrillbitStatusListener(l execinfra.DrillbitStatusListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, l)
}

// NotifyEndpointsDead fans a membership-change event out to every
// registered listener; used by tests to simulate a cluster node
// failing mid-query.
func (c *LocalCoordinator) NotifyEndpointsDead(endpoints []fragment.Endpoint) {
	c.listenersMu.Lock()
	ls := make([]execinfra.DrillbitStatusListener, 0, len(c.listeners))
	for l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.Unlock()
	for _, l := range ls {
		l.EndpointsDead(endpoints)
	}
}

// localSemaphore adapts *semaphore.Weighted to execinfra.DistributedSemaphore.
type localSemaphore semaphore.Weighted

func (s *localSemaphore) Acquire(ctx context.Context, timeoutMillis int64) (execinfra.Lease, error) {
	w := (*semaphore.Weighted)(s)
	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeoutMillis > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
		defer cancel()
	}
	if err := w.Acquire(acquireCtx, 1); err != nil {
		return nil, errors.Wrap(err, "local semaphore acquire")
	}
	return &localLease{w: w}, nil
}

type localLease struct {
	w        *semaphore.Weighted
	released bool
	mu       sync.Mutex
}

func (l *localLease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.w.Release(1)
	return nil
}
