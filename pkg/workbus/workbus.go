// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package workbus implements the node-local rendezvous between inbound
// fragment-initialization messages, arriving data streams, and
// registered listeners. It is the Go analog of WorkEventBus.java,
// restructured around the teacher's flowRegistry pattern
// (pkg/sql/distsql/flow_registry.go): a mutex-protected map with
// put-if-absent registration instead of Java's ConcurrentHashMap.
package workbus

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
	"github.com/foremancore/dqe/pkg/util/syncutil"
)

// ErrDuplicateListener is returned by RegisterListener when a listener
// is already registered for the given query.
var ErrDuplicateListener = errors.New("workbus: a fragment status listener is already registered for this query")

// ErrDuplicateManager is returned by RegisterManager when a manager is
// already registered for the given handle.
var ErrDuplicateManager = errors.New("workbus: a fragment manager is already registered for this handle")

// ErrFragmentSetup is returned by LookupManager when a handle is neither
// registered nor recently finished: non-leaf fragments are always sent
// (and registered) before leaves, so the manager should already be
// present by the time a leaf's status arrives.
var ErrFragmentSetup = errors.New("workbus: failed to find fragment manager; non-leaf fragments are sent first")

const (
	// recentlyFinishedTTL and recentlyFinishedCapacity mirror Drill's
	// Guava cache configuration in WorkEventBus.java
	// (maximumSize=10000, expireAfterWrite 10 minutes).
	recentlyFinishedTTL      = 10 * time.Minute
	recentlyFinishedCapacity = 10000
)

// WorkEventBus is the node-local registry of fragment managers and
// status listeners for queries in flight on this node.
type WorkEventBus struct {
	logger log.Logger

	mu struct {
		syncutil.Mutex
		managers  map[fragment.FragmentHandle]execinfra.FragmentManager
		listeners map[fragment.QueryId]execinfra.FragmentStatusListener
	}

	// recentlyFinished is a TTL/capacity-bounded set of handles whose
	// manager has been removed. A handle present here means any
	// late-arriving setup for that handle must be silently dropped.
	recentlyFinished *lru.LRU[fragment.FragmentHandle, struct{}]
}

// New constructs a WorkEventBus.
func New(logger log.Logger) *WorkEventBus {
	b := &WorkEventBus{logger: logger}
	b.mu.managers = make(map[fragment.FragmentHandle]execinfra.FragmentManager)
	b.mu.listeners = make(map[fragment.QueryId]execinfra.FragmentStatusListener)
	b.recentlyFinished = lru.NewLRU[fragment.FragmentHandle, struct{}](
		recentlyFinishedCapacity, nil, recentlyFinishedTTL)
	return b
}

// RegisterListener registers the status listener for a query. Fails
// with ErrDuplicateListener if one is already registered.
func (b *WorkEventBus) RegisterListener(queryID fragment.QueryId, listener execinfra.FragmentStatusListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mu.listeners[queryID]; ok {
		return errors.Wrapf(ErrDuplicateListener, "query %s", queryID)
	}
	b.mu.listeners[queryID] = listener
	return nil
}

// UnregisterListener removes the status listener for a query.
// Idempotent.
func (b *WorkEventBus) UnregisterListener(queryID fragment.QueryId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mu.listeners, queryID)
}

// DeliverStatus looks up the listener registered for status's query and
// invokes it synchronously. If no listener is registered, the status is
// logged and dropped; there is no retry.
func (b *WorkEventBus) DeliverStatus(status execinfrapb.FragmentStatus) {
	b.mu.Lock()
	listener, ok := b.mu.listeners[status.Handle.QueryID]
	b.mu.Unlock()

	if !ok {
		level.Warn(b.logger).Log(
			"msg", "fragment status arrived with no registered listener",
			"handle", status.Handle.String(),
		)
		return
	}
	listener.StatusUpdate(status)
}

// RegisterManager registers a fragment manager under its handle. Fails
// with ErrDuplicateManager if one is already registered for that handle.
func (b *WorkEventBus) RegisterManager(manager execinfra.FragmentManager) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := manager.Handle()
	if _, ok := b.mu.managers[h]; ok {
		return errors.Wrapf(ErrDuplicateManager, "handle %s", h)
	}
	b.mu.managers[h] = manager
	return nil
}

// LookupManagerOptional returns the manager registered for handle, or
// (nil, false) if none is registered. It never fails.
func (b *WorkEventBus) LookupManagerOptional(handle fragment.FragmentHandle) (execinfra.FragmentManager, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mu.managers[handle]
	return m, ok
}

// LookupManager returns the manager registered for handle. If handle is
// in the recently-finished set, it returns (nil, nil) — the message must
// be discarded, not treated as an error. If handle is neither registered
// nor recently finished, it fails with ErrFragmentSetup: non-leaf
// fragments are always sent (and therefore registered) before leaves, so
// a missing manager at this point means setup genuinely never happened.
func (b *WorkEventBus) LookupManager(handle fragment.FragmentHandle) (execinfra.FragmentManager, error) {
	if _, recentlyDone := b.recentlyFinished.Get(handle); recentlyDone {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.mu.managers[handle]; ok {
		return m, nil
	}
	return nil, errors.Wrapf(ErrFragmentSetup, "handle %s", handle)
}

// RemoveManager removes handle's manager and marks it recently
// finished. The insert happens before the removal, specifically so a
// concurrent LookupManager cannot observe an absent manager and a
// not-yet-inserted recently-finished entry at the same time, which would
// wrongly look like setup never happened.
func (b *WorkEventBus) RemoveManager(handle fragment.FragmentHandle) {
	b.recentlyFinished.Add(handle, struct{}{})

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mu.managers, handle)
}
