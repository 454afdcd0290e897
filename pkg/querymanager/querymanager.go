// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package querymanager tracks the status of every fragment belonging to
// a single query and collapses them into at most one terminal state
// transition for the owning Foreman. It is grounded on Foreman.java's
// inner FragmentData/nodeMap bookkeeping, rewritten around an explicit
// StateListener callback instead of holding a reference back to Foreman.
package querymanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
)

// StateListener is the callback handed to the QueryManager at
// construction. Foreman implements it without exposing itself in full,
// avoiding a direct back-pointer into Foreman's own state.
type StateListener interface {
	// FragmentsTerminal is invoked exactly once per query, when every
	// registered tracker has reached a terminal state. finalState is
	// one of QueryCanceled/QueryCompleted/QueryFailed, derived from the
	// fragments' terminal states by the aggregation rule in
	// aggregateLocked; cause is non-nil only when finalState is
	// QueryFailed.
	FragmentsTerminal(finalState fragment.QueryState, cause error)
}

type tracker struct {
	handle   fragment.FragmentHandle
	endpoint fragment.Endpoint
	isRoot   bool
	state    fragment.FragmentState
	cause    error
}

func (t *tracker) terminal() bool {
	return t.state.IsTerminal()
}

// QueryManager owns the per-fragment trackers for one query and decides
// when and how the query as a whole has finished.
type QueryManager struct {
	logger   log.Logger
	listener StateListener

	mu struct {
		sync.Mutex
		trackers              map[fragment.FragmentHandle]*tracker
		byEndpoint            map[fragment.Endpoint][]*tracker
		cancellationRequested bool
		fired                 bool
		firstFailureCause     error
	}
}

// New constructs a QueryManager reporting terminal aggregation to listener.
func New(listener StateListener, logger log.Logger) *QueryManager {
	qm := &QueryManager{logger: logger, listener: listener}
	qm.mu.trackers = make(map[fragment.FragmentHandle]*tracker)
	qm.mu.byEndpoint = make(map[fragment.Endpoint][]*tracker)
	return qm
}

// AddFragmentStatusTracker registers a per-fragment status slot
// initialized to "submitted".
func (qm *QueryManager) AddFragmentStatusTracker(pf fragment.PlanFragment, isRoot bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	t := &tracker{
		handle:   pf.Handle,
		endpoint: pf.Endpoint,
		isRoot:   isRoot,
		state:    fragment.FragmentSubmitted,
	}
	qm.mu.trackers[pf.Handle] = t
	qm.mu.byEndpoint[pf.Endpoint] = append(qm.mu.byEndpoint[pf.Endpoint], t)
}

// StatusUpdate implements execinfra.FragmentStatusListener. It is called
// by the WorkEventBus for remote fragments and directly by the local
// executor for the root fragment.
func (qm *QueryManager) StatusUpdate(status execinfrapb.FragmentStatus) {
	var fire bool
	var finalState fragment.QueryState
	var cause error

	qm.mu.Lock()
	t, ok := qm.mu.trackers[status.Handle]
	if !ok {
		qm.mu.Unlock()
		level.Warn(qm.logger).Log("msg", "status update for untracked fragment", "handle", status.Handle.String())
		return
	}
	t.state = status.State
	if t.state == fragment.FragmentFailed {
		t.cause = errors.Newf("fragment %s failed: %s", t.handle, status.Profile)
		qm.recordFailure(t.cause)
	}
	if qm.allTerminalLocked() && !qm.mu.fired {
		qm.mu.fired = true
		fire = true
		finalState, cause = qm.aggregateLocked()
	}
	qm.mu.Unlock()

	if fire {
		qm.listener.FragmentsTerminal(finalState, cause)
	}
}

// recordFailure applies the "first terminal failure wins as the visible
// cause, later failures are attached as suppressed" policy. Must be
// called with qm.mu held.
func (qm *QueryManager) recordFailure(cause error) {
	if qm.mu.firstFailureCause == nil {
		qm.mu.firstFailureCause = cause
		return
	}
	qm.mu.firstFailureCause = errors.WithSecondaryError(qm.mu.firstFailureCause, cause)
}

func (qm *QueryManager) allTerminalLocked() bool {
	for _, t := range qm.mu.trackers {
		if !t.terminal() {
			return false
		}
	}
	return true
}

// aggregateLocked resolves the query's final state from its trackers:
// any recorded failure wins, otherwise a pending cancellation wins,
// otherwise the query completed normally. Must be called with qm.mu
// held, and only once every tracker is terminal.
func (qm *QueryManager) aggregateLocked() (fragment.QueryState, error) {
	if qm.mu.firstFailureCause != nil {
		return fragment.QueryFailed, qm.mu.firstFailureCause
	}
	if qm.mu.cancellationRequested {
		return fragment.QueryCanceled, nil
	}
	return fragment.QueryCompleted, nil
}

// SetCancellationRequested records that cancellation is in flight, so the
// aggregation rule resolves to CANCELED instead of COMPLETED once every
// tracker reaches terminal. It must be called before
// CancelExecutingFragments broadcasts, as part of the Foreman's own
// RUNNING->CANCELLATION_REQUESTED transition.
func (qm *QueryManager) SetCancellationRequested() {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.mu.cancellationRequested = true
}

// CancelExecutingFragments broadcasts a best-effort, non-waiting cancel
// RPC to every still-running non-root fragment's endpoint, plus a direct
// cancel on the root's own FragmentManager.
func (qm *QueryManager) CancelExecutingFragments(
	ctx context.Context, controller execinfra.Controller, root execinfra.FragmentManager,
) {
	qm.mu.Lock()
	handles := make([]fragment.FragmentHandle, 0, len(qm.mu.trackers))
	for h, t := range qm.mu.trackers {
		if t.isRoot || t.terminal() {
			continue
		}
		handles = append(handles, h)
	}
	qm.mu.Unlock()

	for _, h := range handles {
		tunnel := controller.GetTunnel(qm.endpointOf(h))
		if err := tunnel.CancelFragment(ctx, h); err != nil {
			level.Warn(qm.logger).Log("msg", "best-effort fragment cancel failed", "handle", h.String(), "err", err)
		}
	}
	if root != nil {
		root.Cancel()
	}
}

func (qm *QueryManager) endpointOf(h fragment.FragmentHandle) fragment.Endpoint {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.mu.trackers[h].endpoint
}

// Summary renders a terse per-state fragment count, used for the
// fragment-state summary logged at the start of ForemanResult.close.
func (qm *QueryManager) Summary() string {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	counts := make(map[fragment.FragmentState]int)
	for _, t := range qm.mu.trackers {
		counts[t.state]++
	}
	return fmt.Sprintf("%d fragments: submitted=%d running=%d finished=%d canceled=%d failed=%d",
		len(qm.mu.trackers),
		counts[fragment.FragmentSubmitted],
		counts[fragment.FragmentRunning],
		counts[fragment.FragmentFinished],
		counts[fragment.FragmentCanceled],
		counts[fragment.FragmentFailed],
	)
}

// EndpointsDead implements execinfra.DrillbitStatusListener: every
// fragment assigned to a reported-dead endpoint is transitioned to
// FAILED locally. An endpoint with zero assigned fragments produces no
// state change.
func (qm *QueryManager) EndpointsDead(endpoints []fragment.Endpoint) {
	dead := make(map[fragment.Endpoint]struct{}, len(endpoints))
	for _, e := range endpoints {
		dead[e] = struct{}{}
	}

	var fire bool
	var finalState fragment.QueryState
	var cause error

	qm.mu.Lock()
	for endpoint := range dead {
		for _, t := range qm.mu.byEndpoint[endpoint] {
			if t.terminal() {
				continue
			}
			t.state = fragment.FragmentFailed
			t.cause = errors.Newf("endpoint %s unreachable", endpoint)
			qm.recordFailure(t.cause)
		}
	}
	if qm.allTerminalLocked() && !qm.mu.fired && len(qm.mu.trackers) > 0 {
		qm.mu.fired = true
		fire = true
		finalState, cause = qm.aggregateLocked()
	}
	qm.mu.Unlock()

	if fire {
		qm.listener.FragmentsTerminal(finalState, cause)
	}
}
