// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package foreman

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
)

// ErrAlreadyStaged is returned by setCompleted/setFailed if a terminal
// outcome has already been staged for this result.
var ErrAlreadyStaged = errors.New("foreman: terminal outcome already staged")

// ErrAlreadyClosed is returned by setCompleted/setFailed once close has
// run.
var ErrAlreadyClosed = errors.New("foreman: result already closed")

// resultDeps bundles every collaborator ForemanResult.close touches, so
// the struct itself carries no dependency on *Foreman.
type resultDeps struct {
	queryID     fragment.QueryId
	bus         unregisterer
	coordinator unregistererCoordinator
	queryCtx    execinfra.QueryContext
	store       execinfra.PersistentStore
	clientConn  execinfra.UserClientConnection
	// releaseLease runs the admission controller's retry-on-interrupt
	// release loop against whichever lease Acquire returned. It is a
	// no-op if no lease was ever acquired.
	releaseLease func()
	// onSendFailure routes an asynchronous SendResult failure back into
	// the owning Foreman's state machine, the same way an asynchronous
	// dispatch failure is. May be nil in tests that don't need it.
	onSendFailure func(error)
	logger        log.Logger
	summary       func() string
}

// unregisterer is the WorkEventBus slice ForemanResult needs.
type unregisterer interface {
	UnregisterListener(fragment.QueryId)
}

// unregistererCoordinator is the ClusterCoordinator slice ForemanResult
// needs to remove the query's DrillbitStatusListener.
type unregistererCoordinator interface {
	RemoveDrillbitStatusListener(execinfra.DrillbitStatusListener)
}

// ForemanResult is a single-use closable that encapsulates "send final
// response + clean up + release lease" so it runs exactly once
// regardless of how many terminal paths trigger it.
type ForemanResult struct {
	deps         resultDeps
	nodeListener execinfra.DrillbitStatusListener

	mu          sync.Mutex
	closed      bool
	stagedState fragment.QueryState
	staged      bool
	cause       error
}

func newForemanResult(deps resultDeps, nodeListener execinfra.DrillbitStatusListener) *ForemanResult {
	return &ForemanResult{deps: deps, nodeListener: nodeListener}
}

// setCompleted stages state (must be QueryCompleted or QueryCanceled) as
// the outcome. Fails if a result is already staged or closed.
func (r *ForemanResult) setCompleted(state fragment.QueryState) error {
	if state != fragment.QueryCompleted && state != fragment.QueryCanceled {
		return errors.Newf("foreman: setCompleted called with non-terminal-success state %s", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAlreadyClosed
	}
	if r.staged {
		return ErrAlreadyStaged
	}
	r.stagedState = state
	r.staged = true
	return nil
}

// setFailed stages QueryFailed with cause as the outcome.
func (r *ForemanResult) setFailed(cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAlreadyClosed
	}
	if r.staged {
		return ErrAlreadyStaged
	}
	r.stagedState = fragment.QueryFailed
	r.cause = cause
	r.staged = true
	return nil
}

// promoteToFailed moves the staged outcome to FAILED. If a cause is
// already staged it stays the visible cause and err is attached to it as
// suppressed; otherwise err becomes the cause. Used by close()'s
// suppressing-close steps and by the CANCELLATION_REQUESTED
// terminal-failure collapse.
func (r *ForemanResult) promoteToFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cause != nil {
		err = errors.WithSecondaryError(r.cause, err)
	}
	r.stagedState = fragment.QueryFailed
	r.cause = err
	r.staged = true
}

// close runs the query's terminal cleanup sequence exactly once:
// logging a summary, unregistering listeners, closing the query
// context, persisting final state, sending the final result to the
// client and releasing the admission lease. Returns true if this call
// performed the close (false if it had already run).
func (r *ForemanResult) close(ctx context.Context) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()

	// Step 1: log current fragment-state summary.
	if r.deps.summary != nil {
		level.Info(r.deps.logger).Log("msg", "query terminal", "queryID", r.deps.queryID.String(), "summary", r.deps.summary())
	}

	// Step 2: unregister the query's fragment status listener from the
	// WorkEventBus and the cluster coordinator.
	r.deps.bus.UnregisterListener(r.deps.queryID)
	if r.deps.coordinator != nil && r.nodeListener != nil {
		r.deps.coordinator.RemoveDrillbitStatusListener(r.nodeListener)
	}

	// Step 3: close the query context, suppressing and promoting to
	// FAILED on error.
	if r.deps.queryCtx != nil {
		if err := r.deps.queryCtx.Close(); err != nil {
			level.Warn(r.deps.logger).Log("msg", "query context close failed", "err", err)
			r.promoteToFailed(errors.Wrap(err, "closing query context"))
		}
	}

	// Step 4: persist the staged state. It is recorded on every close,
	// whether or not it differs from the state the Foreman already holds.
	finalState, cause := r.outcome()
	if r.deps.store != nil {
		if err := r.deps.store.RecordState(r.deps.queryID, finalState); err != nil {
			level.Warn(r.deps.logger).Log("msg", "failed to persist query state", "err", err)
			r.promoteToFailed(errors.Wrap(err, "persisting terminal state"))
			finalState, cause = r.outcome()
		}
	}

	// Step 5: build the final QueryResult.
	result := execinfrapb.QueryResult{
		QueryID:     r.deps.queryID,
		QueryState:  finalState,
		IsLastChunk: true,
	}
	if cause != nil {
		result.Errors = []execinfrapb.DrillPBError{{RootCause: rootCauseMessage(cause)}}
	}

	// Step 6: attempt to send the result to the client. A failure is
	// attached as suppressed but never changes the wire result already
	// built above; an asynchronous failure reported later through
	// sendListener.Failed is routed back into the owning Foreman.
	if r.deps.clientConn != nil {
		if err := r.deps.clientConn.SendResult(ctx, sendListener{onFailure: r.deps.onSendFailure}, result, true); err != nil {
			level.Warn(r.deps.logger).Log("msg", "failed to send final query result", "err", err)
			r.promoteToFailed(errors.Wrap(err, "sending final query result"))
		}
	}

	// Step 7: release the admission lease.
	if r.deps.releaseLease != nil {
		r.deps.releaseLease()
	}

	// Step 8: closed was already marked true at the top, satisfying the
	// "exactly once" invariant even if a racing second caller observed
	// it mid-sequence.
	return true
}

func (r *ForemanResult) outcome() (fragment.QueryState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stagedState, r.cause
}

// rootCauseMessage walks the cause chain and extracts the innermost
// message, the one most likely to point at what actually went wrong
// rather than at a wrapping layer added on the way up.
func rootCauseMessage(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}

// sendListener routes an asynchronous SendResult failure back into the
// owning Foreman through onFailure, which is typically wired to
// asyncFail. In practice the final result is only ever sent once the
// query has already reached a terminal state, so onFailure usually has
// nothing left to transition and the call is logged as a no-op.
type sendListener struct {
	onFailure func(error)
}

func (l sendListener) Failed(err error) {
	if l.onFailure != nil {
		l.onFailure(err)
	}
}
