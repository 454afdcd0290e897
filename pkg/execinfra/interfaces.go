// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package execinfra holds the narrow interfaces through which the
// Foreman core reaches every collaborator it needs: plan parsing,
// physical optimization, parallelization, cluster coordination,
// inter-node RPC, the client connection, the executor pool and the
// persistent store. None of these are implemented here — SQL parsing,
// plan optimization, operator execution and on-wire framing are all
// left to the embedding system.
package execinfra

import (
	"context"

	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
)

// PlanReader parses serialized logical/physical plans from their textual
// representation.
type PlanReader interface {
	ReadLogicalPlan(json string) (LogicalPlan, error)
	ReadPhysicalPlan(json string) (PhysicalPlan, error)
}

// LogicalPlan is an opaque logical plan handed between PlanReader,
// PhysicalOptimizer and the Foreman. ResultMode reports the plan's
// declared output mode, used to reject a submitted plan that already
// declares itself in exec result mode.
type LogicalPlan interface {
	ResultMode() ResultMode
}

// PhysicalPlan is an opaque physical plan: a tree of operators with a
// single root and, once Parallelizer has run, endpoint assignments on
// every operator.
type PhysicalPlan interface {
	ResultMode() ResultMode
	// SortedOperators returns every operator in the plan, used by the
	// Foreman to total operator cost for admission control and to divide
	// per-node memory evenly across memory-intensive operators such as
	// sorts.
	SortedOperators() []Operator
}

// ResultMode is the declared output mode of a logical or physical plan.
type ResultMode int

const (
	ResultModeLogical ResultMode = iota
	ResultModePhysical
	ResultModeExec
)

// Operator is one node of a physical operator tree, exposed only to the
// extent the core needs: its execution cost for admission control, and
// whether it is a memory-hungry operator that participates in the
// per-node sort memory division.
type Operator interface {
	Cost() float64
	IsMemoryIntensive() bool
}

// PhysicalOptimizer lowers a logical plan to a physical plan.
type PhysicalOptimizer interface {
	Optimize(ctx context.Context, plan LogicalPlan) (PhysicalPlan, error)
}

// Parallelizer produces a QueryWorkUnit from a physical plan plus
// cluster membership, assigning every fragment to an endpoint.
type Parallelizer interface {
	Plan(
		ctx context.Context,
		plan PhysicalPlan,
		queryCtx QueryContext,
		queryID fragment.QueryId,
		budget fragment.MemoryBudget,
	) (fragment.QueryWorkUnit, error)
}

// QueryContext carries the per-query session/environment state the
// Parallelizer and the fragment executors need: the active cluster
// endpoints, the originating query's timestamp/timezone, and the option
// set in effect. It is closed exactly once, as part of
// ForemanResult.close's cleanup sequence.
type QueryContext interface {
	ActiveEndpoints() []fragment.Endpoint
	Close() error
}

// Lease is an opaque handle returned by acquiring a DistributedSemaphore
// slot. Close releases it; the admission controller's release loop
// retries on interruption and gives up, logging, on any other failure.
type Lease interface {
	Close() error
}

// DistributedSemaphore gates concurrent access to a named, cluster-wide
// resource pool.
type DistributedSemaphore interface {
	Acquire(ctx context.Context, timeout int64) (Lease, error)
}

// ClusterCoordinator exposes cluster-wide semaphores and cluster
// membership change notifications.
type ClusterCoordinator interface {
	GetSemaphore(name string, capacity int) (DistributedSemaphore, error)
	AddDrillbitStatusListener(l DrillbitStatusListener)
	RemoveDrillbitStatusListener(l DrillbitStatusListener)
}

// DrillbitStatusListener is notified when cluster membership changes.
type DrillbitStatusListener interface {
	EndpointsDead(endpoints []fragment.Endpoint)
}

// FragmentSubmitListener is invoked with the outcome of one endpoint's
// InitializeFragments RPC.
type FragmentSubmitListener interface {
	Success()
	Failed(endpoint fragment.Endpoint, err error)
}

// Tunnel is the per-endpoint RPC channel exposed by Controller.
type Tunnel interface {
	SendFragments(ctx context.Context, listener FragmentSubmitListener, msg execinfrapb.InitializeFragments)
	CancelFragment(ctx context.Context, handle fragment.FragmentHandle) error
}

// Controller provides per-endpoint RPC tunnels.
type Controller interface {
	GetTunnel(endpoint fragment.Endpoint) Tunnel
}

// SendListener is notified of the outcome of a result send to the
// client when UserClientConnection.SendResult delivers asynchronously
// (returning nil immediately and reporting a later failure through
// Failed rather than through SendResult's own return value). The
// Foreman routes a Failed call through the same path an asynchronous
// dispatch failure uses; in practice the final result is only sent once
// the query has already reached a terminal state, so Failed typically
// finds nothing left to transition and is logged as a no-op.
type SendListener interface {
	Failed(err error)
}

// UserClientConnection delivers results and the final response to the
// requesting client.
type UserClientConnection interface {
	SendResult(ctx context.Context, listener SendListener, result execinfrapb.QueryResult, isLast bool) error
}

// ExecutorPool schedules the root fragment's executor.
type ExecutorPool interface {
	Submit(task func(context.Context)) error
}

// PersistentStore records query state transitions on a best-effort
// basis. A no-op implementation is valid; durable query state across
// coordinator restarts is not a goal of this module.
type PersistentStore interface {
	RecordState(queryID fragment.QueryId, state fragment.QueryState) error
}

// FragmentContext is the collaborator handed to the root fragment's
// executor once Phase 0 of dispatch has constructed it.
type FragmentContext interface {
	Handle() fragment.FragmentHandle
	MemoryBudget() (initial, max int64)
	Options() map[string]string
	// ShouldContinue reports whether the fragment's executor should keep
	// running; it flips to false once cancellation has been requested,
	// giving long-running operators a cooperative cancellation point.
	ShouldContinue() bool
}

// RootExecutor runs the root fragment's operator tree. Operator
// execution itself is out of scope; this seam only carries the contract
// the Foreman needs to start it and learn when it is done. report is
// called with every status the executor wants recorded, including its
// terminal one — mirroring how a remote fragment's statuses arrive
// through the WorkEventBus instead of a return value.
type RootExecutor interface {
	Run(ctx context.Context, fc FragmentContext, report func(execinfrapb.FragmentStatus))
}

// FragmentManager owns one fragment's lifecycle once it has been
// registered with the WorkEventBus: it accepts inbound data streams and
// status updates addressed to its handle, and starts the fragment's
// executor once all of its upstream inputs have arrived.
type FragmentManager interface {
	Handle() fragment.FragmentHandle
	// HandleStatus delivers a status update for this fragment (e.g. from
	// the local executor, for the root fragment case).
	HandleStatus(status execinfrapb.FragmentStatus)
	// Cancel requests that the fragment stop running; best-effort and
	// asynchronous, the same way cancelExecutingFragments broadcasts it.
	Cancel()
}

// FragmentStatusListener receives every FragmentStatus addressed to a
// query. At most one is registered per QueryId; the QueryManager is the
// only implementation in this module.
type FragmentStatusListener interface {
	StatusUpdate(status execinfrapb.FragmentStatus)
}

// HandleOOM is invoked on an out-of-memory condition, which is fatal for
// the process and should terminate it immediately. It defaults to
// panicking the process; tests may override it to observe the call
// instead of actually terminating.
var HandleOOM = func(err error) {
	panic(err)
}
