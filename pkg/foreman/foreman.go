// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package foreman implements the per-query coordinator: the single
// source of truth for query lifecycle, mediating every state transition
// under one lock and owning the ForemanResult terminal cleanup object.
// It is grounded on Foreman.java's moveToState switch-with-fallthrough
// transition table and acceptExternalEvents gate, restructured around
// explicit Go interfaces for every collaborator instead of inheritance.
package foreman

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/foremancore/dqe/pkg/admission"
	"github.com/foremancore/dqe/pkg/dispatch"
	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
	"github.com/foremancore/dqe/pkg/querymanager"
	"github.com/foremancore/dqe/pkg/workbus"
)

// ErrIllegalTransition marks a transition attempt that is neither in
// the state diagram's legal-transition set nor an attempt to leave a
// terminal state (which is instead logged and ignored). It is treated
// as a programming error and is fatal.
var ErrIllegalTransition = errors.New("foreman: illegal state transition")

// handleIllegalTransition is invoked on ErrIllegalTransition. It
// defaults to panicking; tests may override it to observe the call
// instead.
var handleIllegalTransition = func(err error) {
	panic(err)
}

// Deps bundles every collaborator the Foreman needs: the plan/optimize/
// parallelize pipeline, cluster and RPC seams, and the ambient wiring
// (admission, dispatch, the work bus) that ties them together.
type Deps struct {
	PlanReader   execinfra.PlanReader
	Optimizer    execinfra.PhysicalOptimizer
	Parallelizer execinfra.Parallelizer
	QueryContext execinfra.QueryContext
	Coordinator  execinfra.ClusterCoordinator
	Controller   execinfra.Controller
	ClientConn   execinfra.UserClientConnection
	Pool         execinfra.ExecutorPool
	Store        execinfra.PersistentStore
	RootExecutor execinfra.RootExecutor

	Bus        *workbus.WorkEventBus
	Admission  *admission.Controller
	Dispatcher *dispatch.Dispatcher

	// Budget carries planner.width.max_per_node /
	// planner.memory.max_query_memory_per_node.
	Budget  fragment.MemoryBudget
	Options map[string]string
}

// Foreman is the per-query coordinator: it drives one query from
// planning through dispatch to a terminal result, and is the only
// writer of that query's lifecycle state.
type Foreman struct {
	queryID fragment.QueryId
	deps    Deps
	logger  log.Logger
	qm      *querymanager.QueryManager

	acceptOnce sync.Once
	acceptGate chan struct{}

	mu struct {
		sync.Mutex
		state   fragment.QueryState
		startAt time.Time
		endAt   time.Time
		lease   execinfra.Lease
		result  *ForemanResult
		rootMgr *rootFragmentManager
	}
}

// New constructs a Foreman in the PENDING state. Run must be called
// exactly once to drive setup; every externally-originated event
// (status updates, cancel, node-down notifications) is safe to call any
// time after New returns, but blocks on acceptExternalEvents until Run
// has completed.
func New(queryID fragment.QueryId, deps Deps, logger log.Logger) *Foreman {
	f := &Foreman{
		queryID:    queryID,
		deps:       deps,
		logger:     log.With(logger, "component", "foreman", "queryID", queryID.String()),
		acceptGate: make(chan struct{}),
	}
	f.mu.state = fragment.QueryPending
	f.qm = querymanager.New(f, f.logger)
	f.deps.Coordinator.AddDrillbitStatusListener(f.qm)
	return f
}

// State returns the Foreman's current state.
func (f *Foreman) State() fragment.QueryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.state
}

func (f *Foreman) openGate() {
	f.acceptOnce.Do(func() { close(f.acceptGate) })
}

// acceptExternalEvents blocks until Run has completed: this is a
// one-shot barrier ensuring externally-originated transitions never race
// with half-initialized setup.
func (f *Foreman) acceptExternalEvents() {
	<-f.acceptGate
}

// statementTagMaxLength bounds how much of a query's SQL text is kept
// in the Foreman's logger tags, mirroring distsql_running.go's
// setupFlowRequestStmtMaxLength: long statements are truncated rather
// than left out of the logs entirely or logged in full.
const statementTagMaxLength = 500

func truncatedStatementTag(statementSQL string) string {
	if len(statementSQL) > statementTagMaxLength {
		return statementSQL[:statementTagMaxLength]
	}
	return statementSQL
}

// Run plans, admits and dispatches the query, then transitions
// PENDING->RUNNING. It corresponds to the Java source's run() method:
// every exception caught here is converted to a FAILED transition, and
// acceptExternalEvents always opens on return, success or failure.
func (f *Foreman) Run(ctx context.Context, rq execinfrapb.RunQuery) error {
	defer f.openGate()

	f.logger = log.With(f.logger, "stmt", truncatedStatementTag(rq.StatementSQL))

	f.mu.Lock()
	f.mu.startAt = time.Now()
	f.mu.result = newForemanResult(f.resultDeps(), f.qm)
	f.mu.Unlock()

	plan, err := f.readAndOptimize(ctx, rq)
	if err != nil {
		return f.failSetup(ctx, errors.Wrap(err, "planning"))
	}

	lease, err := f.deps.Admission.Acquire(ctx, totalCost(plan))
	if err != nil {
		return f.failSetup(ctx, errors.Wrap(err, "admission"))
	}
	f.mu.Lock()
	f.mu.lease = lease
	f.mu.Unlock()

	budget := adjustedBudget(f.deps.Budget, plan)
	work, err := f.deps.Parallelizer.Plan(ctx, plan, f.deps.QueryContext, f.queryID, budget)
	if err != nil {
		return f.failSetup(ctx, errors.Wrap(err, "parallelizing"))
	}

	if err := f.deps.Bus.RegisterListener(f.queryID, f.qm); err != nil {
		return f.failSetup(ctx, errors.Wrap(err, "registering status listener"))
	}

	rootMgr := newRootFragmentManager(work.RootFragment.Handle, f.deps.Budget, f.deps.Options, f.qm, f.deps.RootExecutor)
	f.mu.Lock()
	f.mu.rootMgr = rootMgr
	f.mu.Unlock()

	rootSetup := dispatch.RootSetup{
		Manager:         rootMgr,
		HasRemoteInputs: len(work.Fragments) > 0,
		Run:             rootMgr.run,
	}
	if err := f.deps.Dispatcher.Dispatch(ctx, work, f.qm, rootSetup, func(err error) {
		f.asyncFail(ctx, err)
	}); err != nil {
		return f.failSetup(ctx, err)
	}

	return f.moveToState(ctx, fragment.QueryRunning, nil)
}

func (f *Foreman) readAndOptimize(ctx context.Context, rq execinfrapb.RunQuery) (execinfra.PhysicalPlan, error) {
	switch rq.Type {
	case execinfrapb.RunQueryPhysical:
		pp, err := f.deps.PlanReader.ReadPhysicalPlan(rq.Plan)
		if err != nil {
			return nil, err
		}
		if err := validateResultMode(pp.ResultMode()); err != nil {
			return nil, err
		}
		return pp, nil
	case execinfrapb.RunQueryLogical, execinfrapb.RunQuerySQL:
		lp, err := f.deps.PlanReader.ReadLogicalPlan(rq.Plan)
		if err != nil {
			return nil, err
		}
		if err := validateResultMode(lp.ResultMode()); err != nil {
			return nil, err
		}
		return f.deps.Optimizer.Optimize(ctx, lp)
	default:
		return nil, errors.Newf("foreman: unrecognized plan type %v", rq.Type)
	}
}

// validateResultMode rejects a plan that already declares itself in
// exec result mode: such a plan has nothing left for planning/dispatch
// to do and indicates a client-side protocol error.
func validateResultMode(mode execinfra.ResultMode) error {
	if mode == execinfra.ResultModeExec {
		return errors.New("foreman: submitted plan must not already declare exec result mode")
	}
	return nil
}

func totalCost(plan execinfra.PhysicalPlan) float64 {
	var total float64
	for _, op := range plan.SortedOperators() {
		total += op.Cost()
	}
	return total
}

// adjustedBudget runs a per-sort memory allocation pass: the configured
// per-node memory ceiling is divided
// evenly across every memory-intensive operator in the plan, so a plan
// with several competing sorts does not let any single one claim the
// whole ceiling.
func adjustedBudget(configured fragment.MemoryBudget, plan execinfra.PhysicalPlan) fragment.MemoryBudget {
	intensive := 0
	for _, op := range plan.SortedOperators() {
		if op.IsMemoryIntensive() {
			intensive++
		}
	}
	if intensive <= 1 {
		return configured
	}
	return fragment.MemoryBudget{
		MaxWidthPerNode: configured.MaxWidthPerNode,
		MemPerNodeMax:   configured.MemPerNodeMax / int64(intensive),
	}
}

func (f *Foreman) resultDeps() resultDeps {
	return resultDeps{
		queryID:      f.queryID,
		bus:          f.deps.Bus,
		coordinator:  f.deps.Coordinator,
		queryCtx:     f.deps.QueryContext,
		store:        f.deps.Store,
		clientConn:   f.deps.ClientConn,
		releaseLease:  func() { f.deps.Admission.Release(f.currentLease()) },
		onSendFailure: func(err error) { f.asyncFail(context.Background(), err) },
		logger:        f.logger,
		summary:       f.qm.Summary,
	}
}

func (f *Foreman) currentLease() execinfra.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.lease
}

// failSetup converts a synchronous setup error into a PENDING->FAILED
// transition, wrapping it as a ForemanSetup failure.
func (f *Foreman) failSetup(ctx context.Context, err error) error {
	setupErr := errors.Wrap(err, "ForemanSetup")
	if moveErr := f.moveToState(ctx, fragment.QueryFailed, setupErr); moveErr != nil {
		return moveErr
	}
	return setupErr
}

// asyncFail is the callback handed to the dispatcher for leaf-phase
// failures and is also suitable for any other externally-observed async
// failure. It waits on acceptExternalEvents before driving the state
// machine.
func (f *Foreman) asyncFail(ctx context.Context, err error) {
	f.acceptExternalEvents()
	if err := f.moveToState(ctx, fragment.QueryFailed, err); err != nil {
		level.Warn(f.logger).Log("msg", "async failure transition rejected", "err", err)
	}
}

// Cancel requests cancellation. It is idempotent: a second and later
// call observes the Foreman already past RUNNING (or already
// transitioning) and is a no-op.
func (f *Foreman) Cancel(ctx context.Context) {
	f.acceptExternalEvents()
	if err := f.moveToState(ctx, fragment.QueryCancellationRequested, nil); err != nil {
		level.Info(f.logger).Log("msg", "cancel requested but transition was a no-op", "err", err)
	}
}

// FragmentsTerminal implements querymanager.StateListener: it is called
// at most once per query, when every fragment tracker has reached a
// terminal state.
func (f *Foreman) FragmentsTerminal(finalState fragment.QueryState, cause error) {
	ctx := context.Background()
	f.acceptExternalEvents()
	if err := f.moveToState(ctx, finalState, cause); err != nil {
		level.Warn(f.logger).Log("msg", "fragment-terminal transition rejected", "target", finalState.String(), "err", err)
	}
}

// moveToState is the single synchronized operation driving the query's
// lifecycle: it holds the Foreman's monitor only long enough to validate
// and record the transition, then runs transition-specific side effects
// (which may block on network I/O) outside the lock.
func (f *Foreman) moveToState(ctx context.Context, newState fragment.QueryState, cause error) error {
	f.mu.Lock()
	oldState := f.mu.state
	if oldState.IsTerminal() {
		f.mu.Unlock()
		level.Info(f.logger).Log("msg", "ignoring transition attempt out of terminal state", "from", oldState.String(), "to", newState.String())
		return nil
	}
	if oldState == fragment.QueryCancellationRequested && newState == fragment.QueryCancellationRequested {
		f.mu.Unlock()
		level.Info(f.logger).Log("msg", "ignoring repeated cancellation request")
		return nil
	}
	if !fragment.CanTransition(oldState, newState) {
		f.mu.Unlock()
		err := errors.Wrapf(ErrIllegalTransition, "from %s to %s", oldState, newState)
		handleIllegalTransition(err)
		return err
	}
	f.mu.state = newState
	if newState != fragment.QueryRunning {
		f.mu.endAt = time.Now()
	}
	result := f.mu.result
	rootMgr := f.mu.rootMgr
	f.mu.Unlock()

	switch {
	case oldState == fragment.QueryPending && newState == fragment.QueryRunning:
		// No result side effect yet; the query has only just started.

	case oldState == fragment.QueryPending && newState == fragment.QueryFailed:
		if result != nil {
			result.setFailed(cause)
			result.close(ctx)
		}

	case oldState == fragment.QueryRunning && newState == fragment.QueryCancellationRequested:
		f.qm.SetCancellationRequested()
		f.qm.CancelExecutingFragments(ctx, f.deps.Controller, rootMgr)
		if err := result.setCompleted(fragment.QueryCanceled); err != nil {
			level.Warn(f.logger).Log("msg", "failed to stage cancellation outcome", "err", err)
		}
		// Do not close: wait for every fragment tracker to reach
		// terminal, which arrives later as FragmentsTerminal.

	case oldState == fragment.QueryRunning && newState == fragment.QueryCompleted:
		result.setCompleted(fragment.QueryCompleted)
		result.close(ctx)

	case oldState == fragment.QueryRunning && newState == fragment.QueryFailed:
		f.qm.CancelExecutingFragments(ctx, f.deps.Controller, rootMgr)
		result.setFailed(cause)
		result.close(ctx)

	case oldState == fragment.QueryCancellationRequested:
		// newState is one of CANCELED/COMPLETED/FAILED: the new kind
		// collapses into the already-staged outcome. A terminal failure
		// arriving during cancellation promotes the staged result to
		// FAILED via the suppressing-close path.
		if newState == fragment.QueryFailed && cause != nil {
			result.promoteToFailed(cause)
		}
		result.close(ctx)
	}
	return nil
}

// rootFragmentManager wraps the root fragment's executor so it can be
// submitted to the ExecutorPool or registered on the WorkEventBus
// uniformly with remote FragmentManagers.
type rootFragmentManager struct {
	handle   fragment.FragmentHandle
	qm       *querymanager.QueryManager
	executor execinfra.RootExecutor

	fc *rootFragmentContext
}

func newRootFragmentManager(
	handle fragment.FragmentHandle,
	budget fragment.MemoryBudget,
	options map[string]string,
	qm *querymanager.QueryManager,
	executor execinfra.RootExecutor,
) *rootFragmentManager {
	return &rootFragmentManager{
		handle:   handle,
		qm:       qm,
		executor: executor,
		fc: &rootFragmentContext{
			handle:  handle,
			initial: budget.MemPerNodeMax,
			max:     budget.MemPerNodeMax,
			options: options,
		},
	}
}

func (r *rootFragmentManager) Handle() fragment.FragmentHandle { return r.handle }

func (r *rootFragmentManager) HandleStatus(status execinfrapb.FragmentStatus) {
	r.qm.StatusUpdate(status)
}

func (r *rootFragmentManager) Cancel() {
	r.fc.requestCancel()
}

// run executes the root fragment's operator tree. It is submitted to
// the ExecutorPool directly when the root has no remote inputs. When the
// root is registered on the WorkEventBus instead, nothing in this
// package invokes run: rootFragmentManager does not track the arrival of
// remote inputs.
func (r *rootFragmentManager) run(ctx context.Context) {
	r.executor.Run(ctx, r.fc, func(status execinfrapb.FragmentStatus) {
		status.Handle = r.handle
		r.qm.StatusUpdate(status)
	})
}

// rootFragmentContext implements execinfra.FragmentContext for the root
// fragment.
type rootFragmentContext struct {
	handle          fragment.FragmentHandle
	initial, max    int64
	options         map[string]string
	cancelRequested atomic.Bool
}

func (c *rootFragmentContext) Handle() fragment.FragmentHandle { return c.handle }

func (c *rootFragmentContext) MemoryBudget() (initial, max int64) { return c.initial, c.max }

func (c *rootFragmentContext) Options() map[string]string { return c.options }

func (c *rootFragmentContext) ShouldContinue() bool { return !c.cancelRequested.Load() }

func (c *rootFragmentContext) requestCancel() { c.cancelRequested.Store(true) }
