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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/foremancore/dqe/pkg/admission"
	"github.com/foremancore/dqe/pkg/dispatch"
	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
	"github.com/foremancore/dqe/pkg/workbus"
)

type fakePlan struct {
	mode      execinfra.ResultMode
	operators []execinfra.Operator
}

func (p fakePlan) ResultMode() execinfra.ResultMode { return p.mode }

func (p fakePlan) SortedOperators() []execinfra.Operator { return p.operators }

type fakePlanReader struct {
	plan fakePlan
	err  error
}

func (r *fakePlanReader) ReadLogicalPlan(json string) (execinfra.LogicalPlan, error) {
	return r.plan, r.err
}

func (r *fakePlanReader) ReadPhysicalPlan(json string) (execinfra.PhysicalPlan, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.plan, nil
}

type fakeOptimizer struct{}

func (fakeOptimizer) Optimize(ctx context.Context, plan execinfra.LogicalPlan) (execinfra.PhysicalPlan, error) {
	return fakePlan{}, nil
}

type fakeParallelizer struct {
	work fragment.QueryWorkUnit
	err  error
}

func (p *fakeParallelizer) Plan(
	ctx context.Context, plan execinfra.PhysicalPlan, queryCtx execinfra.QueryContext,
	queryID fragment.QueryId, budget fragment.MemoryBudget,
) (fragment.QueryWorkUnit, error) {
	if p.err != nil {
		return fragment.QueryWorkUnit{}, p.err
	}
	w := p.work
	w.RootFragment.Handle.QueryID = queryID
	return w, nil
}

type fakeQueryContext struct {
	closeErr error
	closed   bool
}

func (c *fakeQueryContext) ActiveEndpoints() []fragment.Endpoint { return nil }
func (c *fakeQueryContext) Close() error {
	c.closed = true
	return c.closeErr
}

type fakeTunnel struct{}

func (fakeTunnel) SendFragments(ctx context.Context, listener execinfra.FragmentSubmitListener, msg execinfrapb.InitializeFragments) {
	listener.Success()
}
func (fakeTunnel) CancelFragment(ctx context.Context, handle fragment.FragmentHandle) error { return nil }

type fakeController struct{}

func (fakeController) GetTunnel(fragment.Endpoint) execinfra.Tunnel { return fakeTunnel{} }

type fakeClientConn struct {
	mu      sync.Mutex
	results []execinfrapb.QueryResult
}

func (c *fakeClientConn) SendResult(ctx context.Context, listener execinfra.SendListener, result execinfrapb.QueryResult, isLast bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
	return nil
}

func (c *fakeClientConn) last() (execinfrapb.QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return execinfrapb.QueryResult{}, false
	}
	return c.results[len(c.results)-1], true
}

type fakeStore struct {
	mu     sync.Mutex
	states []fragment.QueryState
}

func (s *fakeStore) RecordState(queryID fragment.QueryId, state fragment.QueryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

// fakeRootExecutor reports a single terminal status after a short,
// test-controlled delay, so tests can observe the RUNNING state before
// the query finishes.
type fakeRootExecutor struct {
	finalState fragment.FragmentState
	delay      time.Duration
}

func (e *fakeRootExecutor) Run(ctx context.Context, fc execinfra.FragmentContext, report func(execinfrapb.FragmentStatus)) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	report(execinfrapb.FragmentStatus{State: e.finalState})
}

// blockingRootExecutor only reports once told to via the returned channel,
// giving cancellation tests a window to act while the query is RUNNING.
type blockingRootExecutor struct {
	release chan fragment.FragmentState
}

func newBlockingRootExecutor() *blockingRootExecutor {
	return &blockingRootExecutor{release: make(chan fragment.FragmentState, 1)}
}

func (e *blockingRootExecutor) Run(ctx context.Context, fc execinfra.FragmentContext, report func(execinfrapb.FragmentStatus)) {
	state := <-e.release
	report(execinfrapb.FragmentStatus{State: state})
}

type testHarness struct {
	foreman    *Foreman
	clientConn *fakeClientConn
	store      *fakeStore
	queryCtx   *fakeQueryContext
	coord      *admission.LocalCoordinator
}

func newTestHarness(t *testing.T, work fragment.QueryWorkUnit, executor execinfra.RootExecutor) *testHarness {
	t.Helper()
	logger := log.NewNopLogger()
	bus := workbus.New(logger)
	coord := admission.NewLocalCoordinator()
	admissionCtrl := admission.NewController(admission.Config{Enabled: false}, coord, logger, nil)
	dispatcher := dispatch.New(fakeController{}, bus, inlinePool{}, logger, nil)

	queryCtx := &fakeQueryContext{}
	clientConn := &fakeClientConn{}
	store := &fakeStore{}

	deps := Deps{
		PlanReader:   &fakePlanReader{plan: fakePlan{mode: execinfra.ResultModePhysical}},
		Optimizer:    fakeOptimizer{},
		Parallelizer: &fakeParallelizer{work: work},
		QueryContext: queryCtx,
		Coordinator:  coord,
		Controller:   fakeController{},
		ClientConn:   clientConn,
		Pool:         inlinePool{},
		Store:        store,
		RootExecutor: executor,
		Bus:          bus,
		Admission:    admissionCtrl,
		Dispatcher:   dispatcher,
		Budget:       fragment.MemoryBudget{MaxWidthPerNode: 4, MemPerNodeMax: 1 << 20},
	}

	queryID := fragment.NewQueryId()
	f := New(queryID, deps, logger)
	return &testHarness{foreman: f, clientConn: clientConn, store: store, queryCtx: queryCtx, coord: coord}
}

type inlinePool struct{}

func (inlinePool) Submit(task func(context.Context)) error {
	go task(context.Background())
	return nil
}

func waitForTerminal(t *testing.T, f *Foreman) fragment.QueryState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := f.State(); s.IsTerminal() {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("query did not reach a terminal state, stuck at %s", f.State())
	return f.State()
}

func TestHappyPathReachesCompleted(t *testing.T) {
	h := newTestHarness(t, fragment.QueryWorkUnit{}, &fakeRootExecutor{finalState: fragment.FragmentFinished})

	err := h.foreman.Run(context.Background(), execinfrapb.RunQuery{Type: execinfrapb.RunQueryPhysical})
	require.NoError(t, err)

	require.Equal(t, fragment.QueryCompleted, waitForTerminal(t, h.foreman))
	result, ok := h.clientConn.last()
	require.True(t, ok)
	require.Equal(t, fragment.QueryCompleted, result.QueryState)
	require.True(t, result.IsLastChunk)
	require.Empty(t, result.Errors)
	require.True(t, h.queryCtx.closed)
}

func TestSetupFailurePropagatesBeforeRunning(t *testing.T) {
	h := newTestHarness(t, fragment.QueryWorkUnit{}, &fakeRootExecutor{finalState: fragment.FragmentFinished})
	h.foreman.deps.Parallelizer = &fakeParallelizer{err: simulatedError()}

	err := h.foreman.Run(context.Background(), execinfrapb.RunQuery{Type: execinfrapb.RunQueryPhysical})
	require.Error(t, err)
	require.Equal(t, fragment.QueryFailed, h.foreman.State())

	result, ok := h.clientConn.last()
	require.True(t, ok)
	require.Equal(t, fragment.QueryFailed, result.QueryState)
	require.Len(t, result.Errors, 1)
}

func TestCancellationCollapsesIntoCanceledOutcome(t *testing.T) {
	executor := newBlockingRootExecutor()
	h := newTestHarness(t, fragment.QueryWorkUnit{}, executor)

	err := h.foreman.Run(context.Background(), execinfrapb.RunQuery{Type: execinfrapb.RunQueryPhysical})
	require.NoError(t, err)
	require.Equal(t, fragment.QueryRunning, h.foreman.State())

	h.foreman.Cancel(context.Background())
	require.Equal(t, fragment.QueryCancellationRequested, h.foreman.State())

	executor.release <- fragment.FragmentCanceled
	require.Equal(t, fragment.QueryCanceled, waitForTerminal(t, h.foreman))

	// A second Cancel call after the outcome has collapsed must be a no-op.
	h.foreman.Cancel(context.Background())
	require.Equal(t, fragment.QueryCanceled, h.foreman.State())
}

func TestLateStatusAfterCompletionIsIgnored(t *testing.T) {
	h := newTestHarness(t, fragment.QueryWorkUnit{}, &fakeRootExecutor{finalState: fragment.FragmentFinished})
	err := h.foreman.Run(context.Background(), execinfrapb.RunQuery{Type: execinfrapb.RunQueryPhysical})
	require.NoError(t, err)
	require.Equal(t, fragment.QueryCompleted, waitForTerminal(t, h.foreman))

	before := len(h.clientConn.results)
	h.foreman.FragmentsTerminal(fragment.QueryFailed, simulatedError())
	require.Equal(t, before, len(h.clientConn.results), "a terminal transition attempt after completion must not resend a result")
}

func TestNodeFailureDuringExecutionFailsQuery(t *testing.T) {
	executor := newBlockingRootExecutor()
	h := newTestHarness(t, fragment.QueryWorkUnit{}, executor)

	err := h.foreman.Run(context.Background(), execinfrapb.RunQuery{Type: execinfrapb.RunQueryPhysical})
	require.NoError(t, err)
	require.Equal(t, fragment.QueryRunning, h.foreman.State())

	// The root fragment in this harness carries the zero-value endpoint,
	// since fakeParallelizer never assigns one; report that exact
	// endpoint as dead so the root tracker is the one that fails.
	h.coord.NotifyEndpointsDead([]fragment.Endpoint{{}})

	require.Equal(t, fragment.QueryFailed, waitForTerminal(t, h.foreman))
}

func simulatedError() error {
	return errSimulated
}

var errSimulated = errors.New("foreman test: simulated failure")
