// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package dispatch runs the two-phase remote fragment submission
// protocol: intermediate fragments are sent behind a completion barrier,
// then leaves are sent fire-and-forget. It is grounded on
// DistSQLPlanner.setupFlows's per-endpoint batching
// (pkg/sql/distsql_running.go), rewritten around an explicit
// countdown-latch barrier rather than CockroachDB's listener-goroutine
// shape.
package dispatch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/fragment"
	"github.com/foremancore/dqe/pkg/workbus"
)

// ErrSetup wraps every synchronous failure surfaced out of Dispatch.
var ErrSetup = errors.New("dispatch: fragment setup failed")

// StatusTracker is the subset of QueryManager's contract the dispatcher
// needs: recording a status slot for every fragment before it is sent,
// so no status update can race ahead of its tracker existing.
type StatusTracker interface {
	AddFragmentStatusTracker(pf fragment.PlanFragment, isRoot bool)
}

// RootSetup is the already-constructed local half of Phase 0: the root
// fragment's FragmentContext and the FragmentManager wrapping its
// executor. Building these is the Foreman's/collaborators' job; the
// dispatcher only decides whether to submit immediately or register and
// wait for inputs.
type RootSetup struct {
	Manager         execinfra.FragmentManager
	HasRemoteInputs bool
	// Run is submitted to the ExecutorPool when the root can start
	// immediately. It is not invoked at all when HasRemoteInputs is
	// true; in that case starting the executor is the registered
	// manager's own responsibility once its inputs arrive.
	Run func(context.Context)
}

// Dispatcher drives the two-phase remote fragment submission protocol
// described above.
type Dispatcher struct {
	controller execinfra.Controller
	bus        *workbus.WorkEventBus
	pool       execinfra.ExecutorPool
	logger     log.Logger

	intermediatesSent prometheus.Counter
	leavesSent        prometheus.Counter
	barrierFailures   prometheus.Counter
}

// New constructs a Dispatcher.
func New(
	controller execinfra.Controller,
	bus *workbus.WorkEventBus,
	pool execinfra.ExecutorPool,
	logger log.Logger,
	reg prometheus.Registerer,
) *Dispatcher {
	d := &Dispatcher{
		controller: controller,
		bus:        bus,
		pool:       pool,
		logger:     logger,
		intermediatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_dispatch_intermediate_fragments_total",
			Help: "Total number of intermediate fragments submitted for execution.",
		}),
		leavesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_dispatch_leaf_fragments_total",
			Help: "Total number of leaf fragments submitted for execution.",
		}),
		barrierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_dispatch_barrier_failures_total",
			Help: "Total number of intermediate-fragment dispatch failures observed at the barrier.",
		}),
	}
	if reg != nil {
		// Every Foreman builds its own Dispatcher against the node's shared
		// registry, so later constructions reuse the counters already
		// registered by the first one.
		for _, c := range []*prometheus.Counter{&d.intermediatesSent, &d.leavesSent, &d.barrierFailures} {
			if err := reg.Register(*c); err != nil {
				are, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					panic(err)
				}
				*c = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return d
}

// Dispatch runs the full two-phase protocol: Phase 0 (local root setup),
// Phase 1 (intermediates, with a completion barrier) and Phase 2 (leaves,
// fire-and-forget). onAsyncFailure is invoked, outside of Dispatch's own
// call stack, if a leaf submission fails after Dispatch has already
// returned successfully; the caller routes that callback into a FAILED
// state transition rather than expecting it from Dispatch's own return.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	work fragment.QueryWorkUnit,
	tracker StatusTracker,
	root RootSetup,
	onAsyncFailure func(error),
) error {
	tracker.AddFragmentStatusTracker(work.RootFragment, true /* isRoot */)
	if err := d.setupRoot(ctx, root); err != nil {
		return errors.Wrapf(ErrSetup, "root fragment setup: %s", err)
	}

	for _, pf := range work.Fragments {
		tracker.AddFragmentStatusTracker(pf, false /* isRoot */)
	}

	if err := d.dispatchIntermediates(ctx, work.Intermediates()); err != nil {
		return err
	}

	d.dispatchLeaves(ctx, work.Leaves(), onAsyncFailure)
	return nil
}

// setupRoot runs Phase 0: either submit the root executor for immediate
// local execution, or register its manager to wait for remote inputs.
func (d *Dispatcher) setupRoot(ctx context.Context, root RootSetup) error {
	if !root.HasRemoteInputs {
		return d.pool.Submit(root.Run)
	}
	return d.bus.RegisterManager(root.Manager)
}

// dispatchIntermediates runs Phase 1: group by endpoint, batch one
// InitializeFragments message per endpoint, arm a latch of width
// len(byEndpoint), wait for every response (success or failure) to
// decrement it, then fail on the first collected failure.
//
// sync.WaitGroup.Wait cannot be interrupted, which matches the intended
// uninterruptible-wait semantics directly — there is no spurious-wakeup
// case to guard against in Go the way there is with Java's
// CountDownLatch.await().
func (d *Dispatcher) dispatchIntermediates(ctx context.Context, fragments []fragment.PlanFragment) error {
	byEndpoint := groupByEndpoint(fragments)
	if len(byEndpoint) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var failuresMu sync.Mutex
	var failures []error

	wg.Add(len(byEndpoint))
	for endpoint, pfs := range byEndpoint {
		endpoint, pfs := endpoint, pfs
		listener := &submitListener{
			onDone: func(err error) {
				if err != nil {
					failuresMu.Lock()
					failures = append(failures, errors.Wrapf(err, "endpoint %s", endpoint))
					failuresMu.Unlock()
				}
				wg.Done()
			},
		}
		d.sendBatch(ctx, endpoint, pfs, listener)
		d.intermediatesSent.Add(float64(len(pfs)))
	}

	wg.Wait()

	if len(failures) > 0 {
		d.barrierFailures.Inc()
		return errors.Wrapf(ErrSetup, "error setting up remote intermediate fragment execution: %s", failures[0])
	}
	return nil
}

// dispatchLeaves runs Phase 2: batch and send, without waiting. A
// submission failure is routed asynchronously into the Foreman state
// machine rather than returned, since by this point Phase 1 has already
// completed successfully and callers treat Dispatch's return as final.
//
// This deliberately does not wait for leaf acknowledgement beyond the
// fire-and-forget send. A leaf endpoint that accepts the RPC and then
// fails before emitting its first FragmentStatus is only ever detected
// via a ClusterCoordinator node-down notification; no invented timeout
// is used to paper over that gap.
func (d *Dispatcher) dispatchLeaves(
	ctx context.Context, fragments []fragment.PlanFragment, onAsyncFailure func(error),
) {
	byEndpoint := groupByEndpoint(fragments)
	for endpoint, pfs := range byEndpoint {
		endpoint, pfs := endpoint, pfs
		listener := &submitListener{
			onDone: func(err error) {
				if err != nil {
					level.Warn(d.logger).Log("msg", "leaf fragment submission failed", "endpoint", endpoint.String(), "err", err)
					go onAsyncFailure(errors.Wrapf(err, "leaf submission to endpoint %s", endpoint))
				}
			},
		}
		d.sendBatch(ctx, endpoint, pfs, listener)
		d.leavesSent.Add(float64(len(pfs)))
	}
}

func (d *Dispatcher) sendBatch(
	ctx context.Context, endpoint fragment.Endpoint, pfs []fragment.PlanFragment, listener *submitListener,
) {
	tunnel := d.controller.GetTunnel(endpoint)
	tunnel.SendFragments(ctx, listener, execinfrapb.InitializeFragments{Fragments: pfs})
}

func groupByEndpoint(fragments []fragment.PlanFragment) map[fragment.Endpoint][]fragment.PlanFragment {
	out := make(map[fragment.Endpoint][]fragment.PlanFragment)
	for _, pf := range fragments {
		out[pf.Endpoint] = append(out[pf.Endpoint], pf)
	}
	return out
}

// submitListener adapts the single onDone callback shape used here to
// the execinfra.FragmentSubmitListener interface that a real Controller
// implementation calls back into.
type submitListener struct {
	endpoint fragment.Endpoint
	onDone   func(error)
}

func (l *submitListener) Success() {
	l.onDone(nil)
}

func (l *submitListener) Failed(endpoint fragment.Endpoint, err error) {
	l.onDone(err)
}
