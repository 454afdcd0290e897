// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package main

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foremancore/dqe/pkg/admission"
	"github.com/foremancore/dqe/pkg/dispatch"
	"github.com/foremancore/dqe/pkg/execinfra"
	"github.com/foremancore/dqe/pkg/execpool"
	"github.com/foremancore/dqe/pkg/foreman"
	"github.com/foremancore/dqe/pkg/fragment"
	"github.com/foremancore/dqe/pkg/rpcserver"
	"github.com/foremancore/dqe/pkg/util/stopper"
	"github.com/foremancore/dqe/pkg/workbus"
)

// Config carries the node-local knobs shared by every Foreman on this
// process: admission queueing thresholds, planner width/memory caps and
// the metrics listener address.
type Config struct {
	QueueEnable        bool
	QueueThreshold     float64
	QueueSmall         int
	QueueLarge         int
	QueueTimeoutMillis int64

	PlannerWidthMaxPerNode             int64
	PlannerMemoryMaxQueryMemoryPerNode int64

	MetricsAddr string
}

// Node bundles the node-local infrastructure every Foreman on this
// process shares: the work bus, the admission controller, the
// execution pool and the inbound RPC adapter. It is the Go analog of
// DistSQLServer/ServerConfig's per-node bootstrap shape
// (pkg/sql/distsqlrun/server.go), cut down to this module's scope.
type Node struct {
	Config Config
	Logger log.Logger

	Stopper     *stopper.Stopper
	Bus         *workbus.WorkEventBus
	Registry    *prometheus.Registry
	Coordinator *admission.LocalCoordinator
	Admission   *admission.Controller
	Pool        *execpool.Pool
	Inbound     *rpcserver.Inbound
}

// NewNode bootstraps the node-local infrastructure. It does not accept
// cluster RPC transport, plan parsing, or client connection
// implementations: those are genuinely external to this module and are
// supplied per-query by the embedding system through
// ExternalCollaborators when constructing a Foreman.
func NewNode(cfg Config, logger log.Logger) *Node {
	reg := prometheus.NewRegistry()
	bus := workbus.New(logger)
	coord := admission.NewLocalCoordinator()

	n := &Node{
		Config:      cfg,
		Logger:      logger,
		Stopper:     stopper.New(),
		Bus:         bus,
		Registry:    reg,
		Coordinator: coord,
		Admission: admission.NewController(admission.Config{
			Enabled:       cfg.QueueEnable,
			Threshold:     cfg.QueueThreshold,
			SmallQueueCap: cfg.QueueSmall,
			LargeQueueCap: cfg.QueueLarge,
			Timeout:       time.Duration(cfg.QueueTimeoutMillis) * time.Millisecond,
		}, coord, logger, reg),
		Inbound: rpcserver.New(bus),
	}
	n.Pool = execpool.New(n.Stopper)
	return n
}

// ExternalCollaborators holds every out-of-scope dependency a Foreman
// needs for one query: plan parsing/optimization, parallelization,
// cluster RPC transport, the client connection and persistence. The
// embedding system supplies concrete implementations; this module only
// defines the seams.
type ExternalCollaborators struct {
	PlanReader   execinfra.PlanReader
	Optimizer    execinfra.PhysicalOptimizer
	Parallelizer execinfra.Parallelizer
	QueryContext execinfra.QueryContext
	Controller   execinfra.Controller
	ClientConn   execinfra.UserClientConnection
	Store        execinfra.PersistentStore
	RootExecutor execinfra.RootExecutor
	Options      map[string]string
}

// NewForeman builds the per-query Foreman for queryID, wiring it to
// this node's shared infrastructure plus the query-specific
// collaborators in ext. This is the Foreman factory referenced
// throughout the design: one call per incoming RunQuery.
func (n *Node) NewForeman(queryID fragment.QueryId, ext ExternalCollaborators) *foreman.Foreman {
	dispatcher := dispatch.New(ext.Controller, n.Bus, n.Pool, n.Logger, n.Registry)
	deps := foreman.Deps{
		PlanReader:   ext.PlanReader,
		Optimizer:    ext.Optimizer,
		Parallelizer: ext.Parallelizer,
		QueryContext: ext.QueryContext,
		Coordinator:  n.Coordinator,
		Controller:   ext.Controller,
		ClientConn:   ext.ClientConn,
		Pool:         n.Pool,
		Store:        ext.Store,
		RootExecutor: ext.RootExecutor,
		Bus:          n.Bus,
		Admission:    n.Admission,
		Dispatcher:   dispatcher,
		Budget: fragment.MemoryBudget{
			MaxWidthPerNode: n.Config.PlannerWidthMaxPerNode,
			MemPerNodeMax:   n.Config.PlannerMemoryMaxQueryMemoryPerNode,
		},
		Options: ext.Options,
	}
	return foreman.New(queryID, deps, n.Logger)
}
