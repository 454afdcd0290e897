// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package rpcserver adapts the node-local WorkEventBus to the inbound
// side of the Controller/Tunnel seam: the handlers a peer node's
// outgoing tunnel calls into. A fragment-setup failure is mapped to a
// gRPC status code and surfaced back to the sender, without touching
// this node's own query state.
package rpcserver

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/foremancore/dqe/pkg/execinfrapb"
	"github.com/foremancore/dqe/pkg/workbus"
)

// Inbound implements the receiving half of inter-node fragment RPCs.
// Building the FragmentManager for a newly-arrived fragment requires a
// concrete per-fragment executor, which this module does not provide; a
// complete deployment would register one with the WorkEventBus inside
// InitializeFragments below.
type Inbound struct {
	bus *workbus.WorkEventBus
}

// New constructs an Inbound bound to bus.
func New(bus *workbus.WorkEventBus) *Inbound {
	return &Inbound{bus: bus}
}

// InitializeFragments handles a batched fragment-setup RPC. Registering
// the delivered fragments' managers is left to the per-fragment executor
// seam this module does not implement.
func (i *Inbound) InitializeFragments(ctx context.Context, msg execinfrapb.InitializeFragments) error {
	return status.Error(codes.Unimplemented, "fragment executor wiring is outside this module's scope")
}

// CancelFragment handles an inbound cancel RPC issued by
// cancelExecutingFragments on a remote node. A lookup failure is
// surfaced to the caller as NotFound rather than mutating any query
// state here.
func (i *Inbound) CancelFragment(ctx context.Context, msg execinfrapb.CancelFragment) error {
	mgr, err := i.bus.LookupManager(msg.Handle)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	if mgr == nil {
		// Recently finished: the fragment is already gone, nothing to
		// cancel.
		return nil
	}
	mgr.Cancel()
	return nil
}

// FragmentStatus handles an inbound status-update RPC. Delivery to an
// unknown query is logged and dropped by the WorkEventBus itself, never
// surfaced as an RPC error — a late status after query completion is
// expected, not exceptional.
func (i *Inbound) FragmentStatus(ctx context.Context, s execinfrapb.FragmentStatus) error {
	i.bus.DeliverStatus(s)
	return nil
}
