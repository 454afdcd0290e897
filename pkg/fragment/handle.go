// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package fragment holds the data model shared by the Foreman, the
// WorkEventBus, the FragmentDispatcher and the QueryManager: query and
// fragment identifiers, the PlanFragment assignment record, the
// QueryWorkUnit produced by planning, and the QueryState enum.
package fragment

import (
	"fmt"

	"github.com/google/uuid"
)

// QueryId is an opaque, globally unique identifier for a query.
type QueryId = uuid.UUID

// NewQueryId generates a fresh QueryId.
func NewQueryId() QueryId {
	return uuid.New()
}

// Endpoint identifies a cluster node's network identity. Only the fields
// the core needs to route RPCs and log diagnostics are modeled; anything
// else (capability bits, rack topology, ...) belongs to the collaborator
// that actually dials the node.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// FragmentHandle identifies one fragment instance on one node. Equality
// is by all three fields, which is exactly what Go's built-in struct
// comparison gives us for free, making FragmentHandle usable directly as
// a map key. Each handle is registered in a node's managers at most once
// concurrently.
type FragmentHandle struct {
	QueryID         QueryId
	MajorFragmentID int32
	MinorFragmentID int32
}

// String renders the handle in the "<queryIdHex>:<majorId>:<minorId>"
// format used for logs and map keys.
func (h FragmentHandle) String() string {
	return fmt.Sprintf("%x:%d:%d", h.QueryID[:], h.MajorFragmentID, h.MinorFragmentID)
}
