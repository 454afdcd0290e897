// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package fragment

import "time"

// PlanFragment is the assignment record for one executable piece of a
// query plan. The Operator field holds the serialized operator tree; the
// FragmentPlanner collaborator is responsible for producing it and this
// module never inspects its contents.
type PlanFragment struct {
	Handle   FragmentHandle
	Endpoint Endpoint
	IsLeaf   bool
	Operator []byte

	MemInitial int64
	MemMax     int64

	// Timestamp and Timezone are copied from the originating query's
	// context so that every fragment of one query evaluates "now"
	// identically.
	Timestamp time.Time
	Timezone  *time.Location

	Options map[string]string
}

// MemoryBudget carries the per-node memory limits a Foreman computes
// from configuration before handing a plan to FragmentPlanner. The
// planner divides MemPerNodeMax across the plan's fragments; that
// division algorithm is the planner's own business and out of scope
// here.
type MemoryBudget struct {
	MaxWidthPerNode int64
	MemPerNodeMax   int64
}

// QueryWorkUnit is the output of planning: a root fragment plus the set
// of non-root fragments with endpoint assignments already computed.
//
// Invariant: RootFragment.Handle.QueryID equals the QueryId the planner
// was called with.
type QueryWorkUnit struct {
	RootFragment PlanFragment
	RootOperator []byte
	Fragments    []PlanFragment
}

// Leaves returns the non-root fragments flagged as leaves.
func (w QueryWorkUnit) Leaves() []PlanFragment {
	var out []PlanFragment
	for _, f := range w.Fragments {
		if f.IsLeaf {
			out = append(out, f)
		}
	}
	return out
}

// Intermediates returns the non-root fragments not flagged as leaves.
func (w QueryWorkUnit) Intermediates() []PlanFragment {
	var out []PlanFragment
	for _, f := range w.Fragments {
		if !f.IsLeaf {
			out = append(out, f)
		}
	}
	return out
}
