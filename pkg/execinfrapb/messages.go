// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package execinfrapb holds the wire message shapes exchanged between a
// client and the Foreman, and between Foremen on different nodes. Wire
// framing and transport are intentionally out of scope here; these are
// plain Go structs carrying the relevant field lists, not code generated
// from a .proto schema.
package execinfrapb

import "github.com/foremancore/dqe/pkg/fragment"

// RunQueryType identifies how RunQuery.Plan should be interpreted.
type RunQueryType int

const (
	// RunQueryLogical indicates Plan is a serialized logical plan.
	RunQueryLogical RunQueryType = iota
	// RunQueryPhysical indicates Plan is a serialized physical plan.
	RunQueryPhysical
	// RunQuerySQL indicates Plan is a raw SQL statement.
	RunQuerySQL
)

func (t RunQueryType) String() string {
	switch t {
	case RunQueryLogical:
		return "LOGICAL"
	case RunQueryPhysical:
		return "PHYSICAL"
	case RunQuerySQL:
		return "SQL"
	default:
		return "UNKNOWN"
	}
}

// RunQuery is the client's request to run a query. StatementSQL, when
// non-empty, carries the original SQL text for logging and diagnostics
// even when Plan holds an already-serialized logical or physical plan.
type RunQuery struct {
	Type         RunQueryType
	Plan         string
	StatementSQL string
}

// InitializeFragments batches every PlanFragment destined for a single
// endpoint into one control-RPC message.
type InitializeFragments struct {
	Fragments []fragment.PlanFragment
}

// DrillPBError is the single error object attached to a failed
// QueryResult. RootCause is the message extracted from the end of the
// originating error's cause chain.
type DrillPBError struct {
	RootCause string
	Endpoint  string
}

// QueryResult is the terminal message delivered to the client exactly
// once per query, with IsLastChunk set on that final delivery.
type QueryResult struct {
	QueryID     fragment.QueryId
	QueryState  fragment.QueryState
	IsLastChunk bool
	Errors      []DrillPBError
}

// FragmentStatus is the last reported progress or terminal state of one
// fragment, identified by its handle.
type FragmentStatus struct {
	Handle  fragment.FragmentHandle
	State   fragment.FragmentState
	Profile string
}

// CancelFragment is the control message used to request that a single
// remote fragment stop running.
type CancelFragment struct {
	Handle fragment.FragmentHandle
}
