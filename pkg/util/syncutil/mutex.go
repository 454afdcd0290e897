// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package syncutil provides thin wrappers around the standard library's
// locking primitives. They exist so call sites can document, in the type
// itself, which fields a lock protects, and so that an AssertHeld can be
// dropped in during development without having to rip it out again.
package syncutil

import "sync"

// A Mutex is a mutual exclusion lock. It is a drop-in replacement for
// sync.Mutex.
type Mutex struct {
	sync.Mutex
}

// AssertHeld exists purely as documentation at call sites that require
// the lock to already be held; the stdlib gives us no way to enforce
// this, so it is a no-op and never panics.
func (m *Mutex) AssertHeld() {}

// An RWMutex is a reader/writer mutual exclusion lock. It is a drop-in
// replacement for sync.RWMutex.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld is the write-lock analog of Mutex.AssertHeld.
func (rw *RWMutex) AssertHeld() {}

// AssertRHeld is the read-lock analog of Mutex.AssertHeld.
func (rw *RWMutex) AssertRHeld() {}
