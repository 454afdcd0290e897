// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package execpool provides the default execinfra.ExecutorPool: root
// fragment executors run as stopper-tracked goroutines, so process
// shutdown can wait for them the same way it waits for every other
// background task (pkg/util/stopper).
package execpool

import (
	"context"

	"github.com/foremancore/dqe/pkg/util/stopper"
)

// Pool submits root fragment executors onto a Stopper's tracked
// goroutine set.
type Pool struct {
	stopper *stopper.Stopper
}

// New constructs a Pool backed by s.
func New(s *stopper.Stopper) *Pool {
	return &Pool{stopper: s}
}

// Submit implements execinfra.ExecutorPool.
func (p *Pool) Submit(task func(context.Context)) error {
	return p.stopper.RunAsyncTask(context.Background(), "root-fragment-executor", task)
}
