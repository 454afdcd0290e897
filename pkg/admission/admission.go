// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package admission gates query execution on a cluster-coordinated
// semaphore that separates small and large queries by total plan cost.
// It is grounded on the enable/disable-by-setting shape of
// pkg/sql/flowinfra/flow_scheduler.go and the acquire/release accounting
// of pkg/util/quotapool/intpool.go.
package admission

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foremancore/dqe/pkg/execinfra"
)

// ErrSlotUnavailable is returned (wrapped as ForemanSetup by the caller)
// when the semaphore acquisition times out.
var ErrSlotUnavailable = errors.New("admission: unable to acquire slot for query")

// Config carries the exec.queue.* knobs that control admission queuing.
type Config struct {
	Enabled       bool
	Threshold     float64
	SmallQueueCap int
	LargeQueueCap int
	Timeout       time.Duration
}

const (
	smallSemaphoreName = "query.small"
	largeSemaphoreName = "query.large"
)

// Controller gates concurrent queries on a cluster-wide semaphore.
type Controller struct {
	cfg    Config
	coord  execinfra.ClusterCoordinator
	logger log.Logger

	acquired  prometheus.Counter
	queueWait prometheus.Histogram
	timedOut  prometheus.Counter
}

// Metrics are registered lazily against reg if non-nil, mirroring how
// pkg/sql/flowinfra/flow_scheduler.go threads a single metrics struct
// through from server construction.
func NewController(
	cfg Config, coord execinfra.ClusterCoordinator, logger log.Logger, reg prometheus.Registerer,
) *Controller {
	c := &Controller{
		cfg:    cfg,
		coord:  coord,
		logger: logger,
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_admission_leases_acquired_total",
			Help: "Total number of admission leases successfully acquired.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "foreman_admission_queue_wait_seconds",
			Help: "Time spent waiting to acquire an admission lease.",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_admission_timeouts_total",
			Help: "Total number of admission lease acquisitions that timed out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.acquired, c.queueWait, c.timedOut)
	}
	return c
}

// Acquire gates entry for a query of the given total plan cost. If
// queuing is disabled, it is a no-op and returns a nil Lease. Otherwise
// it selects the small or large semaphore by comparing cost against the
// configured threshold, and blocks until a slot is available or the
// configured timeout elapses.
func (c *Controller) Acquire(ctx context.Context, totalCost float64) (execinfra.Lease, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	name, capacity := smallSemaphoreName, c.cfg.SmallQueueCap
	if totalCost > c.cfg.Threshold {
		name, capacity = largeSemaphoreName, c.cfg.LargeQueueCap
	}

	sem, err := c.coord.GetSemaphore(name, capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "admission: failed to obtain semaphore %q", name)
	}

	start := time.Now()
	lease, err := sem.Acquire(ctx, c.cfg.Timeout.Milliseconds())
	c.queueWait.Observe(time.Since(start).Seconds())
	if err != nil {
		c.timedOut.Inc()
		return nil, errors.Wrapf(ErrSlotUnavailable, "semaphore %q: %s", name, err)
	}
	c.acquired.Inc()
	return lease, nil
}

// Release attempts to release lease, retrying on interruption and
// logging (then giving up) on any other failure: the lease will
// eventually expire cluster-side even if release fails here. A nil
// lease (queuing disabled, or Acquire returned early) is a no-op.
func (c *Controller) Release(lease execinfra.Lease) {
	if lease == nil {
		return
	}
	for {
		err := lease.Close()
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			continue
		}
		level.Warn(c.logger).Log("msg", "failed to release admission lease", "err", err)
		return
	}
}
