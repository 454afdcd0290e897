// Copyright 2024 The Foreman Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command foreman bootstraps the node-local query coordination
// infrastructure: the work event bus, the admission controller and the
// execution pool. It does not itself parse SQL, optimize plans, or
// speak cluster RPC — those collaborators are supplied per query by
// whatever embeds this module (see ExternalCollaborators in node.go).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, logLevel := parseFlags()

	logger := newLogger(logLevel)

	node := NewNode(cfg, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	if err := node.Stopper.RunAsyncTask(context.Background(), "metrics-server", func(ctx context.Context) {
		level.Info(logger).Log("msg", "starting metrics server", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}
	}); err != nil {
		level.Error(logger).Log("msg", "failed to start metrics server", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	node.Stopper.Stop(shutdownCtx)
}

func parseFlags() (Config, string) {
	var cfg Config
	var logLevel string

	flag.BoolVar(&cfg.QueueEnable, "exec.queue.enable", false, "gate concurrent queries on the admission semaphore")
	flag.Float64Var(&cfg.QueueThreshold, "exec.queue.threshold", 0, "plan cost above which a query is considered large")
	flag.IntVar(&cfg.QueueSmall, "exec.queue.small", 10, "small-query admission queue capacity")
	flag.IntVar(&cfg.QueueLarge, "exec.queue.large", 2, "large-query admission queue capacity")
	flag.Int64Var(&cfg.QueueTimeoutMillis, "exec.queue.timeout_millis", 30000, "admission acquisition timeout")
	flag.Int64Var(&cfg.PlannerWidthMaxPerNode, "planner.width.max_per_node", 8, "maximum fragment parallelism per node")
	flag.Int64Var(&cfg.PlannerMemoryMaxQueryMemoryPerNode, "planner.memory.max_query_memory_per_node", 2<<30, "per-node query memory ceiling in bytes")
	flag.StringVar(&cfg.MetricsAddr, "metrics.addr", ":9451", "address to serve /metrics on")
	flag.StringVar(&logLevel, "log.level", "info", "one of debug, info, warn, error")
	flag.Parse()

	return cfg, logLevel
}

// newLogger mirrors the logfmt-plus-level-filter setup common across
// the pack's cmd entrypoints (e.g. cmd/loki's util_log.InitLogger):
// a synchronized logfmt writer wrapped in a level filter.
func newLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var filter level.Option
	switch levelName {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}
	return level.NewFilter(logger, filter)
}
