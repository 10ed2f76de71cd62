// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command nodeagent is the per-node overlay-network control-plane agent:
// it watches the shared KV store for desired-state commits, reconciles
// the node's mesh, tunnel, routing, proxy, resolver and forwarder
// subsystems against it, and publishes liveness back to the store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/sdnotify"

	"meduza.network/nodeagent/internal/agent"
	"meduza.network/nodeagent/internal/config"
	"meduza.network/nodeagent/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nodeagent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	zlog, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer zlog.Sync()

	startlog := zlog.Named("startup")
	startlog.Infow("starting", "node_id", cfg.NodeID, "etcd_endpoint", cfg.EtcdEndpoint)

	// A failure to construct the initial KV client is fatal at startup.
	a, err := agent.New(cfg, zlog.Named("agent"))
	if err != nil {
		return fmt.Errorf("constructing agent: %w", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				a.ForceReconcile()
			case syscall.SIGINT, syscall.SIGTERM:
				startlog.Infow("received shutdown signal", "signal", sig)
				cancel()
				return
			}
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: a.MetricsHandler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startlog.Errorw("metrics server stopped unexpectedly", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if err := sdnotify.Send(sdnotify.Ready); err != nil {
		startlog.Debugw("systemd readiness notification not sent", "error", err)
	}

	err = a.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent run loop: %w", err)
	}
	startlog.Infow("shutdown complete")
	return nil
}
