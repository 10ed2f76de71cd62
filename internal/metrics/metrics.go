// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics exposes a small Prometheus registry: reconcile pass
// counters and latencies, the liveness lease-state gauge, and per-
// subsystem apply counters. Grounded on the teacher's own dependency on
// github.com/prometheus/client_golang (present in marcagbay-tailscale's
// go.mod; no surviving source file used it directly after pack trimming,
// so the library choice itself — not a specific call site — is the
// grounding, the same reasoning used for the systemd adapter).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the agent publishes.
type Registry struct {
	ReconcilesTotal     *prometheus.CounterVec
	ReconcileDuration   *prometheus.HistogramVec
	LeaseState          prometheus.Gauge
	SubsystemApplyTotal *prometheus.CounterVec
	WatchEventsTotal    prometheus.Counter

	registry *prometheus.Registry
}

// New registers every metric against its own registry (never the global
// default registry, so tests can construct as many Registry values as
// they like without colliding).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		ReconcilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "reconciles_total",
			Help:      "Total reconcile passes, labeled by outcome.",
		}, []string{"outcome"}),
		ReconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodeagent",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a single reconcile pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		LeaseState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeagent",
			Name:      "liveness_lease_state",
			Help:      "Liveness lease state: 0=unknown, 1=held, 2=lost.",
		}),
		SubsystemApplyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "subsystem_apply_total",
			Help:      "Applies per subsystem, labeled by subsystem and decision.",
		}, []string{"subsystem", "decision"}),
		WatchEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeagent",
			Name:      "watch_events_total",
			Help:      "Total KV watch events observed.",
		}),
	}
	r.registry = reg
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
