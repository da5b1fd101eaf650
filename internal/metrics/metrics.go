// Package metrics exposes Prometheus collectors for chain reads and
// snapshot refreshes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
	OutcomeError   = "error"
	// OutcomeAdopted counts snapshots taken from another replica's cache entry.
	OutcomeAdopted = "adopted"
)

// Metrics owns a private registry so tests can build independent instances.
type Metrics struct {
	registry        *prometheus.Registry
	rpcCalls        *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "poolsight"
	}
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC requests issued to the chain node.",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Latency of JSON-RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Snapshot refreshes by entity and outcome.",
		}, []string{"entity", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Time to recompute an entity snapshot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
	}
	registry.MustRegister(m.rpcCalls, m.rpcDuration, m.refreshes, m.refreshDuration)
	registry.MustRegister(collectors.NewGoCollector())
	return m
}

// ObserveRPC records one JSON-RPC request.
func (m *Metrics) ObserveRPC(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveAdopted records a snapshot computed by another replica and applied
// locally. No duration is observed since nothing was recomputed.
func (m *Metrics) ObserveAdopted(entity string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(entity, OutcomeAdopted).Inc()
}

// ObserveRefresh records one refresh of an entity.
func (m *Metrics) ObserveRefresh(entity, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(entity, outcome).Inc()
	m.refreshDuration.WithLabelValues(entity).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
