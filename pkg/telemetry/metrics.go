package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects reconciliation metrics on a private Prometheus
// registry. A disabled instance keeps all record methods as no-ops so
// call sites never branch.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodesReconciled *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec

	providerCalls  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	retries        *prometheus.CounterVec
	waiterTimeouts *prometheus.CounterVec

	inFlight prometheus.Gauge
}

// NewMetrics creates a metrics collector. When cfg.Enabled is false every
// record method is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Runs finished, by operation and terminal status",
		}, []string{"operation", "status"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall time per run",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"operation"}),

		nodesReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "nodes_reconciled_total",
			Help:      "Nodes reaching a terminal status, by operation and status",
		}, []string{"operation", "status"}),

		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "node_duration_seconds",
			Help:      "Wall time per node including retries and waiters",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_calls_total",
			Help:      "Provider lifecycle calls, by kind and operation",
		}, []string{"kind", "operation"}),

		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provider_errors_total",
			Help:      "Provider call failures, by kind and error class",
		}, []string{"kind", "class"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "node_retries_total",
			Help:      "Retry attempts, by kind",
		}, []string{"kind"}),

		waiterTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "waiter_timeouts_total",
			Help:      "Readiness waiters that hit their deadline, by kind",
		}, []string{"kind"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "nodes_in_flight",
			Help:      "Node tasks currently executing",
		}),
	}

	registry.MustRegister(
		m.runsCompleted, m.runDuration,
		m.nodesReconciled, m.nodeDuration,
		m.providerCalls, m.providerErrors,
		m.retries, m.waiterTimeouts,
		m.inFlight,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRunCompleted(operation, status string, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordNodeReconciled(operation, status, kind string, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.nodesReconciled.WithLabelValues(operation, status).Inc()
	m.nodeDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordProviderCall(kind, operation string) {
	if !m.enabled {
		return
	}
	m.providerCalls.WithLabelValues(kind, operation).Inc()
}

func (m *Metrics) RecordProviderError(kind, class string) {
	if !m.enabled {
		return
	}
	m.providerErrors.WithLabelValues(kind, class).Inc()
}

func (m *Metrics) RecordRetry(kind string) {
	if !m.enabled {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordWaiterTimeout(kind string) {
	if !m.enabled {
		return
	}
	m.waiterTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncInFlight() {
	if m.enabled {
		m.inFlight.Inc()
	}
}

func (m *Metrics) DecInFlight() {
	if m.enabled {
		m.inFlight.Dec()
	}
}
