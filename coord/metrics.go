package coord

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects outbox and coordination metrics for
// production monitoring.
//
// Metrics exposed (all namespaced with "flowtx_"):
//
//  1. outbox_pending (gauge): events waiting in the outbox queue.
//     Use: track delivery backlog and processor health.
//
//  2. outbox_events_total (counter): terminal outbox outcomes.
//     Labels: event_type, outcome (processed/failed).
//     Use: delivery success rate per event type.
//
//  3. outbox_batch_duration_ms (histogram): wall time per drain cycle.
//     Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000].
//     Use: P50/P95 drain latency.
//
//  4. rollbacks_total (counter): rollback operations by result.
//     Labels: result (ok/error).
//
//  5. forks_total (counter): fork operations by result.
//     Labels: result (ok/error).
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	outboxPending prometheus.Gauge
	outboxEvents  *prometheus.CounterVec
	batchDuration prometheus.Histogram
	rollbacks     *prometheus.CounterVec
	forks         *prometheus.CounterVec

	enabled bool
}

// NewPrometheusMetrics creates and registers all coordination metrics
// with the provided registry. A nil registry falls back to the global
// default registerer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.outboxPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtx",
		Name:      "outbox_pending",
		Help:      "Events waiting in the outbox queue",
	})

	pm.outboxEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowtx",
		Name:      "outbox_events_total",
		Help:      "Terminal outbox event outcomes",
	}, []string{"event_type", "outcome"}) // outcome: processed, failed

	pm.batchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowtx",
		Name:      "outbox_batch_duration_ms",
		Help:      "Wall time spent draining one outbox batch, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	pm.rollbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowtx",
		Name:      "rollbacks_total",
		Help:      "Rollback operations by result",
	}, []string{"result"}) // result: ok, error

	pm.forks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowtx",
		Name:      "forks_total",
		Help:      "Fork operations by result",
	}, []string{"result"}) // result: ok, error

	return pm
}

// UpdatePendingDepth sets the current outbox backlog size.
func (pm *PrometheusMetrics) UpdatePendingDepth(depth int) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.outboxPending.Set(float64(depth))
}

// RecordEventOutcome counts a terminal outbox outcome, "processed" or
// "failed".
func (pm *PrometheusMetrics) RecordEventOutcome(eventType, outcome string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.outboxEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordBatchDuration records the wall time of one drain cycle.
func (pm *PrometheusMetrics) RecordBatchDuration(d time.Duration) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.batchDuration.Observe(float64(d.Milliseconds()))
}

// RecordRollback counts a rollback operation, result "ok" or "error".
func (pm *PrometheusMetrics) RecordRollback(result string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.rollbacks.WithLabelValues(result).Inc()
}

// RecordFork counts a fork operation, result "ok" or "error".
func (pm *PrometheusMetrics) RecordFork(result string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.forks.WithLabelValues(result).Inc()
}

// Disable turns off metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.enabled = false
}
