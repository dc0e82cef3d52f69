// Package observability provides Prometheus metrics for the node-local-cache
// CSI driver.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all driver metrics.
	namespace = "node_local_cache"
)

// Metrics holds all Prometheus metrics for the driver.
type Metrics struct {
	registry *prometheus.Registry

	// Volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// Coordination record metrics
	storeConflictsTotal  prometheus.Counter
	watchReconnectsTotal prometheus.Counter

	// Node-side sweep metrics
	sweepsTotal   *prometheus.CounterVec
	sweepDuration prometheus.Histogram

	// Controller-side completion metrics
	cleanupsCompletedTotal *prometheus.CounterVec
	cleanupDuration        prometheus.Histogram

	// Startup reconciliation metrics
	orphansPurgedTotal prometheus.Counter

	// Kubernetes events metrics
	eventsPostedTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on driver restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		storeConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_conflicts_total",
			Help:      "Total number of coordination record CAS conflicts",
		}),

		watchReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_watch_reconnects_total",
			Help:      "Total number of coordination record watch reconnects",
		}),

		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of node-side cleanup sweeps by status",
			},
			[]string{"status"},
		),

		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of local directory purges in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		cleanupsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanups_completed_total",
				Help:      "Total number of completed cleanup protocols by mode (all_done or forced)",
			},
			[]string{"mode"},
		),

		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Time from cleanup-pending to cleanup-complete in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		orphansPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_purged_total",
			Help:      "Total number of orphaned volume directories purged by the startup scan",
		}),

		eventsPostedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_posted_total",
				Help:      "Total number of Kubernetes events posted by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.storeConflictsTotal,
		m.watchReconnectsTotal,
		m.sweepsTotal,
		m.sweepDuration,
		m.cleanupsCompletedTotal,
		m.cleanupDuration,
		m.orphansPurgedTotal,
		m.eventsPostedTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordVolumeOp records a volume operation with timing.
// operation should be one of: create, delete, publish, unpublish.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.volumeOpsTotal.WithLabelValues(operation, status).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStoreConflict records a coordination record CAS conflict.
func (m *Metrics) RecordStoreConflict() {
	m.storeConflictsTotal.Inc()
}

// RecordWatchReconnect records a coordination record watch reconnect.
func (m *Metrics) RecordWatchReconnect() {
	m.watchReconnectsTotal.Inc()
}

// RecordSweep records a node-side sweep attempt with the purge duration.
func (m *Metrics) RecordSweep(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.sweepsTotal.WithLabelValues(status).Inc()
	if err == nil {
		m.sweepDuration.Observe(duration.Seconds())
	}
}

// RecordCleanupCompleted records a finished cleanup protocol.
// forced indicates the deadline fired before all nodes reported.
func (m *Metrics) RecordCleanupCompleted(forced bool, age time.Duration) {
	mode := "all_done"
	if forced {
		mode = "forced"
	}
	m.cleanupsCompletedTotal.WithLabelValues(mode).Inc()
	m.cleanupDuration.Observe(age.Seconds())
}

// RecordOrphanPurged records an orphaned directory removed by the startup scan.
func (m *Metrics) RecordOrphanPurged() {
	m.orphansPurgedTotal.Inc()
}

// RecordEventPosted records that a Kubernetes event was posted.
func (m *Metrics) RecordEventPosted(reason string) {
	m.eventsPostedTotal.WithLabelValues(reason).Inc()
}
