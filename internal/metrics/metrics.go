// Package metrics defines the Prometheus metrics exposed by the View Syncer
// core: per-group pipeline throughput, CVR flush latency, poke framing, lock
// contention, cache hit rates, and retry behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetryMetrics tracks retry attempts for any resilience.WithRetry call site.
type RetryMetrics struct {
	AttemptsTotal    *prometheus.CounterVec
	FinalAttempts    *prometheus.CounterVec
	BackoffSeconds   *prometheus.HistogramVec
	AttemptDuration  *prometheus.HistogramVec
}

// NewRetryMetrics creates a RetryMetrics instance registered under namespace.
func NewRetryMetrics(namespace string) *RetryMetrics {
	return &RetryMetrics{
		AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts by operation, status, and error type",
		}, []string{"operation", "status", "error_type"}),

		FinalAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "final_attempts_total",
			Help:      "Total terminal retry outcomes by operation and status",
		}, []string{"operation", "status"}),

		BackoffSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff delay before a retry attempt",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),

		AttemptDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single retry attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}

// RecordAttempt records one retry attempt with its outcome, error classification, and duration.
func (m *RetryMetrics) RecordAttempt(operation, status, errorType string, durationSeconds float64) {
	m.AttemptsTotal.WithLabelValues(operation, status, errorType).Inc()
	m.AttemptDuration.WithLabelValues(operation, status).Observe(durationSeconds)
}

// RecordFinalAttempt records the terminal outcome of a retry loop.
func (m *RetryMetrics) RecordFinalAttempt(operation, status string, totalAttempts int) {
	m.FinalAttempts.WithLabelValues(operation, status).Inc()
}

// RecordBackoff records the delay chosen before a retry attempt.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	m.BackoffSeconds.WithLabelValues(operation).Observe(delaySeconds)
}

// ViewSyncerMetrics tracks the View Syncer service's hot-path operations.
type ViewSyncerMetrics struct {
	PokeDuration       *prometheus.HistogramVec
	PokesTotal         *prometheus.CounterVec
	FlushDuration      *prometheus.HistogramVec
	PipelineAdvanceDur prometheus.Histogram
	RowChangesTotal    prometheus.Counter
	ActiveClients      prometheus.Gauge
	ActiveGroups       prometheus.Gauge
	CatchupRowsTotal   prometheus.Counter
}

// NewViewSyncerMetrics creates a ViewSyncerMetrics instance registered under namespace.
func NewViewSyncerMetrics(namespace string) *ViewSyncerMetrics {
	return &ViewSyncerMetrics{
		PokeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "poke_duration_seconds",
			Help:      "Time to emit a full pokeStart/pokePart*/pokeEnd sequence to a client",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"outcome"}),

		PokesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "pokes_total",
			Help:      "Total pokes emitted, by outcome",
		}, []string{"outcome"}),

		FlushDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "cvr_flush_duration_seconds",
			Help:      "Duration of CVR store flush operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"updater"}),

		PipelineAdvanceDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "pipeline_advance_duration_seconds",
			Help:      "Duration of pipeline.Advance calls",
			Buckets:   prometheus.DefBuckets,
		}),

		RowChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "row_changes_total",
			Help:      "Total row change events processed across all groups",
		}),

		ActiveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "active_clients",
			Help:      "Currently connected clients across all groups",
		}),

		ActiveGroups: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "active_groups",
			Help:      "Currently running (non-idle, non-stopped) client-group services",
		}),

		CatchupRowsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewsyncer",
			Name:      "catchup_rows_total",
			Help:      "Total row patches streamed during catch-up",
		}),
	}
}

// LockMetrics tracks distributed lease contention in internal/groupcoord.
type LockMetrics struct {
	AcquireTotal   *prometheus.CounterVec
	AcquireLatency prometheus.Histogram
	ExtendTotal    *prometheus.CounterVec
	HeldGauge      prometheus.Gauge
}

// NewLockMetrics creates a LockMetrics instance registered under namespace.
func NewLockMetrics(namespace string) *LockMetrics {
	return &LockMetrics{
		AcquireTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groupcoord",
			Name:      "lease_acquire_total",
			Help:      "Total lease acquire attempts, by outcome",
		}, []string{"outcome"}),

		AcquireLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "groupcoord",
			Name:      "lease_acquire_latency_seconds",
			Help:      "Latency of successful lease acquisitions",
			Buckets:   prometheus.DefBuckets,
		}),

		ExtendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groupcoord",
			Name:      "lease_extend_total",
			Help:      "Total lease renewal attempts, by outcome",
		}, []string{"outcome"}),

		HeldGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "groupcoord",
			Name:      "leases_held",
			Help:      "Number of group leases currently held by this process",
		}),
	}
}

// CacheMetrics tracks hit/miss behavior for internal/cache-backed lookups.
type CacheMetrics struct {
	HitsTotal   *prometheus.CounterVec
	MissesTotal *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec
}

// NewCacheMetrics creates a CacheMetrics instance registered under namespace.
func NewCacheMetrics(namespace string) *CacheMetrics {
	return &CacheMetrics{
		HitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits by cache name",
		}, []string{"cache"}),

		MissesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses by cache name",
		}, []string{"cache"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total cache errors by cache name and error code",
		}, []string{"cache", "code"}),
	}
}
