package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics is the interface the garbage collector reports through.
type GCMetrics interface {
	// RecordRun records a finished collection.
	RecordRun(duration time.Duration, err error)

	// RecordBackend records what one collection found in a backend.
	RecordBackend(backend string, orphaned, deleted, failed uint64)
}

type gcMetrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	orphanedTotal *prometheus.CounterVec
	deletedTotal  *prometheus.CounterVec
	failedTotal   *prometheus.CounterVec
}

var (
	gcMetricsOnce sync.Once
	gcCollectors  *gcMetrics
)

// NewGCMetrics creates a Prometheus-backed GCMetrics instance, or a no-op
// one when metrics are not enabled.
func NewGCMetrics() GCMetrics {
	if !IsEnabled() {
		return NoopGCMetrics()
	}

	gcMetricsOnce.Do(func() {
		reg := GetRegistry()
		gcCollectors = &gcMetrics{
			runsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_gc_runs_total",
					Help: "Total number of garbage collections by status",
				},
				[]string{"status"},
			),
			runDuration: promauto.With(reg).NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dittodrive_gc_duration_seconds",
					Help:    "Duration of garbage collections in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
				},
			),
			orphanedTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_gc_orphaned_total",
					Help: "Total number of orphaned keys found by backend",
				},
				[]string{"backend"},
			),
			deletedTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_gc_deleted_total",
					Help: "Total number of orphaned keys deleted by backend",
				},
				[]string{"backend"},
			),
			failedTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_gc_failed_total",
					Help: "Total number of orphaned keys that failed to delete by backend",
				},
				[]string{"backend"},
			),
		}
	})

	return gcCollectors
}

// NoopGCMetrics returns a GCMetrics that discards everything.
func NoopGCMetrics() GCMetrics {
	return noopGCMetrics{}
}

func (m *gcMetrics) RecordRun(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *gcMetrics) RecordBackend(backend string, orphaned, deleted, failed uint64) {
	m.orphanedTotal.WithLabelValues(backend).Add(float64(orphaned))
	m.deletedTotal.WithLabelValues(backend).Add(float64(deleted))
	m.failedTotal.WithLabelValues(backend).Add(float64(failed))
}

type noopGCMetrics struct{}

func (noopGCMetrics) RecordRun(duration time.Duration, err error)                    {}
func (noopGCMetrics) RecordBackend(backend string, orphaned, deleted, failed uint64) {}
