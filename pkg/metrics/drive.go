package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DriveMetrics is the interface the directory-tree manager reports through.
//
// This implementation collects metrics about:
//   - Tree operations (add, delete, rename, ...) counts and latencies
//   - Rollbacks of failed multi-step mutations
//   - Best-effort ancestor updates that failed and were left dirty
//   - Directory cache hits and misses
//   - Mounted services
type DriveMetrics interface {
	// RecordOperation records a completed RootHandler operation.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordRollback records that a failed operation replayed its undo log.
	RecordRollback(operation string)

	// RecordDeferredWrite records a directory write that failed and was left
	// dirty for the next flush.
	RecordDeferredWrite()

	// RecordCacheHit / RecordCacheMiss record directory cache lookups.
	RecordCacheHit()
	RecordCacheMiss()

	// SetServices sets the number of mounted services.
	SetServices(count int)

	// SetDirtyDirectories sets the number of cached directories awaiting a flush.
	SetDirtyDirectories(count int)
}

type driveMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rollbacksTotal    *prometheus.CounterVec
	deferredWrites    prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	services          prometheus.Gauge
	dirtyDirectories  prometheus.Gauge
}

var (
	driveMetricsOnce sync.Once
	driveCollectors  *driveMetrics
)

// NewDriveMetrics creates a Prometheus-backed DriveMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
// Every call after the first returns the same collectors.
func NewDriveMetrics() DriveMetrics {
	if !IsEnabled() {
		return NoopDriveMetrics()
	}

	driveMetricsOnce.Do(func() {
		reg := GetRegistry()
		driveCollectors = &driveMetrics{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_operations_total",
					Help: "Total number of drive operations by operation and status",
				},
				[]string{"operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "dittodrive_operation_duration_seconds",
					Help: "Duration of drive operations in seconds",
					Buckets: []float64{
						0.0005, // 500µs
						0.001,  // 1ms
						0.005,  // 5ms
						0.01,   // 10ms
						0.05,   // 50ms
						0.1,    // 100ms
						0.5,    // 500ms
						1.0,    // 1s
						5.0,    // 5s
					},
				},
				[]string{"operation"},
			),
			rollbacksTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_rollbacks_total",
					Help: "Total number of failed operations that were rolled back",
				},
				[]string{"operation"},
			),
			deferredWrites: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "dittodrive_deferred_directory_writes_total",
					Help: "Total number of directory writes that failed and were left for the flusher",
				},
			),
			cacheHits: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "dittodrive_directory_cache_hits_total",
					Help: "Total number of directory cache hits",
				},
			),
			cacheMisses: promauto.With(reg).NewCounter(
				prometheus.CounterOpts{
					Name: "dittodrive_directory_cache_misses_total",
					Help: "Total number of directory cache misses",
				},
			),
			services: promauto.With(reg).NewGauge(
				prometheus.GaugeOpts{
					Name: "dittodrive_services_mounted",
					Help: "Current number of mounted services",
				},
			),
			dirtyDirectories: promauto.With(reg).NewGauge(
				prometheus.GaugeOpts{
					Name: "dittodrive_dirty_directories",
					Help: "Current number of cached directories awaiting a flush",
				},
			),
		}
	})

	return driveCollectors
}

// NoopDriveMetrics returns a DriveMetrics that discards everything.
func NoopDriveMetrics() DriveMetrics {
	return noopDriveMetrics{}
}

func (m *driveMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *driveMetrics) RecordRollback(operation string) {
	m.rollbacksTotal.WithLabelValues(operation).Inc()
}

func (m *driveMetrics) RecordDeferredWrite()          { m.deferredWrites.Inc() }
func (m *driveMetrics) RecordCacheHit()               { m.cacheHits.Inc() }
func (m *driveMetrics) RecordCacheMiss()              { m.cacheMisses.Inc() }
func (m *driveMetrics) SetServices(count int)         { m.services.Set(float64(count)) }
func (m *driveMetrics) SetDirtyDirectories(count int) { m.dirtyDirectories.Set(float64(count)) }

type noopDriveMetrics struct{}

func (noopDriveMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopDriveMetrics) RecordRollback(operation string)                                     {}
func (noopDriveMetrics) RecordDeferredWrite()                                                {}
func (noopDriveMetrics) RecordCacheHit()                                                     {}
func (noopDriveMetrics) RecordCacheMiss()                                                    {}
func (noopDriveMetrics) SetServices(count int)                                               {}
func (noopDriveMetrics) SetDirtyDirectories(count int)                                       {}
