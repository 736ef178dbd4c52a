package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StorageMetrics records low-level backend operations (get, put, delete, keys).
//
// One instance is created per backend type; the backend name (default, or a
// service alias) is passed with every observation so that several backends of
// the same type share the collectors.
type StorageMetrics interface {
	// RecordOperation records one backend call, its duration, the payload
	// size in bytes (0 when unknown) and whether it failed.
	RecordOperation(backend, operation string, duration time.Duration, bytes int, err error)
}

// storageMetrics is the Prometheus implementation of StorageMetrics.
type storageMetrics struct {
	storeType         string
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
}

// Collectors are registered once and shared by every backend type; promauto
// panics on duplicate registration.
var (
	storageCollectorsOnce sync.Once
	storageCollectors     *storageMetrics
)

// NewStorageMetrics creates a Prometheus-backed StorageMetrics instance.
//
// Parameters:
//   - storeType: backend type (e.g., "memory", "badger", "s3")
//     Used as a label to distinguish metrics from different implementations.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewStorageMetrics(storeType string) StorageMetrics {
	if !IsEnabled() {
		return noopStorageMetrics{}
	}

	storageCollectorsOnce.Do(func() {
		reg := GetRegistry()
		storageCollectors = &storageMetrics{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_storage_operations_total",
					Help: "Total number of storage backend operations by store type, backend, operation, and status",
				},
				[]string{"store_type", "backend", "operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "dittodrive_storage_operation_duration_seconds",
					Help: "Duration of storage backend operations in seconds",
					Buckets: []float64{
						0.0001, // 100µs
						0.0005, // 500µs
						0.001,  // 1ms
						0.005,  // 5ms
						0.01,   // 10ms
						0.025,  // 25ms
						0.05,   // 50ms
						0.1,    // 100ms
						0.25,   // 250ms
						0.5,    // 500ms
						1.0,    // 1s
					},
				},
				[]string{"store_type", "operation"},
			),
			bytesTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "dittodrive_storage_bytes_total",
					Help: "Total bytes read from or written to storage backends",
				},
				[]string{"store_type", "direction"},
			),
		}
	})

	m := *storageCollectors
	m.storeType = storeType
	return &m
}

func (m *storageMetrics) RecordOperation(backend, operation string, duration time.Duration, bytes int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(m.storeType, backend, operation, status).Inc()
	m.operationDuration.WithLabelValues(m.storeType, operation).Observe(duration.Seconds())

	if err != nil || bytes <= 0 {
		return
	}
	switch operation {
	case "get":
		m.bytesTotal.WithLabelValues(m.storeType, "read").Add(float64(bytes))
	case "put":
		m.bytesTotal.WithLabelValues(m.storeType, "write").Add(float64(bytes))
	}
}

// noopStorageMetrics is a no-op implementation of StorageMetrics with zero overhead.
type noopStorageMetrics struct{}

func (noopStorageMetrics) RecordOperation(backend, operation string, duration time.Duration, bytes int, err error) {
}
