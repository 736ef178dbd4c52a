package config

import (
	"github.com/marmos91/dittodrive/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Drive is the metrics collector for the drive (never nil, uses noop if disabled)
	Drive metrics.DriveMetrics

	// GC is the metrics collector for garbage collection (never nil)
	GC metrics.GCMetrics

	// Enabled reports whether backends should be instrumented
	Enabled bool
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed drive and garbage collection metrics
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Drive: metrics.NoopDriveMetrics(),
			GC:    metrics.NoopGCMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:  server,
		Drive:   metrics.NewDriveMetrics(),
		GC:      metrics.NewGCMetrics(),
		Enabled: true,
	}
}
