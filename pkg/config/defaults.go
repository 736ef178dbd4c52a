package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittodrive/pkg/drive"
)

// Default values applied by ApplyDefaults.
const (
	DefaultStoreName     = "local"
	DefaultChunkSize     = 1 << 20
	DefaultCompression   = "zstd"
	DefaultFlushInterval = 30 * time.Second
	DefaultMetricsPort   = 9090
	DefaultRemoteRetries = 3
	DefaultGCInterval    = 24 * time.Hour
	DefaultGCBatchSize   = 1000
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backend implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDriveDefaults(&cfg.Drive)
	applyEncryptionDefaults(&cfg.Encryption)

	// A drive with nothing configured gets a local filesystem store
	if len(cfg.Stores) == 0 && cfg.DefaultStore == "" {
		cfg.Stores = map[string]StoreConfig{
			DefaultStoreName: {
				Type:       "filesystem",
				Filesystem: map[string]any{"path": filepath.Join(getConfigDir(), "data")},
			},
		}
		cfg.DefaultStore = DefaultStoreName
	}
	cfg.DefaultStore = strings.ToLower(cfg.DefaultStore)

	stores := make(map[string]StoreConfig, len(cfg.Stores))
	for name, store := range cfg.Stores {
		applyStoreDefaults(&store)
		stores[strings.ToLower(name)] = store
	}
	cfg.Stores = stores
	for i := range cfg.Services {
		cfg.Services[i].Store = strings.ToLower(cfg.Services[i].Store)
	}

	applyGCDefaults(&cfg.GC)

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyDriveDefaults sets drive defaults.
func applyDriveDefaults(cfg *DriveConfig) {
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(getConfigDir(), "state.yaml")
	}
	if cfg.UserID == "" {
		cfg.UserID = currentUser()
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = drive.DefaultCacheSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
}

// currentUser returns the login name of the process owner.
func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "owner"
}

// applyEncryptionDefaults sets self-encryption defaults.
func applyEncryptionDefaults(cfg *EncryptionConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Compression == "" {
		cfg.Compression = DefaultCompression
	}
}

// applyGCDefaults sets garbage collection defaults.
func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultGCInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultGCBatchSize
	}
}

// applyStoreDefaults initializes the options maps and enables retries for
// remote backends.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}
	if cfg.Postgres == nil {
		cfg.Postgres = make(map[string]any)
	}

	switch cfg.Type {
	case "s3", "redis", "postgres":
		if cfg.Retry.MaxRetries == 0 {
			cfg.Retry.MaxRetries = DefaultRemoteRetries
		}
	}
	if cfg.Retry.MaxRetries > 0 {
		if cfg.Retry.InitialInterval == 0 {
			cfg.Retry.InitialInterval = 50 * time.Millisecond
		}
		if cfg.Retry.MaxInterval == 0 {
			cfg.Retry.MaxInterval = 2 * time.Second
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
