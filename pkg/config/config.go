package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/gc"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/spf13/viper"
)

// Config represents the complete DittoDrive configuration.
//
// This structure captures all configurable aspects of a drive:
//   - Logging configuration
//   - Drive settings (state file, user, directory cache, flush interval)
//   - Self-encryption parameters
//   - Named storage backends, one of which may back the drive root
//   - Services mounted at the top level of the drive
//   - Garbage collection of orphaned chunks and records
//   - Metrics exporter
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTODRIVE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each backend type has its own options section (e.g., filesystem, s3) and
// only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Drive contains drive-wide settings
	Drive DriveConfig `mapstructure:"drive" yaml:"drive"`

	// Encryption configures chunking and compression of stored content
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`

	// Stores defines the named storage backends.
	// Names are case-insensitive (viper lowercases map keys).
	Stores map[string]StoreConfig `mapstructure:"stores" yaml:"stores" validate:"dive"`

	// DefaultStore names the store holding the drive root and the
	// Owner/Group/World directories. Empty means the drive only exposes
	// services.
	DefaultStore string `mapstructure:"default_store" yaml:"default_store"`

	// Services are mounted at /<alias> every time the drive starts
	Services []ServiceConfig `mapstructure:"services" yaml:"services" validate:"dive"`

	// GC configures the collector of orphaned chunks and directory records
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus exporter
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// DriveConfig contains drive-wide settings.
type DriveConfig struct {
	// StateFile records the drive root id and the mounted services
	// between runs
	StateFile string `mapstructure:"state_file" yaml:"state_file" validate:"required"`

	// UserID identifies the owner of the drive. Required with a default store.
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	// CacheSize is the number of directories each backend keeps cached
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`

	// FlushInterval is how often deferred directory writes are retried
	// (0 disables the background flusher)
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`
}

// EncryptionConfig configures the self-encryptor.
type EncryptionConfig struct {
	// ChunkSize is the plaintext size of a chunk in bytes
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" validate:"min=4096,max=16777216"`

	// Compression is applied to every chunk before encryption
	// Valid values: none, lz4, zstd
	Compression string `mapstructure:"compression" yaml:"compression" validate:"oneof=none lz4 zstd"`
}

// Encryptor returns the self-encryptor configuration.
func (c EncryptionConfig) Encryptor() encrypt.Config {
	return encrypt.Config{ChunkSize: c.ChunkSize, Compression: c.Compression}
}

// StoreConfig specifies one storage backend.
//
// The Type field determines which implementation is used. Only the
// corresponding type-specific section is used.
type StoreConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: memory, filesystem, badger, s3, redis, postgres
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory filesystem badger s3 redis postgres"`

	// Filesystem contains filesystem-specific configuration (path)
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// Badger contains BadgerDB-specific configuration (path, in_memory, cache sizes)
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`

	// S3 contains S3-specific configuration
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`

	// Redis contains Redis-specific configuration (addr, db, key_prefix, credentials)
	Redis map[string]any `mapstructure:"redis" yaml:"redis,omitempty"`

	// Postgres contains PostgreSQL-specific configuration (dsn, table)
	Postgres map[string]any `mapstructure:"postgres" yaml:"postgres,omitempty"`

	// Retry configures retries of transient backend failures
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// RateLimit throttles requests to the backend
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig throttles the requests sent to a store.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate (0 disables limiting)
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the number of requests allowed at once (default: requests_per_second)
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

func (c RateLimitConfig) storage() storage.RateLimitConfig {
	return storage.RateLimitConfig{RequestsPerSecond: c.RequestsPerSecond, Burst: c.Burst}
}

// RetryConfig configures exponential backoff for a store.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 disables retries)
	MaxRetries uint64 `mapstructure:"max_retries" yaml:"max_retries"`

	// InitialInterval is the first backoff delay
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`

	// MaxInterval caps a single backoff delay
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

func (c RetryConfig) storage() storage.RetryConfig {
	return storage.RetryConfig{
		MaxRetries:      c.MaxRetries,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

// ServiceConfig defines a service mounted at the top level of the drive.
type ServiceConfig struct {
	// Alias is the top-level name of the service (e.g., "docs" for /docs)
	Alias string `mapstructure:"alias" yaml:"alias" validate:"required,excludesall=/"`

	// Store names the backend holding the service
	Store string `mapstructure:"store" yaml:"store" validate:"required"`

	// ReadOnly refuses every mutation below the service
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`
}

// GCConfig configures garbage collection.
type GCConfig struct {
	// Enabled runs the collector periodically while the drive is served
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is the time between two collections
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`

	// BatchSize is how many orphans are deleted between cancellation checks
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`

	// DryRun only logs what would be deleted
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

func (c GCConfig) collector(m metrics.GCMetrics) gc.Config {
	return gc.Config{
		Enabled:   c.Enabled,
		Interval:  c.Interval,
		BatchSize: c.BatchSize,
		DryRun:    c.DryRun,
		Metrics:   m,
	}
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	// Enabled starts the metrics HTTP server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the metrics HTTP port
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTODRIVE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTODRIVE_ prefix and underscores
	// Example: DITTODRIVE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTODRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"drive.state_file", "drive.user_id", "drive.cache_size", "drive.flush_interval",
		"encryption.chunk_size", "encryption.compression",
		"default_store", "metrics.enabled", "metrics.port",
		"gc.enabled", "gc.interval", "gc.batch_size", "gc.dry_run",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittodrive/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is not an error either
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittodrive")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittodrive")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
