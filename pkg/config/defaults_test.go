package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittodrive/pkg/drive"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Drive(t *testing.T) {
	configDir := withConfigHome(t)
	t.Setenv("USER", "alice")

	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Drive.StateFile != filepath.Join(configDir, "state.yaml") {
		t.Errorf("Unexpected state file %q", cfg.Drive.StateFile)
	}
	if cfg.Drive.UserID != "alice" {
		t.Errorf("Expected user 'alice', got %q", cfg.Drive.UserID)
	}
	if cfg.Drive.CacheSize != drive.DefaultCacheSize {
		t.Errorf("Expected cache size %d, got %d", drive.DefaultCacheSize, cfg.Drive.CacheSize)
	}
	if cfg.Drive.FlushInterval != DefaultFlushInterval {
		t.Errorf("Expected flush interval %v, got %v", DefaultFlushInterval, cfg.Drive.FlushInterval)
	}
}

func TestApplyDefaults_UserWithoutEnvironment(t *testing.T) {
	withConfigHome(t)
	t.Setenv("USER", "")

	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Drive.UserID == "" {
		t.Error("Expected a user id even without $USER")
	}
}

func TestApplyDefaults_Encryption(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	enc := cfg.Encryption.Encryptor()
	if enc.ChunkSize != DefaultChunkSize {
		t.Errorf("Expected chunk size %d, got %d", DefaultChunkSize, enc.ChunkSize)
	}
	if enc.Compression != DefaultCompression {
		t.Errorf("Expected compression %q, got %q", DefaultCompression, enc.Compression)
	}
}

func TestApplyDefaults_GC(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.GC.Enabled {
		t.Error("Expected garbage collection disabled by default")
	}
	if cfg.GC.Interval != DefaultGCInterval {
		t.Errorf("Expected interval %s, got %s", DefaultGCInterval, cfg.GC.Interval)
	}
	if cfg.GC.BatchSize != DefaultGCBatchSize {
		t.Errorf("Expected batch size %d, got %d", DefaultGCBatchSize, cfg.GC.BatchSize)
	}
}

func TestApplyDefaults_LocalStore(t *testing.T) {
	configDir := withConfigHome(t)

	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.DefaultStore != DefaultStoreName {
		t.Fatalf("Expected default store %q, got %q", DefaultStoreName, cfg.DefaultStore)
	}
	local, ok := cfg.Stores[DefaultStoreName]
	if !ok {
		t.Fatal("Expected a local store")
	}
	if local.Type != "filesystem" {
		t.Errorf("Expected filesystem store, got %q", local.Type)
	}
	if local.Filesystem["path"] != filepath.Join(configDir, "data") {
		t.Errorf("Unexpected local store path %v", local.Filesystem["path"])
	}
	if local.Retry.MaxRetries != 0 {
		t.Errorf("Expected no retries for a local store, got %d", local.Retry.MaxRetries)
	}
}

func TestApplyDefaults_ServicesOnly(t *testing.T) {
	cfg := &Config{
		Stores: map[string]StoreConfig{
			"docs": {Type: "memory"},
		},
		Services: []ServiceConfig{{Alias: "docs", Store: "docs"}},
	}
	ApplyDefaults(cfg)

	if cfg.DefaultStore != "" {
		t.Errorf("Expected no default store, got %q", cfg.DefaultStore)
	}
	if len(cfg.Stores) != 1 {
		t.Errorf("Expected no extra store, got %d stores", len(cfg.Stores))
	}
}

func TestApplyDefaults_RemoteStoreRetries(t *testing.T) {
	cfg := &Config{
		Stores: map[string]StoreConfig{
			"bucket": {Type: "s3"},
			"cache":  {Type: "redis"},
			"db":     {Type: "postgres"},
			"mem":    {Type: "memory"},
		},
	}
	ApplyDefaults(cfg)

	for _, name := range []string{"bucket", "cache", "db"} {
		retry := cfg.Stores[name].Retry
		if retry.MaxRetries != DefaultRemoteRetries {
			t.Errorf("%s: expected %d retries, got %d", name, DefaultRemoteRetries, retry.MaxRetries)
		}
		if retry.InitialInterval != 50*time.Millisecond || retry.MaxInterval != 2*time.Second {
			t.Errorf("%s: unexpected intervals %v/%v", name, retry.InitialInterval, retry.MaxInterval)
		}
	}

	mem := cfg.Stores["mem"]
	if mem.Retry.MaxRetries != 0 || mem.Retry.InitialInterval != 0 {
		t.Errorf("Expected no retries for memory store, got %+v", mem.Retry)
	}
	if mem.S3 == nil || mem.Badger == nil || mem.Filesystem == nil {
		t.Error("Expected option maps to be initialized")
	}
}

func TestApplyDefaults_LowercasesStoreNames(t *testing.T) {
	cfg := &Config{
		Stores: map[string]StoreConfig{
			"Main": {Type: "memory"},
			"DOCS": {Type: "memory"},
		},
		DefaultStore: "MAIN",
		Services:     []ServiceConfig{{Alias: "Docs", Store: "Docs"}},
	}
	ApplyDefaults(cfg)

	if cfg.DefaultStore != "main" {
		t.Errorf("Expected default store 'main', got %q", cfg.DefaultStore)
	}
	if _, ok := cfg.Stores["docs"]; !ok {
		t.Error("Expected store 'docs'")
	}
	if cfg.Services[0].Store != "docs" {
		t.Errorf("Expected service store 'docs', got %q", cfg.Services[0].Store)
	}
	// Aliases are names in the drive and keep their case
	if cfg.Services[0].Alias != "Docs" {
		t.Errorf("Expected alias 'Docs', got %q", cfg.Services[0].Alias)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARN", Format: "json", Output: "/tmp/drive.log"},
		Drive: DriveConfig{
			StateFile:     "/tmp/state.yaml",
			UserID:        "dave",
			CacheSize:     8,
			FlushInterval: time.Minute,
		},
		Encryption: EncryptionConfig{ChunkSize: 8192, Compression: "none"},
		Stores: map[string]StoreConfig{
			"main": {Type: "s3", Retry: RetryConfig{MaxRetries: 7, InitialInterval: time.Second}},
		},
		DefaultStore: "main",
		Metrics:      MetricsConfig{Enabled: true, Port: 9999},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" || cfg.Logging.Format != "json" || cfg.Logging.Output != "/tmp/drive.log" {
		t.Errorf("Logging overwritten: %+v", cfg.Logging)
	}
	if cfg.Drive.StateFile != "/tmp/state.yaml" || cfg.Drive.UserID != "dave" ||
		cfg.Drive.CacheSize != 8 || cfg.Drive.FlushInterval != time.Minute {
		t.Errorf("Drive overwritten: %+v", cfg.Drive)
	}
	if cfg.Encryption.ChunkSize != 8192 || cfg.Encryption.Compression != "none" {
		t.Errorf("Encryption overwritten: %+v", cfg.Encryption)
	}
	retry := cfg.Stores["main"].Retry
	if retry.MaxRetries != 7 || retry.InitialInterval != time.Second {
		t.Errorf("Retry overwritten: %+v", retry)
	}
	if retry.MaxInterval != 2*time.Second {
		t.Errorf("Expected default max interval, got %v", retry.MaxInterval)
	}
	if cfg.Metrics.Port != 9999 {
		t.Errorf("Expected metrics port 9999, got %d", cfg.Metrics.Port)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	withConfigHome(t)
	t.Setenv("USER", "alice")

	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}
