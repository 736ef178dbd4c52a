package config

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/marmos91/dittodrive/pkg/storage"
)

func TestCreateStorage_Memory(t *testing.T) {
	st, err := CreateStorage(context.Background(), &StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	if st == nil {
		t.Fatal("Expected non-nil store")
	}
}

func TestCreateStorage_Filesystem(t *testing.T) {
	ctx := context.Background()
	cfg := &StoreConfig{
		Type: "filesystem",
		Filesystem: map[string]any{
			"path": t.TempDir(),
		},
	}

	st, err := CreateStorage(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}

	if err := st.Put(ctx, "chunk/abc", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := st.Get(ctx, "chunk/abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Expected 'data', got %q", got)
	}
}

func TestCreateStorage_FilesystemMissingPath(t *testing.T) {
	cfg := &StoreConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	}

	_, err := CreateStorage(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateStorage_BadgerInMemory(t *testing.T) {
	cfg := &StoreConfig{
		Type:   "badger",
		Badger: map[string]any{"in_memory": true},
	}

	st, err := CreateStorage(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create badger store: %v", err)
	}
	defer func() { _ = storage.Close(st) }()
}

func TestCreateStorage_BadgerMissingPath(t *testing.T) {
	cfg := &StoreConfig{Type: "badger", Badger: map[string]any{}}

	_, err := CreateStorage(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing badger path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateStorage_Redis(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()
	cfg := &StoreConfig{
		Type: "redis",
		Redis: map[string]any{
			"addr":       server.Addr(),
			"key_prefix": "drive:",
		},
	}

	st, err := CreateStorage(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create redis store: %v", err)
	}
	defer func() { _ = storage.Close(st) }()

	if err := st.Put(ctx, "dir/1/abc", []byte("listing")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !server.Exists("drive:dir/1/abc") {
		t.Error("Expected key to be stored under the prefix")
	}
}

func TestCreateStorage_RedisMissingAddr(t *testing.T) {
	_, err := CreateStorage(context.Background(), &StoreConfig{Type: "redis", Redis: map[string]any{}})
	if err == nil {
		t.Fatal("Expected error for missing redis address")
	}
}

func TestCreateStorage_PostgresMissingDSN(t *testing.T) {
	_, err := CreateStorage(context.Background(), &StoreConfig{Type: "postgres", Postgres: map[string]any{}})
	if err == nil {
		t.Fatal("Expected error for missing dsn")
	}
	if !strings.Contains(err.Error(), "dsn is required") {
		t.Errorf("Expected 'dsn is required' error, got: %v", err)
	}
}

func TestCreateStorage_S3MissingBucket(t *testing.T) {
	cfg := &StoreConfig{Type: "s3", S3: map[string]any{"region": "us-east-1"}}

	_, err := CreateStorage(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}
}

func TestCreateStorage_S3MissingRegion(t *testing.T) {
	cfg := &StoreConfig{Type: "s3", S3: map[string]any{"bucket": "drive"}}

	_, err := CreateStorage(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing region")
	}
	if !strings.Contains(err.Error(), "region is required") {
		t.Errorf("Expected 'region is required' error, got: %v", err)
	}
}

func TestCreateStorage_InvalidOptions(t *testing.T) {
	cfg := &StoreConfig{Type: "filesystem", Filesystem: map[string]any{"path": []int{1}}}

	if _, err := CreateStorage(context.Background(), cfg); err == nil {
		t.Fatal("Expected error for malformed options")
	}
}

func TestCreateStorage_UnknownType(t *testing.T) {
	_, err := CreateStorage(context.Background(), &StoreConfig{Type: "floppy"})
	if err == nil {
		t.Fatal("Expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "unknown store type") {
		t.Errorf("Expected 'unknown store type' error, got: %v", err)
	}
}

func TestCreateStorage_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CreateStorage(ctx, &StoreConfig{Type: "memory"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cfg := validConfig()
	cfg.Stores["docs"] = StoreConfig{Type: "memory", Retry: RetryConfig{MaxRetries: 2}}
	ApplyDefaults(cfg)

	st, err := OpenStore(ctx, cfg, "docs", false)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	if err := st.Put(ctx, "chunk/x", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := st.Get(ctx, "chunk/missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound through the wrappers, got: %v", err)
	}
}

func TestOpenStore_Unknown(t *testing.T) {
	_, err := OpenStore(context.Background(), validConfig(), "missing", false)
	if err == nil {
		t.Fatal("Expected error for unknown store")
	}
	if !strings.Contains(err.Error(), "unknown store") {
		t.Errorf("Expected 'unknown store' error, got: %v", err)
	}
}
