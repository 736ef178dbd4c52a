package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
	storageBadger "github.com/marmos91/dittodrive/pkg/storage/badger"
	storageFs "github.com/marmos91/dittodrive/pkg/storage/fs"
	storageMemory "github.com/marmos91/dittodrive/pkg/storage/memory"
	storagePostgres "github.com/marmos91/dittodrive/pkg/storage/postgres"
	storageRedis "github.com/marmos91/dittodrive/pkg/storage/redis"
	storageS3 "github.com/marmos91/dittodrive/pkg/storage/s3"
	"github.com/mitchellh/mapstructure"
)

// OpenStore opens the store configured under name.
//
// The backend is wrapped, innermost first, with the rate limiting and retry
// decorators configured for the store and, when metricsEnabled is set, with
// the instrumentation decorator.
func OpenStore(ctx context.Context, cfg *Config, name string, metricsEnabled bool) (storage.Storage, error) {
	storeCfg, ok := cfg.Stores[name]
	if !ok {
		return nil, fmt.Errorf("unknown store %q", name)
	}

	st, err := CreateStorage(ctx, &storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store %q: %w", name, err)
	}

	st = storage.WithRateLimit(name, st, storeCfg.RateLimit.storage())
	st = storage.WithRetry(name, st, storeCfg.Retry.storage())
	if metricsEnabled {
		st = storage.WithMetrics(name, st, metrics.NewStorageMetrics(storeCfg.Type))
	}

	logger.Debug("Store %q opened (type: %s)", name, storeCfg.Type)
	return st, nil
}

// CreateStorage creates a storage backend based on configuration.
//
// This factory function uses the Type field to determine which backend
// implementation to create, then decodes the type-specific configuration
// from the corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "memory": Uses pkg/storage/memory (ephemeral)
//   - "filesystem": Uses pkg/storage/fs (one file per key)
//   - "badger": Uses pkg/storage/badger (BadgerDB)
//   - "s3": Uses pkg/storage/s3 (Amazon S3 or compatible storage)
//   - "redis": Uses pkg/storage/redis
//   - "postgres": Uses pkg/storage/postgres
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//
// Returns:
//   - storage.Storage: Initialized backend, undecorated
//   - error: Configuration or initialization error
func CreateStorage(ctx context.Context, cfg *StoreConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return storageMemory.New(), nil
	case "filesystem":
		return createFilesystemStorage(ctx, cfg.Filesystem)
	case "badger":
		return createBadgerStorage(ctx, cfg.Badger)
	case "s3":
		return createS3Storage(ctx, cfg.S3)
	case "redis":
		return createRedisStorage(ctx, cfg.Redis)
	case "postgres":
		return createPostgresStorage(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// createFilesystemStorage creates a filesystem-based backend.
func createFilesystemStorage(ctx context.Context, options map[string]any) (storage.Storage, error) {
	var fsCfg struct {
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(options, &fsCfg); err != nil {
		return nil, fmt.Errorf("invalid filesystem config: %w", err)
	}

	if fsCfg.Path == "" {
		return nil, fmt.Errorf("filesystem store: path is required")
	}

	st, err := storageFs.New(ctx, fsCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem store: %w", err)
	}
	return st, nil
}

// createBadgerStorage creates a BadgerDB backend.
func createBadgerStorage(ctx context.Context, options map[string]any) (storage.Storage, error) {
	var badgerCfg storageBadger.Config
	if err := mapstructure.Decode(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	if badgerCfg.DBPath == "" && !badgerCfg.InMemory {
		return nil, fmt.Errorf("badger store: path is required")
	}

	st, err := storageBadger.New(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return st, nil
}

// createRedisStorage creates a Redis backend.
func createRedisStorage(ctx context.Context, options map[string]any) (storage.Storage, error) {
	var redisCfg storageRedis.Config
	if err := mapstructure.Decode(options, &redisCfg); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	st, err := storageRedis.New(ctx, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis store: %w", err)
	}
	return st, nil
}

// createPostgresStorage creates a PostgreSQL backend.
func createPostgresStorage(ctx context.Context, options map[string]any) (storage.Storage, error) {
	var pgCfg storagePostgres.Config
	if err := mapstructure.Decode(options, &pgCfg); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	st, err := storagePostgres.New(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
	}
	return st, nil
}

// s3StoreConfig represents S3 options loaded from the configuration file.
type s3StoreConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
}

// createS3Storage creates an S3-based backend.
func createS3Storage(ctx context.Context, options map[string]any) (storage.Storage, error) {
	var storeCfg s3StoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	client, err := newS3Client(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	st, err := storageS3.New(ctx, storageS3.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)
	return st, nil
}

// newS3Client builds an S3 client from the store options.
func newS3Client(ctx context.Context, storeCfg s3StoreConfig) (*s3.Client, error) {
	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(storeCfg.Region),
	}

	// Set credentials if provided, otherwise use default credential chain
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// SDK-level retries cover throttling and 5xx responses
	maxAttempts := storeCfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxAttempts
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
		if storeCfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return client, nil
}
