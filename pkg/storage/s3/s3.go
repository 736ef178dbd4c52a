package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// S3Storage implements storage.Storage using Amazon S3 or S3-compatible storage.
//
// Each key is one object. An optional key prefix lets several drives (or the
// default backend and its services) share one bucket:
//
//	Key:        "chunk/af13..."
//	Key Prefix: "dittodrive/photos/"
//	S3 Key:     "dittodrive/photos/chunk/af13..."
//
// S3 has no conditional delete, so Delete issues a HeadObject first to report
// storage.ErrNotFound for missing keys.
//
// Thread Safety:
// This implementation is safe for concurrent use by multiple goroutines.
// Concurrent Puts to the same key are last-write-wins.
type S3Storage struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// Config contains configuration for the S3 storage.
type Config struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittodrive/" results in keys like "dittodrive/chunk/abc123"
	KeyPrefix string
}

// New creates a new S3-based storage.
//
// The bucket must already exist - this function does not create it.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *S3Storage: Initialized S3 storage
//   - error: Returns error if bucket access fails or context is cancelled
func New(ctx context.Context, cfg Config) (*S3Storage, error) {
	// ========================================================================
	// Step 1: Check context before S3 operations
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Validate configuration
	// ========================================================================

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	// ========================================================================
	// Step 3: Verify bucket access
	// ========================================================================

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Storage{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// objectKey returns the full S3 object key for a storage key.
func (s *S3Storage) objectKey(key storage.Key) string {
	return s.keyPrefix + string(key)
}

// Get downloads the object stored under key.
func (s *S3Storage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, mapError("get", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	return data, nil
}

// Put uploads data as the object for key.
func (s *S3Storage) Put(ctx context.Context, key storage.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return mapError("put", key, err)
	}
	return nil
}

// Delete removes the object for key.
func (s *S3Storage) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	objectKey := s.objectKey(key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return mapError("delete", key, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// Keys lists every object under the key prefix plus prefix.
func (s *S3Storage) Keys(ctx context.Context, prefix string) ([]storage.Key, error) {
	keys := make([]storage.Key, 0)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", storage.Key(prefix), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, storage.Key(strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix)))
		}
	}
	return keys, nil
}

func mapError(op string, key storage.Key, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s %s: %w: %v", op, key, storage.ErrUnavailable, err)
	}
}
