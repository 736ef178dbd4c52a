package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/redis/go-redis/v9"
)

// RedisStorage implements storage.Storage on a Redis (or compatible) server.
//
// Each key is stored as a plain string value under the configured key prefix.
// Redis has no size-aware eviction knowledge of the drive, so the server
// should run with eviction disabled (maxmemory-policy noeviction).
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config configures a RedisStorage.
type Config struct {
	// Addr is the host:port of the server
	Addr string `mapstructure:"addr"`

	// Username and Password for AUTH (optional)
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// DB selects the logical database
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces every key (e.g. "dittodrive:")
	KeyPrefix string `mapstructure:"key_prefix"`
}

// New connects to the server described by cfg and verifies it with PING.
func New(ctx context.Context, cfg Config) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The storage takes ownership and
// closes the client on Close.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStorage) redisKey(key storage.Key) string {
	return s.keyPrefix + string(key)
}

// Get returns the value stored under key.
func (s *RedisStorage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
		}
		return nil, mapError("get", key, err)
	}
	return data, nil
}

// Put stores data under key with no expiry.
func (s *RedisStorage) Put(ctx context.Context, key storage.Key, data []byte) error {
	if err := s.client.Set(ctx, s.redisKey(key), data, 0).Err(); err != nil {
		return mapError("put", key, err)
	}
	return nil
}

// Delete removes key. DEL reports how many keys it removed, which tells a
// missing key apart without a second round trip.
func (s *RedisStorage) Delete(ctx context.Context, key storage.Key) error {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return mapError("delete", key, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", key, storage.ErrNotFound)
	}
	return nil
}

// Keys scans the keyspace for keys starting with prefix.
func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]storage.Key, error) {
	keys := make([]storage.Key, 0)

	pattern := escapeGlob(s.keyPrefix+prefix) + "*"
	iter := s.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, storage.Key(strings.TrimPrefix(iter.Val(), s.keyPrefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, mapError("list", storage.Key(prefix), err)
	}
	return keys, nil
}

// Close closes the client connection pool.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func mapError(op string, key storage.Key, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s %s: %w: %v", op, key, storage.ErrUnavailable, err)
}
