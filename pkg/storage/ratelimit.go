package storage

import (
	"context"
	"fmt"

	"github.com/marmos91/dittodrive/internal/ratelimiter"
)

// RateLimitConfig controls the rate limiting decorator.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate (0 disables limiting)
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the number of requests allowed at once (default: RequestsPerSecond)
	Burst uint `mapstructure:"burst"`
}

// rateLimitedStorage waits for a token before every backend request.
type rateLimitedStorage struct {
	Storage
	name    string
	limiter *ratelimiter.RateLimiter
}

// WithRateLimit wraps st so that requests are throttled to cfg. If
// cfg.RequestsPerSecond is 0, st is returned unchanged.
//
// A request whose context ends while waiting fails with the context error
// wrapped in ErrUnavailable.
func WithRateLimit(name string, st Storage, cfg RateLimitConfig) Storage {
	if cfg.RequestsPerSecond == 0 {
		return st
	}
	return &rateLimitedStorage{
		Storage: st,
		name:    name,
		limiter: ratelimiter.New(cfg.RequestsPerSecond, cfg.Burst),
	}
}

func (s *rateLimitedStorage) wait(ctx context.Context, op string, key Key) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("storage %s: %s %s: waiting for rate limit: %w: %w", s.name, op, key, ErrUnavailable, err)
	}
	return nil
}

func (s *rateLimitedStorage) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := s.wait(ctx, "get", key); err != nil {
		return nil, err
	}
	return s.Storage.Get(ctx, key)
}

func (s *rateLimitedStorage) Put(ctx context.Context, key Key, data []byte) error {
	if err := s.wait(ctx, "put", key); err != nil {
		return err
	}
	return s.Storage.Put(ctx, key, data)
}

func (s *rateLimitedStorage) Delete(ctx context.Context, key Key) error {
	if err := s.wait(ctx, "delete", key); err != nil {
		return err
	}
	return s.Storage.Delete(ctx, key)
}

// Keys forwards to the wrapped backend when it is a Lister.
func (s *rateLimitedStorage) Keys(ctx context.Context, prefix string) ([]Key, error) {
	lister, ok := s.Storage.(Lister)
	if !ok {
		return nil, ErrUnavailable
	}
	if err := s.wait(ctx, "list", Key(prefix)); err != nil {
		return nil, err
	}
	return lister.Keys(ctx, prefix)
}

// Close forwards to the wrapped backend.
func (s *rateLimitedStorage) Close() error {
	return Close(s.Storage)
}
