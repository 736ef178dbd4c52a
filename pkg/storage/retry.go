package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/marmos91/dittodrive/internal/logger"
)

// RetryConfig controls the retry decorator.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 disables retries)
	MaxRetries uint64 `mapstructure:"max_retries"`

	// InitialInterval is the first backoff delay (default: 50ms)
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// MaxInterval caps a single backoff delay (default: 2s)
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// retryingStorage retries operations that fail with ErrUnavailable.
//
// The drive itself never retries; retry policy belongs to the backend. This
// decorator lets any backend opt into exponential backoff without every
// implementation carrying its own loop. ErrNotFound and any error that does
// not wrap ErrUnavailable are permanent and returned immediately.
type retryingStorage struct {
	Storage
	name string
	cfg  RetryConfig
}

// WithRetry wraps st so that transient failures are retried with
// exponential backoff. If cfg.MaxRetries is 0, st is returned unchanged.
func WithRetry(name string, st Storage, cfg RetryConfig) Storage {
	if cfg.MaxRetries == 0 {
		return st
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &retryingStorage{Storage: st, name: name, cfg: cfg}
}

func (r *retryingStorage) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
}

func (r *retryingStorage) do(ctx context.Context, op string, key Key, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(operation, r.policy(ctx), func(err error, d time.Duration) {
		logger.Debug("storage %s: retrying %s %s in %v: %v", r.name, op, key, d, err)
	})
}

func (r *retryingStorage) Get(ctx context.Context, key Key) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", key, func() error {
		var err error
		data, err = r.Storage.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *retryingStorage) Put(ctx context.Context, key Key, data []byte) error {
	return r.do(ctx, "put", key, func() error {
		return r.Storage.Put(ctx, key, data)
	})
}

func (r *retryingStorage) Delete(ctx context.Context, key Key) error {
	return r.do(ctx, "delete", key, func() error {
		return r.Storage.Delete(ctx, key)
	})
}

// Keys forwards to the wrapped backend when it is a Lister.
func (r *retryingStorage) Keys(ctx context.Context, prefix string) ([]Key, error) {
	lister, ok := r.Storage.(Lister)
	if !ok {
		return nil, ErrUnavailable
	}
	return lister.Keys(ctx, prefix)
}

// Close forwards to the wrapped backend.
func (r *retryingStorage) Close() error {
	return Close(r.Storage)
}
