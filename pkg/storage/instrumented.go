package storage

import (
	"context"
	"time"

	"github.com/marmos91/dittodrive/pkg/metrics"
)

// instrumentedStorage records the latency, size and outcome of every call.
type instrumentedStorage struct {
	Storage
	name    string
	metrics metrics.StorageMetrics
}

// WithMetrics wraps st so that each operation is reported to m under the
// given backend name. A nil m returns st unchanged.
func WithMetrics(name string, st Storage, m metrics.StorageMetrics) Storage {
	if m == nil {
		return st
	}
	return &instrumentedStorage{Storage: st, name: name, metrics: m}
}

func (s *instrumentedStorage) Get(ctx context.Context, key Key) ([]byte, error) {
	start := time.Now()
	data, err := s.Storage.Get(ctx, key)
	s.metrics.RecordOperation(s.name, "get", time.Since(start), len(data), ignoreNotFound(err))
	return data, err
}

func (s *instrumentedStorage) Put(ctx context.Context, key Key, data []byte) error {
	start := time.Now()
	err := s.Storage.Put(ctx, key, data)
	s.metrics.RecordOperation(s.name, "put", time.Since(start), len(data), err)
	return err
}

func (s *instrumentedStorage) Delete(ctx context.Context, key Key) error {
	start := time.Now()
	err := s.Storage.Delete(ctx, key)
	s.metrics.RecordOperation(s.name, "delete", time.Since(start), 0, ignoreNotFound(err))
	return err
}

func (s *instrumentedStorage) Keys(ctx context.Context, prefix string) ([]Key, error) {
	lister, ok := s.Storage.(Lister)
	if !ok {
		return nil, ErrUnavailable
	}
	start := time.Now()
	keys, err := lister.Keys(ctx, prefix)
	s.metrics.RecordOperation(s.name, "keys", time.Since(start), 0, err)
	return keys, err
}

func (s *instrumentedStorage) Close() error {
	return Close(s.Storage)
}

// A missing key is an expected answer, not a backend failure.
func ignoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
