package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/dittodrive/pkg/storage"
)

// MemoryStorage implements storage.Storage using an in-memory map.
//
// It's designed for:
//   - Testing and development
//   - Ephemeral drives and service mounts that do not outlive the process
//
// Characteristics:
//   - Fast: All operations are memory-speed
//   - Volatile: Data lost on restart
//   - Thread-safe: Protected by RWMutex
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Values are copied on the
// way in and on the way out so callers never share buffers with the store.
type MemoryStorage struct {
	// data stores the blobs keyed by storage key
	data map[storage.Key][]byte

	// mu protects concurrent access to data map
	mu sync.RWMutex
}

// New creates a new, empty in-memory storage.
func New() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[storage.Key][]byte),
	}
}

// Get returns a copy of the blob stored under key.
func (s *MemoryStorage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.data[key]
	if !exists {
		return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy, nil
}

// Put stores a copy of data under key.
func (s *MemoryStorage) Put(ctx context.Context, key storage.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = dataCopy
	return nil
}

// Delete removes key from the store.
func (s *MemoryStorage) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		return fmt.Errorf("delete %s: %w", key, storage.ErrNotFound)
	}
	delete(s.data, key)
	return nil
}

// Keys returns every key that starts with prefix.
func (s *MemoryStorage) Keys(ctx context.Context, prefix string) ([]storage.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]storage.Key, 0)
	for key := range s.data {
		if strings.HasPrefix(string(key), prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
