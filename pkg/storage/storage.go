// Package storage defines the backend contract the drive persists to.
//
// A backend is a flat key/value store of opaque blobs. The drive stores two
// kinds of blobs in it: encrypted content chunks ("chunk/<hash>") and
// directory records ("dir/<type>/<id>"). Backends know nothing about either;
// they only move bytes.
//
// Implementations live in sub-packages:
//   - memory: map-backed, for tests and ephemeral drives
//   - fs: one file per key under a base directory
//   - badger: embedded BadgerDB key/value store
//   - s3: Amazon S3 or S3-compatible object storage
//   - redis: Redis (or compatible) server
//   - postgres: a single table in PostgreSQL
package storage

import (
	"context"
	"errors"
	"strings"
)

// Key names one blob in a backend. Keys are slash-separated ASCII strings
// and are safe to use as file paths and object names.
type Key string

// Prefixes of the two key namespaces used by the drive.
const (
	ChunkPrefix     = "chunk/"
	DirectoryPrefix = "dir/"
)

// ChunkKey returns the key of a content chunk.
func ChunkKey(name string) Key {
	return Key(ChunkPrefix + name)
}

// HasPrefix reports whether the key belongs to the given namespace.
func (k Key) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}

// Storage is the minimal contract every backend implements.
//
// Put has overwrite semantics (last write wins). Delete of a missing key
// returns ErrNotFound so callers can decide whether that matters.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Put stores data under key, replacing any previous blob.
	Put(ctx context.Context, key Key, data []byte) error

	// Delete removes the blob stored under key, or returns ErrNotFound.
	Delete(ctx context.Context, key Key) error
}

// Lister is implemented by backends that can enumerate their keys.
//
// It is optional: the drive never needs it for correctness, but tooling
// (the CLI "stat" command, tests, garbage collection) uses it when present.
type Lister interface {
	// Keys returns every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]Key, error)
}

var (
	// ErrNotFound indicates that no blob is stored under the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable indicates that the backend could not be reached or
	// failed to complete the operation. It is transient; a retry may succeed.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrTooLarge indicates a blob the backend cannot hold. It is permanent.
	ErrTooLarge = errors.New("storage: blob too large")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Close closes st if it holds resources, and is a no-op otherwise.
func Close(st Storage) error {
	if closer, ok := st.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// CountKeys returns how many keys with the given prefix st holds.
// Returns ErrUnavailable if st is not a Lister.
func CountKeys(ctx context.Context, st Storage, prefix string) (int, error) {
	lister, ok := st.(Lister)
	if !ok {
		return 0, ErrUnavailable
	}
	keys, err := lister.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
