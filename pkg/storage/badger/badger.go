package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// BadgerStorage implements storage.Storage on an embedded BadgerDB.
//
// Keys are stored verbatim as badger keys. Every operation runs in its own
// transaction, so a Put either fully replaces the previous blob or has no
// effect.
//
// Thread Safety:
// BadgerDB transactions are safe for concurrent use; the storage adds no
// locking of its own.
type BadgerStorage struct {
	db *badger.DB

	// maxValue is the size from which values are refused (0: no limit)
	maxValue int
}

// MaxInMemoryValueSize is the smallest value an in-memory database refuses.
// In-memory BadgerDB keeps values in the LSM tree and cannot hold values
// of its value threshold (1 MiB by default) or more.
const MaxInMemoryValueSize = 1 << 20

// Config configures a BadgerStorage.
type Config struct {
	// DBPath is the directory holding the database files.
	// Ignored when InMemory is set.
	DBPath string `mapstructure:"path"`

	// InMemory keeps the whole database in memory (tests, ephemeral mounts).
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 32)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`

	// BadgerOptions allows customization of BadgerDB behavior.
	// If nil, options are derived from the fields above.
	BadgerOptions *badger.Options `mapstructure:"-"`
}

// New opens (or creates) a BadgerDB-backed storage.
//
// Parameters:
//   - ctx: Context for cancellation (checked before opening the database)
//   - config: Database location and cache sizes
//
// Returns:
//   - *BadgerStorage: Storage ready for use; Close it when done
//   - error: Error if the database cannot be opened or context is cancelled
func New(ctx context.Context, config Config) (*BadgerStorage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		if config.InMemory {
			opts = badger.DefaultOptions("").WithInMemory(true)
		} else {
			if config.DBPath == "" {
				return nil, fmt.Errorf("badger storage requires a path unless in_memory is set")
			}
			opts = badger.DefaultOptions(config.DBPath)
		}

		// Chunks are already compressed and encrypted; badger compression
		// would only cost CPU.
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)

		blockCacheMB := config.BlockCacheSizeMB
		if blockCacheMB == 0 {
			blockCacheMB = 64
		}
		indexCacheMB := config.IndexCacheSizeMB
		if indexCacheMB == 0 {
			indexCacheMB = 32
		}

		opts = opts.WithBlockCacheSize(blockCacheMB << 20)
		opts = opts.WithIndexCacheSize(indexCacheMB << 20)
	}

	maxValue := 0
	if opts.InMemory {
		maxValue = MaxInMemoryValueSize
		if opts.ValueThreshold > 0 && opts.ValueThreshold < int64(maxValue) {
			maxValue = int(opts.ValueThreshold)
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStorage{db: db, maxValue: maxValue}, nil
}

// Get returns the blob stored under key.
func (s *BadgerStorage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError("get", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Put stores data under key.
func (s *BadgerStorage) Put(ctx context.Context, key storage.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.maxValue > 0 && len(data) >= s.maxValue {
		return fmt.Errorf("put %s: %w: %d bytes, in-memory values must be below %d", key, storage.ErrTooLarge, len(data), s.maxValue)
	}

	// badger may retain the slice until the transaction commits
	value := make([]byte, len(data))
	copy(value, data)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return mapError("put", key, err)
	}
	return nil
}

// Delete removes key. Returns storage.ErrNotFound if it was not stored.
func (s *BadgerStorage) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// Keys returns every key starting with prefix.
func (s *BadgerStorage) Keys(ctx context.Context, prefix string) ([]storage.Key, error) {
	keys := make([]storage.Key, 0)
	processed := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			// Check for cancellation periodically (every 1000 keys)
			processed++
			if processed%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			keys = append(keys, storage.Key(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, mapError("list", storage.Key(prefix), err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func mapError(op string, key storage.Key, err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrTxnTooBig), strings.Contains(err.Error(), "exceeded") && strings.Contains(err.Error(), "limit"):
		return fmt.Errorf("%s %s: %w: %v", op, key, storage.ErrTooLarge, firstLine(err))
	default:
		return fmt.Errorf("%s %s: %w: %v", op, key, storage.ErrUnavailable, err)
	}
}

// firstLine drops the hex dump badger appends to size errors.
func firstLine(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
