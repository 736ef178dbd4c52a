package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/dittodrive/pkg/storage"
)

// FSStorage implements storage.Storage on the local filesystem.
//
// Every key maps to one file under the base directory; the slash-separated
// key segments become nested directories, so "dir/owner/<id>" is stored at
// "<base>/dir/owner/<id>".
//
// Thread Safety:
// Writes go to a temporary file in the target directory which is then
// renamed over the destination. Concurrent Puts of the same key are
// last-write-wins and readers never observe a partially written blob.
type FSStorage struct {
	basePath string
}

// New creates a filesystem storage rooted at basePath.
//
// The base directory is created with permissions 0755 if it doesn't exist.
//
// Parameters:
//   - ctx: Context for cancellation (checked before touching the filesystem)
//   - basePath: Root directory for stored blobs
//
// Returns:
//   - *FSStorage: Initialized storage
//   - error: Returns error if directory creation fails or context is cancelled
func New(ctx context.Context, basePath string) (*FSStorage, error) {
	// ========================================================================
	// Step 1: Check context before filesystem operation
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Create the base directory if it doesn't exist
	// ========================================================================

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStorage{basePath: basePath}, nil
}

// BasePath returns the root directory of the storage.
func (s *FSStorage) BasePath() string {
	return s.basePath
}

// filePath returns the path of the file holding key.
//
// Keys containing empty, "." or ".." segments are rejected so that a key can
// never address a file outside the base directory.
func (s *FSStorage) filePath(key storage.Key) (string, error) {
	k := string(key)
	if k == "" || strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("invalid key %q", k)
	}
	for _, segment := range strings.Split(k, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid key %q", k)
		}
	}
	return filepath.Join(s.basePath, filepath.FromSlash(k)), nil
}

// Get reads the blob stored under key.
func (s *FSStorage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	return data, nil
}

// Put writes data under key, replacing any previous blob atomically.
func (s *FSStorage) Put(ctx context.Context, key storage.Key, data []byte) error {
	// ========================================================================
	// Step 1: Check context and resolve the destination
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("put %s: %w: %v", key, storage.ErrUnavailable, err)
	}

	// ========================================================================
	// Step 2: Write to a temporary file in the same directory
	// ========================================================================

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("put %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("put %s: %w: %v", key, storage.ErrUnavailable, err)
	}

	// ========================================================================
	// Step 3: Rename over the destination
	// ========================================================================

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("put %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	return nil
}

// Delete removes the file holding key.
func (s *FSStorage) Delete(ctx context.Context, key storage.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, storage.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w: %v", key, storage.ErrUnavailable, err)
	}
	return nil
}

// Keys walks the base directory and returns every key starting with prefix.
// Temporary files of in-flight Puts are skipped.
func (s *FSStorage) Keys(ctx context.Context, prefix string) ([]storage.Key, error) {
	keys := make([]storage.Key, 0)

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, storage.Key(key))
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("list %q: %w: %v", prefix, storage.ErrUnavailable, err)
	}
	return keys, nil
}
