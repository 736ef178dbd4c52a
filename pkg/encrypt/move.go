package encrypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// DeleteAllChunks implements Encryptor.
//
// Every stored chunk is attempted even if an earlier delete fails; the
// first failure other than a missing chunk is returned.
func (e *SelfEncryptor) DeleteAllChunks(ctx context.Context, st storage.Storage, dm *DataMap) error {
	var firstErr error
	for _, name := range dm.StoredChunks() {
		err := st.Delete(ctx, storage.ChunkKey(name))
		if err == nil || storage.IsNotFound(err) {
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("deleting chunk %s: %w", name, err)
		}
	}
	return firstErr
}

// MoveChunks implements Encryptor.
//
// All chunks are copied to dst before any is deleted from src. If a copy
// fails, the chunks already copied are removed from dst and src is left
// untouched. Failures while deleting from src after a complete copy only
// leave unreferenced chunks behind and are logged.
func (e *SelfEncryptor) MoveChunks(ctx context.Context, dm *DataMap, src, dst storage.Storage) error {
	if src == dst {
		return nil
	}

	names := dm.StoredChunks()
	copied := make([]string, 0, len(names))

	// ========================================================================
	// Step 1: Copy every chunk verbatim
	// ========================================================================

	for _, name := range names {
		key := storage.ChunkKey(name)

		blob, err := src.Get(ctx, key)
		if err == nil {
			err = dst.Put(ctx, key, blob)
		}
		if err != nil {
			undoCopies(dst, copied)
			if storage.IsNotFound(err) {
				return fmt.Errorf("%w: chunk %s is missing", ErrCorrupt, name)
			}
			return fmt.Errorf("moving chunk %s: %w", name, err)
		}
		copied = append(copied, name)
	}

	// ========================================================================
	// Step 2: Release the source copies
	// ========================================================================

	for _, name := range copied {
		err := src.Delete(ctx, storage.ChunkKey(name))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("encrypt: chunk %s moved but not released at source: %v", name, err)
		}
	}
	return nil
}

func undoCopies(dst storage.Storage, names []string) {
	for _, name := range names {
		if err := dst.Delete(context.Background(), storage.ChunkKey(name)); err != nil && !storage.IsNotFound(err) {
			logger.Warn("encrypt: failed to remove partially moved chunk %s: %v", name, err)
		}
	}
}
