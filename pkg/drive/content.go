package drive

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
)

// WriteFile stores the content of r as the file at path, creating the file
// if needed, and returns its metadata. The chunks of replaced content are
// released once the parent is persisted.
func (r *RootHandler) WriteFile(ctx context.Context, path string, content io.Reader, mode fs.FileMode) (meta MetaData, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("write", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	segs, err := splitPath(path)
	if err != nil {
		return MetaData{}, err
	}
	if len(segs) == 0 {
		return MetaData{}, newError(ErrInvalidParameter, path, "is a directory")
	}
	if r.isReadOnly(segs) {
		return MetaData{}, newError(ErrPermissionDenied, path, "service is read-only")
	}

	h := r.handlerFor(segs)
	if h == nil {
		return MetaData{}, newError(ErrNoServiceStorageAllocated, path, "no backend for path")
	}
	lin, err := r.lineageOf(ctx, segs)
	if err != nil {
		return MetaData{}, err
	}
	leaf := segs[len(segs)-1]

	existing, lookupErr := lin.parent.dir.Listing.GetChild(leaf)
	exists := lookupErr == nil
	if exists && existing.IsDirectory() {
		return MetaData{}, newError(ErrInvalidParameter, path, "is a directory")
	}

	dm, err := r.cfg.Encryptor.Store(ctx, h.Storage(), content)
	if err != nil {
		return MetaData{}, storageError(path, "storing content", err)
	}
	discard := func() {
		if derr := r.cfg.Encryptor.DeleteAllChunks(context.WithoutCancel(ctx), h.Storage(), dm); derr != nil {
			logger.Warn("write %s: releasing new content: %v", path, derr)
		}
	}

	if !exists {
		meta = NewFileMetaData(leaf, mode)
		meta.DataMap = dm
		meta.Attributes.Size = dm.Size
		if _, _, err := r.addElement(ctx, path, meta, false); err != nil {
			discard()
			return MetaData{}, err
		}
		return meta, nil
	}

	meta = existing.Clone()
	meta.DataMap = dm
	meta.Attributes.Size = dm.Size
	meta.UpdateLastModifiedTime()

	undo := newUndoLog("write")
	if err := lin.parent.dir.Listing.UpdateChild(meta); err != nil {
		discard()
		return MetaData{}, err
	}
	undo.push("restore "+leaf, func() { _ = lin.parent.dir.Listing.UpdateChild(existing) })

	if err := r.persist(ctx, lin.parent); err != nil {
		r.rollback(ctx, undo)
		discard()
		return MetaData{}, err
	}
	r.touchParent(ctx, "write", segs, lin, 0)

	if err := r.cfg.Encryptor.DeleteAllChunks(ctx, h.Storage(), existing.DataMap); err != nil {
		logger.Warn("write %s: releasing previous content: %v", path, err)
	}
	logger.Debug("Wrote %s (%d bytes)", path, dm.Size)
	return meta, nil
}

// ReadFile returns a reader over the content of the file at path.
// Chunks are fetched as the reader is consumed.
func (r *RootHandler) ReadFile(ctx context.Context, path string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("read", time.Since(start), err) }()

	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, newError(ErrInvalidParameter, path, "is a directory")
	}
	lin, err := r.lineageOf(ctx, segs)
	if err != nil {
		return nil, err
	}
	meta, err := lin.parent.dir.Listing.GetChild(segs[len(segs)-1])
	if err != nil {
		return nil, newError(ErrNotFound, path, "no such entry")
	}
	if meta.IsDirectory() {
		return nil, newError(ErrInvalidParameter, path, "is a directory")
	}
	st, err := r.storageFor(segs)
	if err != nil {
		return nil, err
	}

	rc, err = r.cfg.Encryptor.Read(ctx, st, meta.DataMap)
	if err != nil {
		return nil, storageError(path, "reading content", err)
	}
	return rc, nil
}

// ReadAll returns the whole content of the file at path.
func (r *RootHandler) ReadAll(ctx context.Context, path string) ([]byte, error) {
	rc, err := r.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageError(path, "reading content", err)
	}
	return data, nil
}

// ListDirectory returns the children of the directory at path in name
// order.
func (r *RootHandler) ListDirectory(ctx context.Context, path string) (children []MetaData, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("list", time.Since(start), err) }()

	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	loc, err := r.directoryAt(ctx, segs)
	if err != nil {
		return nil, err
	}
	return loc.dir.Listing.Children(), nil
}

// Mkdir creates an empty directory at path.
func (r *RootHandler) Mkdir(ctx context.Context, path string, mode fs.FileMode) (MetaData, error) {
	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 {
		return MetaData{}, newError(ErrInvalidParameter, path, "invalid path")
	}
	meta := NewDirectoryMetaData(segs[len(segs)-1], mode)
	if _, _, err := r.AddElement(ctx, path, meta, false); err != nil {
		return MetaData{}, err
	}
	return meta, nil
}
