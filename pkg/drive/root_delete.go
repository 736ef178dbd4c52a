package drive

import (
	"context"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// DeleteElement removes the entry at path and returns its metadata.
//
// Steps:
//  1. Refuse a service root unless this is its teardown
//     (OnServiceRemoved, PermissionDenied).
//  2. Resolve parent and grandparent and fetch the entry.
//  3. A directory's subtree is deleted eagerly, depth first: every
//     descendant listing and every descendant file's chunks.
//  4. A file's chunks are deleted from the backend owning the path.
//  5. Remove the entry from the parent and persist it (rollback on
//     failure); the grandparent update is best-effort.
//  6. A deleted service root leaves the service registry.
func (r *RootHandler) DeleteElement(ctx context.Context, path string, isKnownServiceRoot bool) (meta MetaData, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("delete", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	return r.deleteElement(ctx, path, isKnownServiceRoot)
}

func (r *RootHandler) deleteElement(ctx context.Context, path string, isKnownServiceRoot bool) (MetaData, error) {
	segs, err := splitPath(path)
	if err != nil {
		return MetaData{}, newError(ErrPermissionDenied, path, "invalid path")
	}

	// Step 1: Service roots and policy
	serviceRoot := r.isServiceRoot(segs)
	if serviceRoot && !isKnownServiceRoot {
		if r.cfg.OnServiceRemoved != nil {
			r.cfg.OnServiceRemoved(segs[0])
		}
		return MetaData{}, newError(ErrPermissionDenied, path, "service roots are removed with RemoveService")
	}
	if !serviceRoot && !r.canDelete(segs) {
		return MetaData{}, newError(ErrPermissionDenied, path, "deleting is not allowed here")
	}
	if serviceRoot && r.isReadOnly(segs) {
		return MetaData{}, newError(ErrPermissionDenied, path, "service is read-only")
	}

	// Step 2: Resolve
	lin, err := r.lineageOf(ctx, segs)
	if err != nil {
		return MetaData{}, err
	}
	parent := lin.parent
	leaf := segs[len(segs)-1]
	meta, err := parent.dir.Listing.GetChild(leaf)
	if err != nil {
		return MetaData{}, newError(ErrNotFound, path, "no such entry")
	}

	h := r.handlerFor(segs)
	if h == nil {
		return MetaData{}, newError(ErrNoServiceStorageAllocated, path, "no backend for path")
	}

	// Step 3/4: Content
	if meta.IsDirectory() {
		var t BackendType
		if serviceRoot {
			t = BackendService
		} else {
			t = h.childType(parent.dir, leaf)
		}
		dir, err := h.Get(ctx, *meta.DirectoryID, t)
		if err != nil {
			return MetaData{}, err
		}
		if err := r.deleteSubtree(ctx, h, dir); err != nil {
			logger.Warn("delete %s: subtree only partially removed: %v", path, err)
			return MetaData{}, err
		}
	} else if err := r.cfg.Encryptor.DeleteAllChunks(ctx, h.Storage(), meta.DataMap); err != nil {
		return MetaData{}, storageError(path, "deleting content", err)
	}

	// Step 5: Detach from the parent
	undo := newUndoLog("delete")
	if _, err := parent.dir.Listing.RemoveChild(leaf); err != nil {
		return MetaData{}, err
	}
	undo.push("restore "+leaf, func() { _ = parent.dir.Listing.AddChild(meta) })

	if err := r.persist(ctx, parent); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, err
	}

	nlink := 0
	if meta.IsDirectory() {
		nlink = -1
	}
	r.touchParent(ctx, "delete", segs, lin, nlink)

	// Step 6: Registry
	if serviceRoot {
		svc := r.services[segs[0]]
		delete(r.services, segs[0])
		r.metrics.SetServices(len(r.services))
		if err := storage.Close(svc.handler.Storage()); err != nil {
			logger.Warn("delete %s: closing service backend: %v", path, err)
		}
		logger.Info("Service %s torn down", segs[0])
	}

	logger.Debug("Deleted %s", path)
	return meta, nil
}

// deleteSubtree deletes every descendant of dir depth first, then dir
// itself. Missing descendant directories are skipped.
func (r *RootHandler) deleteSubtree(ctx context.Context, h *DirectoryHandler, dir Directory) error {
	for _, child := range dir.Listing.Children() {
		if child.IsDirectory() {
			sub, err := h.Get(ctx, *child.DirectoryID, h.childType(dir, child.Name))
			if err != nil {
				if IsCode(err, ErrNotFound) {
					continue
				}
				return err
			}
			if err := r.deleteSubtree(ctx, h, sub); err != nil {
				return err
			}
			continue
		}
		if err := r.cfg.Encryptor.DeleteAllChunks(ctx, h.Storage(), child.DataMap); err != nil {
			return storageError(child.Name, "deleting content", err)
		}
	}
	return h.Delete(ctx, dir)
}
