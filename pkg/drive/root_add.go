package drive

import (
	"context"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
)

// AddElement adds meta at path and returns the ids of the new entry's
// parent and grandparent.
//
// Steps:
//  1. Check the add policy (PermissionDenied).
//  2. Refuse a root-level name taken by a mounted service unless the
//     entry is that service's root (OnServiceAdded, PermissionDenied).
//  3. Resolve parent and grandparent (NoServiceStorageAllocated when the
//     path has no backend).
//  4. Add meta to the parent listing; a new directory also gets an empty
//     listing persisted under its id.
//  5. Persist the parent (rollback on failure), then refresh the parent's
//     own metadata in the grandparent on a best-effort basis.
//
// meta.Name is set to the last path segment.
func (r *RootHandler) AddElement(ctx context.Context, path string, meta MetaData, isKnownServiceRoot bool) (parentID, grandparentID DirectoryID, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("add", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	return r.addElement(ctx, path, meta, isKnownServiceRoot)
}

func (r *RootHandler) addElement(ctx context.Context, path string, meta MetaData, isKnownServiceRoot bool) (DirectoryID, DirectoryID, error) {
	var zero DirectoryID

	// Step 1: Policy
	segs, err := splitPath(path)
	if err != nil {
		return zero, zero, newError(ErrPermissionDenied, path, "invalid path")
	}
	if !r.canAdd(segs) {
		return zero, zero, newError(ErrPermissionDenied, path, "adding is not allowed here")
	}
	leaf := segs[len(segs)-1]
	meta = meta.Clone()
	meta.Name = leaf
	if err := meta.validate(); err != nil {
		return zero, zero, err
	}

	// Step 2: Alias collision
	if len(segs) == 1 && r.isServiceRoot(segs) && !isKnownServiceRoot {
		if r.cfg.OnServiceAdded != nil {
			r.cfg.OnServiceAdded()
		}
		return zero, zero, newError(ErrPermissionDenied, path, "name is taken by a mounted service")
	}

	// Step 3: Resolve parent and grandparent
	h := r.handlerFor(segs)
	if h == nil && !isKnownServiceRoot {
		return zero, zero, newError(ErrNoServiceStorageAllocated, path, "no backend for path")
	}
	lin, err := r.lineageOf(ctx, segs)
	if err != nil {
		return zero, zero, err
	}
	parent := lin.parent

	// Step 4: Add to the parent listing
	undo := newUndoLog("add")
	if err := parent.dir.Listing.AddChild(meta); err != nil {
		return zero, zero, newError(ErrAlreadyExists, path, "entry already exists")
	}
	undo.push("remove "+leaf, func() { _, _ = parent.dir.Listing.RemoveChild(leaf) })

	if meta.IsDirectory() && !isKnownServiceRoot {
		child := Directory{
			ParentID: parent.dir.ID(),
			Listing:  NewDirectoryListing(*meta.DirectoryID),
			Type:     h.childType(parent.dir, leaf),
		}
		if err := h.Put(ctx, &child); err != nil {
			r.rollback(ctx, undo)
			return zero, zero, err
		}
		undo.pushIO("delete new directory "+leaf, func(ctx context.Context) error {
			return h.Delete(ctx, child)
		})
	}

	// Step 5: Persist the parent, then the grandparent best-effort
	if err := r.persist(ctx, parent); err != nil {
		r.rollback(ctx, undo)
		return zero, zero, err
	}

	nlink := 0
	if meta.IsDirectory() {
		nlink = 1
	}
	r.touchParent(ctx, "add", segs, lin, nlink)

	logger.Debug("Added %s", path)

	// Step 6: Report ids for upstream cache invalidation
	parentID, grandparentID := lin.ids()
	return parentID, grandparentID, nil
}
