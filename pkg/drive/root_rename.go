package drive

import (
	"context"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
)

// RenameElement moves the entry at oldPath to newPath and returns its new
// metadata and the space reclaimed from an entry it displaced.
//
// Renaming a path to itself succeeds without persisting anything. An
// entry already at newPath is replaced when it has the same kind (and is
// empty, for a directory); its content is released once both parents are
// persisted. A directory moving to another backend, or to another type
// within the same backend, has its whole subtree re-persisted at the
// destination and removed from the source, file chunks included.
//
// Errors:
//   - ErrInvalidParameter: the rename policy refuses the move, or the kinds
//     of the moved and displaced entries differ
//   - ErrNotFound: oldPath (or newPath's parent) does not exist
//   - ErrAlreadyExists: newPath is a non-empty directory, or a service root
//     would displace an entry
func (r *RootHandler) RenameElement(ctx context.Context, oldPath, newPath string) (meta MetaData, reclaimed int64, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("rename", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	return r.renameElement(ctx, oldPath, newPath)
}

func (r *RootHandler) renameElement(ctx context.Context, oldPath, newPath string) (MetaData, int64, error) {
	oldSegs, err := splitPath(oldPath)
	if err != nil {
		return MetaData{}, 0, err
	}
	newSegs, err := splitPath(newPath)
	if err != nil {
		return MetaData{}, 0, err
	}

	if sameSegments(oldSegs, newSegs) {
		if len(oldSegs) == 0 {
			return r.rootMeta.Clone(), 0, nil
		}
		lin, err := r.lineageOf(ctx, oldSegs)
		if err != nil {
			return MetaData{}, 0, err
		}
		meta, err := lin.parent.dir.Listing.GetChild(oldSegs[len(oldSegs)-1])
		if err != nil {
			return MetaData{}, 0, newError(ErrNotFound, oldPath, "no such entry")
		}
		return meta, 0, nil
	}

	if !r.canRename(oldSegs, newSegs) {
		return MetaData{}, 0, newError(ErrInvalidParameter, oldPath, "cannot rename to %s", newPath)
	}

	oldLin, err := r.lineageOf(ctx, oldSegs)
	if err != nil {
		return MetaData{}, 0, err
	}
	meta, err := oldLin.parent.dir.Listing.GetChild(oldSegs[len(oldSegs)-1])
	if err != nil {
		return MetaData{}, 0, newError(ErrNotFound, oldPath, "no such entry")
	}

	if sameSegments(oldSegs[:len(oldSegs)-1], newSegs[:len(newSegs)-1]) {
		return r.renameSameParent(ctx, oldSegs, newSegs, oldLin, meta)
	}
	return r.renameDifferentParent(ctx, oldSegs, newSegs, oldLin, meta)
}

// displaced is an entry about to be replaced by a rename.
type displaced struct {
	meta    MetaData
	dir     Directory
	handler *DirectoryHandler
}

// displacementAt returns the entry named name in parent that incoming
// would replace, or nil if the name is free.
func (r *RootHandler) displacementAt(ctx context.Context, h *DirectoryHandler, parent Directory, name, path string, incoming MetaData) (*displaced, error) {
	existing, err := parent.Listing.GetChild(name)
	if err != nil {
		return nil, nil
	}
	if existing.IsDirectory() != incoming.IsDirectory() {
		return nil, newError(ErrInvalidParameter, path, "cannot replace a file with a directory or a directory with a file")
	}

	d := &displaced{meta: existing, handler: h}
	if existing.IsDirectory() {
		dir, err := h.Get(ctx, *existing.DirectoryID, h.childType(parent, name))
		if err != nil {
			return nil, err
		}
		if dir.Listing.Len() > 0 {
			return nil, newError(ErrAlreadyExists, path, "directory not empty")
		}
		d.dir = dir
	}
	return d, nil
}

// release frees the content of a displaced entry and returns the space
// it occupied. Failures only leak storage and are logged.
func (r *RootHandler) release(ctx context.Context, d *displaced) int64 {
	if d == nil {
		return 0
	}
	var err error
	if d.meta.IsDirectory() {
		err = d.handler.Delete(ctx, d.dir)
	} else {
		err = r.cfg.Encryptor.DeleteAllChunks(ctx, d.handler.Storage(), d.meta.DataMap)
	}
	if err != nil {
		logger.Warn("rename: releasing displaced %s: %v", d.meta.Name, err)
	}
	return d.meta.AllocatedSize()
}

func renamedMetaData(meta MetaData, name string) MetaData {
	renamed := meta.Clone()
	renamed.Name = name
	renamed.Attributes.Ctime = time.Now()
	return renamed
}

func (r *RootHandler) renameSameParent(ctx context.Context, oldSegs, newSegs []string, lin lineage, meta MetaData) (MetaData, int64, error) {
	oldLeaf, newLeaf := oldSegs[len(oldSegs)-1], newSegs[len(newSegs)-1]
	newPath := joinPath(newSegs)
	parent := lin.parent
	serviceRoot := r.isServiceRoot(oldSegs)

	var disp *displaced
	if parent.dir.Listing.HasChild(newLeaf) {
		if serviceRoot {
			return MetaData{}, 0, newError(ErrAlreadyExists, newPath, "entry already exists")
		}
		var err error
		if disp, err = r.displacementAt(ctx, r.handlerFor(newSegs), parent.dir, newLeaf, newPath, meta); err != nil {
			return MetaData{}, 0, err
		}
	}

	undo := newUndoLog("rename")
	if disp != nil {
		if _, err := parent.dir.Listing.RemoveChild(newLeaf); err != nil {
			return MetaData{}, 0, err
		}
		undo.push("restore displaced "+newLeaf, func() { _ = parent.dir.Listing.AddChild(disp.meta) })
	}
	if _, err := parent.dir.Listing.RemoveChild(oldLeaf); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}
	undo.push("restore "+oldLeaf, func() { _ = parent.dir.Listing.AddChild(meta) })

	renamed := renamedMetaData(meta, newLeaf)
	if err := parent.dir.Listing.AddChild(renamed); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}
	undo.push("remove "+newLeaf, func() { _, _ = parent.dir.Listing.RemoveChild(newLeaf) })

	if err := r.persist(ctx, parent); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}

	nlink := 0
	if disp != nil && disp.meta.IsDirectory() {
		nlink = -1
	}
	r.touchParent(ctx, "rename", oldSegs, lin, nlink)

	if serviceRoot {
		r.renameService(oldLeaf, newLeaf)
	}

	reclaimed := r.release(ctx, disp)
	logger.Debug("Renamed %s to %s", joinPath(oldSegs), newPath)
	return renamed, reclaimed, nil
}

func (r *RootHandler) renameService(oldAlias, newAlias string) {
	svc := r.services[oldAlias]
	delete(r.services, oldAlias)
	svc.alias = newAlias
	svc.handler.name = newAlias
	r.services[newAlias] = svc

	logger.Info("Service %s renamed to %s", oldAlias, newAlias)
	if r.cfg.OnServiceRenamed != nil {
		r.cfg.OnServiceRenamed(oldAlias, newAlias)
	}
}

func (r *RootHandler) renameDifferentParent(ctx context.Context, oldSegs, newSegs []string, oldLin lineage, meta MetaData) (MetaData, int64, error) {
	oldLeaf, newLeaf := oldSegs[len(oldSegs)-1], newSegs[len(newSegs)-1]
	newPath := joinPath(newSegs)

	// Step 1: Resolve the destination
	hOld, hNew := r.handlerFor(oldSegs), r.handlerFor(newSegs)
	if hNew == nil || hOld == nil {
		return MetaData{}, 0, newError(ErrNoServiceStorageAllocated, newPath, "no backend for path")
	}
	newLin, err := r.lineageOf(ctx, newSegs)
	if err != nil {
		return MetaData{}, 0, err
	}
	oldParent, newParent := oldLin.parent, newLin.parent

	disp, err := r.displacementAt(ctx, hNew, newParent.dir, newLeaf, newPath, meta)
	if err != nil {
		return MetaData{}, 0, err
	}

	undo := newUndoLog("rename")
	var stale []Directory

	// Step 2: Move what lives in the backend
	if meta.IsDirectory() {
		oldType := hOld.childType(oldParent.dir, oldLeaf)
		newType := hNew.childType(newParent.dir, newLeaf)
		dir, err := hOld.Get(ctx, *meta.DirectoryID, oldType)
		if err != nil {
			return MetaData{}, 0, err
		}

		if hOld != hNew || oldType != newType {
			err = r.restoreSubtree(ctx, undo, hOld, dir, hNew, newType, newParent.dir.ID(), &stale)
		} else {
			err = r.reparent(ctx, undo, hOld, dir, newParent.dir.ID())
		}
		if err != nil {
			r.rollback(ctx, undo)
			return MetaData{}, 0, err
		}
	} else if err := r.moveFileChunks(ctx, undo, meta, hOld, hNew); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}

	// Step 3: Update both listings
	if _, err := oldParent.dir.Listing.RemoveChild(oldLeaf); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}
	undo.push("restore "+oldLeaf, func() { _ = oldParent.dir.Listing.AddChild(meta) })

	if disp != nil {
		if _, err := newParent.dir.Listing.RemoveChild(newLeaf); err != nil {
			r.rollback(ctx, undo)
			return MetaData{}, 0, err
		}
		undo.push("restore displaced "+newLeaf, func() { _ = newParent.dir.Listing.AddChild(disp.meta) })
	}

	renamed := renamedMetaData(meta, newLeaf)
	if err := newParent.dir.Listing.AddChild(renamed); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}
	undo.push("remove "+newLeaf, func() { _, _ = newParent.dir.Listing.RemoveChild(newLeaf) })

	// Step 4: Persist the new parent, then the old one
	if err := r.persist(ctx, newParent); err != nil {
		r.rollback(ctx, undo)
		return MetaData{}, 0, err
	}
	if err := r.persist(ctx, oldParent); err != nil {
		r.rollback(ctx, undo)
		if rerr := r.persist(context.WithoutCancel(ctx), newParent); rerr != nil {
			logger.Warn("rename: restoring %s failed: %v", joinPath(newSegs[:len(newSegs)-1]), rerr)
		}
		return MetaData{}, 0, err
	}

	// Step 5: Link counts and timestamps of both parents, best-effort
	newDelta, oldDelta := 0, 0
	if meta.IsDirectory() {
		newDelta, oldDelta = 1, -1
	}
	if disp != nil && disp.meta.IsDirectory() {
		newDelta--
	}
	r.touchParent(ctx, "rename", newSegs, newLin, newDelta)
	r.touchParent(ctx, "rename", oldSegs, oldLin, oldDelta)

	// Step 6: Drop what the move left behind
	for _, d := range stale {
		if err := hOld.Delete(ctx, d); err != nil {
			logger.Warn("rename: removing %s from its old backend: %v", d.ID(), err)
		}
	}
	reclaimed := r.release(ctx, disp)

	logger.Debug("Moved %s to %s", joinPath(oldSegs), newPath)
	return renamed, reclaimed, nil
}

// reparent records a directory's new parent within the same backend and
// type.
func (r *RootHandler) reparent(ctx context.Context, undo *undoLog, h *DirectoryHandler, dir Directory, parentID DirectoryID) error {
	oldParentID := dir.ParentID
	dir.ParentID = parentID
	if err := h.Put(ctx, &dir); err != nil {
		return err
	}
	undo.pushIO("restore parent of "+dir.ID().String(), func(ctx context.Context) error {
		dir.ParentID = oldParentID
		return h.Put(ctx, &dir)
	})
	return nil
}

// moveFileChunks relocates a file's chunks when it changes backend.
func (r *RootHandler) moveFileChunks(ctx context.Context, undo *undoLog, meta MetaData, from, to *DirectoryHandler) error {
	src, dst := from.Storage(), to.Storage()
	if src == dst || len(meta.DataMap.StoredChunks()) == 0 {
		return nil
	}

	dm := meta.DataMap
	if err := r.cfg.Encryptor.MoveChunks(ctx, dm, src, dst); err != nil {
		return storageError(meta.Name, "moving content", err)
	}
	undo.pushIO("move chunks of "+meta.Name+" back", func(ctx context.Context) error {
		return r.cfg.Encryptor.MoveChunks(ctx, dm, dst, src)
	})
	return nil
}

// restoreSubtree re-persists dir and all its descendants in to, with type
// toType. Descendants are stored before their parent; file chunks follow
// when the backend changes. The source directories are appended to stale
// and must be deleted from from once the rename commits.
func (r *RootHandler) restoreSubtree(ctx context.Context, undo *undoLog, from *DirectoryHandler, dir Directory, to *DirectoryHandler, toType BackendType, parentID DirectoryID, stale *[]Directory) error {
	for _, child := range dir.Listing.Children() {
		if child.IsDirectory() {
			sub, err := from.Get(ctx, *child.DirectoryID, from.childType(dir, child.Name))
			if err != nil {
				return err
			}
			if err := r.restoreSubtree(ctx, undo, from, sub, to, toType, dir.ID(), stale); err != nil {
				return err
			}
			continue
		}
		if err := r.moveFileChunks(ctx, undo, child, from, to); err != nil {
			return err
		}
	}

	moved := Directory{ParentID: parentID, Listing: dir.Listing.Clone(), Type: toType}
	if err := to.Put(ctx, &moved); err != nil {
		return err
	}
	undo.pushIO("delete re-stored "+moved.ID().String(), func(ctx context.Context) error {
		return to.Delete(ctx, moved)
	})

	*stale = append(*stale, dir)
	return nil
}
