package drive

import (
	"context"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// AddService mounts the backend at storePath under the top-level alias
// and returns the id of the service root. A zero serviceRootID creates an
// empty service root in the backend; otherwise the existing root is
// loaded.
//
// Errors:
//   - ErrInvalidParameter: invalid alias, or alias is a namespace directory
//   - ErrAlreadyExists: alias (or store path) already mounted, or a root
//     entry has that name
//   - ErrPermissionDenied: a read-only service without a root to load
//   - ErrStorageUnavailable: the backend could not be opened
func (r *RootHandler) AddService(ctx context.Context, alias, storePath string, serviceRootID DirectoryID) (id DirectoryID, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("add_service", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	// Step 1: Validate the alias
	if err := validateName(alias); err != nil {
		return DirectoryID{}, err
	}
	if _, ok := namespaceType(alias); ok && r.defaultHandler != nil {
		return DirectoryID{}, newError(ErrInvalidParameter, "/"+alias, "alias is a namespace directory")
	}
	if _, ok := r.services[alias]; ok {
		return DirectoryID{}, newError(ErrAlreadyExists, "/"+alias, "service already mounted")
	}
	for _, svc := range r.services {
		if svc.storePath == storePath {
			return DirectoryID{}, newError(ErrAlreadyExists, storePath, "store already mounted as %s", svc.alias)
		}
	}
	root, err := r.rootDir(ctx)
	if err != nil {
		return DirectoryID{}, err
	}
	// A root entry pointing at serviceRootID is a service mounted in an
	// earlier session.
	existing, lookupErr := root.dir.Listing.GetChild(alias)
	remount := lookupErr == nil && existing.IsDirectory() &&
		!serviceRootID.IsZero() && *existing.DirectoryID == serviceRootID
	if lookupErr == nil && !remount {
		return DirectoryID{}, newError(ErrAlreadyExists, "/"+alias, "entry already exists")
	}
	readOnly := r.readOnly[alias]
	if readOnly && serviceRootID.IsZero() {
		return DirectoryID{}, newError(ErrPermissionDenied, "/"+alias, "read-only service has no root")
	}
	if r.cfg.OpenStorage == nil {
		return DirectoryID{}, newError(ErrNoServiceStorageAllocated, storePath, "no storage opener configured")
	}

	// Step 2: Open the backend and its root
	st, err := r.cfg.OpenStorage(ctx, storePath)
	if err != nil {
		return DirectoryID{}, storageError(storePath, "opening service backend", err)
	}

	id = serviceRootID
	if id.IsZero() {
		id = NewDirectoryID()
	}
	h := newDirectoryHandler(handlerConfig{
		name:      alias,
		st:        st,
		enc:       r.cfg.Encryptor,
		rootID:    id,
		rootType:  BackendService,
		readOnly:  readOnly,
		cacheSize: r.cfg.CacheSize,
		metrics:   r.metrics,
	})

	fail := func(err error) (DirectoryID, error) {
		if cerr := storage.Close(st); cerr != nil {
			logger.Warn("add service %s: closing backend: %v", alias, cerr)
		}
		return DirectoryID{}, err
	}

	var created *Directory
	if serviceRootID.IsZero() {
		dir := Directory{ParentID: r.rootID, Listing: NewDirectoryListing(id), Type: BackendService}
		if err := h.Put(ctx, &dir); err != nil {
			return fail(err)
		}
		created = &dir
	} else if _, err := h.Get(ctx, id, BackendService); err != nil {
		return fail(err)
	}

	// Step 3: Register and link into the root
	r.services[alias] = &service{alias: alias, storePath: storePath, handler: h, readOnly: readOnly}

	meta := NewDirectoryMetaData(alias, 0o755)
	meta.DirectoryID = &id
	if !remount {
		if _, _, err := r.addElement(ctx, "/"+alias, meta, true); err != nil {
			delete(r.services, alias)
			if created != nil {
				if derr := h.Delete(context.WithoutCancel(ctx), *created); derr != nil {
					logger.Warn("add service %s: removing new root: %v", alias, derr)
				}
			}
			return fail(err)
		}
	}

	r.metrics.SetServices(len(r.services))
	logger.Info("Mounted service %s (%s) root=%s read_only=%t", alias, storePath, id, readOnly)
	if r.cfg.OnServiceAdded != nil {
		r.cfg.OnServiceAdded()
	}
	return id, nil
}

// RemoveService unmounts the service at alias. Its backend is closed but
// its content is left untouched; DeleteElement with isKnownServiceRoot
// deletes it.
func (r *RootHandler) RemoveService(ctx context.Context, alias string) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("remove_service", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	svc, ok := r.services[alias]
	if !ok {
		return newError(ErrNotFound, "/"+alias, "no such service")
	}

	root, err := r.rootDir(ctx)
	if err != nil {
		return err
	}
	meta, err := root.dir.Listing.RemoveChild(alias)
	if err == nil {
		if err := r.persist(ctx, root); err != nil {
			_ = root.dir.Listing.AddChild(meta)
			r.metrics.RecordRollback("remove_service")
			return err
		}
		r.rootMeta.Attributes.Nlink--
		r.rootMeta.UpdateLastModifiedTime()
	}

	if err := svc.handler.Flush(ctx); err != nil {
		logger.Warn("remove service %s: flushing: %v", alias, err)
	}
	delete(r.services, alias)
	r.metrics.SetServices(len(r.services))
	if err := storage.Close(svc.handler.Storage()); err != nil {
		logger.Warn("remove service %s: closing backend: %v", alias, err)
	}

	logger.Info("Unmounted service %s", alias)
	if r.cfg.OnServiceRemoved != nil {
		r.cfg.OnServiceRemoved(alias)
	}
	return nil
}

// UpdateParentDirectoryListing replaces the child of the directory at
// parentPath that has meta's name, and persists the directory.
func (r *RootHandler) UpdateParentDirectoryListing(ctx context.Context, parentPath string, meta MetaData) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("update", time.Since(start), err) }()

	r.mu.Lock()
	defer r.unlock()

	segs, err := splitPath(parentPath)
	if err != nil {
		return err
	}
	if r.isReadOnly(segs) {
		return newError(ErrPermissionDenied, parentPath, "service is read-only")
	}
	if err := meta.validate(); err != nil {
		return err
	}

	parent, err := r.directoryAt(ctx, segs)
	if err != nil {
		return err
	}
	previous, err := parent.dir.Listing.GetChild(meta.Name)
	if err != nil {
		return newError(ErrNotFound, joinPath(append(segs, meta.Name)), "no such entry")
	}
	if previous.IsDirectory() != meta.IsDirectory() ||
		(meta.IsDirectory() && *previous.DirectoryID != *meta.DirectoryID) {
		return newError(ErrInvalidParameter, meta.Name, "update must keep the entry's identity")
	}

	undo := newUndoLog("update")
	if err := parent.dir.Listing.UpdateChild(meta); err != nil {
		return err
	}
	undo.push("restore "+meta.Name, func() { _ = parent.dir.Listing.UpdateChild(previous) })

	if err := r.persist(ctx, parent); err != nil {
		r.rollback(ctx, undo)
		return err
	}
	return nil
}
