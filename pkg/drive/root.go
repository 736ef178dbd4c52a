// Package drive implements the directory-tree manager of a virtual drive.
//
// The drive projects a hierarchical namespace onto one or more storage
// backends. Every directory is persisted as an encrypted listing of its
// children; every file is a data map pointing at encrypted content chunks.
//
// A RootHandler owns the tree. It resolves root-relative paths, enforces
// structural invariants (unique names, parent/child consistency, service
// aliases) and orchestrates multi-step mutations with rollback on failure.
// Each backend is served by a DirectoryHandler:
//
//	/                    root (default backend, or memory only)
//	├── Owner/           default backend, type owner
//	├── Group/           default backend, type group
//	├── World/           default backend, type world
//	└── <alias>/         mounted service backend, type service
//
// Mutating operations are serialised by a single lock per RootHandler;
// lookups run concurrently with each other.
package drive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// OpenStorageFunc opens the backend of a service from its store path.
type OpenStorageFunc func(ctx context.Context, storePath string) (storage.Storage, error)

// RootConfig configures a RootHandler.
type RootConfig struct {
	// DefaultStorage is the backend of the root and the default namespaces.
	// When nil the root lives in memory and only services persist.
	DefaultStorage storage.Storage

	// UserID identifies the drive owner. Required with DefaultStorage.
	UserID string

	// DriveRootID is the id of a previously created root. Zero creates a
	// new root.
	DriveRootID DirectoryID

	// Encryptor stores listings and file content. Required.
	Encryptor encrypt.Encryptor

	// OpenStorage opens service backends for AddService.
	OpenStorage OpenStorageFunc

	// OnServiceAdded is called after a service is mounted, and when an
	// ordinary entry collides with a mounted alias.
	OnServiceAdded func()

	// OnServiceRemoved is called after a service is unmounted, and when a
	// service root is deleted without a teardown.
	OnServiceRemoved func(alias string)

	// OnServiceRenamed is called after a service root is renamed.
	OnServiceRenamed func(oldAlias, newAlias string)

	// ReadOnlyServices lists the aliases mounted read-only.
	ReadOnlyServices []string

	// CacheSize bounds each handler's directory cache (default: 1024).
	CacheSize int

	// Metrics receives operation metrics (default: no-op).
	Metrics metrics.DriveMetrics
}

type service struct {
	alias     string
	storePath string
	handler   *DirectoryHandler
	readOnly  bool
}

// RootHandler manages the drive tree.
type RootHandler struct {
	mu sync.RWMutex

	cfg     RootConfig
	userID  string
	metrics metrics.DriveMetrics

	defaultHandler *DirectoryHandler

	// rootID is the drive root; memRoot holds it when there is no default
	// backend.
	rootID   DirectoryID
	rootMeta MetaData
	memRoot  Directory

	services map[string]*service
	readOnly map[string]bool
}

// located is a directory together with the handler that persists it.
// handler is nil only for the in-memory root.
type located struct {
	dir     Directory
	handler *DirectoryHandler
}

// NewRootHandler creates or rehydrates the drive root.
//
// Errors:
//   - ErrUninitialised: DefaultStorage is set without a UserID, or no
//     Encryptor is configured
//   - any error of CreateRoot / InitRoot
func NewRootHandler(ctx context.Context, cfg RootConfig) (*RootHandler, error) {
	if cfg.Encryptor == nil {
		return nil, newError(ErrUninitialised, "", "no encryptor configured")
	}
	if cfg.DefaultStorage != nil && cfg.UserID == "" {
		return nil, newError(ErrUninitialised, "", "a user id is required with a default storage")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopDriveMetrics()
	}

	r := &RootHandler{
		cfg:      cfg,
		userID:   cfg.UserID,
		metrics:  cfg.Metrics,
		services: make(map[string]*service),
		readOnly: make(map[string]bool),
	}
	for _, alias := range cfg.ReadOnlyServices {
		r.readOnly[alias] = true
	}

	var err error
	if cfg.DriveRootID.IsZero() {
		err = r.CreateRoot(ctx)
	} else {
		err = r.InitRoot(ctx, cfg.DriveRootID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RootHandler) newDefaultHandler(rootID DirectoryID) {
	if r.cfg.DefaultStorage == nil {
		return
	}
	r.defaultHandler = newDirectoryHandler(handlerConfig{
		name:       "default",
		st:         r.cfg.DefaultStorage,
		enc:        r.cfg.Encryptor,
		rootID:     rootID,
		rootType:   BackendOwner,
		namespaced: true,
		cacheSize:  r.cfg.CacheSize,
		metrics:    r.metrics,
	})
}

func newRootMetaData(id DirectoryID) MetaData {
	meta := NewDirectoryMetaData("", 0o755)
	meta.DirectoryID = &id
	return meta
}

// CreateRoot creates a fresh root. With a default backend the namespace
// directories Owner, Group and World are created and persisted before the
// root itself.
func (r *RootHandler) CreateRoot(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()

	id := NewDirectoryID()
	root := Directory{Listing: NewDirectoryListing(id), Type: BackendOwner}
	rootMeta := newRootMetaData(id)

	r.newDefaultHandler(id)
	if r.defaultHandler == nil {
		r.rootID, r.rootMeta, r.memRoot = id, rootMeta, root
		logger.Info("Created in-memory drive root %s", id)
		return nil
	}

	h := r.defaultHandler
	var created []Directory
	for _, ns := range namespaceDirs {
		meta := NewDirectoryMetaData(ns.Name, 0o755)
		dir := Directory{ParentID: id, Listing: NewDirectoryListing(*meta.DirectoryID), Type: ns.Type}
		if err := h.Put(ctx, &dir); err != nil {
			r.discard(ctx, h, created)
			return fmt.Errorf("creating %s namespace: %w", ns.Name, err)
		}
		created = append(created, dir)
		if err := root.Listing.AddChild(meta); err != nil {
			return err
		}
		rootMeta.Attributes.Nlink++
	}

	if err := h.Put(ctx, &root); err != nil {
		r.discard(ctx, h, created)
		return fmt.Errorf("creating drive root: %w", err)
	}

	r.rootID, r.rootMeta = id, rootMeta
	logger.Info("Created drive root %s for user %s", id, r.userID)
	return nil
}

func (r *RootHandler) discard(ctx context.Context, h *DirectoryHandler, dirs []Directory) {
	for _, d := range dirs {
		if err := h.Delete(context.WithoutCancel(ctx), d); err != nil {
			logger.Warn("discarding directory %s: %v", d.ID(), err)
		}
	}
}

// InitRoot rehydrates the root persisted under id. Without a default
// backend a fresh in-memory root with that id is created.
func (r *RootHandler) InitRoot(ctx context.Context, id DirectoryID) error {
	r.mu.Lock()
	defer r.unlock()

	if id.IsZero() {
		return newError(ErrUninitialised, "/", "drive root id is not set")
	}

	r.newDefaultHandler(id)
	rootMeta := newRootMetaData(id)
	if r.defaultHandler == nil {
		r.rootID, r.rootMeta = id, rootMeta
		r.memRoot = Directory{Listing: NewDirectoryListing(id), Type: BackendOwner}
		return nil
	}

	root, err := r.defaultHandler.Get(ctx, id, BackendOwner)
	if err != nil {
		return fmt.Errorf("loading drive root %s: %w", id, err)
	}
	for _, child := range root.Listing.Children() {
		if child.IsDirectory() {
			rootMeta.Attributes.Nlink++
		}
	}

	r.rootID, r.rootMeta = id, rootMeta
	logger.Info("Loaded drive root %s (%d entries)", id, root.Listing.Len())
	return nil
}

// DriveRootID returns the id of the root directory.
func (r *RootHandler) DriveRootID() DirectoryID {
	r.mu.RLock()
	defer r.runlock()
	return r.rootID
}

// DefaultStorage returns the default backend, or nil.
func (r *RootHandler) DefaultStorage() storage.Storage {
	return r.cfg.DefaultStorage
}

// UserID returns the drive owner.
func (r *RootHandler) UserID() string {
	return r.userID
}

// Services returns the mounted aliases in name order.
func (r *RootHandler) Services() []string {
	r.mu.RLock()
	defer r.runlock()
	return r.serviceAliases()
}

func (r *RootHandler) serviceAliases() []string {
	aliases := make([]string, 0, len(r.services))
	for alias := range r.services {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// ============================================================================
// Resolution
// ============================================================================

// GetHandler returns the handler of the service owning path, or nil for
// paths outside any service.
func (r *RootHandler) GetHandler(path string) *DirectoryHandler {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 {
		return nil
	}
	if svc, ok := r.services[segs[0]]; ok {
		return svc.handler
	}
	return nil
}

// handlerFor returns the handler persisting the entry at segs: the
// owning service's, else the default one (nil when there is none).
func (r *RootHandler) handlerFor(segs []string) *DirectoryHandler {
	if len(segs) > 0 {
		if svc, ok := r.services[segs[0]]; ok {
			return svc.handler
		}
	}
	return r.defaultHandler
}

// GetStorage returns the backend holding the entry at path.
func (r *RootHandler) GetStorage(path string) (storage.Storage, error) {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return r.storageFor(segs)
}

func (r *RootHandler) storageFor(segs []string) (storage.Storage, error) {
	h := r.handlerFor(segs)
	if h == nil {
		return nil, newError(ErrNoServiceStorageAllocated, joinPath(segs), "no backend for path")
	}
	return h.Storage(), nil
}

// GetDirectoryType returns the type a directory at path is persisted with.
func (r *RootHandler) GetDirectoryType(path string) BackendType {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return BackendOwner
	}
	return r.directoryType(segs)
}

func (r *RootHandler) directoryType(segs []string) BackendType {
	if len(segs) == 0 {
		return BackendOwner
	}
	if _, ok := r.services[segs[0]]; ok {
		return BackendService
	}
	if t, ok := namespaceType(segs[0]); ok && r.defaultHandler != nil {
		return t
	}
	return BackendOwner
}

// rootDir returns the root directory.
func (r *RootHandler) rootDir(ctx context.Context) (located, error) {
	if r.defaultHandler == nil {
		return located{dir: r.memRoot}, nil
	}
	dir, err := r.defaultHandler.Get(ctx, r.rootID, BackendOwner)
	if err != nil {
		return located{}, err
	}
	return located{dir: dir, handler: r.defaultHandler}, nil
}

// directoryAt returns the directory at segs.
func (r *RootHandler) directoryAt(ctx context.Context, segs []string) (located, error) {
	if len(segs) == 0 {
		return r.rootDir(ctx)
	}

	if svc, ok := r.services[segs[0]]; ok {
		h := svc.handler
		start, err := h.Get(ctx, h.RootID(), BackendService)
		if err != nil {
			return located{}, err
		}
		dir, err := h.walk(ctx, start, segs[1:])
		if err != nil {
			return located{}, prefixPath(err, segs[:1])
		}
		return located{dir: dir, handler: h}, nil
	}

	root, err := r.rootDir(ctx)
	if err != nil {
		return located{}, err
	}
	if root.handler == nil {
		// Without a default backend the root only holds service aliases.
		return located{}, newError(ErrNotFound, joinPath(segs), "no such directory")
	}
	dir, err := root.handler.walk(ctx, root.dir, segs)
	if err != nil {
		return located{}, err
	}
	return located{dir: dir, handler: root.handler}, nil
}

// prefixPath rewrites the path of a NotFound error raised by a service
// walk, which only knows paths relative to the service root.
func prefixPath(err error, prefix []string) error {
	if e, ok := err.(*Error); ok && e.Code == ErrNotFound && e.Path != "" {
		return newError(e.Code, joinPath(prefix)+e.Path, "%s", e.Message)
	}
	return err
}

// lineage is an entry's parent and grandparent directories.
// grandparent is unset when the parent is the root.
type lineage struct {
	parent      located
	grandparent located
	hasGrand    bool
}

func (r *RootHandler) lineageOf(ctx context.Context, segs []string) (lineage, error) {
	parentSegs := segs[:len(segs)-1]
	parent, err := r.directoryAt(ctx, parentSegs)
	if err != nil {
		return lineage{}, err
	}
	if len(parentSegs) == 0 {
		return lineage{parent: parent}, nil
	}
	grand, err := r.directoryAt(ctx, parentSegs[:len(parentSegs)-1])
	if err != nil {
		return lineage{}, err
	}
	return lineage{parent: parent, grandparent: grand, hasGrand: true}, nil
}

func (l lineage) ids() (DirectoryID, DirectoryID) {
	return l.parent.dir.ID(), l.grandparent.dir.ID()
}

// GetMetaData returns the metadata of the entry at path together with the
// ids of its parent and grandparent. The root returns its synthetic
// metadata and zero ids.
func (r *RootHandler) GetMetaData(ctx context.Context, path string) (meta MetaData, parentID, grandparentID DirectoryID, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordOperation("get_metadata", time.Since(start), err) }()

	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return MetaData{}, DirectoryID{}, DirectoryID{}, err
	}
	if len(segs) == 0 {
		return r.rootMeta.Clone(), DirectoryID{}, DirectoryID{}, nil
	}

	lin, err := r.lineageOf(ctx, segs)
	if err != nil {
		return MetaData{}, DirectoryID{}, DirectoryID{}, err
	}
	meta, err = lin.parent.dir.Listing.GetChild(segs[len(segs)-1])
	if err != nil {
		return MetaData{}, DirectoryID{}, DirectoryID{}, newError(ErrNotFound, path, "no such entry")
	}
	parentID, grandparentID = lin.ids()
	return meta, parentID, grandparentID, nil
}

// GetFromPath returns a copy of the directory at path. Later mutations do
// not change the returned value.
func (r *RootHandler) GetFromPath(ctx context.Context, path string) (Directory, error) {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	if err != nil {
		return Directory{}, err
	}
	loc, err := r.directoryAt(ctx, segs)
	if err != nil {
		return Directory{}, err
	}
	return loc.dir.Clone(), nil
}

// ============================================================================
// Persistence helpers (r.mu held for writing)
// ============================================================================

func (r *RootHandler) persist(ctx context.Context, loc located) error {
	if loc.handler == nil {
		return nil
	}
	return loc.handler.Put(ctx, &loc.dir)
}

// touchParent refreshes the timestamps and link count of the parent's own
// metadata, which lives in the grandparent's listing (or is the root's),
// and persists the grandparent on a best-effort basis: a failure is logged
// and the grandparent is left dirty for the next Flush.
func (r *RootHandler) touchParent(ctx context.Context, op string, segs []string, lin lineage, nlinkDelta int) {
	update := func(m *MetaData) {
		m.UpdateLastModifiedTime()
		m.Attributes.Nlink = uint32(int64(m.Attributes.Nlink) + int64(nlinkDelta))
	}

	if !lin.hasGrand {
		update(&r.rootMeta)
		return
	}

	parentName := segs[len(segs)-2]
	grand := lin.grandparent
	meta, err := grand.dir.Listing.GetChild(parentName)
	if err != nil {
		logger.Warn("%s: parent %s missing from its directory", op, parentName)
		return
	}
	update(&meta)
	if err := grand.dir.Listing.UpdateChild(meta); err != nil {
		return
	}

	if grand.handler == nil {
		return
	}
	if err := grand.handler.Put(ctx, &grand.dir); err != nil {
		logger.Warn("%s: updating %s deferred: %v", op, joinPath(segs[:len(segs)-2]), err)
		grand.handler.MarkDirty(grand.dir)
	}
}

// unlock and runlock release the lock after trimming the handler caches.
func (r *RootHandler) unlock() {
	r.trimCaches()
	r.mu.Unlock()
}

func (r *RootHandler) runlock() {
	r.trimCaches()
	r.mu.RUnlock()
}

func (r *RootHandler) trimCaches() {
	if r.defaultHandler != nil {
		r.defaultHandler.trim()
	}
	for _, svc := range r.services {
		svc.handler.trim()
	}
}

func (r *RootHandler) rollback(ctx context.Context, undo *undoLog) {
	if undo.len() == 0 {
		return
	}
	r.metrics.RecordRollback(undo.op)
	undo.rollback(ctx)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Flush writes every directory left dirty by a failed best-effort update.
func (r *RootHandler) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()
	return r.flush(ctx)
}

func (r *RootHandler) flush(ctx context.Context) error {
	var errs []error
	if r.defaultHandler != nil {
		if err := r.defaultHandler.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, svc := range r.services {
		if err := svc.handler.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush: %w", errors.Join(errs...))
	}
	return nil
}

// StartFlusher calls Flush every interval until ctx is done.
func (r *RootHandler) StartFlusher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Flush(ctx); err != nil {
					logger.Warn("Periodic flush failed: %v", err)
				}
			}
		}
	}()
}

// Close flushes dirty directories and closes every service backend. The
// default backend belongs to the caller and stays open.
func (r *RootHandler) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()

	var errs []error
	if err := r.flush(ctx); err != nil {
		errs = append(errs, err)
	}
	for alias, svc := range r.services {
		if err := storage.Close(svc.handler.Storage()); err != nil {
			errs = append(errs, fmt.Errorf("closing service %s: %w", alias, err))
		}
	}
	r.services = make(map[string]*service)
	r.metrics.SetServices(0)
	return errors.Join(errs...)
}
