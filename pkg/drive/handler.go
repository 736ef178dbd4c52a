package drive

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/metrics"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// DefaultCacheSize is the number of directories a handler keeps cached
// when no size is configured.
const DefaultCacheSize = 1024

// DirectoryHandler persists directories in exactly one backend.
//
// It owns the authoritative copy of every directory it has loaded: Get
// returns a Directory pointing at the cached listing, and callers mutate
// that listing in place before calling Put. The RootHandler lock
// guarantees a single mutator; the handler's own mutex only protects the
// cache against concurrent readers populating it.
//
// Cache policy:
//   - Put is write-through: the directory is persisted before Put returns.
//   - MarkDirty records a directory whose write was skipped (a failed
//     best-effort ancestor update). Dirty entries are never evicted and are
//     written by the next Flush.
//   - Clean entries beyond the capacity are evicted least-recently-used
//     first by trim, which the RootHandler runs between operations: within
//     one operation a directory maps to a single listing.
type DirectoryHandler struct {
	name     string
	st       storage.Storage
	enc      encrypt.Encryptor
	rootID   DirectoryID
	rootType BackendType
	readOnly bool

	// namespaced is set for the default backend, whose root children
	// Owner/Group/World carry their own types.
	namespaced bool

	metrics metrics.DriveMetrics

	mu       sync.Mutex
	capacity int
	entries  map[cacheKey]*list.Element
	lru      *list.List
}

type cacheKey struct {
	id  DirectoryID
	typ BackendType
}

type cacheEntry struct {
	key            cacheKey
	dir            Directory
	contentChanged bool
	lastChange     time.Time
	lastSave       time.Time
}

type handlerConfig struct {
	name       string
	st         storage.Storage
	enc        encrypt.Encryptor
	rootID     DirectoryID
	rootType   BackendType
	readOnly   bool
	namespaced bool
	cacheSize  int
	metrics    metrics.DriveMetrics
}

func newDirectoryHandler(cfg handlerConfig) *DirectoryHandler {
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = DefaultCacheSize
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.NoopDriveMetrics()
	}
	return &DirectoryHandler{
		name:       cfg.name,
		st:         cfg.st,
		enc:        cfg.enc,
		rootID:     cfg.rootID,
		rootType:   cfg.rootType,
		readOnly:   cfg.readOnly,
		namespaced: cfg.namespaced,
		metrics:    cfg.metrics,
		capacity:   cfg.cacheSize,
		entries:    make(map[cacheKey]*list.Element),
		lru:        list.New(),
	}
}

// Name returns "default" or the service alias the handler serves.
func (h *DirectoryHandler) Name() string { return h.name }

// Storage returns the backend the handler persists to.
func (h *DirectoryHandler) Storage() storage.Storage { return h.st }

// RootID returns the id of the handler's root directory.
func (h *DirectoryHandler) RootID() DirectoryID { return h.rootID }

// ReadOnly reports whether the handler refuses mutations.
func (h *DirectoryHandler) ReadOnly() bool { return h.readOnly }

// childType returns the type of the directory named name below parent.
func (h *DirectoryHandler) childType(parent Directory, name string) BackendType {
	if h.namespaced && parent.ID() == h.rootID {
		if t, ok := namespaceType(name); ok {
			return t
		}
	}
	return parent.Type
}

// ============================================================================
// Get / Put / Delete
// ============================================================================

// Get returns the directory with the given id and type, loading it from
// the backend on a cache miss.
//
// Errors:
//   - ErrNotFound: no record is stored under the id and type
//   - ErrCorrupt: the record or listing failed to decode
//   - ErrStorageUnavailable: the backend failed
func (h *DirectoryHandler) Get(ctx context.Context, id DirectoryID, t BackendType) (Directory, error) {
	key := cacheKey{id: id, typ: t}

	h.mu.Lock()
	if el, ok := h.entries[key]; ok {
		h.lru.MoveToFront(el)
		dir := el.Value.(*cacheEntry).dir
		h.mu.Unlock()
		h.metrics.RecordCacheHit()
		return dir, nil
	}
	h.mu.Unlock()
	h.metrics.RecordCacheMiss()

	dir, err := h.load(ctx, id, t)
	if err != nil {
		return Directory{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Another reader may have loaded it meanwhile; keep the first copy.
	if el, ok := h.entries[key]; ok {
		h.lru.MoveToFront(el)
		return el.Value.(*cacheEntry).dir, nil
	}
	h.insertLocked(&cacheEntry{key: key, dir: dir, lastSave: time.Now()})
	return dir, nil
}

func (h *DirectoryHandler) load(ctx context.Context, id DirectoryID, t BackendType) (Directory, error) {
	key := directoryKey(t, id)

	raw, err := h.st.Get(ctx, key)
	if err != nil {
		return Directory{}, storageError(string(key), "reading directory record", err)
	}

	parentID, recType, dm, err := decodeRecord(raw)
	if err != nil {
		return Directory{}, &Error{Code: ErrCorrupt, Message: "invalid directory record", Path: string(key), Err: err}
	}
	if recType != t {
		return Directory{}, newError(ErrCorrupt, string(key), "record has type %s", recType)
	}

	data, err := encrypt.ReadAll(ctx, h.enc, h.st, dm)
	if err != nil {
		if storage.IsNotFound(err) {
			// The record exists, so its listing must too.
			return Directory{}, &Error{Code: ErrCorrupt, Message: "listing chunks missing", Path: string(key), Err: err}
		}
		return Directory{}, storageError(string(key), "reading listing", err)
	}

	listing, err := decodeListing(data)
	if err != nil {
		return Directory{}, &Error{Code: ErrCorrupt, Message: "invalid listing", Path: string(key), Err: err}
	}
	if listing.DirectoryID() != id {
		return Directory{}, newError(ErrCorrupt, string(key), "listing belongs to %s", listing.DirectoryID())
	}

	return Directory{ParentID: parentID, Listing: listing, ListingDataMap: dm, Type: t}, nil
}

// Put persists dir: the listing is stored through the encryptor, then the
// directory record is written. The chunks of the previously persisted
// listing are released afterwards. On success dir.ListingDataMap points at
// the new listing data map.
func (h *DirectoryHandler) Put(ctx context.Context, dir *Directory) error {
	if !dir.Valid() {
		return newError(ErrInvalidParameter, "", "directory has no listing")
	}
	key := cacheKey{id: dir.ID(), typ: dir.Type}
	recordKey := directoryKey(dir.Type, dir.ID())

	data, err := encodeListing(dir.Listing)
	if err != nil {
		return &Error{Code: ErrInvalidParameter, Message: "encoding listing", Path: string(recordKey), Err: err}
	}

	newMap, err := encrypt.StoreBytes(ctx, h.enc, h.st, data)
	if err != nil {
		return storageError(string(recordKey), "storing listing", err)
	}

	stored := *dir
	stored.ListingDataMap = newMap
	record, err := encodeRecord(stored)
	if err == nil {
		err = h.st.Put(ctx, recordKey, record)
	}
	if err != nil {
		h.releaseListing(ctx, recordKey, newMap)
		return storageError(string(recordKey), "writing directory record", err)
	}

	h.mu.Lock()
	oldMap := dir.ListingDataMap
	if el, ok := h.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		oldMap = e.dir.ListingDataMap
		e.dir = stored
		e.contentChanged = false
		e.lastSave = time.Now()
		h.lru.MoveToFront(el)
	} else {
		h.insertLocked(&cacheEntry{key: key, dir: stored, lastSave: time.Now()})
	}
	h.reportDirtyLocked()
	h.mu.Unlock()

	dir.ListingDataMap = newMap
	if oldMap != nil && !oldMap.Equal(newMap) {
		h.releaseListing(ctx, recordKey, oldMap)
	}

	logger.Debug("%s: stored directory %s (%d children)", h.name, recordKey, dir.Listing.Len())
	return nil
}

// releaseListing deletes listing chunks that are no longer referenced.
// A failure only leaks chunks, so it is logged.
func (h *DirectoryHandler) releaseListing(ctx context.Context, recordKey storage.Key, dm *encrypt.DataMap) {
	if err := h.enc.DeleteAllChunks(context.WithoutCancel(ctx), h.st, dm); err != nil {
		logger.Warn("%s: releasing listing chunks of %s: %v", h.name, recordKey, err)
	}
}

// Delete removes the persisted record of dir and its listing chunks. It
// does not touch the directory's children. A missing record is not an
// error.
func (h *DirectoryHandler) Delete(ctx context.Context, dir Directory) error {
	key := cacheKey{id: dir.ID(), typ: dir.Type}
	recordKey := directoryKey(dir.Type, dir.ID())

	h.mu.Lock()
	dm := dir.ListingDataMap
	if el, ok := h.entries[key]; ok {
		dm = el.Value.(*cacheEntry).dir.ListingDataMap
	}
	h.mu.Unlock()

	if err := h.st.Delete(ctx, recordKey); err != nil && !storage.IsNotFound(err) {
		return storageError(string(recordKey), "deleting directory record", err)
	}

	h.mu.Lock()
	if el, ok := h.entries[key]; ok {
		h.lru.Remove(el)
		delete(h.entries, key)
	}
	h.reportDirtyLocked()
	h.mu.Unlock()

	if dm != nil {
		if err := h.enc.DeleteAllChunks(ctx, h.st, dm); err != nil {
			return storageError(string(recordKey), "deleting listing chunks", err)
		}
	}

	logger.Debug("%s: deleted directory %s", h.name, recordKey)
	return nil
}

// GetFromPath returns the directory at p, relative to the handler's root.
func (h *DirectoryHandler) GetFromPath(ctx context.Context, p string) (Directory, error) {
	segs, err := splitPath(p)
	if err != nil {
		return Directory{}, err
	}
	root, err := h.Get(ctx, h.rootID, h.rootType)
	if err != nil {
		return Directory{}, err
	}
	return h.walk(ctx, root, segs)
}

// walk descends from start through segs.
func (h *DirectoryHandler) walk(ctx context.Context, start Directory, segs []string) (Directory, error) {
	dir := start
	for i, name := range segs {
		child, err := dir.Listing.GetChild(name)
		if err != nil {
			return Directory{}, newError(ErrNotFound, joinPath(segs[:i+1]), "no such directory")
		}
		if !child.IsDirectory() {
			return Directory{}, newError(ErrNotFound, joinPath(segs[:i+1]), "not a directory")
		}
		next, err := h.Get(ctx, *child.DirectoryID, h.childType(dir, name))
		if err != nil {
			return Directory{}, err
		}
		dir = next
	}
	return dir, nil
}

// ============================================================================
// Dirty tracking
// ============================================================================

// MarkDirty records that dir changed in memory but was not persisted.
// The next Flush writes it.
func (h *DirectoryHandler) MarkDirty(dir Directory) {
	key := cacheKey{id: dir.ID(), typ: dir.Type}
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if el, ok := h.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.dir.Listing = dir.Listing
		e.contentChanged = true
		e.lastChange = now
		h.lru.MoveToFront(el)
	} else {
		h.insertLocked(&cacheEntry{key: key, dir: dir, contentChanged: true, lastChange: now})
	}
	h.metrics.RecordDeferredWrite()
	h.reportDirtyLocked()
}

// Dirty returns the number of cached directories awaiting a flush.
func (h *DirectoryHandler) Dirty() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirtyLocked()
}

// Flush persists every dirty directory. All are attempted; the failures
// are joined.
func (h *DirectoryHandler) Flush(ctx context.Context) error {
	h.mu.Lock()
	var pending []Directory
	for el := h.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*cacheEntry)
		if e.contentChanged {
			pending = append(pending, e.dir)
		}
	}
	h.mu.Unlock()

	var errs []error
	for i := range pending {
		dir := pending[i]
		if err := h.Put(ctx, &dir); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", directoryKey(dir.Type, dir.ID()), err))
		}
	}
	if len(pending) > 0 {
		logger.Debug("%s: flushed %d directorie(s), %d failed", h.name, len(pending), len(errs))
	}
	return errors.Join(errs...)
}

// ============================================================================
// Cache internals (h.mu held)
// ============================================================================

func (h *DirectoryHandler) insertLocked(e *cacheEntry) {
	h.entries[e.key] = h.lru.PushFront(e)
}

// trim evicts clean entries until the cache fits its capacity. The root
// directory stays cached.
func (h *DirectoryHandler) trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()
}

func (h *DirectoryHandler) evictLocked() {
	for el := h.lru.Back(); el != nil && h.lru.Len() > h.capacity; {
		prev := el.Prev()
		e := el.Value.(*cacheEntry)
		if !e.contentChanged && e.key.id != h.rootID {
			h.lru.Remove(el)
			delete(h.entries, e.key)
		}
		el = prev
	}
}

func (h *DirectoryHandler) dirtyLocked() int {
	n := 0
	for el := h.lru.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).contentChanged {
			n++
		}
	}
	return n
}

func (h *DirectoryHandler) reportDirtyLocked() {
	h.metrics.SetDirtyDirectories(h.dirtyLocked())
}

// cached reports whether the directory is in the cache.
func (h *DirectoryHandler) cached(id DirectoryID, t BackendType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[cacheKey{id: id, typ: t}]
	return ok
}

// ============================================================================
// Stats
// ============================================================================

// Stats summarises what a handler's backend holds.
type Stats struct {
	// Directories counts directory records per type
	Directories map[BackendType]int

	// Chunks counts stored content and listing chunks
	Chunks int

	// Dirty is the number of cached directories awaiting a flush
	Dirty int
}

// Stats enumerates the backend. Requires a backend implementing
// storage.Lister.
func (h *DirectoryHandler) Stats(ctx context.Context) (Stats, error) {
	lister, ok := h.st.(storage.Lister)
	if !ok {
		return Stats{}, newError(ErrStorageUnavailable, h.name, "backend cannot list keys")
	}

	dirKeys, err := lister.Keys(ctx, storage.DirectoryPrefix)
	if err != nil {
		return Stats{}, storageError(h.name, "listing directories", err)
	}
	chunks, err := lister.Keys(ctx, storage.ChunkPrefix)
	if err != nil {
		return Stats{}, storageError(h.name, "listing chunks", err)
	}

	stats := Stats{Directories: make(map[BackendType]int), Chunks: len(chunks), Dirty: h.Dirty()}
	for _, key := range dirKeys {
		if t, _, ok := parseDirectoryKey(key); ok {
			stats.Directories[t]++
		}
	}
	return stats, nil
}
