package drive

import (
	"context"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, st storage.Storage, cacheSize int) *DirectoryHandler {
	t.Helper()
	return newDirectoryHandler(handlerConfig{
		name:      "test",
		st:        st,
		enc:       newTestEncryptor(t),
		rootID:    NewDirectoryID(),
		rootType:  BackendService,
		cacheSize: cacheSize,
	})
}

func newTestDirectory(t *testing.T, children ...string) Directory {
	t.Helper()
	l := NewDirectoryListing(NewDirectoryID())
	for _, name := range children {
		require.NoError(t, l.AddChild(NewFileMetaData(name, 0o644)))
	}
	return Directory{ParentID: NewDirectoryID(), Listing: l, Type: BackendService}
}

func TestDirectoryHandler_PutGet(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	dir := newTestDirectory(t, "a", "b")
	require.NoError(t, h.Put(ctx, &dir))
	require.NotNil(t, dir.ListingDataMap)
	assert.True(t, st.hasDirectory(t, BackendService, dir.ID()))

	// A second handler has a cold cache and must decode from the backend.
	cold := newDirectoryHandler(handlerConfig{name: "cold", st: st, enc: h.enc, rootType: BackendService})
	got, err := cold.Get(ctx, dir.ID(), BackendService)
	require.NoError(t, err)
	assert.Equal(t, dir.ParentID, got.ParentID)
	assert.Equal(t, 2, got.Listing.Len())
	assert.True(t, got.Listing.HasChild("a"))
	assert.True(t, dir.ListingDataMap.Equal(got.ListingDataMap))
}

func TestDirectoryHandler_GetSharesCachedListing(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, newFaultyStorage(), 0)

	dir := newTestDirectory(t)
	require.NoError(t, h.Put(ctx, &dir))

	first, err := h.Get(ctx, dir.ID(), BackendService)
	require.NoError(t, err)
	require.NoError(t, first.Listing.AddChild(NewFileMetaData("x", 0o644)))

	second, err := h.Get(ctx, dir.ID(), BackendService)
	require.NoError(t, err)
	assert.True(t, second.Listing.HasChild("x"))
}

func TestDirectoryHandler_GetErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		h := newTestHandler(t, newFaultyStorage(), 0)
		_, err := h.Get(ctx, NewDirectoryID(), BackendService)
		requireCode(t, err, ErrNotFound)
	})

	t.Run("WrongType", func(t *testing.T) {
		st := newFaultyStorage()
		h := newTestHandler(t, st, 0)
		dir := newTestDirectory(t)
		require.NoError(t, h.Put(ctx, &dir))

		cold := newTestHandler(t, st, 0)
		_, err := cold.Get(ctx, dir.ID(), BackendWorld)
		requireCode(t, err, ErrNotFound)
	})

	t.Run("Corrupt", func(t *testing.T) {
		st := newFaultyStorage()
		h := newTestHandler(t, st, 0)
		id := NewDirectoryID()
		require.NoError(t, st.Put(ctx, directoryKey(BackendService, id), []byte("garbage")))

		_, err := h.Get(ctx, id, BackendService)
		requireCode(t, err, ErrCorrupt)
	})

	t.Run("MissingListing", func(t *testing.T) {
		st := newFaultyStorage()
		h := newTestHandler(t, st, 0)
		dir := newTestDirectory(t)
		for i := 0; i < 40; i++ {
			require.NoError(t, dir.Listing.AddChild(NewFileMetaData(bigContent(200)[:100+i], 0o644)))
		}
		require.NoError(t, h.Put(ctx, &dir))
		require.NotEmpty(t, dir.ListingDataMap.StoredChunks())
		for _, name := range dir.ListingDataMap.StoredChunks() {
			require.NoError(t, st.Delete(ctx, storage.ChunkKey(name)))
		}

		cold := newTestHandler(t, st, 0)
		_, err := cold.Get(ctx, dir.ID(), BackendService)
		requireCode(t, err, ErrCorrupt)
	})

	t.Run("Unavailable", func(t *testing.T) {
		st := newFaultyStorage()
		st.failGet = func(storage.Key) bool { return true }
		h := newTestHandler(t, st, 0)

		_, err := h.Get(ctx, NewDirectoryID(), BackendService)
		requireCode(t, err, ErrStorageUnavailable)
	})
}

func TestDirectoryHandler_PutReleasesPreviousListing(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	dir := newTestDirectory(t)
	for i := 0; i < 60; i++ {
		require.NoError(t, dir.Listing.AddChild(NewFileMetaData(bigContent(120)[:60+i], 0o644)))
	}
	require.NoError(t, h.Put(ctx, &dir))
	chunks := st.chunks(t)
	require.Greater(t, chunks, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Put(ctx, &dir))
	}
	assert.Equal(t, chunks, st.chunks(t), "old listing chunks are released on every Put")
}

func TestDirectoryHandler_PutFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	dir := newTestDirectory(t, "a")
	require.NoError(t, h.Put(ctx, &dir))
	before := dir.ListingDataMap
	chunks := st.chunks(t)

	require.NoError(t, dir.Listing.AddChild(NewFileMetaData("b", 0o644)))
	st.failPutsOf(dir.ID())
	err := h.Put(ctx, &dir)
	requireCode(t, err, ErrStorageUnavailable)
	assert.Same(t, before, dir.ListingDataMap)
	assert.Equal(t, chunks, st.chunks(t), "new listing chunks are cleaned up")

	st.reset()
	cold := newTestHandler(t, st, 0)
	got, err := cold.Get(ctx, dir.ID(), BackendService)
	require.NoError(t, err)
	assert.False(t, got.Listing.HasChild("b"))
}

func TestDirectoryHandler_Delete(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	dir := newTestDirectory(t, "a")
	require.NoError(t, h.Put(ctx, &dir))

	require.NoError(t, h.Delete(ctx, dir))
	assert.False(t, st.hasDirectory(t, BackendService, dir.ID()))
	assert.Equal(t, 0, st.Len())
	assert.False(t, h.cached(dir.ID(), BackendService))

	_, err := h.Get(ctx, dir.ID(), BackendService)
	requireCode(t, err, ErrNotFound)

	assert.NoError(t, h.Delete(ctx, dir), "delete is idempotent")
}

func TestDirectoryHandler_GetFromPath(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	root := Directory{Listing: NewDirectoryListing(h.RootID()), Type: BackendService}
	sub := NewDirectoryMetaData("sub", 0o755)
	require.NoError(t, root.Listing.AddChild(sub))
	require.NoError(t, root.Listing.AddChild(NewFileMetaData("file", 0o644)))
	subDir := Directory{ParentID: h.RootID(), Listing: NewDirectoryListing(*sub.DirectoryID), Type: BackendService}
	require.NoError(t, h.Put(ctx, &subDir))
	require.NoError(t, h.Put(ctx, &root))

	got, err := h.GetFromPath(ctx, "/sub")
	require.NoError(t, err)
	assert.Equal(t, *sub.DirectoryID, got.ID())

	got, err = h.GetFromPath(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, h.RootID(), got.ID())

	_, err = h.GetFromPath(ctx, "/file")
	requireCode(t, err, ErrNotFound)
	_, err = h.GetFromPath(ctx, "/missing/x")
	requireCode(t, err, ErrNotFound)
	_, err = h.GetFromPath(ctx, "relative")
	requireCode(t, err, ErrInvalidParameter)
}

func TestDirectoryHandler_DirtyAndFlush(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	dir := newTestDirectory(t)
	require.NoError(t, h.Put(ctx, &dir))

	require.NoError(t, dir.Listing.AddChild(NewFileMetaData("late", 0o644)))
	h.MarkDirty(dir)
	assert.Equal(t, 1, h.Dirty())

	st.failAllPuts()
	assert.Error(t, h.Flush(ctx))
	assert.Equal(t, 1, h.Dirty(), "failed flush keeps the entry dirty")

	st.reset()
	require.NoError(t, h.Flush(ctx))
	assert.Equal(t, 0, h.Dirty())

	cold := newTestHandler(t, st, 0)
	got, err := cold.Get(ctx, dir.ID(), BackendService)
	require.NoError(t, err)
	assert.True(t, got.Listing.HasChild("late"))
}

func TestDirectoryHandler_EvictionKeepsDirty(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 2)

	dirty := newTestDirectory(t)
	require.NoError(t, h.Put(ctx, &dirty))
	h.MarkDirty(dirty)

	var clean []Directory
	for i := 0; i < 4; i++ {
		d := newTestDirectory(t)
		require.NoError(t, h.Put(ctx, &d))
		clean = append(clean, d)
	}
	h.trim()

	assert.True(t, h.cached(dirty.ID(), BackendService), "dirty entries are never evicted")
	assert.False(t, h.cached(clean[0].ID(), BackendService), "least recently used clean entry is evicted")
	assert.True(t, h.cached(clean[3].ID(), BackendService))

	// Evicted entries reload from the backend.
	got, err := h.Get(ctx, clean[0].ID(), BackendService)
	require.NoError(t, err)
	assert.Equal(t, clean[0].ID(), got.ID())
}

func TestDirectoryHandler_Stats(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStorage()
	h := newTestHandler(t, st, 0)

	for i := 0; i < 3; i++ {
		d := newTestDirectory(t)
		require.NoError(t, h.Put(ctx, &d))
	}

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Directories[BackendService])
	assert.Equal(t, 0, stats.Directories[BackendOwner])
	assert.Equal(t, 0, stats.Dirty)
}
