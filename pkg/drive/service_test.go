package drive

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddService(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesRoot", func(t *testing.T) {
		d := newTestDrive(t)
		id, err := d.AddService(ctx, "docs", "mem://docs", DirectoryID{})
		require.NoError(t, err)
		require.False(t, id.IsZero())

		docs := d.store("mem://docs")
		assert.True(t, docs.hasDirectory(t, BackendService, id))
		assert.Equal(t, []string{"docs"}, d.Services())
		assert.Equal(t, 1, d.added)

		meta := d.meta(t, "/docs")
		assert.Equal(t, id, *meta.DirectoryID)
		assert.Equal(t, BackendService, d.GetDirectoryType("/docs/anything"))
		assert.Equal(t, uint32(6), d.meta(t, "/").Attributes.Nlink)
	})

	t.Run("Errors", func(t *testing.T) {
		d := newTestDrive(t)
		d.mount(t, "docs")
		d.mkdir(t, "/taken")

		tests := []struct {
			name  string
			alias string
			path  string
			code  ErrorCode
		}{
			{"InvalidAlias", "a/b", "mem://x", ErrInvalidParameter},
			{"EmptyAlias", "", "mem://x", ErrInvalidParameter},
			{"Namespace", "Owner", "mem://x", ErrInvalidParameter},
			{"AliasMounted", "docs", "mem://other", ErrAlreadyExists},
			{"StoreMounted", "again", "mem://docs", ErrAlreadyExists},
			{"EntryExists", "taken", "mem://taken", ErrAlreadyExists},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := d.AddService(ctx, tt.alias, tt.path, DirectoryID{})
				requireCode(t, err, tt.code)
			})
		}
		assert.Equal(t, []string{"docs"}, d.Services())
	})

	t.Run("UnknownRoot", func(t *testing.T) {
		d := newTestDrive(t)
		_, err := d.AddService(ctx, "docs", "mem://docs", NewDirectoryID())
		requireCode(t, err, ErrNotFound)
		assert.Empty(t, d.Services())
		assert.NotContains(t, d.names(t, "/"), "docs")
	})

	t.Run("OpenFailure", func(t *testing.T) {
		d := newTestDrive(t)
		d.cfg.OpenStorage = func(context.Context, string) (storage.Storage, error) {
			return nil, errors.New("connection refused")
		}
		_, err := d.AddService(ctx, "docs", "mem://docs", DirectoryID{})
		requireCode(t, err, ErrStorageUnavailable)
	})

	t.Run("NoOpener", func(t *testing.T) {
		d := newTestDrive(t)
		d.cfg.OpenStorage = nil
		_, err := d.AddService(ctx, "docs", "mem://docs", DirectoryID{})
		requireCode(t, err, ErrNoServiceStorageAllocated)
	})

	t.Run("LinkFailureRemovesRoot", func(t *testing.T) {
		d := newTestDrive(t)
		d.def.failPutsOf(d.DriveRootID())
		_, err := d.AddService(ctx, "docs", "mem://docs", DirectoryID{})
		requireCode(t, err, ErrStorageUnavailable)
		d.def.reset()

		assert.Empty(t, d.Services())
		assert.Zero(t, d.store("mem://docs").count(t, storage.DirectoryPrefix))
	})

	t.Run("WithoutDefaultStorage", func(t *testing.T) {
		d := newTestDrive(t, withoutDefaultStorage())
		d.mount(t, "docs")
		d.write(t, "/docs/f", "served")

		assert.Equal(t, []string{"docs"}, d.names(t, "/"))
		assert.Equal(t, "served", d.read(t, "/docs/f"))

		_, err := d.AddService(ctx, "Owner", "mem://owner", DirectoryID{})
		require.NoError(t, err, "namespace names are free without a default backend")
	})
}

func TestRemountService(t *testing.T) {
	ctx := context.Background()
	d := newTestDrive(t)
	id, err := d.AddService(ctx, "docs", "mem://docs", DirectoryID{})
	require.NoError(t, err)
	d.write(t, "/docs/kept", "still here")

	again, err := NewRootHandler(ctx, RootConfig{
		DefaultStorage: d.def,
		UserID:         "alice",
		DriveRootID:    d.DriveRootID(),
		Encryptor:      d.enc,
		OpenStorage: func(context.Context, string) (storage.Storage, error) {
			return d.store("mem://docs"), nil
		},
	})
	require.NoError(t, err)
	r := &testDrive{RootHandler: again}

	_, err = r.AddService(ctx, "docs", "mem://docs", DirectoryID{})
	requireCode(t, err, ErrAlreadyExists)

	got, err := r.AddService(ctx, "docs", "mem://docs", id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, "still here", r.read(t, "/docs/kept"))
	assert.Equal(t, []string{"Group", "Owner", "World", "docs"}, r.names(t, "/"))
}

func TestRemoveService(t *testing.T) {
	ctx := context.Background()

	t.Run("Unmounts", func(t *testing.T) {
		d := newTestDrive(t)
		docs := d.mount(t, "docs")
		d.write(t, "/docs/f", "data")
		chunks := docs.chunks(t)
		dirs := docs.count(t, storage.DirectoryPrefix)

		require.NoError(t, d.RemoveService(ctx, "docs"))
		assert.Empty(t, d.Services())
		assert.Equal(t, []string{"docs"}, d.removed)
		assert.NotContains(t, d.names(t, "/"), "docs")
		assert.Equal(t, uint32(5), d.meta(t, "/").Attributes.Nlink)

		assert.Equal(t, chunks, docs.chunks(t), "content is left in the backend")
		assert.Equal(t, dirs, docs.count(t, storage.DirectoryPrefix))

		_, _, _, err := d.GetMetaData(ctx, "/docs/f")
		requireCode(t, err, ErrNotFound)
	})

	t.Run("Unknown", func(t *testing.T) {
		d := newTestDrive(t)
		requireCode(t, d.RemoveService(ctx, "ghost"), ErrNotFound)
	})

	t.Run("Rollback", func(t *testing.T) {
		d := newTestDrive(t)
		d.mount(t, "docs")

		d.def.failPutsOf(d.DriveRootID())
		requireCode(t, d.RemoveService(ctx, "docs"), ErrStorageUnavailable)
		d.def.reset()

		assert.Equal(t, []string{"docs"}, d.Services())
		assert.Contains(t, d.names(t, "/"), "docs")
	})
}

func TestReadOnlyService(t *testing.T) {
	ctx := context.Background()
	d, _ := mountReadOnly(t, "ro")

	assert.Equal(t, "read me", d.read(t, "/ro/readme"))

	_, err := d.WriteFile(ctx, "/ro/new", nil, 0o644)
	requireCode(t, err, ErrPermissionDenied)
	_, err = d.Mkdir(ctx, "/ro/dir", 0o755)
	requireCode(t, err, ErrPermissionDenied)
	_, err = d.DeleteElement(ctx, "/ro/readme", false)
	requireCode(t, err, ErrPermissionDenied)
	_, err = d.DeleteElement(ctx, "/ro", true)
	requireCode(t, err, ErrPermissionDenied)
	_, _, err = d.RenameElement(ctx, "/ro/readme", "/ro/other")
	requireCode(t, err, ErrInvalidParameter)

	meta := d.meta(t, "/ro/readme")
	requireCode(t, d.UpdateParentDirectoryListing(ctx, "/ro", meta), ErrPermissionDenied)

	_, err = d.AddService(ctx, "ro2", "mem://ro2", DirectoryID{})
	require.NoError(t, err, "only the configured alias is read-only")

	require.NoError(t, d.RemoveService(ctx, "ro"), "read-only services can still be unmounted")
}
