package encrypt

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/marmos91/dittodrive/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T, compression string) *SelfEncryptor {
	t.Helper()
	enc, err := New(Config{ChunkSize: 4096, Compression: compression})
	require.NoError(t, err)
	return enc
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func chunkCount(t *testing.T, st *memory.MemoryStorage) int {
	t.Helper()
	n, err := storage.CountKeys(context.Background(), st, storage.ChunkPrefix)
	require.NoError(t, err)
	return n
}

func TestStoreRead(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		data   []byte
		chunks int
	}{
		{"Empty", []byte{}, 0},
		{"Inline", []byte("small file"), 0},
		{"JustBelowInline", bytes.Repeat([]byte("a"), InlineThreshold-1), 0},
		{"AtInline", bytes.Repeat([]byte("a"), InlineThreshold), 1},
		{"OneChunk", bytes.Repeat([]byte("abc"), 1000), 1},
		{"ExactChunk", bytes.Repeat([]byte("z"), 4096), 1},
		{"ManyChunks", bytes.Repeat([]byte("hello world "), 3000), 9},
	}

	for _, compression := range []string{"none", "lz4", "zstd"} {
		for _, tc := range cases {
			t.Run(compression+"/"+tc.name, func(t *testing.T) {
				st := memory.New()
				enc := newTestEncryptor(t, compression)

				dm, err := StoreBytes(ctx, enc, st, tc.data)
				require.NoError(t, err)
				assert.Equal(t, uint64(len(tc.data)), dm.Size)
				assert.Equal(t, tc.chunks, chunkCount(t, st))

				got, err := ReadAll(ctx, enc, st, dm)
				require.NoError(t, err)
				assert.Equal(t, len(tc.data), len(got))
				assert.True(t, bytes.Equal(tc.data, got))
			})
		}
	}
}

func TestStore_IncompressibleFallsBackToNone(t *testing.T) {
	st := memory.New()
	enc := newTestEncryptor(t, "zstd")

	dm, err := StoreBytes(context.Background(), enc, st, randomBytes(t, 8192))
	require.NoError(t, err)
	for _, c := range dm.Chunks {
		assert.Equal(t, CompressionNone, c.Compression)
	}
}

func TestMaxBlobSize(t *testing.T) {
	st := memory.New()
	enc := newTestEncryptor(t, "zstd")

	dm, err := StoreBytes(context.Background(), enc, st, randomBytes(t, 3*4096))
	require.NoError(t, err)
	for _, name := range dm.StoredChunks() {
		blob, err := st.Get(context.Background(), storage.ChunkKey(name))
		require.NoError(t, err)
		assert.Equal(t, MaxBlobSize(4096), len(blob))
	}
	assert.Equal(t, MaxBlobSize(DefaultChunkSize), MaxBlobSize(0))
}

func TestStore_ChunksAreNotPlaintext(t *testing.T) {
	st := memory.New()
	enc := newTestEncryptor(t, "none")
	secret := bytes.Repeat([]byte("top secret "), 500)

	dm, err := StoreBytes(context.Background(), enc, st, secret)
	require.NoError(t, err)

	for _, name := range dm.StoredChunks() {
		blob, err := st.Get(context.Background(), storage.ChunkKey(name))
		require.NoError(t, err)
		assert.False(t, bytes.Contains(blob, []byte("top secret")))
	}
}

func TestStore_SameContentTwiceDoesNotShareChunks(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	enc := newTestEncryptor(t, "zstd")
	data := bytes.Repeat([]byte("dup"), 4000)

	first, err := StoreBytes(ctx, enc, st, data)
	require.NoError(t, err)
	second, err := StoreBytes(ctx, enc, st, data)
	require.NoError(t, err)

	require.NoError(t, enc.DeleteAllChunks(ctx, st, first))

	got, err := ReadAll(ctx, enc, st, second)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRead_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	enc := newTestEncryptor(t, "none")

	dm, err := StoreBytes(ctx, enc, st, bytes.Repeat([]byte("x"), 5000))
	require.NoError(t, err)

	key := storage.ChunkKey(dm.Chunks[0].Name)
	blob, err := st.Get(ctx, key)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, st.Put(ctx, key, blob))

	_, err = ReadAll(ctx, enc, st, dm)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRead_MissingChunk(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	enc := newTestEncryptor(t, "none")

	dm, err := StoreBytes(ctx, enc, st, bytes.Repeat([]byte("x"), 5000))
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, storage.ChunkKey(dm.Chunks[1].Name)))

	_, err = ReadAll(ctx, enc, st, dm)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRead_InvalidDataMap(t *testing.T) {
	enc := newTestEncryptor(t, "none")

	_, err := enc.Read(context.Background(), memory.New(), &DataMap{Salt: []byte{1}})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = enc.Read(context.Background(), memory.New(), nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDeleteAllChunks(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	enc := newTestEncryptor(t, "none")

	dm, err := StoreBytes(ctx, enc, st, randomBytes(t, 10000))
	require.NoError(t, err)
	require.Equal(t, 3, chunkCount(t, st))

	// Missing chunks are tolerated.
	require.NoError(t, st.Delete(ctx, storage.ChunkKey(dm.Chunks[0].Name)))
	require.NoError(t, enc.DeleteAllChunks(ctx, st, dm))
	assert.Equal(t, 0, chunkCount(t, st))

	// Idempotent.
	require.NoError(t, enc.DeleteAllChunks(ctx, st, dm))
}

func TestMoveChunks(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New(), memory.New()
	enc := newTestEncryptor(t, "lz4")
	data := randomBytes(t, 9000)

	dm, err := StoreBytes(ctx, enc, src, data)
	require.NoError(t, err)
	before := dm.Clone()

	require.NoError(t, enc.MoveChunks(ctx, dm, src, dst))

	assert.True(t, before.Equal(dm), "data map must not change")
	assert.Equal(t, 0, chunkCount(t, src))
	assert.Equal(t, 3, chunkCount(t, dst))

	got, err := ReadAll(ctx, enc, dst, dm)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// failingPut fails every Put after the first n.
type failingPut struct {
	*memory.MemoryStorage
	allowed int
}

func (f *failingPut) Put(ctx context.Context, key storage.Key, data []byte) error {
	if f.allowed == 0 {
		return fmt.Errorf("injected: %w", storage.ErrUnavailable)
	}
	f.allowed--
	return f.MemoryStorage.Put(ctx, key, data)
}

func TestMoveChunks_FailureLeavesSourceIntact(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	dst := &failingPut{MemoryStorage: memory.New(), allowed: 1}
	enc := newTestEncryptor(t, "none")

	dm, err := StoreBytes(ctx, enc, src, randomBytes(t, 9000))
	require.NoError(t, err)

	err = enc.MoveChunks(ctx, dm, src, dst)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 3, chunkCount(t, src))
	assert.Equal(t, 0, chunkCount(t, dst.MemoryStorage))
}

func TestStore_FailureCleansUp(t *testing.T) {
	st := &failingPut{MemoryStorage: memory.New(), allowed: 2}
	enc := newTestEncryptor(t, "none")

	_, err := StoreBytes(context.Background(), enc, st, randomBytes(t, 20000))
	assert.True(t, errors.Is(err, storage.ErrUnavailable))
	assert.Equal(t, 0, chunkCount(t, st.MemoryStorage))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ChunkSize: 10})
	assert.Error(t, err)

	_, err = New(Config{Compression: "brotli"})
	assert.Error(t, err)

	enc, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, enc.chunkSize)
	assert.Equal(t, CompressionZstd, enc.compression)
}

func TestAllocatedSize(t *testing.T) {
	enc := newTestEncryptor(t, "none")
	dm, err := StoreBytes(context.Background(), enc, memory.New(), []byte("hi"))
	require.NoError(t, err)

	assert.Equal(t, int64(2+blobOverhead), dm.AllocatedSize())
	assert.Equal(t, int64(0), (*DataMap)(nil).AllocatedSize())
}
