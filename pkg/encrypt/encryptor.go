// Package encrypt implements self-encryption of content into chunks.
//
// Content is split into fixed-size chunks. Each chunk is compressed, then
// encrypted with XChaCha20-Poly1305 under a key derived from the chunk's
// own plaintext hash and a random per-content salt, and stored under the
// hash of the resulting blob. The returned DataMap is the only way back to
// the plaintext.
//
// Because every Store draws a fresh salt, identical content stored twice
// produces disjoint chunks. Deleting one copy can therefore never break
// another.
package encrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/storage"
)

const (
	// DefaultChunkSize is the plaintext chunk size when Config.ChunkSize is 0.
	DefaultChunkSize = 1 << 20

	// MaxChunkSize bounds Config.ChunkSize.
	MaxChunkSize = 16 << 20

	// InlineThreshold is the content size below which the single chunk
	// blob is kept in the data map instead of a backend.
	InlineThreshold = 1024
)

// ErrCorrupt indicates stored content that fails verification: a missing
// chunk, a blob whose hash does not match its name, or a failed
// authentication.
var ErrCorrupt = errors.New("encrypt: corrupt content")

// Encryptor stores and retrieves self-encrypted content in a backend.
type Encryptor interface {
	// Store reads r to EOF and stores it as encrypted chunks in st.
	Store(ctx context.Context, st storage.Storage, r io.Reader) (*DataMap, error)

	// Read returns a reader over the plaintext described by dm.
	Read(ctx context.Context, st storage.Storage, dm *DataMap) (io.ReadCloser, error)

	// DeleteAllChunks removes the stored chunks of dm. Missing chunks are
	// not an error.
	DeleteAllChunks(ctx context.Context, st storage.Storage, dm *DataMap) error

	// MoveChunks relocates the stored chunks of dm from src to dst. dm
	// stays valid and unchanged.
	MoveChunks(ctx context.Context, dm *DataMap, src, dst storage.Storage) error
}

// Config configures a SelfEncryptor.
type Config struct {
	// ChunkSize is the plaintext size of every chunk but the last
	// (default: 1 MiB, max: 16 MiB)
	ChunkSize int `mapstructure:"chunk_size" validate:"omitempty,min=4096,max=16777216"`

	// Compression is "none", "lz4" or "zstd" (default: zstd)
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=none lz4 zstd"`
}

// SelfEncryptor is the Encryptor implementation.
type SelfEncryptor struct {
	chunkSize   int
	compression Compression
}

var _ Encryptor = (*SelfEncryptor)(nil)

// New creates a SelfEncryptor.
func New(cfg Config) (*SelfEncryptor, error) {
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < InlineThreshold || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d out of range [%d, %d]", chunkSize, InlineThreshold, MaxChunkSize)
	}

	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &SelfEncryptor{chunkSize: chunkSize, compression: compression}, nil
}

// Store implements Encryptor.
//
// If storing any chunk fails, the chunks already written are deleted again
// before the error is returned.
func (e *SelfEncryptor) Store(ctx context.Context, st storage.Storage, r io.Reader) (*DataMap, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	dm := &DataMap{Salt: salt, Chunks: make([]ChunkRef, 0)}

	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			e.cleanup(st, dm)
			return nil, err
		}

		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			e.cleanup(st, dm)
			return nil, fmt.Errorf("reading content: %w", readErr)
		}
		if n > 0 {
			last := readErr != nil
			inline := last && len(dm.Chunks) == 0 && n < InlineThreshold

			ref, err := e.storeChunk(ctx, st, buf[:n], salt, inline)
			if err != nil {
				e.cleanup(st, dm)
				return nil, err
			}
			dm.Chunks = append(dm.Chunks, ref)
			dm.Size += uint64(n)
		}
		if readErr != nil {
			break
		}
	}

	return dm, nil
}

func (e *SelfEncryptor) storeChunk(ctx context.Context, st storage.Storage, plain []byte, salt []byte, inline bool) (ChunkRef, error) {
	plainHash := HashBytes(plain)

	payload, used, err := compress(plain, e.compression)
	if err != nil {
		return ChunkRef{}, err
	}

	blob, err := sealChunk(payload, plainHash, salt)
	if err != nil {
		return ChunkRef{}, err
	}

	ref := ChunkRef{
		PlainHash:   plainHash,
		Size:        uint32(len(plain)),
		StoredSize:  uint32(len(blob)),
		Compression: used,
	}
	if inline {
		ref.Data = blob
		return ref, nil
	}

	ref.Name = HashBytes(blob).String()
	if err := st.Put(ctx, storage.ChunkKey(ref.Name), blob); err != nil {
		return ChunkRef{}, fmt.Errorf("storing chunk %s: %w", ref.Name, err)
	}
	return ref, nil
}

// cleanup removes the chunks of a partially stored data map.
func (e *SelfEncryptor) cleanup(st storage.Storage, dm *DataMap) {
	if err := e.DeleteAllChunks(context.Background(), st, dm); err != nil {
		logger.Warn("encrypt: failed to clean up partially stored content: %v", err)
	}
}

// Read implements Encryptor. Chunks are fetched lazily as the reader is
// consumed; verification failures surface from Read as ErrCorrupt.
func (e *SelfEncryptor) Read(ctx context.Context, st storage.Storage, dm *DataMap) (io.ReadCloser, error) {
	if dm == nil {
		return nil, fmt.Errorf("%w: nil data map", ErrCorrupt)
	}
	if err := dm.Validate(); err != nil {
		return nil, err
	}
	return &chunkReader{ctx: ctx, st: st, dm: dm}, nil
}

// ReadAll is a convenience wrapper returning the whole plaintext.
func ReadAll(ctx context.Context, enc Encryptor, st storage.Storage, dm *DataMap) ([]byte, error) {
	rc, err := enc.Read(ctx, st, dm)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// StoreBytes is a convenience wrapper around Store for in-memory content.
func StoreBytes(ctx context.Context, enc Encryptor, st storage.Storage, data []byte) (*DataMap, error) {
	return enc.Store(ctx, st, bytes.NewReader(data))
}

// chunkReader streams the plaintext of a data map one chunk at a time.
type chunkReader struct {
	ctx  context.Context
	st   storage.Storage
	dm   *DataMap
	next int
	buf  []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= len(r.dm.Chunks) {
			return 0, io.EOF
		}
		plain, err := r.fetch(r.dm.Chunks[r.next])
		if err != nil {
			return 0, err
		}
		r.buf = plain
		r.next++
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) fetch(ref ChunkRef) ([]byte, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	blob := ref.Data
	if !ref.Inline() {
		var err error
		blob, err = r.st.Get(r.ctx, storage.ChunkKey(ref.Name))
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, fmt.Errorf("%w: chunk %s is missing", ErrCorrupt, ref.Name)
			}
			return nil, fmt.Errorf("fetching chunk %s: %w", ref.Name, err)
		}
		if HashBytes(blob).String() != ref.Name {
			return nil, fmt.Errorf("%w: chunk %s does not match its name", ErrCorrupt, ref.Name)
		}
	}

	payload, err := openChunk(blob, ref.PlainHash, r.dm.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := decompress(payload, ref.Compression, int(ref.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if HashBytes(plain) != ref.PlainHash {
		return nil, fmt.Errorf("%w: chunk plaintext hash mismatch", ErrCorrupt)
	}
	return plain, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.next = len(r.dm.Chunks)
	return nil
}
