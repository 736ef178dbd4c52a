package encrypt

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// HashBytes returns the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ChunkRef describes one encrypted chunk of a file.
//
// Name is the storage name of the chunk (hex BLAKE3 of the stored blob);
// the chunk lives under storage.ChunkKey(Name). A chunk whose blob is small
// enough to travel with the data map carries it in Data instead and has no
// Name.
type ChunkRef struct {
	Name        string      `cbor:"name,omitempty"`
	PlainHash   Hash        `cbor:"hash"`
	Size        uint32      `cbor:"size"`
	StoredSize  uint32      `cbor:"stored"`
	Compression Compression `cbor:"comp"`
	Data        []byte      `cbor:"data,omitempty"`
}

// Inline reports whether the chunk blob is embedded in the data map.
func (c ChunkRef) Inline() bool {
	return c.Name == ""
}

// DataMap is everything needed to reassemble and decrypt one piece of
// content. Holding a DataMap is equivalent to holding the content; it is
// itself only ever persisted inside an encrypted directory listing (or, for
// the listing's own map, inside the directory record).
type DataMap struct {
	Size   uint64     `cbor:"size"`
	Salt   []byte     `cbor:"salt"`
	Chunks []ChunkRef `cbor:"chunks"`
}

// Clone returns a deep copy of the data map.
func (dm *DataMap) Clone() *DataMap {
	if dm == nil {
		return nil
	}
	out := &DataMap{
		Size:   dm.Size,
		Salt:   append([]byte(nil), dm.Salt...),
		Chunks: make([]ChunkRef, len(dm.Chunks)),
	}
	for i, c := range dm.Chunks {
		c.Data = append([]byte(nil), c.Data...)
		if len(c.Data) == 0 {
			c.Data = nil
		}
		out.Chunks[i] = c
	}
	return out
}

// Equal reports whether two data maps describe the same stored content.
func (dm *DataMap) Equal(other *DataMap) bool {
	if dm == nil || other == nil {
		return dm == other
	}
	if dm.Size != other.Size || !bytes.Equal(dm.Salt, other.Salt) || len(dm.Chunks) != len(other.Chunks) {
		return false
	}
	for i := range dm.Chunks {
		a, b := dm.Chunks[i], other.Chunks[i]
		if a.Name != b.Name || a.PlainHash != b.PlainHash || a.Size != b.Size ||
			a.StoredSize != b.StoredSize || a.Compression != b.Compression || !bytes.Equal(a.Data, b.Data) {
			return false
		}
	}
	return true
}

// AllocatedSize returns the number of bytes the content occupies once
// stored, inline chunks included.
func (dm *DataMap) AllocatedSize() int64 {
	if dm == nil {
		return 0
	}
	var total int64
	for _, c := range dm.Chunks {
		total += int64(c.StoredSize)
	}
	return total
}

// StoredChunks returns the names of the chunks kept in a backend.
func (dm *DataMap) StoredChunks() []string {
	if dm == nil {
		return nil
	}
	names := make([]string, 0, len(dm.Chunks))
	for _, c := range dm.Chunks {
		if !c.Inline() {
			names = append(names, c.Name)
		}
	}
	return names
}

// Validate checks the structural consistency of a decoded data map.
func (dm *DataMap) Validate() error {
	// The zero DataMap describes empty content that was never stored.
	if dm.Size == 0 && len(dm.Chunks) == 0 && len(dm.Salt) == 0 {
		return nil
	}
	if len(dm.Salt) != SaltSize {
		return fmt.Errorf("%w: salt is %d bytes, expected %d", ErrCorrupt, len(dm.Salt), SaltSize)
	}
	var total uint64
	for i, c := range dm.Chunks {
		if c.Inline() && len(c.Data) == 0 {
			return fmt.Errorf("%w: chunk %d has neither name nor data", ErrCorrupt, i)
		}
		if !c.Inline() && len(c.Data) != 0 {
			return fmt.Errorf("%w: chunk %d has both name and data", ErrCorrupt, i)
		}
		total += uint64(c.Size)
	}
	if total != dm.Size {
		return fmt.Errorf("%w: chunk sizes add up to %d, data map says %d", ErrCorrupt, total, dm.Size)
	}
	return nil
}
