package encrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SaltSize is the size of the per-content random salt mixed into every
// chunk key derivation.
const SaltSize = 16

// blobVersion is the first byte of every stored chunk blob. It is also
// authenticated as additional data, so tampering with it fails decryption.
const blobVersion byte = 0x01

// blobOverhead is 1 (version) + 24 (nonce) + 16 (Poly1305 tag).
const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// MaxBlobSize returns the size of the largest blob stored for chunks of
// chunkSize plaintext bytes (0 selects DefaultChunkSize).
func MaxBlobSize(chunkSize int) int {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return chunkSize + blobOverhead
}

var hkdfInfoChunk = []byte("dittodrive.chunk.v1")

// newSalt returns SaltSize random bytes.
func newSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// deriveChunkKey derives the 32-byte chunk key from the plaintext hash and
// the data map salt with HKDF-SHA256.
func deriveChunkKey(plainHash Hash, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, plainHash[:], salt, hkdfInfoChunk)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving chunk key: %w", err)
	}
	return key, nil
}

// sealChunk encrypts a (compressed) chunk into the stored blob format:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The version byte and the plaintext hash are the AEAD additional data,
// binding the blob to the chunk it claims to be.
func sealChunk(payload []byte, plainHash Hash, salt []byte) ([]byte, error) {
	key, err := deriveChunkKey(plainHash, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), blobOverhead+len(payload))
	out[0] = blobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], payload, additionalData(plainHash)), nil
}

// openChunk decrypts a blob produced by sealChunk.
func openChunk(blob []byte, plainHash Hash, salt []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrCorrupt, len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrCorrupt, blob[0])
	}

	key, err := deriveChunkKey(plainHash, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	payload, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], additionalData(plainHash))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed: %v", ErrCorrupt, err)
	}
	return payload, nil
}

func additionalData(plainHash Hash) []byte {
	aad := make([]byte, 1+len(plainHash))
	aad[0] = blobVersion
	copy(aad[1:], plainHash[:])
	return aad
}
