package testing

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorIs checks if the error matches the expected error using errors.Is.
func AssertErrorIs(t *testing.T, expected error, actual error) {
	t.Helper()
	if !errors.Is(actual, expected) {
		t.Errorf("Expected error %v, got %v", expected, actual)
	}
}

var keyCounter atomic.Uint64

// generateTestKey returns a key unique within the test process, so suites
// can share a backend (S3 bucket, redis db) without colliding.
func generateTestKey(prefix, name string) storage.Key {
	return storage.Key(fmt.Sprintf("%s%s-%d", prefix, name, keyCounter.Add(1)))
}

// mustPut stores data and fails the test if it errors.
func mustPut(t *testing.T, st storage.Storage, key storage.Key, data []byte) {
	t.Helper()
	err := st.Put(testContext(), key, data)
	require.NoError(t, err, "Put should succeed")
}

// mustGet reads data and fails the test if it errors.
func mustGet(t *testing.T, st storage.Storage, key storage.Key) []byte {
	t.Helper()
	data, err := st.Get(testContext(), key)
	require.NoError(t, err, "Get should succeed")
	return data
}

// mustDelete deletes a key and fails the test if it errors.
func mustDelete(t *testing.T, st storage.Storage, key storage.Key) {
	t.Helper()
	err := st.Delete(testContext(), key)
	require.NoError(t, err, "Delete should succeed")
}

// assertMissing checks that key is not stored.
func assertMissing(t *testing.T, st storage.Storage, key storage.Key) {
	t.Helper()
	_, err := st.Get(testContext(), key)
	AssertErrorIs(t, storage.ErrNotFound, err)
}

// assertValue checks that key holds the expected data.
func assertValue(t *testing.T, st storage.Storage, key storage.Key, expected []byte) {
	t.Helper()
	actual := mustGet(t, st, key)
	assert.Equal(t, expected, actual, "Stored value mismatch")
}
