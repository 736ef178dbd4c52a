package testing

import (
	"bytes"
	"sync"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBasicTests executes Get/Put/Delete contract tests.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Put_Get", suite.testPutGet)
	t.Run("Put_Overwrite", suite.testPutOverwrite)
	t.Run("Put_Empty", suite.testPutEmpty)
	t.Run("Put_Large", suite.testPutLarge)
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Delete_Success", suite.testDeleteSuccess)
	t.Run("Delete_NotFound", suite.testDeleteNotFound)
	t.Run("Put_CallerBufferIsolated", suite.testCallerBufferIsolated)
}

// RunKeyTests checks that both key namespaces used by the drive round-trip.
func (suite *StoreTestSuite) RunKeyTests(t *testing.T) {
	t.Run("ChunkKey", suite.testChunkKey)
	t.Run("DirectoryKey", suite.testDirectoryKey)
}

// RunConcurrencyTests checks that the backend is safe for concurrent use.
func (suite *StoreTestSuite) RunConcurrencyTests(t *testing.T) {
	t.Run("ParallelPuts", suite.testParallelPuts)
}

// ============================================================================
// Get / Put / Delete
// ============================================================================

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "put-get")

	mustPut(t, st, key, []byte("Hello, World!"))
	assertValue(t, st, key, []byte("Hello, World!"))
}

func (suite *StoreTestSuite) testPutOverwrite(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "overwrite")

	mustPut(t, st, key, []byte("Old data"))
	mustPut(t, st, key, []byte("New data that is longer"))
	assertValue(t, st, key, []byte("New data that is longer"))
}

func (suite *StoreTestSuite) testPutEmpty(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "empty")

	mustPut(t, st, key, []byte{})
	data := mustGet(t, st, key)
	assert.Len(t, data, 0)
}

func (suite *StoreTestSuite) testPutLarge(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "large")

	data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1MB
	mustPut(t, st, key, data)
	assertValue(t, st, key, data)
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	st := suite.NewStore()
	assertMissing(t, st, generateTestKey(storage.ChunkPrefix, "missing"))
}

func (suite *StoreTestSuite) testDeleteSuccess(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "delete")

	mustPut(t, st, key, []byte("to be deleted"))
	mustDelete(t, st, key)
	assertMissing(t, st, key)
}

func (suite *StoreTestSuite) testDeleteNotFound(t *testing.T) {
	st := suite.NewStore()
	err := st.Delete(testContext(), generateTestKey(storage.ChunkPrefix, "delete-missing"))
	AssertErrorIs(t, storage.ErrNotFound, err)
}

func (suite *StoreTestSuite) testCallerBufferIsolated(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.ChunkPrefix, "isolated")

	buf := []byte("original")
	mustPut(t, st, key, buf)
	copy(buf, "XXXXXXXX")

	assertValue(t, st, key, []byte("original"))
}

// ============================================================================
// Key namespaces
// ============================================================================

func (suite *StoreTestSuite) testChunkKey(t *testing.T) {
	st := suite.NewStore()
	key := storage.ChunkKey("af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262")

	mustPut(t, st, key, []byte{0x00, 0xff, 0x10})
	assertValue(t, st, key, []byte{0x00, 0xff, 0x10})
	mustDelete(t, st, key)
}

func (suite *StoreTestSuite) testDirectoryKey(t *testing.T) {
	st := suite.NewStore()
	key := generateTestKey(storage.DirectoryPrefix+"owner/", "0f8fad5b-d9cb-469f-a165-70867728950e")

	mustPut(t, st, key, []byte("record"))
	assertValue(t, st, key, []byte("record"))
}

// ============================================================================
// Concurrency
// ============================================================================

func (suite *StoreTestSuite) testParallelPuts(t *testing.T) {
	st := suite.NewStore()

	const workers = 8
	keys := make([]storage.Key, workers)
	for i := range keys {
		keys[i] = generateTestKey(storage.ChunkPrefix, "parallel")
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Put(testContext(), keys[i], []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assertValue(t, st, keys[i], []byte{byte(i)})
	}
}
