package testing

import (
	"sort"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunListTests executes Lister tests. Skipped for backends that cannot list.
func (suite *StoreTestSuite) RunListTests(t *testing.T) {
	t.Run("Keys_Prefix", suite.testKeysPrefix)
	t.Run("Keys_AfterDelete", suite.testKeysAfterDelete)
	t.Run("CountKeys", suite.testCountKeys)
}

func (suite *StoreTestSuite) testKeysPrefix(t *testing.T) {
	st := suite.NewStore()
	lister, ok := st.(storage.Lister)
	if !ok {
		t.Skip("Store does not implement Lister")
	}

	prefix := string(generateTestKey("list/", "prefix")) + "/"
	a := storage.Key(prefix + "a")
	b := storage.Key(prefix + "b")
	other := generateTestKey("list/", "other")

	mustPut(t, st, a, []byte("a"))
	mustPut(t, st, b, []byte("b"))
	mustPut(t, st, other, []byte("other"))

	keys, err := lister.Keys(testContext(), prefix)
	require.NoError(t, err)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	assert.Equal(t, []storage.Key{a, b}, keys)
}

func (suite *StoreTestSuite) testKeysAfterDelete(t *testing.T) {
	st := suite.NewStore()
	lister, ok := st.(storage.Lister)
	if !ok {
		t.Skip("Store does not implement Lister")
	}

	prefix := string(generateTestKey("list/", "deleted")) + "/"
	key := storage.Key(prefix + "gone")

	mustPut(t, st, key, []byte("x"))
	mustDelete(t, st, key)

	keys, err := lister.Keys(testContext(), prefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func (suite *StoreTestSuite) testCountKeys(t *testing.T) {
	st := suite.NewStore()
	if _, ok := st.(storage.Lister); !ok {
		t.Skip("Store does not implement Lister")
	}

	prefix := string(generateTestKey("list/", "count")) + "/"
	for _, name := range []string{"1", "2", "3"} {
		mustPut(t, st, storage.Key(prefix+name), []byte(name))
	}

	n, err := storage.CountKeys(testContext(), st, prefix)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
