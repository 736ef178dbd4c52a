package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/marmos91/dittodrive/pkg/storage"
	storagetesting "github.com/marmos91/dittodrive/pkg/storage/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	st, err := New(context.Background(), Config{Addr: s.Addr(), KeyPrefix: "dd:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, s
}

func TestRedisStorage(t *testing.T) {
	suite := &storagetesting.StoreTestSuite{
		NewStore: func() storage.Storage {
			st, _ := newTestStorage(t)
			return st
		},
	}
	suite.Run(t)
}

func TestRedisStorage_KeyPrefix(t *testing.T) {
	st, s := newTestStorage(t)

	require.NoError(t, st.Put(context.Background(), "chunk/abc", []byte("x")))
	assert.True(t, s.Exists("dd:chunk/abc"))

	keys, err := st.Keys(context.Background(), "chunk/")
	require.NoError(t, err)
	assert.Equal(t, []storage.Key{"chunk/abc"}, keys)
}

func TestRedisStorage_ServerDown(t *testing.T) {
	st, s := newTestStorage(t)
	s.Close()

	_, err := st.Get(context.Background(), "chunk/abc")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
