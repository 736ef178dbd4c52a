package drive

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/marmos91/dittodrive/pkg/storage/memory"
	"github.com/stretchr/testify/require"
)

// faultyStorage wraps memory storage with call counters and injectable
// failures.
type faultyStorage struct {
	*memory.MemoryStorage

	mu         sync.Mutex
	gets       int
	puts       int
	deletes    int
	failGet    func(key storage.Key) bool
	failPut    func(key storage.Key) bool
	failDelete func(key storage.Key) bool
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{MemoryStorage: memory.New()}
}

func (s *faultyStorage) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	fail := s.failGet != nil && s.failGet(key)
	s.mu.Unlock()
	if fail {
		return nil, storage.ErrUnavailable
	}
	return s.MemoryStorage.Get(ctx, key)
}

func (s *faultyStorage) Put(ctx context.Context, key storage.Key, data []byte) error {
	s.mu.Lock()
	s.puts++
	fail := s.failPut != nil && s.failPut(key)
	s.mu.Unlock()
	if fail {
		return storage.ErrUnavailable
	}
	return s.MemoryStorage.Put(ctx, key, data)
}

func (s *faultyStorage) Delete(ctx context.Context, key storage.Key) error {
	s.mu.Lock()
	s.deletes++
	fail := s.failDelete != nil && s.failDelete(key)
	s.mu.Unlock()
	if fail {
		return storage.ErrUnavailable
	}
	return s.MemoryStorage.Delete(ctx, key)
}

// writes returns the number of Put and Delete calls so far.
func (s *faultyStorage) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts + s.deletes
}

// failPutsOf makes every Put of a record of dir fail until reset.
func (s *faultyStorage) failPutsOf(id DirectoryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = func(key storage.Key) bool {
		return strings.HasSuffix(string(key), id.String())
	}
}

func (s *faultyStorage) failAllPuts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = func(storage.Key) bool { return true }
}

func (s *faultyStorage) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet, s.failPut, s.failDelete = nil, nil, nil
}

func (s *faultyStorage) count(t *testing.T, prefix string) int {
	t.Helper()
	n, err := storage.CountKeys(context.Background(), s, prefix)
	require.NoError(t, err)
	return n
}

func (s *faultyStorage) chunks(t *testing.T) int {
	return s.count(t, storage.ChunkPrefix)
}

func (s *faultyStorage) hasDirectory(t *testing.T, bt BackendType, id DirectoryID) bool {
	t.Helper()
	_, err := s.MemoryStorage.Get(context.Background(), directoryKey(bt, id))
	if storage.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

// testDrive is a RootHandler over faulty memory backends, recording the
// service callbacks.
type testDrive struct {
	*RootHandler

	def    *faultyStorage
	stores map[string]*faultyStorage
	enc    *encrypt.SelfEncryptor

	mu      sync.Mutex
	added   int
	removed []string
	renamed [][2]string
}

type driveOption func(*RootConfig)

func withoutDefaultStorage() driveOption {
	return func(c *RootConfig) { c.DefaultStorage = nil }
}

func withReadOnly(aliases ...string) driveOption {
	return func(c *RootConfig) { c.ReadOnlyServices = aliases }
}

func withCacheSize(n int) driveOption {
	return func(c *RootConfig) { c.CacheSize = n }
}

func newTestEncryptor(t *testing.T) *encrypt.SelfEncryptor {
	t.Helper()
	enc, err := encrypt.New(encrypt.Config{ChunkSize: 4096, Compression: "zstd"})
	require.NoError(t, err)
	return enc
}

func newTestDrive(t *testing.T, opts ...driveOption) *testDrive {
	t.Helper()

	d := &testDrive{
		def:    newFaultyStorage(),
		stores: make(map[string]*faultyStorage),
		enc:    newTestEncryptor(t),
	}

	cfg := RootConfig{
		DefaultStorage: d.def,
		UserID:         "alice",
		Encryptor:      d.enc,
		OpenStorage: func(_ context.Context, storePath string) (storage.Storage, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			st, ok := d.stores[storePath]
			if !ok {
				st = newFaultyStorage()
				d.stores[storePath] = st
			}
			return st, nil
		},
		OnServiceAdded: func() {
			d.mu.Lock()
			d.added++
			d.mu.Unlock()
		},
		OnServiceRemoved: func(alias string) {
			d.mu.Lock()
			d.removed = append(d.removed, alias)
			d.mu.Unlock()
		},
		OnServiceRenamed: func(oldAlias, newAlias string) {
			d.mu.Lock()
			d.renamed = append(d.renamed, [2]string{oldAlias, newAlias})
			d.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	root, err := NewRootHandler(context.Background(), cfg)
	require.NoError(t, err)
	d.RootHandler = root
	return d
}

// store returns the backend opened for storePath.
func (d *testDrive) store(storePath string) *faultyStorage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stores[storePath]
}

func (d *testDrive) mount(t *testing.T, alias string) *faultyStorage {
	t.Helper()
	_, err := d.AddService(context.Background(), alias, "mem://"+alias, DirectoryID{})
	require.NoError(t, err)
	return d.store("mem://" + alias)
}

func (d *testDrive) mkdir(t *testing.T, path string) MetaData {
	t.Helper()
	meta, err := d.Mkdir(context.Background(), path, 0o755)
	require.NoError(t, err)
	return meta
}

func (d *testDrive) write(t *testing.T, path string, content string) MetaData {
	t.Helper()
	meta, err := d.WriteFile(context.Background(), path, strings.NewReader(content), 0o644)
	require.NoError(t, err)
	return meta
}

func (d *testDrive) read(t *testing.T, path string) string {
	t.Helper()
	data, err := d.ReadAll(context.Background(), path)
	require.NoError(t, err)
	return string(data)
}

func (d *testDrive) meta(t *testing.T, path string) MetaData {
	t.Helper()
	meta, _, _, err := d.GetMetaData(context.Background(), path)
	require.NoError(t, err)
	return meta
}

func (d *testDrive) names(t *testing.T, path string) []string {
	t.Helper()
	children, err := d.ListDirectory(context.Background(), path)
	require.NoError(t, err)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name
	}
	return names
}

// requireCode asserts err carries the given drive error code.
func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	got, ok := CodeOf(err)
	require.True(t, ok, "not a drive error: %v", err)
	require.Equal(t, code, got, "unexpected code for %v", err)
}

// bigContent returns n bytes spanning several 4 KiB chunks.
func bigContent(n int) string {
	return strings.Repeat("0123456789abcdef", n/16+1)[:n]
}
