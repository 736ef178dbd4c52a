package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/marmos91/dittodrive/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	st, err := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, mock
}

func TestPostgresStorage_Get(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM dittodrive_blobs WHERE key = $1`)).
		WithArgs("chunk/a").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("hello")))

	data, err := st.Get(context.Background(), "chunk/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_GetNotFound(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM dittodrive_blobs WHERE key = $1`)).
		WithArgs("chunk/missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := st.Get(context.Background(), "chunk/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_Put(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dittodrive_blobs (key, value) VALUES ($1, $2)`)).
		WithArgs("dir/owner/abc", []byte("record")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, st.Put(context.Background(), "dir/owner/abc", []byte("record")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_PutUnavailable(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dittodrive_blobs`)).
		WillReturnError(errors.New("connection refused"))

	err := st.Put(context.Background(), "chunk/a", []byte("x"))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestPostgresStorage_Delete(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dittodrive_blobs WHERE key = $1`)).
		WithArgs("chunk/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dittodrive_blobs WHERE key = $1`)).
		WithArgs("chunk/a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.Delete(context.Background(), "chunk/a"))
	assert.ErrorIs(t, st.Delete(context.Background(), "chunk/a"), storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_Keys(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key FROM dittodrive_blobs WHERE key LIKE $1`)).
		WithArgs(`dir/owner\_x/%`).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("dir/owner_x/1").AddRow("dir/owner_x/2"))

	keys, err := st.Keys(context.Background(), "dir/owner_x/")
	require.NoError(t, err)
	assert.Equal(t, []storage.Key{"dir/owner_x/1", "dir/owner_x/2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_EnsureSchema(t *testing.T) {
	st, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS dittodrive_blobs`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDB_RejectsBadTable(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	_, err = NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), "blobs; DROP TABLE x")
	assert.Error(t, err)
}
