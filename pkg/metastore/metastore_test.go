package metastore_test

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/ieim/pkg/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testRecord(mid, queue string) metastore.MessageRecord {
	return metastore.MessageRecord{
		MessageID:     mid,
		RunID:         "run-1",
		Fingerprint:   "sha256:abcd12ef34ab56cd78ef90ab12cd34ef56ab78cd90ef12ab34cd56ef78ab90cd",
		RawMIMESHA256: "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		QueueID:       queue,
		IngestedAt:    "2026-08-26T10:00:00Z",
	}
}

func TestInMemoryStorePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewInMemoryStore()

	created, err := store.PutIfAbsent(ctx, "raw:sha256:aa", "msg-1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.PutIfAbsent(ctx, "raw:sha256:aa", "msg-2")
	require.NoError(t, err)
	assert.False(t, created)

	value, ok, err := store.Get(ctx, "raw:sha256:aa")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "msg-1", value)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, err := metastore.NewSQLStore(ctx, db, metastore.DialectSQLite)
	require.NoError(t, err)

	created, err := store.PutIfAbsent(ctx, "k", "v1")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.PutIfAbsent(ctx, "k", "v2")
	require.NoError(t, err)
	assert.False(t, created)

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", value)

	require.NoError(t, store.IndexMessage(ctx, testRecord("msg-1", "QUEUE_CLAIMS_INTAKE")))
	require.NoError(t, store.IndexMessage(ctx, testRecord("msg-1", "QUEUE_CLAIMS_INTAKE"))) // replay
	require.NoError(t, store.IndexMessage(ctx, testRecord("msg-2", "QUEUE_PRIVACY_DSR")))

	claims, err := store.MessagesByQueue(ctx, "QUEUE_CLAIMS_INTAKE")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "msg-1", claims[0].MessageID)

	empty, err := store.MessagesByQueue(ctx, "QUEUE_SECURITY_REVIEW")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresDialectPlaceholders(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ieim_meta_kv").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ieim_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS ieim_messages_queue_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := metastore.NewSQLStore(ctx, db, metastore.DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO ieim_meta_kv \(key, value\) VALUES \(\$1, \$2\) ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("k", "v").
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := store.PutIfAbsent(ctx, "k", "v")
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectQuery(`SELECT value FROM ieim_meta_kv WHERE key = \$1`).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("v"))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	require.NoError(t, mock.ExpectationsWereMet())
}
