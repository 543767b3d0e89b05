package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// SQL dialects the store runs on.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore runs on SQLite (default, modernc driver) or Postgres (lib/pq).
// The schema is created on construction; both dialects share the same DDL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore migrates the schema and returns the store. The caller owns
// the *sql.DB and its driver import.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported metastore dialect: %s", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ieim_meta_kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ieim_messages (
			message_id      TEXT NOT NULL,
			run_id          TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			raw_mime_sha256 TEXT NOT NULL,
			queue_id        TEXT NOT NULL,
			ingested_at     TEXT NOT NULL,
			PRIMARY KEY (message_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS ieim_messages_queue_idx ON ieim_messages (queue_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("metastore migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value FROM ieim_meta_kv WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) PutIfAbsent(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ieim_meta_kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`),
		key, value)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLStore) IndexMessage(ctx context.Context, rec MessageRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ieim_messages
			(message_id, run_id, fingerprint, raw_mime_sha256, queue_id, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id, run_id) DO NOTHING`),
		rec.MessageID, rec.RunID, rec.Fingerprint, rec.RawMIMESHA256, rec.QueueID, rec.IngestedAt)
	return err
}

func (s *SQLStore) MessagesByQueue(ctx context.Context, queueID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT message_id, run_id, fingerprint, raw_mime_sha256, queue_id, ingested_at
		 FROM ieim_messages WHERE queue_id = ?
		 ORDER BY message_id, run_id`), queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []MessageRecord{}
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.MessageID, &rec.RunID, &rec.Fingerprint,
			&rec.RawMIMESHA256, &rec.QueueID, &rec.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
