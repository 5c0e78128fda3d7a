package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    namespace   TEXT    NOT NULL,
    entity      TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    -- Version as epoch milliseconds; one row per version.
    version     INTEGER NOT NULL,
    data        TEXT,
    -- 1 for tombstones written by Delete.
    deleted     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (namespace, entity, id, version)
);
`

// SQLiteStore persists documents in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the document database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateOrOverwrite implements Store.
func (s *SQLiteStore) CreateOrOverwrite(ctx context.Context, doc Document) error {
	return s.upsert(ctx, doc.Key, string(doc.Data), false)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	return s.upsert(ctx, key, "", true)
}

func (s *SQLiteStore) upsert(ctx context.Context, key Key, data string, deleted bool) error {
	const q = `
		INSERT INTO documents (namespace, entity, id, version, data, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, entity, id, version)
		DO UPDATE SET data = excluded.data, deleted = excluded.deleted`

	var value any
	if data != "" {
		value = data
	}
	_, err := s.db.ExecContext(ctx, q, key.Namespace, key.Entity, key.ID, key.Version.UnixMilli(), value, deleted)
	if err != nil {
		return fmt.Errorf("docstore: write %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, namespace, entity, id string) (Document, error) {
	const q = `
		SELECT version, COALESCE(data, ''), deleted
		FROM   documents
		WHERE  namespace = ? AND entity = ? AND id = ?
		ORDER  BY version DESC
		LIMIT  1`

	var (
		version int64
		data    string
		deleted bool
	)
	err := s.db.QueryRowContext(ctx, q, namespace, entity, id).Scan(&version, &data, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("docstore: get %s/%s/%s: %w", namespace, entity, id, err)
	}
	if deleted {
		return Document{}, ErrNotFound
	}
	return Document{
		Key:  Key{Namespace: namespace, Entity: entity, ID: id, Version: time.UnixMilli(version).UTC()},
		Data: []byte(data),
	}, nil
}
