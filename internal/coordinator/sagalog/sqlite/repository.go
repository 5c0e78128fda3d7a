// Package sqlite provides a SQLite-backed implementation of sagalog.Store.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa. Recovery reads a partition while the nodes of other executions keep
// appending to theirs.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite needs no CGO, which keeps the Docker build simple.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup.
// Entries are append-only: each row is an immutable record of a saga step.
const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    -- Owning instance and local partition name, e.g. ("7f3c...", "03").
    instance_id     TEXT        NOT NULL,
    log_name        TEXT        NOT NULL,
    PRIMARY KEY (instance_id, log_name)
);

CREATE TABLE IF NOT EXISTS saga_log_entries (
    -- Insertion order within the database; log order within a partition.
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,

    instance_id     TEXT        NOT NULL,
    log_name        TEXT        NOT NULL,

    -- ULID of the saga execution. Not UNIQUE: one row per node.
    execution_id    TEXT        NOT NULL,

    -- Saga node id, "S" and "E" mark start and end.
    node_id         TEXT        NOT NULL,

    saga_name       TEXT        NOT NULL,

    -- entity/resourceId/versionEpochMillis of the write.
    position_key    TEXT        NOT NULL DEFAULT '',

    -- Saga input on "S" rows, node output otherwise. NULL when empty.
    payload         TEXT,

    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 stored as TEXT, SQLite idiom.
    created_at      TEXT        NOT NULL,

    FOREIGN KEY (instance_id, log_name) REFERENCES saga_logs(instance_id, log_name) ON DELETE CASCADE
);

-- Partition reads and execution truncation.
CREATE INDEX IF NOT EXISTS idx_saga_log_entries_partition
    ON saga_log_entries(instance_id, log_name, execution_id);

-- Observability: "find the saga for trace Y".
CREATE INDEX IF NOT EXISTS idx_saga_log_entries_trace_id ON saga_log_entries(trace_id);
`

// Store is the SQLite implementation of sagalog.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	store, err := sqlite.Open("./data/sagalog.db")
func Open(path string) (*Store, error) {
	// WAL enables concurrent readers. foreign_keys=on cascades partition
	// removal to its entries. busy_timeout waits for locks instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (s *Store) Close() error {
	return s.db.Close()
}

// Open implements sagalog.Store.
func (s *Store) Open(ctx context.Context, id sagalog.ID) (sagalog.Log, error) {
	const q = `INSERT OR IGNORE INTO saga_logs (instance_id, log_name) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, q, id.InstanceID, id.LogName); err != nil {
		return nil, fmt.Errorf("sqlite: register partition %s: %w", id, err)
	}
	return &Log{db: s.db, id: id}, nil
}

// IDs implements sagalog.Store.
func (s *Store) IDs(ctx context.Context) ([]sagalog.ID, error) {
	const q = `SELECT instance_id, log_name FROM saga_logs ORDER BY instance_id, log_name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list partitions: %w", err)
	}
	defer rows.Close()

	var out []sagalog.ID
	for rows.Next() {
		var id sagalog.ID
		if err := rows.Scan(&id.InstanceID, &id.LogName); err != nil {
			return nil, fmt.Errorf("sqlite: scan partition: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list partitions: %w", err)
	}
	return out, nil
}

// Remove implements sagalog.Store.
func (s *Store) Remove(ctx context.Context, id sagalog.ID) error {
	const q = `DELETE FROM saga_logs WHERE instance_id = ? AND log_name = ?`
	if _, err := s.db.ExecContext(ctx, q, id.InstanceID, id.LogName); err != nil {
		return fmt.Errorf("sqlite: remove partition %s: %w", id, err)
	}
	return nil
}

// Log is one partition stored in SQLite.
type Log struct {
	db *sql.DB
	id sagalog.ID
}

// ID implements sagalog.Log.
func (l *Log) ID() sagalog.ID { return l.id }

// Append inserts a new entry. It is safe to call concurrently.
func (l *Log) Append(ctx context.Context, entry sagalog.Entry) error {
	const q = `
		INSERT INTO saga_log_entries
			(instance_id, log_name, execution_id, node_id, saga_name, position_key, payload, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, q,
		l.id.InstanceID,
		l.id.LogName,
		entry.ExecutionID.String(),
		entry.NodeID,
		entry.SagaName,
		entry.PositionKey,
		nullableString(string(entry.Payload)),
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append %s/%s to %s: %w", entry.ExecutionID, entry.NodeID, l.id, err)
	}
	return nil
}

const selectEntries = `
	SELECT execution_id, node_id, saga_name, position_key, COALESCE(payload, ''),
	       trace_id, span_id, created_at
	FROM   saga_log_entries
	WHERE  instance_id = ? AND log_name = ?`

// ReadIncomplete implements sagalog.Log.
func (l *Log) ReadIncomplete(ctx context.Context) ([]sagalog.Entry, error) {
	const q = selectEntries + `
	  AND  execution_id IN (
	           SELECT execution_id FROM saga_log_entries
	           WHERE  instance_id = ? AND log_name = ? AND node_id = 'S')
	  AND  execution_id NOT IN (
	           SELECT execution_id FROM saga_log_entries
	           WHERE  instance_id = ? AND log_name = ? AND node_id = 'E')
	ORDER  BY seq`
	return l.query(ctx, q,
		l.id.InstanceID, l.id.LogName,
		l.id.InstanceID, l.id.LogName,
		l.id.InstanceID, l.id.LogName,
	)
}

// ReadAll implements sagalog.Log.
func (l *Log) ReadAll(ctx context.Context) ([]sagalog.Entry, error) {
	return l.query(ctx, selectEntries+` ORDER BY seq`, l.id.InstanceID, l.id.LogName)
}

// Truncate implements sagalog.Log.
func (l *Log) Truncate(ctx context.Context) error {
	const q = `DELETE FROM saga_log_entries WHERE instance_id = ? AND log_name = ?`
	if _, err := l.db.ExecContext(ctx, q, l.id.InstanceID, l.id.LogName); err != nil {
		return fmt.Errorf("sqlite: truncate %s: %w", l.id, err)
	}
	return nil
}

// TruncateExecution implements sagalog.Log.
func (l *Log) TruncateExecution(ctx context.Context, executionID ulid.ULID) error {
	const q = `DELETE FROM saga_log_entries WHERE instance_id = ? AND log_name = ? AND execution_id = ?`
	if _, err := l.db.ExecContext(ctx, q, l.id.InstanceID, l.id.LogName, executionID.String()); err != nil {
		return fmt.Errorf("sqlite: truncate %s in %s: %w", executionID, l.id, err)
	}
	return nil
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]sagalog.Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", l.id, err)
	}
	defer rows.Close()

	var out []sagalog.Entry
	for rows.Next() {
		var (
			entry       sagalog.Entry
			executionID string
			payload     string
			createdAt   string
		)
		err := rows.Scan(
			&executionID,
			&entry.NodeID,
			&entry.SagaName,
			&entry.PositionKey,
			&payload,
			&entry.TraceID,
			&entry.SpanID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entry of %s: %w", l.id, err)
		}
		if entry.ExecutionID, err = ulid.ParseStrict(executionID); err != nil {
			return nil, fmt.Errorf("sqlite: parse execution id %q: %w", executionID, err)
		}
		if payload != "" {
			entry.Payload = []byte(payload)
		}
		if entry.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", l.id, err)
	}
	return out, nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so SQLite stores NULL instead
// of an empty TEXT.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
