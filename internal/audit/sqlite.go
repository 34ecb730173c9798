package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// SQLiteSink records entries in a sqlite table instead of a flat file,
// for callers who want to query the ledger (by connection, by kind, by
// time range) rather than scan a JSONL stream. Grounded on the
// teacher's own sqlite usage (internal/storage/sqlite/external_deps.go:
// database/sql with the "sqlite3" driver registered by blank-importing
// github.com/ncruces/go-sqlite3/driver and /embed, exactly as
// internal/syncbranch does).
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) a sqlite-backed ledger at
// path and ensures its events table exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping sqlite ledger: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	connection TEXT,
	monitor    TEXT,
	worker     TEXT,
	detail     TEXT,
	extra      TEXT
);
CREATE INDEX IF NOT EXISTS events_connection_idx ON events(connection);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events(kind);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create events table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts e as one row, assigning an ID/timestamp if absent.
func (s *SQLiteSink) Append(ctx context.Context, e *Entry) (string, error) {
	if err := prepare(e); err != nil {
		return "", err
	}

	var extraJSON []byte
	if len(e.Extra) > 0 {
		var err error
		extraJSON, err = json.Marshal(e.Extra)
		if err != nil {
			return "", fmt.Errorf("audit: marshal extra: %w", err)
		}
	}

	const insert = `
INSERT INTO events (id, kind, created_at, connection, monitor, worker, detail, extra)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, insert,
		e.ID, string(e.Kind), e.CreatedAt.Format(sqliteTimeLayout),
		e.Connection, e.Monitor, e.Worker, e.Detail, string(extraJSON),
	)
	if err != nil {
		return "", fmt.Errorf("audit: insert entry: %w", err)
	}
	return e.ID, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

// Query returns every entry matching the optional connection/kind
// filters (empty string = no filter on that column), newest first.
func (s *SQLiteSink) Query(ctx context.Context, connection string, kind Kind) ([]Entry, error) {
	q := `SELECT id, kind, created_at, connection, monitor, worker, detail, extra FROM events WHERE 1=1`
	var args []any
	if connection != "" {
		q += " AND connection = ?"
		args = append(args, connection)
	}
	if kind != "" {
		q += " AND kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kindStr, createdAtStr, extraStr string
		if err := rows.Scan(&e.ID, &kindStr, &createdAtStr, &e.Connection, &e.Monitor, &e.Worker, &e.Detail, &extraStr); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Kind = Kind(kindStr)
		if t, err := parseTimestamp(createdAtStr); err == nil {
			e.CreatedAt = t
		}
		if extraStr != "" {
			if err := json.Unmarshal([]byte(extraStr), &e.Extra); err != nil {
				return nil, fmt.Errorf("audit: decode extra: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
