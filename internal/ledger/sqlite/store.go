// Package sqlite provides a SQLite-backed ledger store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store keeps ledger entries in a single SQLite table.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite ledger: create directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("sqlite ledger: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("sqlite ledger: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Load returns every entry in insertion order.
func (s *Store) Load(ctx context.Context) ([]harvest.Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, state, recorded_at FROM ledger ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: query: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var entries []harvest.Entry
	for rows.Next() {
		var (
			id, rawState string
			recordedAt   time.Time
		)
		if err := rows.Scan(&id, &rawState, &recordedAt); err != nil {
			return nil, fmt.Errorf("sqlite ledger: scan: %w", err)
		}
		state, err := harvest.ParseState(rawState)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger: entry %q: %w", id, err)
		}
		entries = append(entries, harvest.Entry{ID: id, State: state, RecordedAt: recordedAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite ledger: iterate: %w", err)
	}
	return entries, nil
}

// Append inserts entries in one transaction. Existing IDs are left untouched.
func (s *Store) Append(ctx context.Context, entries []harvest.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite ledger: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO ledger (id, state, recorded_at) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite ledger: prepare: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the tx
	for _, e := range entries {
		ts := e.RecordedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.State), ts.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite ledger: insert %q: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite ledger: commit: %w", err)
	}
	return nil
}

// Check pings the database.
func (s *Store) Check(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ledger: ping: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("sqlite ledger: close: %w", err)
	}
	return nil
}
