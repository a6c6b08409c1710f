// Package postgres provides a Postgres-backed ledger store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const defaultTable = "harvest_ledger"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Store writes ledger entries into Postgres.
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres and makes sure the ledger table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the ledger table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Load returns every entry ordered by recording time.
func (s *Store) Load(ctx context.Context) ([]harvest.Entry, error) {
	query := fmt.Sprintf(`SELECT id, state, recorded_at FROM %s ORDER BY recorded_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []harvest.Entry
	for rows.Next() {
		var (
			id, rawState string
			recordedAt   time.Time
		)
		if err := rows.Scan(&id, &rawState, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		state, err := harvest.ParseState(rawState)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %q: %w", id, err)
		}
		entries = append(entries, harvest.Entry{ID: id, State: state, RecordedAt: recordedAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return entries, nil
}

// Append inserts entries, ignoring IDs that already exist.
func (s *Store) Append(ctx context.Context, entries []harvest.Entry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, state, recorded_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, s.table)
	for _, e := range entries {
		ts := e.RecordedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := s.pool.Exec(ctx, query, e.ID, string(e.State), ts); err != nil {
			return fmt.Errorf("insert ledger entry %q: %w", e.ID, err)
		}
	}
	return nil
}

// Check pings the database.
func (s *Store) Check(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
