// Package store persists candlesticks and the watch-pair list in SQLite.
// There is one row per (coin_pair, timestamp) and writes are upserts, so the
// most recent writer always wins regardless of whether it was the live
// stream or a backfill.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUnalignedTimestamp means: the bar's timestamp is not on the minute grid
	ErrUnalignedTimestamp = errors.New("bar timestamp is not minute-aligned")

	// ErrInvalidBar means: the bar's prices contradict each other or a volume
	// is negative
	ErrInvalidBar = errors.New("bar has contradictory prices")
)

const defaultTimeout = 30 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS coin_pair_watch (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coin_pair TEXT NOT NULL UNIQUE,
	enabled INTEGER DEFAULT 1,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS candle_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coin_pair TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL,
	volume_quote REAL DEFAULT 0,
	confirm INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(coin_pair, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_candle_coin_pair ON candle_data(coin_pair);
CREATE INDEX IF NOT EXISTS idx_candle_timestamp ON candle_data(timestamp);
CREATE INDEX IF NOT EXISTS idx_candle_coin_timestamp ON candle_data(coin_pair, timestamp DESC);
`

// Store wraps the SQLite database. All operations honor their context and
// are additionally bounded by an internal timeout.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an already-open database handle. The schema must exist; call
// Init when it might not.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: defaultTimeout}
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists. The special path ":memory:" opens a private in-memory
// database, used in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%v?_journal_mode=WAL&_busy_timeout=5000", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %v: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own private database.
		db.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}
