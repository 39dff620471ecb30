package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteCache persists responses in a single SQLite file so they survive
// across runs.
type SQLiteCache struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
	counters
}

// OpenSQLite opens or creates the cache database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite cache: create dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under many concurrent tasks.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite cache: init schema: %w", err)
	}

	return &SQLiteCache{db: db, path: path}, nil
}

// Fetch implements Cache.
func (s *SQLiteCache) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM responses WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite cache: fetch: %w", err)
	}
	s.hits.Add(1)
	return value, true, nil
}

// Store implements Cache.
func (s *SQLiteCache) Store(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite cache: store: %w", err)
	}
	s.writes.Add(1)
	return nil
}

// Len returns the number of stored responses.
func (s *SQLiteCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite cache: count: %w", err)
	}
	return n, nil
}

// Path returns the database file path.
func (s *SQLiteCache) Path() string {
	return s.path
}

// Stats returns lookup counters for this process.
func (s *SQLiteCache) Stats() Stats {
	return s.stats()
}

// Close closes the database.
func (s *SQLiteCache) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

var _ Cache = (*SQLiteCache)(nil)
