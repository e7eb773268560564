// Package store provides the embedded SQLite database that owns durability
// of chapter state on a single device.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrency support. Chapter state is split across two tables sharing one
// primary key:
//
//   - chapter_meta: lightweight, list-queryable fields
//   - chapter_doc:  heavy content body plus its version counter
//
// Every meta row has exactly one doc row; creation and deletion of one half
// implies the other in the same transaction. A meta row whose doc row is
// missing (partial-write edge case) is repaired on read by synthesizing an
// empty doc rather than failing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested chapter has no meta record.
var ErrNotFound = errors.New("chapter not found")

// ErrLastChapter is returned by MergeWithNext when the chapter is the last
// one in its project and there is nothing to absorb.
var ErrLastChapter = errors.New("chapter has no following chapter")

// SchemaError reports that an expected table is missing at runtime, e.g.
// after a botched schema upgrade. Read paths surface it as a tagged result
// so callers can choose an empty-state fallback instead of crashing.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema degraded: table %s unavailable: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// closeDrainTimeout bounds how long Close waits for in-flight transactions.
const closeDrainTimeout = 5 * time.Second

// Store wraps the SQLite connection with chapter-specific functionality.
type Store struct {
	conn *sql.DB
	path string

	// inflight tracks open transactions so Close can drain them instead of
	// truncating a write mid-flight.
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created along with the schema.
// An unavailable engine is a hard error: there is no fallback store.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for collaborators that share the database file, like the outbox.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close waits for in-flight transactions to complete (bounded), checkpoints
// the WAL, and releases the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed || s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeDrainTimeout):
		fmt.Fprintf(os.Stderr, "Warning: closing with transactions still in flight after %v\n", closeDrainTimeout)
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent, safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chapter_meta (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		sort_order INTEGER NOT NULL DEFAULT 0,
		word_count INTEGER NOT NULL DEFAULT 0,
		scene_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		client_rev INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chapter_doc (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		scenes TEXT  -- JSON array, nullable
	);

	CREATE INDEX IF NOT EXISTS idx_meta_project ON chapter_meta(project_id);
	CREATE INDEX IF NOT EXISTS idx_meta_project_order
	    ON chapter_meta(project_id, sort_order);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// begin opens a tracked transaction. The returned done func must be called
// exactly once, after commit or rollback.
func (s *Store) begin(ctx context.Context) (*sql.Tx, func(), error) {
	s.inflight.Add(1)
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		s.inflight.Done()
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, func() { s.inflight.Done() }, nil
}

// wrapSchemaErr converts a missing-table failure into a *SchemaError so read
// paths can degrade instead of crashing a dashboard over unreadable history.
func wrapSchemaErr(err error, table string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return &SchemaError{Table: table, Err: err}
	}
	return err
}
