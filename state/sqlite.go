package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps the record in a local SQLite database. It suits hosts
// that want transactional writes without running Postgres.
type SQLiteBackend struct {
	db   *sql.DB
	path string
	key  string
}

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &SQLiteBackend{db: db, path: path, key: DefaultKVKey}, nil
}

// Path returns the database file.
func (s *SQLiteBackend) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) Read(ctx context.Context) ([]byte, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, s.key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && v == "") {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("read sqlite kv %s: %w", s.key, err)
	}
	return []byte(v), nil
}

func (s *SQLiteBackend) Write(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, s.key, string(data))
	if err != nil {
		return fmt.Errorf("write sqlite kv %s: %w", s.key, err)
	}
	return nil
}

// Modify runs the read and the write in one transaction. The leading no-op
// UPDATE takes SQLite's write lock before the read, so a second process waits
// on busy_timeout instead of reading a record that is about to change.
func (s *SQLiteBackend) Modify(ctx context.Context, fn func(data []byte, readErr error) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite kv %s: %w", s.key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE kv SET updated_at = updated_at WHERE key = ?`, s.key); err != nil {
		return fmt.Errorf("lock sqlite kv %s: %w", s.key, err)
	}
	var (
		v       string
		readErr error
	)
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, s.key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && v == ""):
		readErr = ErrNoRecord
	case err != nil:
		readErr = fmt.Errorf("read sqlite kv %s: %w", s.key, err)
	}
	out, err := fn([]byte(v), readErr)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, s.key, string(out)); err != nil {
		return fmt.Errorf("write sqlite kv %s: %w", s.key, err)
	}
	return tx.Commit()
}
