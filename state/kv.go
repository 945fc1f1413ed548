package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/stream-herald/db"
)

// DefaultKVKey is the kv row that holds the record.
const DefaultKVKey = "stream_state"

// KVBackend stores the record as JSON in the Postgres kv table.
type KVBackend struct {
	DB  *sql.DB
	Key string
}

func (k *KVBackend) key() string {
	if k.Key == "" {
		return DefaultKVKey
	}
	return k.Key
}

func (k *KVBackend) Read(ctx context.Context) ([]byte, error) {
	v, err := db.GetKV(ctx, k.DB, k.key())
	if errors.Is(err, db.ErrNotFound) || (err == nil && v == "") {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("read kv %s: %w", k.key(), err)
	}
	return []byte(v), nil
}

func (k *KVBackend) Write(ctx context.Context, data []byte) error {
	if err := db.SetKV(ctx, k.DB, k.key(), string(data)); err != nil {
		return fmt.Errorf("write kv %s: %w", k.key(), err)
	}
	return nil
}

// Modify locks the kv row for the length of one transaction. The row is
// created empty first so there is always something to lock.
func (k *KVBackend) Modify(ctx context.Context, fn func(data []byte, readErr error) ([]byte, error)) error {
	tx, err := k.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin kv %s: %w", k.key(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,'',NOW()) ON CONFLICT(key) DO NOTHING`, k.key()); err != nil {
		return fmt.Errorf("seed kv %s: %w", k.key(), err)
	}
	var (
		v       sql.NullString
		readErr error
	)
	if err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1 FOR UPDATE`, k.key()).Scan(&v); err != nil {
		readErr = fmt.Errorf("read kv %s: %w", k.key(), err)
	} else if v.String == "" {
		readErr = ErrNoRecord
	}
	out, err := fn([]byte(v.String), readErr)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kv SET value=$2, updated_at=NOW() WHERE key=$1`, k.key(), string(out)); err != nil {
		return fmt.Errorf("write kv %s: %w", k.key(), err)
	}
	return tx.Commit()
}
