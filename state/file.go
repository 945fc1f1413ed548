package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileBackend keeps the record in a JSON file. Writes are atomic (temp file,
// fsync, rename) and both reads and writes hold an advisory lock on
// <path>.lock. Modify holds the exclusive lock across its read and write, so
// the daemon and CLI invocations never interleave a read-modify-write.
type FileBackend struct {
	path string
	lock *flock.Flock
	// flock is per-process, so goroutines are serialized here first.
	mu sync.Mutex
}

// NewFileBackend returns a backend for path, creating its directory if needed.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("state file path empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &FileBackend{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the state file location.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.acquire(ctx, false); err != nil {
		return nil, err
	}
	defer func() { _ = f.lock.Unlock() }()

	return f.readLocked()
}

// Modify reads the record and writes fn's result under one exclusive lock.
func (f *FileBackend) Modify(ctx context.Context, fn func(data []byte, readErr error) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.acquire(ctx, true); err != nil {
		return err
	}
	defer func() { _ = f.lock.Unlock() }()

	out, err := fn(f.readLocked())
	if err != nil {
		return err
	}
	return f.writeLocked(out)
}

func (f *FileBackend) readLocked() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

func (f *FileBackend) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.acquire(ctx, true); err != nil {
		return err
	}
	defer func() { _ = f.lock.Unlock() }()
	return f.writeLocked(data)
}

func (f *FileBackend) writeLocked(data []byte) error {
	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileBackend) acquire(ctx context.Context, exclusive bool) error {
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = f.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = f.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	if !ok {
		return errors.New("lock state file: not acquired")
	}
	return nil
}
