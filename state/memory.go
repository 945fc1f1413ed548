package state

import (
	"context"
	"sync"
)

// MemoryBackend keeps the record in memory. Used by tests and dry runs.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	writes int
	// Err, when set, is returned from every Read and Write.
	Err error
	// ReadErr, when set, is returned from reads only.
	ReadErr error
}

func (m *MemoryBackend) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked()
}

func (m *MemoryBackend) readLocked() ([]byte, error) {
	switch {
	case m.Err != nil:
		return nil, m.Err
	case m.ReadErr != nil:
		return nil, m.ReadErr
	case m.data == nil:
		return nil, ErrNoRecord
	}
	return append([]byte(nil), m.data...), nil
}

// Modify applies fn to the record under the backend's lock.
func (m *MemoryBackend) Modify(_ context.Context, fn func(data []byte, readErr error) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := fn(m.readLocked())
	if err != nil {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	m.data = append([]byte(nil), out...)
	m.writes++
	return nil
}

func (m *MemoryBackend) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.data = append([]byte(nil), data...)
	m.writes++
	return nil
}

// Bytes returns the last written record.
func (m *MemoryBackend) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Writes counts successful writes.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// SetBytes seeds the stored record.
func (m *MemoryBackend) SetBytes(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), b...)
}
