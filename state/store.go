package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"github.com/onnwee/stream-herald/telemetry"
)

// ErrNoRecord is returned by a Backend when nothing has been stored yet.
var ErrNoRecord = errors.New("state: no record")

// Backend is the durable medium behind a Store.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Modifier is implemented by backends that can read and replace the record
// as one step. fn receives the stored bytes or the read error (ErrNoRecord
// when empty) and returns the replacement; an error from fn aborts the write.
type Modifier interface {
	Modify(ctx context.Context, fn func(data []byte, readErr error) ([]byte, error)) error
}

// Store owns the single State record. It never returns persistence errors to
// callers: read failures fall back to the offline default and write failures
// are logged and counted.
type Store struct {
	backend Backend
	clock   clock.Clock

	mu      sync.RWMutex
	current State
	loaded  bool
}

// NewStore builds a store over backend. A nil clock means wall time.
func NewStore(backend Backend, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{backend: backend, clock: clk}
}

// Load reads the persisted record. A missing or malformed record is replaced
// by the offline default, which is written back immediately. Any other read
// error falls back to offline in memory only, leaving the stored record alone.
func (s *Store) Load(ctx context.Context) State {
	data, err := s.backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNoRecord):
		slog.Info("state: no stored record, starting offline", slog.String("component", "state"))
		return s.Save(ctx, Offline())
	case err != nil:
		slog.Error("state: read failed, starting offline in memory", slog.Any("err", err), slog.String("component", "state"))
		st := s.stamp(Offline())
		s.setCurrent(st)
		return st.Clone()
	}
	st, err := Decode(data)
	if err != nil {
		slog.Error("state: stored record malformed, starting offline", slog.Any("err", err), slog.String("component", "state"))
		return s.Save(ctx, Offline())
	}
	s.setCurrent(st)
	slog.Info("state: loaded",
		slog.Bool("live", st.IsLive),
		slog.String("title", st.Title()),
		slog.String("component", "state"))
	return st.Clone()
}

// Update re-reads the stored record, applies fn and writes the result as one
// step, so a change made by another process (a CLI reset) is seen before it
// could be overwritten. Backends implementing Modifier hold their lock or
// transaction across the whole step. When the record cannot be read the
// in-memory copy stands in for it. Write failures are logged like Save's.
func (s *Store) Update(ctx context.Context, fn func(prev State) State) (prev, next State) {
	applied := false
	apply := func(data []byte, readErr error) ([]byte, error) {
		prev = s.decodeStored(data, readErr)
		next = s.stamp(fn(prev.Clone()))
		applied = true
		return Encode(next)
	}

	var err error
	if m, ok := s.backend.(Modifier); ok {
		err = m.Modify(ctx, apply)
	} else {
		var out []byte
		data, readErr := s.backend.Read(ctx)
		if out, err = apply(data, readErr); err == nil {
			err = s.backend.Write(ctx, out)
		}
	}
	if !applied {
		prev = s.Current()
		next = s.stamp(fn(prev.Clone()))
	}
	if err != nil {
		s.saveFailed(err)
	} else {
		slog.Debug("state: updated", slog.Bool("live", next.IsLive), slog.String("component", "state"))
	}
	s.setCurrent(next)
	return prev.Clone(), next.Clone()
}

func (s *Store) decodeStored(data []byte, readErr error) State {
	switch {
	case errors.Is(readErr, ErrNoRecord):
		return Offline()
	case readErr != nil:
		slog.Warn("state: re-read failed, using in-memory copy", slog.Any("err", readErr), slog.String("component", "state"))
		return s.Current()
	}
	st, err := Decode(data)
	if err != nil {
		slog.Error("state: stored record malformed, treating as offline", slog.Any("err", err), slog.String("component", "state"))
		return Offline()
	}
	return st
}

// Save stamps LastCheckedAt, enforces the offline invariant and writes the
// record without looking at what is stored. The returned value is what later
// Current calls will report.
func (s *Store) Save(ctx context.Context, st State) State {
	st = s.stamp(st)
	data, err := Encode(st)
	if err == nil {
		err = s.backend.Write(ctx, data)
	}
	if err != nil {
		s.saveFailed(err)
	} else {
		slog.Debug("state: saved", slog.Bool("live", st.IsLive), slog.String("component", "state"))
	}
	s.setCurrent(st)
	return st.Clone()
}

func (s *Store) stamp(st State) State {
	now := s.clock.Now().UTC()
	st = st.Clone().Normalize()
	st.LastCheckedAt = &now
	return st
}

func (s *Store) saveFailed(err error) {
	if telemetry.StateSaveFailures != nil {
		telemetry.StateSaveFailures.Inc()
	}
	slog.Error("state: save failed; persisted state may be stale after restart",
		slog.Any("err", err), slog.String("component", "state"))
}

func (s *Store) setCurrent(st State) {
	s.mu.Lock()
	s.current = st
	s.loaded = true
	s.mu.Unlock()
}

// Reset puts the record back to the offline default.
func (s *Store) Reset(ctx context.Context) State {
	slog.Info("state: reset to offline", slog.String("component", "state"))
	return s.Save(ctx, Offline())
}

// Current returns the in-memory copy of the last loaded or saved record.
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Loaded reports whether Load or Save has run at least once.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}
