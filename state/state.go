// Package state persists the last observed broadcaster state so that a restart
// does not re-announce a stream that is already live (or miss one that ended).
//
// A single State record exists per process. It is read once at startup and
// rewritten after every reconciliation. Backends are pluggable: a JSON file
// guarded by a lock file, or a row in the Postgres kv table.
package state

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// State is the durable record of the tracked broadcaster.
// Pointer fields are nil when absent and serialize as JSON null.
type State struct {
	LastStreamID    *string    `json:"lastStreamId"`
	IsLive          bool       `json:"isLive"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt"`
	StreamTitle     *string    `json:"streamTitle"`
	StreamCategory  *string    `json:"streamCategory"`
	StreamStartedAt *time.Time `json:"streamStartedAt"`
}

// Offline returns the default state used on first run and after a reset.
func Offline() State { return State{} }

// Normalize clears session fields when the stream is offline.
func (s State) Normalize() State {
	if !s.IsLive {
		s.StreamTitle = nil
		s.StreamCategory = nil
		s.StreamStartedAt = nil
	}
	return s
}

// Title returns the stream title or "" when absent.
func (s State) Title() string { return deref(s.StreamTitle) }

// Category returns the stream category or "" when absent.
func (s State) Category() string { return deref(s.StreamCategory) }

// Clone returns a deep copy so callers cannot mutate the store's record.
func (s State) Clone() State {
	out := s
	out.LastStreamID = cloneString(s.LastStreamID)
	out.StreamTitle = cloneString(s.StreamTitle)
	out.StreamCategory = cloneString(s.StreamCategory)
	out.LastCheckedAt = cloneTime(s.LastCheckedAt)
	out.StreamStartedAt = cloneTime(s.StreamStartedAt)
	return out
}

// Ptr is a small helper for building optional fields.
func Ptr[T any](v T) *T { return &v }

// legacyState accepts the field names written by the first deployments
// (lastChecked, streamGame) alongside the current ones.
type legacyState struct {
	State
	LastChecked *time.Time `json:"lastChecked"`
	StreamGame  *string    `json:"streamGame"`
}

// Encode serializes the record for a backend.
func Encode(s State) ([]byte, error) {
	return json.MarshalIndent(s.Normalize(), "", "  ")
}

// Decode parses a stored record. The result is normalized.
func Decode(b []byte) (State, error) {
	var ls legacyState
	if err := json.Unmarshal(b, &ls); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	s := ls.State
	if s.LastCheckedAt == nil {
		s.LastCheckedAt = ls.LastChecked
	}
	if s.StreamCategory == nil {
		s.StreamCategory = ls.StreamGame
	}
	return s.Normalize(), nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
