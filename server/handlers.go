package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/onnwee/stream-herald/bridge"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/stream"
	"github.com/onnwee/stream-herald/telegram"
)

// Operator is the set of bridge actions exposed over HTTP.
type Operator interface {
	Reconcile(ctx context.Context) (stream.Snapshot, error)
	ResetState(ctx context.Context) state.State
	Announce(ctx context.Context, title string) (telegram.Message, error)
	ForceUpdate(ctx context.Context) (int, error)
	SendTest(ctx context.Context) (telegram.Message, error)
	Status() bridge.Status
	Ready() error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ops Operator
	// db is nil with the file state backend.
	db *sql.DB
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ops Operator, db *sql.DB) *Handlers {
	return &Handlers{ops: ops, db: db}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
