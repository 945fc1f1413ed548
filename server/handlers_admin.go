package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/telemetry"
)

// HandleAdminCheck forces a reconciliation against Twitch. No message is sent.
func (h *Handlers) HandleAdminCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.ops.Reconcile(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("admin check failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":       snap.IsLive,
		"title":      snap.Title,
		"category":   snap.Category,
		"viewers":    snap.ViewerCount,
		"started_at": snap.StartedAt,
	})
}

// HandleAdminReset resets the persisted state to offline.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := h.ops.ResetState(r.Context())
	telemetry.LoggerWithCorr(r.Context()).Info("state reset via admin", slog.String("component", "http"))
	writeJSON(w, http.StatusOK, st)
}

// HandleAdminAnnounce publishes a manual announcement. The title comes from
// a JSON body {"title": "..."} or the title query parameter.
func (h *Handlers) HandleAdminAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	title := r.URL.Query().Get("title")
	if r.ContentLength != 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<14)).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.Title != "" {
			title = body.Title
		}
	}
	m, err := h.ops.Announce(r.Context(), strings.TrimSpace(title))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": m.MessageID})
}

// HandleAdminAnnounceUpdate edits the tracked announcement regardless of the threshold.
func (h *Handlers) HandleAdminAnnounceUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	minutes, err := h.ops.ForceUpdate(r.Context())
	switch {
	case errors.Is(err, announce.ErrNoActiveAnnouncement):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, announce.ErrMessageNotFound):
		writeError(w, http.StatusGone, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"elapsed_minutes": minutes, "duration": announce.FormatDuration(minutes)})
}

// HandleAdminTest posts a test message to the channel.
func (h *Handlers) HandleAdminTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := h.ops.SendTest(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": m.MessageID})
}
