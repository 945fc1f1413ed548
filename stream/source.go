package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"

	"github.com/onnwee/stream-herald/twitchapi"
)

// Thumbnail dimensions substituted into the Helix thumbnail template.
const (
	ThumbnailWidth  = 1280
	ThumbnailHeight = 720
)

// Snapshot is a point-in-time observation of the tracked broadcaster.
type Snapshot struct {
	IsLive       bool
	SessionID    string
	Title        string
	Category     string
	CategoryID   string
	ViewerCount  int
	StartedAt    time.Time
	ThumbnailURL string
}

// Source produces snapshots. Implementations must return errors, never panic.
type Source interface {
	LiveSnapshot(ctx context.Context) (Snapshot, error)
}

// userIDTTL bounds how long a login to id mapping is trusted. Logins can be
// released and claimed by another account.
const userIDTTL = 24 * 60 * 60

// HelixSource reads the live status of one login from Helix.
type HelixSource struct {
	Client *twitchapi.HelixClient
	Login  string

	// serializes lookups so concurrent polls resolve once
	mu    sync.Mutex
	users *freecache.Cache
}

// NewHelixSource returns a source for login.
func NewHelixSource(client *twitchapi.HelixClient, login string) *HelixSource {
	return &HelixSource{Client: client, Login: login, users: freecache.NewCache(512 * 1024)}
}

// LiveSnapshot resolves the user id once, then queries /helix/streams.
func (h *HelixSource) LiveSnapshot(ctx context.Context) (Snapshot, error) {
	id, err := h.resolve(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	streams, err := h.Client.GetStreamsByUserID(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get streams for %s: %w", h.Login, err)
	}
	if len(streams) == 0 {
		return Snapshot{}, nil
	}
	s := streams[0]
	return Snapshot{
		IsLive:       true,
		SessionID:    s.ID,
		Title:        s.Title,
		Category:     s.GameName,
		CategoryID:   s.GameID,
		ViewerCount:  s.ViewerCount,
		StartedAt:    s.StartedAt,
		ThumbnailURL: ThumbnailURL(s.ThumbnailURL),
	}, nil
}

func (h *HelixSource) resolve(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users == nil {
		h.users = freecache.NewCache(512 * 1024)
	}
	key := []byte(h.Login)
	if id, err := h.users.Get(key); err == nil {
		return string(id), nil
	}
	id, err := h.Client.GetUserID(ctx, h.Login)
	if err != nil {
		return "", fmt.Errorf("resolve twitch user %s: %w", h.Login, err)
	}
	_ = h.users.Set(key, []byte(id), userIDTTL)
	return id, nil
}

// ThumbnailURL fills the {width}x{height} template of a Helix thumbnail.
func ThumbnailURL(template string) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer("{width}", fmt.Sprint(ThumbnailWidth), "{height}", fmt.Sprint(ThumbnailHeight))
	return r.Replace(template)
}
