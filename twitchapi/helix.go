// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution and live stream lookup, using an app access token.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv"

// helixMaxRetries is the number of retries after the first attempt for 5xx/429/401.
const helixMaxRetries = 2

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// StatusError is a non-2xx Helix response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusUnauthorized
}

// HelixClient provides the minimal methods needed for live status polling.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
	// RetryDelay between attempts; 500ms when zero.
	RetryDelay time.Duration
	Clock      clock.Clock
}

// Stream is one entry of GET /helix/streams.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) clock() clock.Clock {
	if hc.Clock != nil {
		return hc.Clock
	}
	return clock.WallClock
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/helix/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0].ID, nil
}

// GetStreams returns the live streams for a login; empty means offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	return hc.streams(ctx, url.Values{"user_login": {login}})
}

// GetStreamsByUserID is GetStreams keyed by user id.
func (hc *HelixClient) GetStreamsByUserID(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	return hc.streams(ctx, url.Values{"user_id": {userID}})
}

func (hc *HelixClient) streams(ctx context.Context, q url.Values) ([]Stream, error) {
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/helix/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// get performs an authenticated GET with retries on 5xx, 429 and 401
// (after invalidating the cached app token) and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	delay := hc.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = hc.getOnce(ctx, path, q, out)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			// transport errors are retried unless the caller gave up
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			slog.Debug("helix request failed, retrying", slog.String("path", path), slog.Int("attempt", attempt), slog.Any("err", err))
		},
		Attempts: helixMaxRetries + 1,
		Delay:    delay,
		Clock:    hc.clock(),
		Stop:     ctx.Done(),
	})
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (hc *HelixClient) getOnce(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusUnauthorized {
			hc.AppTokenSource.Invalidate()
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("helix decode %s: %w", path, err)
	}
	return nil
}
