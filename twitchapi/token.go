package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

const refreshMargin = 60 * time.Second

// TokenStore persists the app token across restarts. Optional.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, time.Time, error)
	SaveToken(ctx context.Context, token string, expiry time.Time) error
}

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: app tokens are enough for Helix reads; they carry no user scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	TokenURL     string
	Store        TokenStore

	mu          sync.RWMutex
	token       string
	expiresAt   time.Time
	storeLoaded bool
}

// SetToken seeds the cache, e.g. from tests or a previously stored token.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

// Invalidate drops the cached token so the next Get fetches a new one.
// Helix calls use it after a 401.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expiresAt = time.Time{}
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > refreshMargin {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > refreshMargin {
		return ts.token, nil
	}
	if ts.Store != nil && !ts.storeLoaded {
		ts.storeLoaded = true
		tok, exp, err := ts.Store.LoadToken(ctx)
		if err != nil {
			slog.Warn("twitch app token: stored token unreadable", slog.Any("err", err))
		} else if tok != "" && time.Until(exp) > refreshMargin {
			ts.token, ts.expiresAt = tok, exp
			return tok, nil
		}
	}
	return ts.fetchLocked(ctx)
}

// Refresh fetches a new token even if the cached one is still valid.
// The proactive refresher calls it ahead of expiry.
func (ts *TokenSource) Refresh(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.storeLoaded = true
	_, err := ts.fetchLocked(ctx)
	return err
}

// Expiry returns the expiry of the cached token, zero when none is cached.
func (ts *TokenSource) Expiry() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token == "" {
		return time.Time{}
	}
	return ts.expiresAt
}

func (ts *TokenSource) fetchLocked(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}

	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.expiresAt.IsZero() {
		ts.expiresAt = time.Now().Add(time.Hour)
	}
	slog.Info("twitch app token acquired", slog.Time("expires_at", ts.expiresAt))

	if ts.Store != nil {
		if err := ts.Store.SaveToken(ctx, ts.token, ts.expiresAt); err != nil {
			slog.Warn("twitch app token: persist failed", slog.Any("err", err))
		}
	}
	return ts.token, nil
}

func (ts *TokenSource) tokenURL() string {
	if ts.TokenURL != "" {
		return ts.TokenURL
	}
	return DefaultTokenURL
}
