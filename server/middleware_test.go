package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/onnwee/stream-herald/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		password   string
		token      string
		setup      func(r *http.Request)
		wantStatus int
	}{
		{name: "auth disabled", wantStatus: http.StatusOK},
		{
			name: "valid basic auth", username: "admin", password: "secret",
			setup:      func(r *http.Request) { r.SetBasicAuth("admin", "secret") },
			wantStatus: http.StatusOK,
		},
		{
			name: "wrong password", username: "admin", password: "secret",
			setup:      func(r *http.Request) { r.SetBasicAuth("admin", "nope") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing credentials", username: "admin", password: "secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "valid token", token: "tok",
			setup:      func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") },
			wantStatus: http.StatusOK,
		},
		{
			name: "wrong token", token: "tok",
			setup:      func(r *http.Request) { r.Header.Set("X-Admin-Token", "bad") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "basic auth when token also configured", username: "admin", password: "secret", token: "tok",
			setup:      func(r *http.Request) { r.SetBasicAuth("admin", "secret") },
			wantStatus: http.StatusOK,
		},
		{
			name: "username alone does not enable auth", username: "admin",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := adminAuth(okHandler(), newAuthConfig(tt.username, tt.password, tt.token))
			req := httptest.NewRequest(http.MethodPost, "/admin/test", nil)
			if tt.setup != nil {
				tt.setup(req)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC))
	rl := newIPRateLimiter(ctx, config.RateLimit{Enabled: true, Requests: 3, Window: time.Minute}, clk)

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("4th request allowed, want denied")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("other IP denied, want allowed")
	}

	// slide past the window
	clk.Advance(61 * time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("request after window denied, want allowed")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), config.RateLimit{Enabled: false, Requests: 1, Window: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d denied with limiter disabled", i+1)
		}
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC))
	rl := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      config.RateLimit{Enabled: true, Requests: 3, Window: time.Minute},
		clock:    clk,
	}
	rl.allow("10.0.0.1")
	clk.Advance(3 * time.Minute)
	rl.allow("10.0.0.2")
	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Error("stale visitor not removed")
	}
	if _, ok := rl.visitors["10.0.0.2"]; !ok {
		t.Error("recent visitor removed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, config.RateLimit{Enabled: true, Requests: 1, Window: time.Minute}, testclock.NewClock(time.Now()))
	h := rateLimitMiddleware(okHandler(), rl)

	req := httptest.NewRequest(http.MethodPost, "/admin/test", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr with port", "192.0.2.1:4321", "", "192.0.2.1"},
		{"forwarded first entry", "192.0.2.1:4321", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"forwarded single", "192.0.2.1:4321", "198.51.100.7", "198.51.100.7"},
		{"ipv6 remote", "[2001:db8::1]:80", "", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
