package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/bridge"
	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/stream"
	"github.com/onnwee/stream-herald/telegram"
)

type fakeOperator struct {
	mu           sync.Mutex
	snap         stream.Snapshot
	reconcileErr error
	resets       int
	announced    []string
	announceErr  error
	minutes      int
	forceErr     error
	tests        int
	readyErr     error
	status       bridge.Status
}

func (f *fakeOperator) Reconcile(context.Context) (stream.Snapshot, error) {
	return f.snap, f.reconcileErr
}

func (f *fakeOperator) ResetState(context.Context) state.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return state.Offline()
}

func (f *fakeOperator) Announce(_ context.Context, title string) (telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.announceErr != nil {
		return telegram.Message{}, f.announceErr
	}
	f.announced = append(f.announced, title)
	return telegram.Message{MessageID: 77}, nil
}

func (f *fakeOperator) ForceUpdate(context.Context) (int, error) { return f.minutes, f.forceErr }

func (f *fakeOperator) SendTest(context.Context) (telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests++
	return telegram.Message{MessageID: 5}, nil
}

func (f *fakeOperator) Status() bridge.Status { return f.status }

func (f *fakeOperator) Ready() error { return f.readyErr }

func newTestMux(t *testing.T, ops Operator, opts Options) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts.Operator = ops
	return NewMux(ctx, opts)
}

func do(h http.Handler, method, target, body string, setup func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if setup != nil {
		setup(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newTestMux(t, &fakeOperator{}, Options{})
	rr := do(h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newTestMux(t, &fakeOperator{}, Options{})
	rr := do(h, http.MethodGet, "/healthz", "", func(r *http.Request) { r.Header.Set("X-Correlation-ID", "abc-123") })
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q, want abc-123", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		readyErr   error
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", wantStatus: http.StatusOK},
		{name: "state not loaded", readyErr: errors.New("stream state not loaded"), wantStatus: http.StatusServiceUnavailable, wantCheck: "state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, &fakeOperator{readyErr: tt.readyErr}, Options{})
			rr := do(h, http.MethodGet, "/readyz", "", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			body := decode(t, rr)
			if tt.wantCheck != "" && body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %v, want %s", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	st := state.State{IsLive: true, StreamTitle: state.Ptr("hello")}
	ops := &fakeOperator{status: bridge.Status{
		State:        st,
		Announcement: announce.Status{State: "announced", Minutes: 12},
	}}
	h := newTestMux(t, ops, Options{})

	rr := do(h, http.MethodGet, "/status", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	stateBody, _ := body["state"].(map[string]any)
	if stateBody["isLive"] != true || stateBody["streamTitle"] != "hello" {
		t.Errorf("state = %v", stateBody)
	}
	ann, _ := body["announcement"].(map[string]any)
	if ann["state"] != "announced" {
		t.Errorf("announcement = %v", ann)
	}

	if rr := do(h, http.MethodPost, "/status", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestAdminCheck(t *testing.T) {
	ops := &fakeOperator{snap: stream.Snapshot{IsLive: true, Title: "t", Category: "c", ViewerCount: 9, StartedAt: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)}}
	h := newTestMux(t, ops, Options{})

	rr := do(h, http.MethodPost, "/admin/stream/check", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["live"] != true || body["title"] != "t" || body["viewers"] != float64(9) {
		t.Errorf("body = %v", body)
	}

	ops.reconcileErr = errors.New("helix down")
	if rr := do(h, http.MethodPost, "/admin/stream/check", "", nil); rr.Code != http.StatusBadGateway {
		t.Errorf("failed check status = %d, want 502", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/admin/stream/check", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rr.Code)
	}
}

func TestAdminReset(t *testing.T) {
	ops := &fakeOperator{}
	h := newTestMux(t, ops, Options{})
	rr := do(h, http.MethodPost, "/admin/stream/reset", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ops.resets != 1 {
		t.Errorf("resets = %d, want 1", ops.resets)
	}
	if body := decode(t, rr); body["isLive"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestAdminAnnounce(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		body      string
		wantTitle string
		wantCode  int
	}{
		{name: "json body", target: "/admin/announce", body: `{"title":"Big stream"}`, wantTitle: "Big stream", wantCode: http.StatusOK},
		{name: "query param", target: "/admin/announce?title=From+query", wantTitle: "From query", wantCode: http.StatusOK},
		{name: "body wins over query", target: "/admin/announce?title=q", body: `{"title":"b"}`, wantTitle: "b", wantCode: http.StatusOK},
		{name: "no title uses current", target: "/admin/announce", wantTitle: "", wantCode: http.StatusOK},
		{name: "bad json", target: "/admin/announce", body: `{`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := &fakeOperator{}
			h := newTestMux(t, ops, Options{})
			rr := do(h, http.MethodPost, tt.target, tt.body, nil)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if len(ops.announced) != 1 || ops.announced[0] != tt.wantTitle {
				t.Errorf("announced = %v, want [%q]", ops.announced, tt.wantTitle)
			}
			if body := decode(t, rr); body["message_id"] != float64(77) {
				t.Errorf("message_id = %v", body["message_id"])
			}
		})
	}
}

func TestAdminAnnounceError(t *testing.T) {
	ops := &fakeOperator{announceErr: errors.New("announce: title required while the stream is offline")}
	h := newTestMux(t, ops, Options{})
	rr := do(h, http.MethodPost, "/admin/announce", "", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if body := decode(t, rr); !strings.Contains(fmt.Sprint(body["error"]), "title required") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestAdminAnnounceUpdate(t *testing.T) {
	tests := []struct {
		name     string
		minutes  int
		err      error
		wantCode int
	}{
		{name: "updated", minutes: 75, wantCode: http.StatusOK},
		{name: "nothing tracked", err: announce.ErrNoActiveAnnouncement, wantCode: http.StatusConflict},
		{name: "message deleted", err: fmt.Errorf("edit: %w", announce.ErrMessageNotFound), wantCode: http.StatusGone},
		{name: "transport error", err: errors.New("boom"), wantCode: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, &fakeOperator{minutes: tt.minutes, forceErr: tt.err}, Options{})
			rr := do(h, http.MethodPost, "/admin/announce/update", "", nil)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				body := decode(t, rr)
				if body["elapsed_minutes"] != float64(75) || body["duration"] != "1 ч 15 мин" {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestAdminTest(t *testing.T) {
	ops := &fakeOperator{}
	h := newTestMux(t, ops, Options{})
	rr := do(h, http.MethodPost, "/admin/test", "", nil)
	if rr.Code != http.StatusOK || ops.tests != 1 {
		t.Fatalf("status = %d tests = %d", rr.Code, ops.tests)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	ops := &fakeOperator{}
	h := newTestMux(t, ops, Options{AdminToken: "tok"})

	if rr := do(h, http.MethodPost, "/admin/test", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rr.Code)
	}
	if ops.tests != 0 {
		t.Error("handler ran without auth")
	}
	rr := do(h, http.MethodPost, "/admin/test", "", func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") })
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rr.Code)
	}
	// public routes stay open
	if rr := do(h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rr.Code)
	}
}

func TestAdminRoutesRateLimited(t *testing.T) {
	h := newTestMux(t, &fakeOperator{}, Options{RateLimit: config.RateLimit{Enabled: true, Requests: 2, Window: time.Minute}})
	for i := 0; i < 2; i++ {
		if rr := do(h, http.MethodPost, "/admin/test", "", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rr.Code)
		}
	}
	if rr := do(h, http.MethodPost, "/admin/test", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}
	// status is not rate limited
	for i := 0; i < 3; i++ {
		if rr := do(h, http.MethodGet, "/status", "", nil); rr.Code != http.StatusOK {
			t.Errorf("status endpoint = %d", rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestMux(t, &fakeOperator{}, Options{})
	rr := do(h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rr.Code)
	}
}
