package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server. The token
// endpoint answers at /oauth2/token with a one hour token by default.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.MockOAuthTokenResponse("mock-app-token", 3600)
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the client credentials endpoint of the mock.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.URL.Query().Get("login"), login) {
			writeJSON(w, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockStream is one live entry served by /helix/streams.
type MockStream struct {
	ID          string
	UserID      string
	UserLogin   string
	Title       string
	GameName    string
	ViewerCount int
	StartedAt   time.Time
}

// MockStreamsResponse serves the given streams from /helix/streams; nil means offline.
func (m *MockTwitchServer) MockStreamsResponse(streams ...MockStream) {
	data := make([]map[string]any, 0, len(streams))
	for _, s := range streams {
		data = append(data, map[string]any{
			"id":            s.ID,
			"user_id":       s.UserID,
			"user_login":    s.UserLogin,
			"game_name":     s.GameName,
			"type":          "live",
			"title":         s.Title,
			"viewer_count":  s.ViewerCount,
			"started_at":    s.StartedAt.UTC().Format(time.RFC3339),
			"thumbnail_url": "https://static-cdn.jtvnw.net/previews-ttv/live_user_" + s.UserLogin + "-{width}x{height}.jpg",
		})
	}
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": data, "pagination": map[string]any{}})
	})
}

// MockStatus makes path answer with status and an empty body.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// TelegramCall is one Bot API request received by MockTelegramServer.
type TelegramCall struct {
	Method  string
	Payload map[string]any
}

// MockTelegramServer answers Bot API methods for one bot token. Sent
// messages get increasing ids starting at 100.
type MockTelegramServer struct {
	*httptest.Server
	Token string

	mu     sync.Mutex
	calls  []TelegramCall
	nextID int64
	// failures maps a method name to a Bot API error description, returned once.
	failures map[string]string
}

// NewMockTelegramServer starts the mock for token.
func NewMockTelegramServer(t *testing.T, token string) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{Token: token, nextID: 100, failures: make(map[string]string)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// FailNext makes the next call to method fail with description.
func (m *MockTelegramServer) FailNext(method, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = description
}

// Calls returns the requests received so far.
func (m *MockTelegramServer) Calls() []TelegramCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TelegramCall(nil), m.calls...)
}

// CallsTo returns the requests for one method.
func (m *MockTelegramServer) CallsTo(method string) []TelegramCall {
	var out []TelegramCall
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockTelegramServer) serve(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + m.Token + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)
	payload := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&payload) //nolint:errcheck // getMe has no body

	m.mu.Lock()
	m.calls = append(m.calls, TelegramCall{Method: method, Payload: payload})
	desc, fail := m.failures[method]
	delete(m.failures, method)
	id := m.nextID
	if method == "sendMessage" || method == "sendPhoto" {
		m.nextID++
	}
	m.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": desc})
		return
	}

	switch method {
	case "getMe":
		writeJSON(w, map[string]any{"ok": true, "result": map[string]any{"id": 1, "is_bot": true, "first_name": "Herald", "username": "herald_bot"}})
	case "sendMessage", "sendPhoto":
		chatID, _ := payload["chat_id"].(string)
		result := map[string]any{"message_id": id, "date": time.Now().Unix(), "chat": map[string]any{"id": chatIDNumber(chatID), "type": "channel"}}
		if text, ok := payload["text"].(string); ok {
			result["text"] = text
		}
		if caption, ok := payload["caption"].(string); ok {
			result["caption"] = caption
		}
		writeJSON(w, map[string]any{"ok": true, "result": result})
	case "editMessageText", "editMessageCaption":
		writeJSON(w, map[string]any{"ok": true, "result": true})
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"ok": false, "error_code": 404, "description": "Not Found: method not found"})
	}
}

func chatIDNumber(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1001
	}
	return n
}
