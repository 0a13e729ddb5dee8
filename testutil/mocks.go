package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Helix responses keyed by path. Point a
// HelixClient's BaseURL at Server.URL; the token endpoint lives at /oauth2/token.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest is a request the mock received.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
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

// Requests returns the requests received so far for path ("" for all).
func (m *MockTwitchServer) Requests(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /users
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockVideosResponse adds a handler for /videos
func (m *MockTwitchServer) MockVideosResponse(videos []map[string]string, cursor string) {
	m.handle("/videos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data":       videos,
			"pagination": map[string]string{"cursor": cursor},
		})
	})
}

// MockStreamsResponse adds a handler for /streams
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.handle("/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": streams})
	})
}

// MockSearchChannelsResponse adds a handler for /search/channels
func (m *MockTwitchServer) MockSearchChannelsResponse(channels []map[string]any) {
	m.handle("/search/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": channels})
	})
}

// MockFollowersResponse adds a handler for /channels/followers
func (m *MockTwitchServer) MockFollowersResponse(total int) {
	m.handle("/channels/followers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}, "total": total})
	})
}

// MockModerationEndpoints accepts chat messages and bans; inspect them with Requests.
func (m *MockTwitchServer) MockModerationEndpoints() {
	m.handle("/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{"message_id": "sent-1", "is_sent": true}},
		})
	})
	m.handle("/moderation/bans", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"user_id": "x"}}})
	})
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}
