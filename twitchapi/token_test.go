package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/db"
)

func tokenServer(t *testing.T, calls *atomic.Int32, tokens ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		tok := tokens[len(tokens)-1]
		if n <= len(tokens) {
			tok = tokens[n-1]
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  tok,
			"refresh_token": "refresh-" + tok,
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSourceCachesToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "app-1", "app-2")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}

	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "app-1" {
			t.Errorf("Token() = %q, want app-1", tok)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", calls.Load())
	}
}

func TestTokenSourceConcurrentRefreshCoalesces(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "app-1")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ts.Token(context.Background()); err != nil {
				t.Errorf("Token() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", calls.Load())
	}
}

func TestTokenSourceInvalidate(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "app-1", "app-2")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}
	ctx := context.Background()

	first, _ := ts.Token(ctx)
	ts.Invalidate("some-other-token")
	if again, _ := ts.Token(ctx); again != first {
		t.Fatalf("invalidating a different token dropped the cache")
	}
	ts.Invalidate(first)
	second, err := ts.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second != "app-2" {
		t.Errorf("Token() after Invalidate = %q, want app-2", second)
	}
}

func TestTokenSourceExpiredTokenRefetched(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "app-1", "app-2")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}
	now := time.Now()
	ts.cache.now = func() time.Time { return now }
	if tok, _ := ts.Token(context.Background()); tok != "app-1" {
		t.Fatalf("first token = %q", tok)
	}
	// inside the expiry skew the cached token counts as stale
	now = now.Add(3600*time.Second - 30*time.Second)
	if tok, _ := ts.Token(context.Background()); tok != "app-2" {
		t.Errorf("Token() near expiry = %q, want app-2", tok)
	}
}

func TestTokenSourceMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Token(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Token() error = %v, want missing credentials", err)
	}
}

func TestTokenSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()
	ts := &TokenSource{ClientID: "bad", ClientSecret: "bad", TokenURL: srv.URL}
	if _, err := ts.Token(context.Background()); err == nil {
		t.Error("Token() with server error should return error")
	}
}

type memTokenStore struct {
	mu   sync.Mutex
	rows map[string]db.OAuthToken
}

func (m *memTokenStore) Get(_ context.Context, provider string) (db.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[provider], nil
}

func (m *memTokenStore) Upsert(_ context.Context, tok db.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[tok.Provider] = tok
	return nil
}

func TestUserTokenSourceServesStoredToken(t *testing.T) {
	store := &memTokenStore{rows: map[string]db.OAuthToken{
		"twitch_bot": {Provider: "twitch_bot", AccessToken: "user-1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)},
	}}
	us := NewUserTokenSource(store, "twitch_bot", "id", "secret", "http://127.0.0.1:1/unused")
	tok, err := us.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "user-1" {
		t.Errorf("Token() = %q, want user-1", tok)
	}
}

func TestUserTokenSourceRefreshesAfterInvalidate(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "user-2")
	store := &memTokenStore{rows: map[string]db.OAuthToken{
		"twitch_bot": {Provider: "twitch_bot", AccessToken: "user-1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour), Scope: "chat:edit"},
	}}
	us := NewUserTokenSource(store, "twitch_bot", "id", "secret", srv.URL)
	ctx := context.Background()

	first, _ := us.Token(ctx)
	us.Invalidate(first)
	second, err := us.Token(ctx)
	if err != nil {
		t.Fatalf("Token() after invalidate: %v", err)
	}
	if second != "user-2" {
		t.Errorf("Token() = %q, want user-2", second)
	}
	persisted, _ := store.Get(ctx, "twitch_bot")
	if persisted.AccessToken != "user-2" || persisted.RefreshToken != "refresh-user-2" || persisted.Scope != "chat:edit" {
		t.Errorf("persisted token = %+v", persisted)
	}
}

func TestUserTokenSourceRefreshIfExpiring(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, "user-2")
	store := &memTokenStore{rows: map[string]db.OAuthToken{
		"twitch_bot": {Provider: "twitch_bot", AccessToken: "user-1", RefreshToken: "r1", Expiry: time.Now().Add(10 * time.Minute)},
	}}
	us := NewUserTokenSource(store, "twitch_bot", "id", "secret", srv.URL)
	ctx := context.Background()

	refreshed, err := us.RefreshIfExpiring(ctx, 5*time.Minute)
	if err != nil || refreshed {
		t.Fatalf("RefreshIfExpiring(5m) = %v, %v; want no refresh", refreshed, err)
	}
	refreshed, err = us.RefreshIfExpiring(ctx, 15*time.Minute)
	if err != nil || !refreshed {
		t.Fatalf("RefreshIfExpiring(15m) = %v, %v; want refresh", refreshed, err)
	}
	if tok, _ := us.Token(ctx); tok != "user-2" {
		t.Errorf("Token() = %q, want user-2", tok)
	}
}

func TestUserTokenSourceExpiredWithoutRefreshToken(t *testing.T) {
	store := &memTokenStore{rows: map[string]db.OAuthToken{
		"twitch_bot": {Provider: "twitch_bot", AccessToken: "old", Expiry: time.Now().Add(-time.Hour)},
	}}
	us := NewUserTokenSource(store, "twitch_bot", "id", "secret", "")
	if _, err := us.Token(context.Background()); err == nil {
		t.Error("expected error for expired token without refresh token")
	}
}
