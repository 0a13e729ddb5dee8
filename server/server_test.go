package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/ratelimit"
	"github.com/onnwee/streamwarden/session"
)

type fakeSessions struct {
	list     []session.StreamSession
	closeErr error
	closed   []string
	gotSince time.Time
}

func (f *fakeSessions) ListSince(_ context.Context, _ string, since time.Time) ([]session.StreamSession, error) {
	f.gotSince = since
	return f.list, nil
}

func (f *fakeSessions) CloseManual(_ context.Context, bid string) (session.Result, error) {
	if f.closeErr != nil {
		return session.Result{}, f.closeErr
	}
	f.closed = append(f.closed, bid)
	end := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
	return session.Result{Transition: session.TransitionClosed, Session: &session.StreamSession{ID: 7, BroadcasterID: bid, EndedAt: &end}}, nil
}

type fakeCorrections struct{ err error }

func (f fakeCorrections) RunBroadcaster(context.Context, string) (session.Report, error) {
	return session.Report{Merged: 1, Corrected: 2}, f.err
}

func do(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndCorrelation(t *testing.T) {
	h := NewRouter(context.Background(), Deps{})
	rec := do(t, h, http.MethodGet, "/healthz", map[string]string{"X-Correlation-ID": "corr-1"})
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") != "corr-1" {
		t.Errorf("correlation id not echoed: %q", rec.Header().Get("X-Correlation-ID"))
	}
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing generated correlation id")
	}
}

func TestReadyz(t *testing.T) {
	ok := Check{Name: "queue", Fn: func(context.Context) error { return nil }}
	bad := Check{Name: "credentials", Fn: func(context.Context) error { return errors.New("missing bot token") }}

	rec := do(t, NewRouter(context.Background(), Deps{ReadyChecks: []Check{ok}}), http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}

	rec = do(t, NewRouter(context.Background(), Deps{ReadyChecks: []Check{ok, bad}}), http.MethodGet, "/readyz", nil)
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusServiceUnavailable || body["failed_check"] != "credentials" {
		t.Errorf("not ready = %d %v", rec.Code, body)
	}
}

func TestStatus(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxConcurrent: 2})
	limiter.ExtendBackoff(time.Minute)
	h := NewRouter(context.Background(), Deps{
		Channels: func() []session.ChannelStatus {
			return []session.ChannelStatus{{Slug: "streamer", BroadcasterID: "42", Live: true, LastTransition: "updated"}}
		},
		Worker:     func() queue.Stats { return queue.Stats{Active: 1, Processed: 10} },
		QueueDepth: func(context.Context) (queue.Depth, error) { return queue.Depth{Pending: 3}, nil },
		Upstream:   limiter,
	})
	rec := do(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Channels []session.ChannelStatus `json:"channels"`
		Worker   queue.Stats             `json:"worker"`
		Queue    queue.Depth             `json:"queue"`
		Upstream struct {
			InFlight     int        `json:"in_flight"`
			BackoffUntil *time.Time `json:"backoff_until"`
		} `json:"upstream"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Channels) != 1 || !body.Channels[0].Live || body.Worker.Processed != 10 || body.Queue.Pending != 3 {
		t.Errorf("status body = %s", rec.Body.String())
	}
	if body.Upstream.InFlight != 0 || body.Upstream.BackoffUntil == nil || !body.Upstream.BackoffUntil.After(time.Now()) {
		t.Errorf("upstream = %+v", body.Upstream)
	}
}

func TestSessions(t *testing.T) {
	fs := &fakeSessions{list: []session.StreamSession{{ID: 1, BroadcasterID: "42", Title: "Ranked"}}}
	h := NewRouter(context.Background(), Deps{Sessions: fs})

	if rec := do(t, h, http.MethodGet, "/sessions", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing broadcaster_id = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/sessions?broadcaster_id=42&hours=2", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"title":"Ranked"`) {
		t.Errorf("sessions = %d %s", rec.Code, rec.Body.String())
	}
	if age := time.Since(fs.gotSince); age < 119*time.Minute || age > 121*time.Minute {
		t.Errorf("since = %v ago, want ~2h", age)
	}
}

func TestAdminAuth(t *testing.T) {
	fs := &fakeSessions{}
	h := NewRouter(context.Background(), Deps{Closer: fs, Auth: AuthConfig{Token: "s3cret", Username: "ops", Password: "pw"}})

	if rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", map[string]string{"X-Admin-Token": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"transition":"closed"`) {
		t.Errorf("bearer = %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/43/close", nil)
	req.SetBasicAuth("ops", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("basic auth = %d", rec.Code)
	}
	if len(fs.closed) != 2 || fs.closed[0] != "42" || fs.closed[1] != "43" {
		t.Errorf("closed = %v", fs.closed)
	}
}

func TestAdminErrors(t *testing.T) {
	h := NewRouter(context.Background(), Deps{
		Closer:      &fakeSessions{closeErr: session.ErrNotFound},
		Corrections: fakeCorrections{},
	})
	if rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", nil); rec.Code != http.StatusNotFound {
		t.Errorf("no open session = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/admin/corrections/42", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"corrected":2`) {
		t.Errorf("corrections = %d %s", rec.Code, rec.Body.String())
	}

	failing := NewRouter(context.Background(), Deps{Corrections: fakeCorrections{err: errors.New("helix down")}})
	if rec := do(t, failing, http.MethodPost, "/admin/corrections/42", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("failed correction = %d", rec.Code)
	}
	if rec := do(t, NewRouter(context.Background(), Deps{}), http.MethodPost, "/admin/corrections/42", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unwired corrections = %d", rec.Code)
	}
}

func TestAdminRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewRouter(ctx, Deps{Closer: &fakeSessions{}, RateLimit: RateLimitConfig{RequestsPerIP: 2, Window: time.Minute}})
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/admin/sessions/42/close", nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Errorf("third request = %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := do(t, h, http.MethodGet, "/status", nil); rec.Code != http.StatusOK {
		t.Errorf("non-admin routes should not be limited, got %d", rec.Code)
	}
}

func TestIPRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := newIPRateLimiter(context.Background(), RateLimitConfig{RequestsPerIP: 1, Window: time.Minute})
	rl.now = func() time.Time { return now }
	if !rl.allow("1.2.3.4") || rl.allow("1.2.3.4") {
		t.Fatal("second request inside the window should be refused")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("limits are per IP")
	}
	now = now.Add(61 * time.Second)
	if !rl.allow("1.2.3.4") {
		t.Error("request after the window should be allowed")
	}
	now = now.Add(5 * time.Minute)
	rl.cleanup()
	if len(rl.visitors) != 0 {
		t.Errorf("cleanup left %d visitors", len(rl.visitors))
	}
}
