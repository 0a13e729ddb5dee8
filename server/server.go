// Package server exposes the ops HTTP surface shared by the poller and the moderation
// worker: health, readiness, status, metrics, and a few operator actions. Every
// request gets a correlation id for consistent logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/ratelimit"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// SessionCloser ends operator-opened sessions.
type SessionCloser interface {
	CloseManual(ctx context.Context, broadcasterID string) (session.Result, error)
}

// CorrectionRunner runs the archival correction pass on demand.
type CorrectionRunner interface {
	RunBroadcaster(ctx context.Context, broadcasterID string) (session.Report, error)
}

// SessionLister lists recent sessions.
type SessionLister interface {
	ListSince(ctx context.Context, broadcasterID string, since time.Time) ([]session.StreamSession, error)
}

// Deps wires the handlers. Nil fields disable the routes or status sections that
// need them, so each binary passes only what it runs.
type Deps struct {
	DB          *sql.DB
	ReadyChecks []Check

	Channels   func() []session.ChannelStatus
	Worker     func() queue.Stats
	QueueDepth func(ctx context.Context) (queue.Depth, error)
	Upstream   *ratelimit.Limiter

	Sessions    SessionLister
	Closer      SessionCloser
	Corrections CorrectionRunner

	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// NewRouter returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, deps.RateLimit)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(withCorrelation)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Get("/sessions", h.HandleSessions)

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return adminAuth(next, deps.Auth) })
		r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(next, limiter) })
		r.Post("/sessions/{broadcasterID}/close", h.HandleCloseSession)
		r.Post("/corrections/{broadcasterID}", h.HandleRunCorrection)
	})
	return r
}

// withCorrelation reuses the caller's X-Correlation-ID or generates one, and wraps
// the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path))
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("ops server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
