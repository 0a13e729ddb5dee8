// Command streamwarden runs the stream dashboard backend. It has three modes:
//   - poller: checks which channels are live, reconciles stream sessions, records
//     chat and enqueues moderation jobs, and runs the scheduled archive corrections.
//   - modworker: drains the moderation queue under a Postgres advisory lock so only
//     one worker acts on chat at a time.
//   - migrate: applies (or rolls back) the database schema and exits.
//
// Both long-running modes expose /healthz, /readyz, /status and /metrics and shut
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/ratelimit"
	"github.com/onnwee/streamwarden/server"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

const serviceVersion = "1.0.0"

var rootCmd = &cobra.Command{
	Use:           "streamwarden",
	Short:         "streamwarden - live session tracking and chat moderation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// local dev convenience only; production relies on real env
		_ = godotenv.Load(envFile)
		setupLogging()
	},
}

var envFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before config")
	rootCmd.AddCommand(pollerCmd, modworkerCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// bootstrap loads config, starts metrics and tracing, connects to Postgres and applies
// migrations. The returned cleanup closes everything it opened.
func bootstrap(component string) (*config.Config, *sql.DB, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config load failed: %w", err)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamwarden-"+component, serviceVersion)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tracing initialization failed: %w", err)
	}

	slog.Info("telemetry initialized", slog.Bool("tracing", telemetry.IsTracingEnabled()))

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		shutdownTracing()
		return nil, nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	cleanup := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
		shutdownTracing()
	}

	if err := migrate(database); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return cfg, database, cleanup, nil
}

// migrate applies versioned migrations, falling back to the embedded statements for
// databases that predate schema_migrations.
func migrate(database *sql.DB) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			return fmt.Errorf("failed to migrate db (both versioned and embedded SQL failed): %w", err)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
		return nil
	}
	slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	return nil
}

// newHelixClient builds the shared Helix client: app token for reads, the stored bot
// token for chat and moderation calls, and one limiter for both.
func newHelixClient(cfg *config.Config, database *sql.DB) (*twitchapi.HelixClient, *twitchapi.UserTokenSource, error) {
	tokens, err := db.NewTokenStore(database, os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, nil, err
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	user := twitchapi.NewUserTokenSource(tokens, "twitch", cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchTokenURL)
	user.HTTPClient = httpClient

	hc := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
			HTTPClient:   httpClient,
		},
		UserTokenSource: user,
		ClientID:        cfg.TwitchClientID,
		BotUserID:       cfg.TwitchBotUserID,
		HTTPClient:      httpClient,
		BaseURL:         cfg.TwitchAPIBaseURL,
		Limiter: ratelimit.New(ratelimit.Config{
			MaxConcurrent: cfg.RateMaxConcurrent,
			MinInterval:   cfg.RateMinInterval,
			PerWindow:     cfg.RatePerMinute,
			Window:        time.Minute,
		}),
		RequestTimeout: cfg.HTTPTimeout,
		MaxAttempts:    cfg.UpstreamMaxAttempts,
		BaseDelay:      cfg.UpstreamBackoffBase,
		MaxDelay:       cfg.UpstreamBackoffMax,
	}
	return hc, user, nil
}

func adminDeps(cfg *config.Config) (server.AuthConfig, server.RateLimitConfig) {
	return server.AuthConfig{Token: cfg.AdminToken, Username: cfg.AdminUsername, Password: cfg.AdminPassword},
		server.RateLimitConfig{RequestsPerIP: cfg.AdminRequestsPerMin, Window: time.Minute}
}

// startPprof exposes /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
