package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamwarden/chat"
	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/live"
	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/oauth"
	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/server"
	"github.com/onnwee/streamwarden/session"
)

var pollerCmd = &cobra.Command{
	Use:   "poller",
	Short: "Track live sessions, record chat and enqueue moderation jobs",
	RunE:  runPoller,
}

func runPoller(cmd *cobra.Command, _ []string) error {
	cfg, database, cleanup, err := bootstrap("poller")
	if err != nil {
		return err
	}
	defer cleanup()
	if err := cfg.ValidateUpstream(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	helix, userTokens, err := newHelixClient(cfg, database)
	if err != nil {
		return err
	}

	sessions := session.NewPGStore(database)
	messages := chat.NewStore(database)
	rec := session.NewReconciler(sessions, messages, session.ReconcilerConfig{
		GracePeriod:  cfg.GracePeriod,
		ManualPrefix: cfg.ManualSessionPrefix,
	})
	poller := session.NewPoller(live.NewChecker(helix, cfg.LivePageSize), rec, cfg.TwitchChannels, cfg.PollInterval)

	corrector := session.NewCorrector(sessions, session.HelixArchive{Client: helix}, session.CorrectorConfig{})
	sched, err := session.ScheduleCorrections(ctx, cfg.CorrectionSchedule, corrector, poller.BroadcasterIDs)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	jobs, checks, closeJobs, err := newQueueStore(cfg, database)
	if err != nil {
		return err
	}
	defer closeJobs()

	go poller.Run(ctx)

	if err := cfg.ValidateChatReady(); err == nil {
		recorder := chat.NewRecorder(messages, sessions, jobs)
		go func() {
			if err := recorder.Run(ctx, cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannels); err != nil {
				slog.Error("chat recorder exited with error", slog.String("component", "chat"), slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat recorder disabled", slog.Any("reason", err))
	}

	oauth.StartRefresher(ctx, userTokens, oauth.Options{Provider: "twitch"})
	startPprof()

	auth, limit := adminDeps(cfg)
	handler := server.NewRouter(ctx, server.Deps{
		DB:          database,
		ReadyChecks: checks,
		Channels:    poller.Status,
		QueueDepth:  func(ctx context.Context) (queue.Depth, error) { return jobs.Depth(ctx, moderation.JobKind) },
		Upstream:    helix.Limiter,
		Sessions:    sessions,
		Closer:      rec,
		Corrections: corrector,
		Auth:        auth,
		RateLimit:   limit,
	})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", slog.String("component", "poller"))
	return nil
}

// newQueueStore opens the configured queue backend along with its readiness checks.
// The returned close func is always safe to call.
func newQueueStore(cfg *config.Config, database *sql.DB) (queue.Store, []server.Check, func(), error) {
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Error("failed to close redis client", slog.Any("err", err))
			}
		}
		ping := server.Check{Name: "redis", Fn: func(ctx context.Context) error { return client.Ping(ctx).Err() }}
		return queue.NewRedisStore(client, "streamwarden", cfg.WorkerMaxAttempts), []server.Check{ping}, closeFn, nil
	case "postgres", "":
		return queue.NewPGStore(database, cfg.WorkerMaxAttempts), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
