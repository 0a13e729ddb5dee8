package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/server"
	"github.com/onnwee/streamwarden/session"
)

var modworkerCmd = &cobra.Command{
	Use:   "modworker",
	Short: "Drain the moderation queue (single instance, advisory lock)",
	RunE:  runModworker,
}

func runModworker(cmd *cobra.Command, _ []string) error {
	cfg, database, cleanup, err := bootstrap("modworker")
	if err != nil {
		return err
	}
	defer cleanup()
	if err := cfg.ValidateUpstreamCredentials(); err != nil {
		return err
	}

	helix, _, err := newHelixClient(cfg, database)
	if err != nil {
		return err
	}
	if cfg.TwitchBotUserID == "" && cfg.TwitchBotUsername != "" {
		id, err := helix.GetUserID(cmd.Context(), cfg.TwitchBotUsername)
		if err != nil {
			return fmt.Errorf("resolve bot user id: %w", err)
		}
		cfg.TwitchBotUserID, helix.BotUserID = id, id
		slog.Info("resolved bot user id", slog.String("login", cfg.TwitchBotUsername), slog.String("user_id", id))
	}
	if err := cfg.ValidateModeration(); err != nil {
		return err
	}

	lock, err := db.TryAdvisoryLock(cmd.Context(), database, cfg.ModWorkerLockID)
	if err != nil {
		if errors.Is(err, db.ErrLockHeld) {
			slog.Error("another moderation worker holds the lock; exiting", slog.Int64("lock_id", cfg.ModWorkerLockID))
		}
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			slog.Error("failed to release advisory lock", slog.Int64("lock_id", lock.ID()), slog.Any("err", err))
		}
	}()
	slog.Info("advisory lock acquired", slog.Int64("lock_id", lock.ID()), slog.String("component", "modworker"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		slog.Info("shutdown requested, draining in-flight jobs", slog.String("component", "modworker"))
		cancel()
		<-sigs
		slog.Warn("second signal received, forcing exit", slog.String("component", "modworker"))
		os.Exit(1)
	}()

	jobs, checks, closeJobs, err := newQueueStore(cfg, database)
	if err != nil {
		return err
	}
	defer closeJobs()

	processor := moderation.NewProcessor(
		moderation.NewEngine(moderationSettings(cfg)),
		helix,
		session.NewPGStore(database),
		newResponders(cfg),
		moderation.ProcessorOptions{DryRun: cfg.DryRun, DryRunSilent: cfg.DryRunSilent},
	)
	worker := queue.NewWorker(jobs, processor, queue.Options{
		Kind:            moderation.JobKind,
		PollInterval:    cfg.WorkerPollInterval,
		BatchSize:       cfg.WorkerBatchSize,
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: cfg.WorkerShutdownTimeout,
		StatsInterval:   cfg.WorkerStatsInterval,
	})

	startPprof()
	auth, limit := adminDeps(cfg)
	handler := server.NewRouter(ctx, server.Deps{
		DB:          database,
		ReadyChecks: checks,
		Worker:      worker.Stats,
		QueueDepth:  func(ctx context.Context) (queue.Depth, error) { return jobs.Depth(ctx, moderation.JobKind) },
		Upstream:    helix.Limiter,
		Auth:        auth,
		RateLimit:   limit,
	})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if cfg.DryRun || cfg.DryRunSilent {
		slog.Warn("moderation dry run: bans and timeouts are logged, not enforced",
			slog.Bool("silent", cfg.DryRunSilent), slog.String("component", "modworker"))
	}
	err = worker.Run(ctx)
	slog.Info("moderation worker stopped", slog.String("component", "modworker"), slog.Any("err", err))
	return err
}

// moderationSettings maps env config onto engine settings. Zero values fall back to
// the engine defaults.
func moderationSettings(cfg *config.Config) moderation.Settings {
	return moderation.Settings{
		BotUserID:            cfg.TwitchBotUserID,
		BotUsername:          cfg.TwitchBotUsername,
		Allowlist:            cfg.ModAllowlist,
		Denylist:             cfg.ModDenylist,
		RaidWindow:           cfg.RaidWindow,
		RaidMessageThreshold: cfg.RaidMessageThreshold,
		RaidUniqueThreshold:  cfg.RaidUniqueThreshold,
		RaidModeDuration:     cfg.RaidModeDuration,
		SpamRepeatThreshold:  cfg.SpamRepeatThreshold,
		SpamBurstThreshold:   cfg.SpamBurstThreshold,
		SpamSimilarity:       cfg.SpamSimilarity,
		TimeoutDuration:      cfg.TimeoutDuration,
		Cooldown:             cfg.ModCooldown,
		ViolationDecay:       cfg.ViolationDecay,
		ReplyEnabled:         cfg.BotReplyEnabled,
		ReplyCooldown:        cfg.BotReplyCooldown,
		ReplyRequireMention:  cfg.BotReplyRequireMention,
	}
}

// newResponders puts the LLM first when a key is configured; canned replies always
// back it up.
func newResponders(cfg *config.Config) moderation.Fallback {
	var out moderation.Fallback
	if cfg.OpenAIAPIKey != "" {
		llm, err := moderation.NewOpenAIResponder(moderation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			BotName: cfg.TwitchBotUsername,
		})
		if err != nil {
			slog.Warn("openai responder disabled", slog.Any("err", err))
		} else {
			out = append(out, llm)
		}
	}
	return append(out, moderation.CannedResponder{})
}
