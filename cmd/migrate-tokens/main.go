// Command migrate-tokens encrypts OAuth tokens still stored as plaintext
// (encryption_version=0) with the AES-256-GCM key in ENCRYPTION_KEY.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider twitch]
//
// DB_DSN and ENCRYPTION_KEY are required.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/streamwarden/db"
)

// tokenSealer is the part of db.TokenStore the migration drives.
type tokenSealer interface {
	PlaintextProviders(ctx context.Context) ([]string, error)
	Seal(ctx context.Context, provider string) error
	EncryptionStatus(ctx context.Context) (map[int]int, error)
}

func newRootCmd() *cobra.Command {
	var (
		dryRun   bool
		provider string
	)
	cmd := &cobra.Command{
		Use:          "migrate-tokens",
		Short:        "Encrypt plaintext OAuth tokens in place",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := os.Getenv("DB_DSN")
			if dsn == "" {
				return fmt.Errorf("DB_DSN environment variable is required")
			}
			key := os.Getenv("ENCRYPTION_KEY")
			if key == "" {
				return fmt.Errorf("ENCRYPTION_KEY environment variable is required for migration")
			}
			database, err := db.Connect(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			store, err := db.NewTokenStore(database, key)
			if err != nil {
				return err
			}
			return migrateTokens(cmd.Context(), store, dryRun, provider)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be migrated without making changes")
	cmd.Flags().StringVar(&provider, "provider", "", "migrate one provider only (default: all)")
	return cmd
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext token (or just providerFilter) and reports a
// summary. Individual failures are logged and counted; any failure fails the run.
func migrateTokens(ctx context.Context, store tokenSealer, dryRun bool, providerFilter string) error {
	providers, err := store.PlaintextProviders(ctx)
	if err != nil {
		return err
	}
	if providerFilter != "" {
		var filtered []string
		for _, p := range providers {
			if p == providerFilter {
				filtered = append(filtered, p)
			}
		}
		providers = filtered
	}
	if len(providers) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(providers)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, p := range providers {
		logger := slog.With(slog.String("provider", p), slog.Int("index", i+1), slog.Int("total", len(providers)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := store.Seal(ctx, p); err != nil {
			logger.Error("failed to migrate token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(providers)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if status, err := store.EncryptionStatus(ctx); err == nil {
		slog.Info("token encryption status", slog.Int("plaintext", status[0]), slog.Int("encrypted", status[1]))
	}
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}
