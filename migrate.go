package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/db"
)

var (
	migrateDown   bool
	migrateSource string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		database, err := db.Connect(cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		switch {
		case migrateDown:
			slog.Warn("rolling back the most recent migration", slog.String("component", "db_migrate"))
			return db.MigrateDown(database)
		case migrateSource != "":
			slog.Info("running migrations from source", slog.String("source", migrateSource), slog.String("component", "db_migrate"))
			if err := db.RunMigrationsFromPath(database, migrateSource); err != nil {
				return err
			}
		default:
			if err := migrate(database); err != nil {
				return err
			}
		}
		version, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			return err
		}
		slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the most recent migration")
	migrateCmd.Flags().StringVar(&migrateSource, "source", "", "apply migrations from a source URL (e.g. file:///srv/migrations) instead of the embedded set")
}
