// Package db provides database connection helpers, schema migration, advisory locks,
// and the encrypted OAuth token store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres pool for dsn and tunes it for a long-running poller or worker.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DB_DSN")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	return database, nil
}

// Migrate applies the embedded schema statement by statement. Every statement is
// idempotent, so this is safe against a database that golang-migrate already manages.
func Migrate(ctx context.Context, database *sql.DB) error {
	up, err := migrationFS.ReadFile("migrations/000001_init.up.sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}
	for i, stmt := range splitStatements(string(up)) {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsUniqueViolation reports whether err is a Postgres unique_violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a Postgres foreign_key_violation (SQLSTATE 23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
