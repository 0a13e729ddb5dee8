package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrLockHeld is returned when another process already holds the advisory lock.
var ErrLockHeld = errors.New("advisory lock held by another instance")

// AdvisoryLock is a session-level pg advisory lock pinned to one pooled connection.
// Postgres releases it automatically if the process dies and the connection drops.
type AdvisoryLock struct {
	conn *sql.Conn
	id   int64
	once sync.Once
	err  error
}

// TryAdvisoryLock attempts pg_try_advisory_lock(id) without blocking.
func TryAdvisoryLock(ctx context.Context, database *sql.DB, id int64) (*AdvisoryLock, error) {
	conn, err := database.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pg_try_advisory_lock(%d): %w", id, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("lock %d: %w", id, ErrLockHeld)
	}
	return &AdvisoryLock{conn: conn, id: id}, nil
}

func (l *AdvisoryLock) ID() int64 { return l.id }

// Release unlocks and returns the connection to the pool. Safe to call more than once.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		var unlocked bool
		if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id).Scan(&unlocked); err != nil {
			l.err = fmt.Errorf("pg_advisory_unlock(%d): %w", l.id, err)
		} else if !unlocked {
			l.err = fmt.Errorf("pg_advisory_unlock(%d): lock was not held", l.id)
		}
		if cerr := l.conn.Close(); cerr != nil && l.err == nil {
			l.err = cerr
		}
	})
	return l.err
}
