package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PGStore keeps jobs in the job_queue table. Claims use FOR UPDATE SKIP LOCKED so
// concurrent claimers never receive the same job.
type PGStore struct {
	DB          *sql.DB
	MaxAttempts int
	now         func() time.Time
}

func NewPGStore(database *sql.DB, maxAttempts int) *PGStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PGStore{DB: database, MaxAttempts: maxAttempts, now: time.Now}
}

func (p *PGStore) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO job_queue (id, kind, payload, max_attempts) VALUES ($1::uuid, $2, $3::jsonb, $4)`,
		id, kind, string(payload), p.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

func (p *PGStore) Claim(ctx context.Context, kind string, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.DB.QueryContext(ctx,
		`UPDATE job_queue SET status='processing', attempts=attempts+1, claimed_at=NOW(), updated_at=NOW()
		 WHERE id IN (
			SELECT id FROM job_queue
			 WHERE kind=$1 AND status='pending' AND run_after <= NOW()
			 ORDER BY run_after, created_at
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED)
		 RETURNING id::text, kind, payload::text, status, attempts, max_attempts, COALESCE(last_error,''), run_after, claimed_at, created_at`,
		kind, limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", kind, err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var (
			j       Job
			payload string
			status  string
		)
		if err := rows.Scan(&j.ID, &j.Kind, &payload, &status, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.RunAfter, &j.ClaimedAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = []byte(payload)
		j.Status = Status(status)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (p *PGStore) Complete(ctx context.Context, id string) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE job_queue SET status='completed', completed_at=NOW(), last_error=NULL, updated_at=NOW() WHERE id=$1::uuid`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) Fail(ctx context.Context, job Job, cause error) (Status, error) {
	status, runAfter := nextState(job, p.now())
	res, err := p.DB.ExecContext(ctx,
		`UPDATE job_queue SET status=$2, last_error=$3, run_after=$4, updated_at=NOW() WHERE id=$1::uuid`,
		job.ID, string(status), truncateError(cause), runAfter)
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return status, nil
}

func (p *PGStore) Depth(ctx context.Context, kind string) (Depth, error) {
	var d Depth
	rows, err := p.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue WHERE kind=$1 GROUP BY status`, kind)
	if err != nil {
		return d, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return d, err
		}
		switch Status(status) {
		case StatusPending:
			d.Pending = n
		case StatusProcessing:
			d.Processing = n
		case StatusCompleted:
			d.Completed = n
		case StatusFailed:
			d.Failed = n
		}
	}
	return d, rows.Err()
}

func (p *PGStore) RequeueStale(ctx context.Context, kind string, olderThan time.Duration) (int64, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE job_queue SET status='pending', run_after=NOW(), updated_at=NOW()
		 WHERE kind=$1 AND status='processing' AND claimed_at < $2`, kind, p.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s jobs: %w", kind, err)
	}
	return res.RowsAffected()
}

// PurgeCompleted deletes completed jobs finished before now-olderThan.
func (p *PGStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := p.DB.ExecContext(ctx,
		`DELETE FROM job_queue WHERE status='completed' AND completed_at < $1`, p.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
