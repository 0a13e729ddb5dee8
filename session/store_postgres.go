package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamwarden/db"
)

const sessionColumns = `id, broadcaster_id, channel_slug, title, category, thumbnail_url, external_stream_id,
	started_at, ended_at, peak_viewer_count, follower_count, total_messages, duration_seconds,
	last_live_check_at, last_corrected_at`

// PGStore is the Postgres Store. The partial unique index ux_stream_sessions_open
// enforces the single open session per broadcaster.
type PGStore struct {
	DB *sql.DB
}

func NewPGStore(database *sql.DB) *PGStore { return &PGStore{DB: database} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*StreamSession, error) {
	var (
		s         StreamSession
		external  sql.NullString
		ended     sql.NullTime
		duration  sql.NullInt64
		lastCheck sql.NullTime
		corrected sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.BroadcasterID, &s.ChannelSlug, &s.Title, &s.Category, &s.ThumbnailURL, &external,
		&s.StartedAt, &ended, &s.PeakViewerCount, &s.FollowerCount, &s.TotalMessages, &duration,
		&lastCheck, &corrected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ExternalStreamID = external.String
	s.DurationSeconds = int(duration.Int64)
	s.LastLiveCheckAt = lastCheck.Time
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	if corrected.Valid {
		t := corrected.Time
		s.LastCorrectedAt = &t
	}
	return &s, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PGStore) FindOpen(ctx context.Context, broadcasterID string) (*StreamSession, error) {
	return scanSession(p.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE broadcaster_id=$1 AND ended_at IS NULL`, broadcasterID))
}

func (p *PGStore) Get(ctx context.Context, id int64) (*StreamSession, error) {
	return scanSession(p.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id=$1`, id))
}

// Create inserts s and returns the stored row. A concurrent open session for the
// same broadcaster surfaces as ErrOpenSessionExists.
func (p *PGStore) Create(ctx context.Context, s StreamSession) (*StreamSession, error) {
	var duration sql.NullInt64
	if s.EndedAt != nil {
		duration = sql.NullInt64{Int64: int64(s.Duration(time.Time{}).Seconds()), Valid: true}
	}
	lastCheck := sql.NullTime{Time: s.LastLiveCheckAt, Valid: !s.LastLiveCheckAt.IsZero()}
	row := p.DB.QueryRowContext(ctx,
		`INSERT INTO stream_sessions (broadcaster_id, channel_slug, title, category, thumbnail_url, external_stream_id,
			started_at, ended_at, peak_viewer_count, follower_count, total_messages, duration_seconds, last_live_check_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING `+sessionColumns,
		s.BroadcasterID, s.ChannelSlug, s.Title, s.Category, s.ThumbnailURL, nullString(s.ExternalStreamID),
		s.StartedAt, nullTime(s.EndedAt), s.PeakViewerCount, s.FollowerCount, s.TotalMessages, duration, lastCheck)
	created, err := scanSession(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create session for %s: %w", s.BroadcasterID, ErrOpenSessionExists)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

// UpdateLive refreshes metadata and the heartbeat of an open session. Empty strings
// keep the stored value; the peak viewer count only grows.
func (p *PGStore) UpdateLive(ctx context.Context, id int64, u LiveUpdate) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE stream_sessions SET
			title=COALESCE(NULLIF($2,''), title),
			category=COALESCE(NULLIF($3,''), category),
			thumbnail_url=COALESCE(NULLIF($4,''), thumbnail_url),
			peak_viewer_count=GREATEST(peak_viewer_count, $5),
			follower_count=CASE WHEN $6 > 0 THEN $6 ELSE follower_count END,
			last_live_check_at=$7,
			updated_at=NOW()
		 WHERE id=$1 AND ended_at IS NULL`,
		id, u.Title, u.Category, u.ThumbnailURL, u.ViewerCount, u.FollowerCount, u.CheckedAt)
	if err != nil {
		return fmt.Errorf("update session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) End(ctx context.Context, id int64, endedAt time.Time, totalMessages int) (bool, error) {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE stream_sessions SET
			ended_at=$2,
			duration_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - started_at)))::int,
			total_messages=$3,
			updated_at=NOW()
		 WHERE id=$1 AND ended_at IS NULL`, id, endedAt, totalMessages)
	if err != nil {
		return false, fmt.Errorf("end session %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PGStore) ListSince(ctx context.Context, broadcasterID string, since time.Time) ([]StreamSession, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions WHERE broadcaster_id=$1 AND started_at >= $2 ORDER BY started_at ASC, id ASC`,
		broadcasterID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ApplyCorrection rewrites a closed session from archival data. Open sessions are
// left alone: the live reconciler owns their boundaries.
func (p *PGStore) ApplyCorrection(ctx context.Context, id int64, c Correction) error {
	var (
		res sql.Result
		err error
	)
	if c.AdjustTimes {
		res, err = p.DB.ExecContext(ctx,
			`UPDATE stream_sessions SET
				started_at=$2,
				ended_at=$3,
				duration_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($3::timestamptz - $2::timestamptz)))::int,
				external_stream_id=COALESCE($4, external_stream_id),
				title=COALESCE(NULLIF($5,''), title),
				last_corrected_at=$6,
				updated_at=NOW()
			 WHERE id=$1 AND ended_at IS NOT NULL`,
			id, c.StartedAt, c.EndedAt, nullString(c.ExternalStreamID), c.Title, c.CorrectedAt)
	} else {
		res, err = p.DB.ExecContext(ctx,
			`UPDATE stream_sessions SET
				external_stream_id=COALESCE($2, external_stream_id),
				title=COALESCE(NULLIF($3,''), title),
				last_corrected_at=$4,
				updated_at=NOW()
			 WHERE id=$1 AND ended_at IS NOT NULL`,
			id, nullString(c.ExternalStreamID), c.Title, c.CorrectedAt)
	}
	if err != nil {
		return fmt.Errorf("correct session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Merge reattaches drop's chat rows to keep, deletes drop and recounts keep's messages
// in one transaction. keep inherits drop's external id when it has none.
func (p *PGStore) Merge(ctx context.Context, keepID, dropID int64) error {
	if keepID == dropID {
		return fmt.Errorf("merge session %d into itself", keepID)
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET session_id=$1 WHERE session_id=$2`, keepID, dropID); err != nil {
		return fmt.Errorf("move chat rows: %w", err)
	}
	var external sql.NullString
	err = tx.QueryRowContext(ctx,
		`DELETE FROM stream_sessions WHERE id=$1 AND ended_at IS NOT NULL RETURNING external_stream_id`, dropID).Scan(&external)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("merge drop %d: %w", dropID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE stream_sessions SET
			total_messages=(SELECT COUNT(*) FROM chat_messages WHERE session_id=$1),
			external_stream_id=COALESCE(external_stream_id, $2),
			updated_at=NOW()
		 WHERE id=$1`, keepID, external)
	if err != nil {
		return fmt.Errorf("recount kept session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge keep %d: %w", keepID, ErrNotFound)
	}
	return tx.Commit()
}
