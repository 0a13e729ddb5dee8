// Package session owns the stream_sessions table: one row per contiguous broadcast,
// with at most one open row per broadcaster.
//
// The Reconciler is the only code that opens or closes sessions. The archival
// Corrector adjusts boundaries of closed sessions after the fact.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrOpenSessionExists is returned by Store.Create when the broadcaster already has an open session.
	ErrOpenSessionExists = errors.New("open session already exists")
	// ErrNotFound is returned when no matching session row exists.
	ErrNotFound = errors.New("session not found")
)

// StreamSession is one contiguous broadcast.
type StreamSession struct {
	ID               int64
	BroadcasterID    string
	ChannelSlug      string
	Title            string
	Category         string
	ThumbnailURL     string
	ExternalStreamID string
	StartedAt        time.Time
	EndedAt          *time.Time
	PeakViewerCount  int
	FollowerCount    int
	TotalMessages    int
	DurationSeconds  int
	LastLiveCheckAt  time.Time
	LastCorrectedAt  *time.Time
}

// Open reports whether the session has not been closed yet.
func (s StreamSession) Open() bool { return s.EndedAt == nil }

// Duration is ended_at - started_at for closed sessions and now - started_at for open ones.
func (s StreamSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if d := end.Sub(s.StartedAt); d > 0 {
		return d
	}
	return 0
}

// IsManual reports whether the session was opened by an operator. Manual sessions
// carry a title prefix and are never closed automatically.
func (s StreamSession) IsManual(prefix string) bool {
	return prefix != "" && strings.HasPrefix(s.Title, prefix)
}

// LiveUpdate is the metadata refreshed on every live observation.
type LiveUpdate struct {
	Title         string
	Category      string
	ThumbnailURL  string
	ViewerCount   int
	FollowerCount int
	CheckedAt     time.Time
}

// Correction is a retroactive fix from the archival source. When AdjustTimes is
// false only the external id and title are written.
type Correction struct {
	StartedAt        time.Time
	EndedAt          time.Time
	ExternalStreamID string
	Title            string
	AdjustTimes      bool
	CorrectedAt      time.Time
}

// Store persists sessions. Implementations must enforce the single-open-session
// rule structurally and report violations as ErrOpenSessionExists.
type Store interface {
	FindOpen(ctx context.Context, broadcasterID string) (*StreamSession, error)
	Get(ctx context.Context, id int64) (*StreamSession, error)
	Create(ctx context.Context, s StreamSession) (*StreamSession, error)
	UpdateLive(ctx context.Context, id int64, u LiveUpdate) error
	// End closes an open session. It returns false when the session was already closed.
	End(ctx context.Context, id int64, endedAt time.Time, totalMessages int) (bool, error)
	// ListSince returns the broadcaster's sessions started at or after since, oldest first.
	ListSince(ctx context.Context, broadcasterID string, since time.Time) ([]StreamSession, error)
	ApplyCorrection(ctx context.Context, id int64, c Correction) error
	// Merge moves the chat rows of drop onto keep and deletes drop. drop must be closed.
	Merge(ctx context.Context, keepID, dropID int64) error
}

// MessageStore is the chat side of a session close.
type MessageStore interface {
	// BackfillOffline moves offline messages for the broadcaster sent within [from, to]
	// onto the session and returns how many were attached.
	BackfillOffline(ctx context.Context, sessionID int64, broadcasterID string, from, to time.Time) (int64, error)
	CountForSession(ctx context.Context, sessionID int64) (int, error)
}
