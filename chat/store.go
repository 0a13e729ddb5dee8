package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/db"
)

// Message is one chat line. SessionID is zero for messages received while no
// session was open.
type Message struct {
	ID             string
	SessionID      int64
	BroadcasterID  string
	SenderID       string
	SenderUsername string
	Content        string
	Badges         map[string]int
	SentAt         time.Time
}

// BadgeNames returns the badge set names in sorted order.
func (m Message) BadgeNames() []string {
	out := make([]string, 0, len(m.Badges))
	for k := range m.Badges {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func encodeBadges(b map[string]int) string {
	parts := make([]string, 0, len(b))
	for k, v := range b {
		parts = append(parts, k+":"+strconv.Itoa(v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Store persists chat in chat_messages and offline_chat_messages. Message ids are
// unique across both, so replays are no-ops.
type Store struct {
	DB *sql.DB
}

func NewStore(database *sql.DB) *Store { return &Store{DB: database} }

// Record stores m and reports whether it was new. A message whose session row
// vanished (merged away) falls back to the offline table.
func (s *Store) Record(ctx context.Context, m Message) (bool, error) {
	badges := encodeBadges(m.Badges)
	if m.SessionID > 0 {
		res, err := s.DB.ExecContext(ctx,
			`INSERT INTO chat_messages (message_id, session_id, broadcaster_id, sender_id, sender_username, content, badges, sent_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (message_id) DO NOTHING`,
			m.ID, m.SessionID, m.BroadcasterID, m.SenderID, m.SenderUsername, m.Content, badges, m.SentAt)
		if err == nil {
			n, _ := res.RowsAffected()
			return n > 0, nil
		}
		if !db.IsForeignKeyViolation(err) {
			return false, fmt.Errorf("insert chat message: %w", err)
		}
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO offline_chat_messages (message_id, broadcaster_id, sender_id, sender_username, content, badges, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (message_id) DO NOTHING`,
		m.ID, m.BroadcasterID, m.SenderID, m.SenderUsername, m.Content, badges, m.SentAt)
	if err != nil {
		return false, fmt.Errorf("insert offline chat message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountForSession returns the number of messages attached to a session.
func (s *Store) CountForSession(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id=$1`, sessionID).Scan(&n)
	return n, err
}

// BackfillOffline moves the broadcaster's offline messages sent within [from, to]
// onto the session in one statement. Ids already present in chat_messages are
// skipped, so running it twice attaches each message at most once.
func (s *Store) BackfillOffline(ctx context.Context, sessionID int64, broadcasterID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`WITH moved AS (
			DELETE FROM offline_chat_messages
			 WHERE broadcaster_id=$2 AND sent_at >= $3 AND sent_at <= $4
			RETURNING message_id, broadcaster_id, sender_id, sender_username, content, badges, sent_at
		), attached AS (
			INSERT INTO chat_messages (message_id, session_id, broadcaster_id, sender_id, sender_username, content, badges, sent_at)
			SELECT message_id, $1, broadcaster_id, sender_id, sender_username, content, badges, sent_at FROM moved
			ON CONFLICT (message_id) DO NOTHING
			RETURNING 1
		)
		SELECT COUNT(*) FROM attached`, sessionID, broadcasterID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("backfill offline chat: %w", err)
	}
	return n, nil
}
