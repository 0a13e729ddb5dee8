package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
)

// SessionLookup finds a broadcaster's open session.
type SessionLookup interface {
	FindOpen(ctx context.Context, broadcasterID string) (*session.StreamSession, error)
}

// MessageWriter persists chat messages.
type MessageWriter interface {
	Record(ctx context.Context, m Message) (bool, error)
}

// Enqueuer queues a job body under a kind.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
}

type cachedSession struct {
	id int64
	at time.Time
}

// Recorder stores incoming chat and enqueues moderation jobs.
type Recorder struct {
	messages MessageWriter
	sessions SessionLookup
	jobs     Enqueuer
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSession
}

// NewRecorder builds a Recorder. jobs may be nil to record without moderation.
func NewRecorder(messages MessageWriter, sessions SessionLookup, jobs Enqueuer) *Recorder {
	return &Recorder{
		messages: messages,
		sessions: sessions,
		jobs:     jobs,
		cacheTTL: 15 * time.Second,
		now:      time.Now,
		cache:    map[string]cachedSession{},
	}
}

// openSessionID returns the open session id for the broadcaster, or 0. Lookups are
// cached briefly since every chat line needs one.
func (r *Recorder) openSessionID(ctx context.Context, broadcasterID string) (int64, error) {
	now := r.now()
	r.mu.Lock()
	c, ok := r.cache[broadcasterID]
	r.mu.Unlock()
	if ok && now.Sub(c.at) < r.cacheTTL {
		return c.id, nil
	}
	s, err := r.sessions.FindOpen(ctx, broadcasterID)
	var id int64
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		id = s.ID
	}
	r.mu.Lock()
	r.cache[broadcasterID] = cachedSession{id: id, at: now}
	r.mu.Unlock()
	return id, nil
}

// Handle records one IRC message and enqueues it for moderation.
func (r *Recorder) Handle(ctx context.Context, msg twitch.PrivateMessage) error {
	if msg.ID == "" || msg.RoomID == "" {
		return fmt.Errorf("message without id or room id in #%s", msg.Channel)
	}
	sent := msg.Time.UTC()
	if msg.Time.IsZero() {
		sent = r.now().UTC()
	}
	m := Message{
		ID:             msg.ID,
		BroadcasterID:  msg.RoomID,
		SenderID:       msg.User.ID,
		SenderUsername: msg.User.Name,
		Content:        msg.Message,
		Badges:         msg.User.Badges,
		SentAt:         sent,
	}
	sid, err := r.openSessionID(ctx, msg.RoomID)
	if err != nil {
		slog.Warn("open session lookup failed, storing offline", slog.String("component", "chat"), slog.String("broadcaster_id", msg.RoomID), slog.Any("err", err))
	}
	m.SessionID = sid

	inserted, err := r.messages.Record(ctx, m)
	if err != nil {
		return err
	}
	switch {
	case !inserted:
		telemetry.IncChatMessage("duplicate")
		return nil
	case sid > 0:
		telemetry.IncChatMessage("live")
	default:
		telemetry.IncChatMessage("offline")
	}

	if r.jobs == nil {
		return nil
	}
	body, err := json.Marshal(moderation.Payload{
		MessageID:   m.ID,
		Broadcaster: moderation.Account{ID: msg.RoomID, Username: msg.Channel},
		Sender:      moderation.Sender{ID: m.SenderID, Username: m.SenderUsername, Badges: m.BadgeNames()},
		Content:     m.Content,
		Timestamp:   sent,
	})
	if err != nil {
		return err
	}
	if _, err := r.jobs.Enqueue(ctx, moderation.JobKind, body); err != nil {
		return fmt.Errorf("enqueue moderation job: %w", err)
	}
	return nil
}

// Run connects to Twitch IRC, joins channels and records until ctx is done.
func (r *Recorder) Run(ctx context.Context, username, oauthToken string, channels []string) error {
	if username == "" || oauthToken == "" || len(channels) == 0 {
		slog.Info("chat credentials or channels not set; skipping chat recorder", slog.String("component", "chat"))
		return nil
	}
	client := twitch.NewClient(username, oauthToken)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.Handle(hctx, msg); err != nil {
			slog.Error("failed to record chat message", slog.String("component", "chat"), slog.String("channel", msg.Channel), slog.Any("err", err))
		}
	})
	client.OnConnect(func() {
		slog.Info("chat connected", slog.String("component", "chat"), slog.Any("channels", channels))
	})

	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()

	client.Join(channels...)
	err := client.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}
