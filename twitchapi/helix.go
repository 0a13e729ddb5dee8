package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ChannelMetadata is the rich but possibly stale view from channel search.
// LiveFlag is the raw is_live value; callers normalize it.
type ChannelMetadata struct {
	BroadcasterID string `json:"id"`
	Login         string `json:"broadcaster_login"`
	DisplayName   string `json:"display_name"`
	LiveFlag      any    `json:"is_live"`
	Title         string `json:"title"`
	GameName      string `json:"game_name"`
	ThumbnailURL  string `json:"thumbnail_url"`
	StartedAtRaw  string `json:"started_at"`
}

// StartedAt parses StartedAtRaw; offline channels report an empty string.
func (m ChannelMetadata) StartedAt() time.Time {
	t, _ := time.Parse(time.RFC3339, m.StartedAtRaw)
	return t
}

// LiveStream is one entry of the authoritative live listing.
type LiveStream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Video is an archived broadcast.
type Video struct {
	ID        string
	StreamID  string
	UserID    string
	Title     string
	CreatedAt time.Time
	Duration  time.Duration
}

// SearchChannel returns metadata for the channel whose login equals login, or nil when
// the search yields no exact match.
func (hc *HelixClient) SearchChannel(ctx context.Context, login string) (*ChannelMetadata, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("query", login)
	q.Set("first", "20")
	body, err := hc.do(ctx, request{endpoint: "search_channels", method: http.MethodGet, path: "/search/channels", query: q, auth: hc.AppTokenSource})
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	channels, bad := decodeItems[ChannelMetadata](env.Items)
	if bad > 0 {
		slog.Warn("skipped malformed channel entries", slog.Int("count", bad), slog.String("query", login))
	}
	for i := range channels {
		if strings.EqualFold(channels[i].Login, login) {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// FollowerCount returns the broadcaster's follower total.
func (hc *HelixClient) FollowerCount(ctx context.Context, broadcasterID string) (int, error) {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", "1")
	body, err := hc.do(ctx, request{endpoint: "channel_followers", method: http.MethodGet, path: "/channels/followers", query: q, auth: hc.AppTokenSource})
	if err != nil {
		return 0, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return 0, err
	}
	return env.Total, nil
}

// ListLiveStreams fetches up to first currently-live streams, filtered server-side by
// the given ids and logins. The server filter is not trusted; callers match client-side.
func (hc *HelixClient) ListLiveStreams(ctx context.Context, userIDs, logins []string, first int) ([]LiveStream, error) {
	if first <= 0 || first > 100 {
		first = 100
	}
	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	for _, id := range userIDs {
		if id != "" {
			q.Add("user_id", id)
		}
	}
	for _, l := range logins {
		if l != "" {
			q.Add("user_login", strings.ToLower(l))
		}
	}
	body, err := hc.do(ctx, request{endpoint: "streams", method: http.MethodGet, path: "/streams", query: q, auth: hc.AppTokenSource})
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	streams, bad := decodeItems[LiveStream](env.Items)
	if bad > 0 {
		slog.Warn("skipped malformed stream entries", slog.Int("count", bad))
	}
	return streams, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", strings.ToLower(login))
	body, err := hc.do(ctx, request{endpoint: "users", method: http.MethodGet, path: "/users", query: q, auth: hc.AppTokenSource})
	if err != nil {
		return "", err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return "", err
	}
	users, _ := decodeItems[struct {
		ID string `json:"id"`
	}](env.Items)
	if len(users) == 0 || users[0].ID == "" {
		return "", fmt.Errorf("user not found")
	}
	return users[0].ID, nil
}

// ListVideos lists archive videos for a user, newest first.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]Video, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	body, err := hc.do(ctx, request{endpoint: "videos", method: http.MethodGet, path: "/videos", query: q, auth: hc.AppTokenSource})
	if err != nil {
		return nil, "", err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, "", err
	}
	raw, _ := decodeItems[struct {
		ID        string `json:"id"`
		StreamID  string `json:"stream_id"`
		UserID    string `json:"user_id"`
		Title     string `json:"title"`
		CreatedAt string `json:"created_at"`
		Duration  string `json:"duration"`
	}](env.Items)
	out := make([]Video, 0, len(raw))
	for _, v := range raw {
		created, err := time.Parse(time.RFC3339, v.CreatedAt)
		if err != nil {
			slog.Warn("skipping video with bad created_at", slog.String("video_id", v.ID), slog.String("created_at", v.CreatedAt))
			continue
		}
		out = append(out, Video{
			ID:        v.ID,
			StreamID:  v.StreamID,
			UserID:    v.UserID,
			Title:     v.Title,
			CreatedAt: created,
			Duration:  time.Duration(parseTwitchDuration(v.Duration)) * time.Second,
		})
	}
	return out, env.Cursor, nil
}

// parseTwitchDuration converts Helix durations like "3h2m5s" to seconds.
func parseTwitchDuration(s string) int {
	total, n := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
		case r == 'h':
			total, n = total+n*3600, 0
		case r == 'm':
			total, n = total+n*60, 0
		case r == 's':
			total, n = total+n, 0
		default:
			n = 0
		}
	}
	return total
}

// SendChatMessage posts message to the broadcaster's chat as the bot. replyTo is an
// optional parent message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, message, replyTo string) error {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      hc.BotUserID,
		"message":        message,
	}
	if replyTo != "" {
		payload["reply_parent_message_id"] = replyTo
	}
	body, err := hc.do(ctx, request{endpoint: "chat_messages", method: http.MethodPost, path: "/chat/messages", body: payload, auth: hc.UserTokenSource})
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return err
	}
	results, _ := decodeItems[struct {
		IsSent     bool `json:"is_sent"`
		DropReason *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"drop_reason"`
	}](env.Items)
	if len(results) > 0 && !results[0].IsSent {
		reason := "unknown"
		if results[0].DropReason != nil {
			reason = results[0].DropReason.Code + ": " + results[0].DropReason.Message
		}
		return fmt.Errorf("chat message dropped: %s", reason)
	}
	return nil
}

// BanUser bans userID, or times them out when duration > 0. Banning an already
// banned user is not an error.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, userID string, duration time.Duration, reason string) error {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", hc.BotUserID)
	data := map[string]any{"user_id": userID}
	if duration > 0 {
		data["duration"] = int(duration / time.Second)
	}
	if reason != "" {
		data["reason"] = reason
	}
	_, err := hc.do(ctx, request{endpoint: "moderation_bans", method: http.MethodPost, path: "/moderation/bans", query: q,
		body: map[string]any{"data": data}, auth: hc.UserTokenSource})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Body), "already banned") {
		return nil
	}
	return err
}
