package moderation

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind is the queue kind for chat messages awaiting moderation.
const JobKind = "moderation"

// Account is a user reference inside a job payload.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Sender is the message author with their badge set names.
type Sender struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Badges   []string `json:"badges"`
}

// Payload is the queued moderation job body.
type Payload struct {
	MessageID   string    `json:"message_id"`
	Broadcaster Account   `json:"broadcaster"`
	Sender      Sender    `json:"sender"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// DecodePayload parses and validates a job body.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode moderation payload: %w", err)
	}
	if p.Broadcaster.ID == "" || p.Sender.ID == "" {
		return p, fmt.Errorf("moderation payload %q missing broadcaster or sender id", p.MessageID)
	}
	return p, nil
}

// Event converts the payload into an engine input.
func (p Payload) Event() Event {
	return Event{
		MessageID:      p.MessageID,
		BroadcasterID:  p.Broadcaster.ID,
		SenderID:       p.Sender.ID,
		SenderUsername: p.Sender.Username,
		Content:        p.Content,
		Badges:         p.Sender.Badges,
		At:             p.Timestamp,
	}
}
