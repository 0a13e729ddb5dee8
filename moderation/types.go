// Package moderation decides what, if anything, to do about a chat message.
//
// Engine.Evaluate is synchronous and never blocks on I/O. It keeps per-broadcaster
// state in memory (sliding message window, raid mode, per-sender strikes and
// cooldowns). That state is process-local; the moderation worker holds an
// advisory lock so exactly one process owns it.
package moderation

import (
	"strings"
	"time"
)

// Event is one chat message as seen by the engine.
type Event struct {
	MessageID      string
	BroadcasterID  string
	SenderID       string
	SenderUsername string
	Content        string
	Badges         []string
	At             time.Time
	// Live reports whether the broadcaster has an open session. Raid mode only
	// activates while live.
	Live bool
	// Exempt lets the caller force exemption on top of the engine's own checks.
	Exempt bool
}

// ActionKind is what the processor should do.
type ActionKind string

const (
	ActionWarn    ActionKind = "warn"
	ActionTimeout ActionKind = "timeout"
	ActionBan     ActionKind = "ban"
	ActionReply   ActionKind = "reply"
)

// Action is an engine decision. Duration is set for timeouts; Message carries the
// warning text or the reply prompt.
type Action struct {
	Kind     ActionKind
	Duration time.Duration
	Reason   string
	Message  string
	Level    int
	RaidMode bool
}

// Settings tune the engine. Start from DefaultSettings.
type Settings struct {
	BotUserID   string
	BotUsername string
	Allowlist   []string // sender ids or logins never moderated
	Denylist    []string // case-insensitive substrings

	WindowSize           time.Duration
	RaidWindow           time.Duration
	RaidMessageThreshold int
	RaidUniqueThreshold  int
	RaidModeDuration     time.Duration

	SpamRepeatThreshold int
	SpamBurstThreshold  int
	SpamSimilarity      float64

	TimeoutDuration time.Duration
	Cooldown        time.Duration
	ViolationDecay  time.Duration

	ReplyEnabled        bool
	ReplyCooldown       time.Duration
	ReplyRequireMention bool
}

// MaxViolationLevel caps the escalation ladder.
const MaxViolationLevel = 3

func DefaultSettings() Settings {
	return Settings{
		WindowSize:           10 * time.Second,
		RaidWindow:           5 * time.Second,
		RaidMessageThreshold: 80,
		RaidUniqueThreshold:  40,
		RaidModeDuration:     5 * time.Minute,
		SpamRepeatThreshold:  3,
		SpamBurstThreshold:   6,
		SpamSimilarity:       0.8,
		TimeoutDuration:      600 * time.Second,
		Cooldown:             60 * time.Second,
		ViolationDecay:       5 * time.Minute,
		ReplyCooldown:        30 * time.Second,
		ReplyRequireMention:  true,
	}
}

// withDefaults fills zero thresholds so a partially populated Settings still works.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.WindowSize <= 0 {
		s.WindowSize = d.WindowSize
	}
	if s.RaidWindow <= 0 {
		s.RaidWindow = d.RaidWindow
	}
	if s.RaidWindow > s.WindowSize {
		s.WindowSize = s.RaidWindow
	}
	if s.RaidMessageThreshold <= 0 {
		s.RaidMessageThreshold = d.RaidMessageThreshold
	}
	if s.RaidUniqueThreshold <= 0 {
		s.RaidUniqueThreshold = d.RaidUniqueThreshold
	}
	if s.RaidModeDuration <= 0 {
		s.RaidModeDuration = d.RaidModeDuration
	}
	if s.SpamRepeatThreshold <= 0 {
		s.SpamRepeatThreshold = d.SpamRepeatThreshold
	}
	if s.SpamBurstThreshold <= 0 {
		s.SpamBurstThreshold = d.SpamBurstThreshold
	}
	if s.SpamSimilarity <= 0 || s.SpamSimilarity > 1 {
		s.SpamSimilarity = d.SpamSimilarity
	}
	if s.TimeoutDuration <= 0 {
		s.TimeoutDuration = d.TimeoutDuration
	}
	if s.Cooldown < 0 {
		s.Cooldown = 0
	}
	if s.ViolationDecay <= 0 {
		s.ViolationDecay = d.ViolationDecay
	}
	if s.ReplyCooldown < 0 {
		s.ReplyCooldown = 0
	}
	return s
}

func lowerSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
			out[it] = true
		}
	}
	return out
}
