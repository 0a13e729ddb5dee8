package moderation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/telemetry"
)

var exemptBadges = map[string]bool{
	"broadcaster": true,
	"moderator":   true,
	"admin":       true,
	"staff":       true,
	"global_mod":  true,
}

// sweepEvery bounds how often idle per-sender entries are dropped.
const sweepEvery = time.Minute

type windowEntry struct {
	at     time.Time
	sender string
}

type offender struct {
	lastNorm        string
	lastHash        uint64
	repeatCount     int
	recent          []time.Time
	level           int
	lastViolationAt time.Time
	lastActionAt    time.Time
	lastSeen        time.Time
}

type channelState struct {
	// clock is the chat time of the newest evaluated message; seenAt is the
	// processing time it was evaluated at.
	clock     time.Time
	seenAt    time.Time
	raidUntil time.Time
	window    []windowEntry
	users     map[string]*offender
	lastReply time.Time
}

// Engine holds moderation state for every broadcaster this process sees. It is
// safe for concurrent use; Evaluate for different messages serializes on one mutex.
type Engine struct {
	settings Settings
	allow    map[string]bool
	deny     []string
	logger   *slog.Logger

	mu        sync.Mutex
	channels  map[string]*channelState
	lastSweep time.Time
}

func NewEngine(s Settings) *Engine {
	s = s.withDefaults()
	var deny []string
	for w := range lowerSet(s.Denylist) {
		deny = append(deny, w)
	}
	s.BotUsername = strings.ToLower(strings.TrimPrefix(s.BotUsername, "@"))
	return &Engine{
		settings: s,
		allow:    lowerSet(s.Allowlist),
		deny:     deny,
		logger:   slog.Default().With(slog.String("component", "moderation_engine")),
		channels: make(map[string]*channelState),
	}
}

// Settings returns the effective settings after defaults.
func (e *Engine) Settings() Settings { return e.settings }

// IsExempt reports whether ev's sender is never moderated.
func (e *Engine) IsExempt(ev Event) bool {
	if ev.Exempt || ev.SenderID == ev.BroadcasterID {
		return true
	}
	login := strings.ToLower(ev.SenderUsername)
	if e.settings.BotUserID != "" && ev.SenderID == e.settings.BotUserID {
		return true
	}
	if e.settings.BotUsername != "" && login == e.settings.BotUsername {
		return true
	}
	if e.allow[strings.ToLower(ev.SenderID)] || (login != "" && e.allow[login]) {
		return true
	}
	for _, b := range ev.Badges {
		if exemptBadges[strings.ToLower(b)] {
			return true
		}
	}
	return false
}

// Evaluate updates state with ev and returns the action to take, or nil.
// Windows, cooldowns and decay run on the chat timestamp ev.At, so a queue
// backlog replays at the pace it was sent. ev.At is capped at now, and a
// zero ev.At means now.
func (e *Engine) Evaluate(ev Event, now time.Time) *Action {
	if e.IsExempt(ev) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweepLocked(now)
	ch := e.channelLocked(ev.BroadcasterID)
	s := e.settings
	now = ch.advance(ev.At, now)

	ch.window = append(pruneWindow(ch.window, now.Add(-s.WindowSize)), windowEntry{at: now, sender: ev.SenderID})
	if ev.Live {
		e.checkRaidLocked(ev.BroadcasterID, ch, now)
	}
	raid := now.Before(ch.raidUntil)

	u := ch.users[ev.SenderID]
	if u == nil {
		u = &offender{}
		ch.users[ev.SenderID] = u
	}
	u.lastSeen = now
	if u.level > 0 && now.Sub(u.lastViolationAt) > s.ViolationDecay {
		u.level--
		u.lastViolationAt = now
	}

	norm := normalize(ev.Content)
	hash := contentHash(norm)
	if u.lastNorm != "" && (hash == u.lastHash || similarity(norm, u.lastNorm) >= s.SpamSimilarity) {
		u.repeatCount++
	} else {
		u.repeatCount = 1
	}
	u.lastNorm, u.lastHash = norm, hash
	u.recent = append(pruneTimes(u.recent, now.Add(-s.WindowSize)), now)

	reason := ""
	switch {
	case e.denylisted(norm):
		reason = "denylisted content"
	case u.repeatCount >= s.SpamRepeatThreshold:
		reason = "repeated message"
	case len(u.recent) >= s.SpamBurstThreshold:
		reason = "message burst"
	}

	if !u.lastActionAt.IsZero() && now.Sub(u.lastActionAt) < s.Cooldown {
		return nil
	}
	if reason == "" {
		if raid {
			return nil
		}
		return e.replyLocked(ev, ch, now)
	}

	if u.level < MaxViolationLevel {
		u.level++
	}
	u.lastViolationAt = now
	u.lastActionAt = now
	return e.ladder(ev, u.level, raid, reason)
}

func (e *Engine) ladder(ev Event, level int, raid bool, reason string) *Action {
	a := &Action{Level: level, Reason: reason, RaidMode: raid}
	switch {
	case raid || level >= MaxViolationLevel:
		a.Kind = ActionBan
		if raid {
			a.Reason = reason + " during raid"
		}
	case level == 2:
		a.Kind = ActionTimeout
		a.Duration = e.settings.TimeoutDuration
		a.Message = fmt.Sprintf("@%s timed out for %s (%s).", ev.SenderUsername, e.settings.TimeoutDuration, reason)
	default:
		a.Kind = ActionWarn
		a.Message = fmt.Sprintf("@%s please knock it off (%s). Next time is a timeout.", ev.SenderUsername, reason)
	}
	return a
}

func (e *Engine) denylisted(norm string) bool {
	for _, w := range e.deny {
		if strings.Contains(norm, w) {
			return true
		}
	}
	return false
}

// checkRaidLocked activates or extends raid mode when the most recent RaidWindow
// holds enough messages from enough distinct senders.
func (e *Engine) checkRaidLocked(broadcasterID string, ch *channelState, now time.Time) {
	s := e.settings
	cutoff := now.Add(-s.RaidWindow)
	count := 0
	senders := make(map[string]struct{})
	for i := len(ch.window) - 1; i >= 0 && !ch.window[i].at.Before(cutoff); i-- {
		count++
		senders[ch.window[i].sender] = struct{}{}
	}
	if count < s.RaidMessageThreshold || len(senders) < s.RaidUniqueThreshold {
		return
	}
	if !now.Before(ch.raidUntil) {
		telemetry.IncRaidActivation()
		e.logger.Warn("raid mode activated",
			slog.String("broadcaster_id", broadcasterID),
			slog.Int("messages", count),
			slog.Int("unique_senders", len(senders)))
	}
	ch.raidUntil = now.Add(s.RaidModeDuration)
}

// RaidActive reports whether raid mode is on for broadcasterID at now.
func (e *Engine) RaidActive(broadcasterID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.channels[broadcasterID]
	return ch != nil && now.Before(ch.raidUntil)
}

// ViolationLevel returns the sender's current strike level.
func (e *Engine) ViolationLevel(broadcasterID, senderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch := e.channels[broadcasterID]; ch != nil {
		if u := ch.users[senderID]; u != nil {
			return u.level
		}
	}
	return 0
}

// MarkReplied starts the broadcaster's reply cooldown at the channel's chat
// time as of now.
func (e *Engine) MarkReplied(broadcasterID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.channelLocked(broadcasterID)
	ch.lastReply = ch.clockAt(now)
}

func (e *Engine) replyLocked(ev Event, ch *channelState, now time.Time) *Action {
	s := e.settings
	if !s.ReplyEnabled {
		return nil
	}
	if !ch.lastReply.IsZero() && now.Sub(ch.lastReply) < s.ReplyCooldown {
		return nil
	}
	if !WantsReply(ev.Content, s.BotUsername, s.ReplyRequireMention) {
		return nil
	}
	return &Action{Kind: ActionReply, Message: ev.Content, Reason: "bot addressed"}
}

func (e *Engine) channelLocked(broadcasterID string) *channelState {
	ch := e.channels[broadcasterID]
	if ch == nil {
		ch = &channelState{users: make(map[string]*offender)}
		e.channels[broadcasterID] = ch
	}
	return ch
}

// advance moves the channel clock to the chat time sent, capped at now and
// never backwards, and returns it.
func (ch *channelState) advance(sent, now time.Time) time.Time {
	at := sent
	if at.IsZero() || at.After(now) {
		at = now
	}
	if at.Before(ch.clock) {
		at = ch.clock
	}
	ch.clock, ch.seenAt = at, now
	return at
}

// clockAt is the channel's chat time extrapolated to processing time now.
func (ch *channelState) clockAt(now time.Time) time.Time {
	if ch.clock.IsZero() {
		return now
	}
	return ch.clock.Add(now.Sub(ch.seenAt))
}

// sweepLocked drops senders with nothing left to remember: strikes fully
// decayed, no recent messages, no cooldown running.
func (e *Engine) sweepLocked(now time.Time) {
	if now.Sub(e.lastSweep) < sweepEvery {
		return
	}
	e.lastSweep = now
	s := e.settings
	idle := max(s.WindowSize, s.Cooldown)
	for _, ch := range e.channels {
		at := ch.clockAt(now)
		ch.window = pruneWindow(ch.window, at.Add(-s.WindowSize))
		for id, u := range ch.users {
			if at.Sub(u.lastSeen) <= idle {
				continue
			}
			if u.level == 0 || at.Sub(u.lastViolationAt) > time.Duration(u.level)*s.ViolationDecay {
				delete(ch.users, id)
			}
		}
	}
}

func pruneWindow(w []windowEntry, cutoff time.Time) []windowEntry {
	i := 0
	for i < len(w) && w[i].at.Before(cutoff) {
		i++
	}
	return w[i:]
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
