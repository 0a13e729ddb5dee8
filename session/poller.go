package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/live"
	"github.com/onnwee/streamwarden/telemetry"
)

// LiveChecker produces liveness observations.
type LiveChecker interface {
	Check(ctx context.Context, ch live.Channel) (live.Observation, error)
}

// ChannelStatus is the last known state of a polled channel.
type ChannelStatus struct {
	Slug           string    `json:"slug"`
	BroadcasterID  string    `json:"broadcaster_id"`
	Live           bool      `json:"live"`
	Degraded       bool      `json:"degraded"`
	LastTransition string    `json:"last_transition"`
	SessionID      int64     `json:"session_id,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Poller feeds every configured channel through the checker and the reconciler on
// a fixed interval.
type Poller struct {
	checker  LiveChecker
	rec      *Reconciler
	interval time.Duration

	mu       sync.RWMutex
	channels []live.Channel
	status   map[string]ChannelStatus
}

func NewPoller(checker LiveChecker, rec *Reconciler, slugs []string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	p := &Poller{checker: checker, rec: rec, interval: interval, status: map[string]ChannelStatus{}}
	for _, s := range slugs {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.channels = append(p.channels, live.Channel{Slug: s})
		}
	}
	return p
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("session poller starting", slog.String("component", "session_poller"),
		slog.Int("channels", len(p.channels)), slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("session poller stopped", slog.String("component", "session_poller"))
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one cycle over all channels. Failures for one channel do not stop the others.
func (p *Poller) PollOnce(ctx context.Context) {
	ctx = telemetry.NewCorrelation(ctx)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "session_poller"))
	p.mu.RLock()
	channels := append([]live.Channel(nil), p.channels...)
	p.mu.RUnlock()

	for i, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		obs, err := p.checker.Check(ctx, ch)
		if err != nil {
			return
		}
		if obs.Channel.BroadcasterID == "" {
			logger.Warn("channel not resolved to a broadcaster id", slog.String("channel", ch.Slug))
			p.record(ch.Slug, obs, Result{})
			continue
		}
		if ch.BroadcasterID == "" {
			p.mu.Lock()
			p.channels[i].BroadcasterID = obs.Channel.BroadcasterID
			p.mu.Unlock()
			logger.Info("resolved channel", slog.String("channel", ch.Slug), slog.String("broadcaster_id", obs.Channel.BroadcasterID))
		}
		res, err := p.rec.Observe(ctx, obs)
		if err != nil {
			logger.Warn("reconcile failed", slog.String("channel", ch.Slug), slog.Any("err", err))
			continue
		}
		p.record(ch.Slug, obs, res)
	}
}

func (p *Poller) record(slug string, obs live.Observation, res Result) {
	st := ChannelStatus{
		Slug:           slug,
		BroadcasterID:  obs.Channel.BroadcasterID,
		Live:           obs.IsLive,
		Degraded:       obs.Degraded,
		LastTransition: res.Transition.String(),
		ObservedAt:     obs.ObservedAt,
	}
	if res.Session != nil {
		st.SessionID = res.Session.ID
	}
	p.mu.Lock()
	p.status[slug] = st
	p.mu.Unlock()
}

// BroadcasterIDs returns the ids resolved so far.
func (p *Poller) BroadcasterIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, ch := range p.channels {
		if ch.BroadcasterID != "" {
			out = append(out, ch.BroadcasterID)
		}
	}
	return out
}

// Status returns the last observation summary per channel in configuration order.
func (p *Poller) Status() []ChannelStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(p.channels))
	for _, ch := range p.channels {
		if st, ok := p.status[ch.Slug]; ok {
			out = append(out, st)
		} else {
			out = append(out, ChannelStatus{Slug: ch.Slug, BroadcasterID: ch.BroadcasterID, LastTransition: TransitionNone.String()})
		}
	}
	return out
}
