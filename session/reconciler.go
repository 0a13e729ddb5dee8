package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwarden/live"
	"github.com/onnwee/streamwarden/telemetry"
)

// Transition is the outcome of reconciling one observation.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionUpdated
	TransitionGraceHeld
	TransitionClosed
	TransitionManualSkipped
)

func (t Transition) String() string {
	switch t {
	case TransitionOpened:
		return "opened"
	case TransitionUpdated:
		return "updated"
	case TransitionGraceHeld:
		return "grace_held"
	case TransitionClosed:
		return "closed"
	case TransitionManualSkipped:
		return "manual_skipped"
	default:
		return "none"
	}
}

// Result reports what Observe did and the session it acted on, if any.
type Result struct {
	Transition Transition
	Session    *StreamSession
}

// ReconcilerConfig tunes the state machine. Zero values take the defaults below.
type ReconcilerConfig struct {
	GracePeriod   time.Duration // default 2m
	ManualPrefix  string
	BackfillSlack time.Duration // default 2m past ended_at
	MaxStartAge   time.Duration // default 24h; older upstream start times are ignored
}

// Reconciler turns liveness observations into session transitions.
type Reconciler struct {
	store    Store
	messages MessageStore
	cfg      ReconcilerConfig
	now      func() time.Time
}

// NewReconciler builds a Reconciler. messages may be nil, in which case closes skip
// backfill and keep the stored message count.
func NewReconciler(store Store, messages MessageStore, cfg ReconcilerConfig) *Reconciler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.BackfillSlack <= 0 {
		cfg.BackfillSlack = 2 * time.Minute
	}
	if cfg.MaxStartAge <= 0 {
		cfg.MaxStartAge = 24 * time.Hour
	}
	return &Reconciler{store: store, messages: messages, cfg: cfg, now: time.Now}
}

// Observe applies one observation for a resolved broadcaster.
func (r *Reconciler) Observe(ctx context.Context, obs live.Observation) (Result, error) {
	bid := obs.Channel.BroadcasterID
	if bid == "" {
		return Result{}, fmt.Errorf("observation for %q has no broadcaster id", obs.Channel.Slug)
	}
	ctx, span := telemetry.StartSpan(ctx, "session.observe",
		attribute.String("broadcaster_id", bid),
		attribute.Bool("is_live", obs.IsLive))
	res, err := r.observe(ctx, obs)
	telemetry.EndSpan(span, err)
	if err == nil && res.Transition != TransitionNone {
		telemetry.IncSessionTransition(res.Transition.String())
	}
	return res, err
}

func (r *Reconciler) observe(ctx context.Context, obs live.Observation) (Result, error) {
	bid := obs.Channel.BroadcasterID
	open, err := r.store.FindOpen(ctx, bid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Result{}, fmt.Errorf("find open session: %w", err)
	}
	if obs.IsLive {
		if open == nil {
			return r.openSession(ctx, obs)
		}
		return r.update(ctx, open, obs)
	}
	if open == nil {
		return Result{}, nil
	}
	return r.offline(ctx, open)
}

func (r *Reconciler) logger(ctx context.Context, bid string) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "session"), slog.String("broadcaster_id", bid))
}

func (r *Reconciler) openSession(ctx context.Context, obs live.Observation) (Result, error) {
	now := r.now()
	s := StreamSession{
		BroadcasterID:   obs.Channel.BroadcasterID,
		ChannelSlug:     obs.Channel.Slug,
		Title:           obs.Title,
		Category:        obs.Category,
		ThumbnailURL:    obs.ThumbnailURL,
		StartedAt:       r.chooseStart(obs, now),
		PeakViewerCount: obs.ViewerCount,
		FollowerCount:   obs.FollowerCount,
		LastLiveCheckAt: now,
	}
	created, err := r.store.Create(ctx, s)
	if errors.Is(err, ErrOpenSessionExists) {
		// Another poller won the race; fold this observation into its session.
		existing, ferr := r.store.FindOpen(ctx, s.BroadcasterID)
		if ferr != nil {
			return Result{}, fmt.Errorf("refetch open session after conflict: %w", ferr)
		}
		r.logger(ctx, s.BroadcasterID).Debug("session already opened concurrently", slog.Int64("session_id", existing.ID))
		return r.update(ctx, existing, obs)
	}
	if err != nil {
		return Result{}, err
	}
	r.logger(ctx, s.BroadcasterID).Info("session opened",
		slog.Int64("session_id", created.ID),
		slog.Time("started_at", created.StartedAt),
		slog.String("title", created.Title))
	return Result{Transition: TransitionOpened, Session: created}, nil
}

// chooseStart prefers the authoritative start, then the metadata start, then now.
func (r *Reconciler) chooseStart(obs live.Observation, now time.Time) time.Time {
	for _, t := range []time.Time{obs.StartedAt, obs.MetadataStartedAt} {
		if t.IsZero() || t.After(now) || now.Sub(t) > r.cfg.MaxStartAge {
			continue
		}
		return t.UTC()
	}
	return now.UTC()
}

func (r *Reconciler) update(ctx context.Context, open *StreamSession, obs live.Observation) (Result, error) {
	u := LiveUpdate{
		Title:         obs.Title,
		Category:      obs.Category,
		ThumbnailURL:  obs.ThumbnailURL,
		ViewerCount:   obs.ViewerCount,
		FollowerCount: obs.FollowerCount,
		CheckedAt:     r.now(),
	}
	if open.IsManual(r.cfg.ManualPrefix) {
		u.Title = ""
	}
	if err := r.store.UpdateLive(ctx, open.ID, u); err != nil {
		return Result{}, fmt.Errorf("heartbeat session %d: %w", open.ID, err)
	}
	open.LastLiveCheckAt = u.CheckedAt
	if u.Title != "" {
		open.Title = u.Title
	}
	if obs.ViewerCount > open.PeakViewerCount {
		open.PeakViewerCount = obs.ViewerCount
	}
	return Result{Transition: TransitionUpdated, Session: open}, nil
}

func (r *Reconciler) offline(ctx context.Context, open *StreamSession) (Result, error) {
	logger := r.logger(ctx, open.BroadcasterID).With(slog.Int64("session_id", open.ID))
	if open.IsManual(r.cfg.ManualPrefix) {
		logger.Debug("manual session left open while offline")
		return Result{Transition: TransitionManualSkipped, Session: open}, nil
	}
	now := r.now()
	heartbeat := open.LastLiveCheckAt
	if heartbeat.IsZero() {
		heartbeat = open.StartedAt
	}
	if since := now.Sub(heartbeat); since <= r.cfg.GracePeriod {
		logger.Debug("offline within grace period", slog.Duration("since_heartbeat", since))
		return Result{Transition: TransitionGraceHeld, Session: open}, nil
	}
	return r.close(ctx, open, heartbeat, logger)
}

// close ends the session at its last heartbeat. Backfill and counting failures are
// logged and never block the close.
func (r *Reconciler) close(ctx context.Context, open *StreamSession, endedAt time.Time, logger *slog.Logger) (Result, error) {
	if endedAt.Before(open.StartedAt) {
		endedAt = open.StartedAt
	}
	total := open.TotalMessages
	if r.messages != nil {
		n, err := r.messages.BackfillOffline(ctx, open.ID, open.BroadcasterID, open.StartedAt, endedAt.Add(r.cfg.BackfillSlack))
		if err != nil {
			logger.Warn("offline chat backfill failed", slog.Any("err", err))
		} else if n > 0 {
			telemetry.AddBackfilled(n)
			logger.Info("backfilled offline chat", slog.Int64("messages", n))
		}
		if c, err := r.messages.CountForSession(ctx, open.ID); err != nil {
			logger.Warn("count session messages failed", slog.Any("err", err))
		} else {
			total = c
		}
	}
	ended, err := r.store.End(ctx, open.ID, endedAt, total)
	if err != nil {
		return Result{}, err
	}
	if !ended {
		logger.Debug("session already closed")
		return Result{}, nil
	}
	open.EndedAt = &endedAt
	open.TotalMessages = total
	open.DurationSeconds = int(open.Duration(endedAt).Seconds())
	logger.Info("session closed",
		slog.Time("ended_at", endedAt),
		slog.Int("duration_seconds", open.DurationSeconds),
		slog.Int("total_messages", total))
	return Result{Transition: TransitionClosed, Session: open}, nil
}

// CloseManual ends an operator-opened session now. It is the only way such sessions close.
func (r *Reconciler) CloseManual(ctx context.Context, broadcasterID string) (Result, error) {
	open, err := r.store.FindOpen(ctx, broadcasterID)
	if err != nil {
		return Result{}, err
	}
	logger := r.logger(ctx, broadcasterID).With(slog.Int64("session_id", open.ID))
	res, err := r.close(ctx, open, r.now(), logger)
	if err == nil && res.Transition == TransitionClosed {
		telemetry.IncSessionTransition("manual_closed")
	}
	return res, err
}
