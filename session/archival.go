package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// Archive lists archived broadcasts for a broadcaster.
type Archive interface {
	ListArchives(ctx context.Context, broadcasterID string, since time.Time) ([]twitchapi.Video, error)
}

// VideoLister is the Helix call HelixArchive pages through.
type VideoLister interface {
	ListVideos(ctx context.Context, userID, after string, first int) ([]twitchapi.Video, string, error)
}

// HelixArchive pages archive videos newest first until they predate since.
type HelixArchive struct {
	Client   VideoLister
	PageSize int // default 50
	MaxPages int // default 5
}

func (h HelixArchive) ListArchives(ctx context.Context, broadcasterID string, since time.Time) ([]twitchapi.Video, error) {
	pageSize, maxPages := h.PageSize, h.MaxPages
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPages <= 0 {
		maxPages = 5
	}
	var out []twitchapi.Video
	after := ""
	for page := 0; page < maxPages; page++ {
		videos, cursor, err := h.Client.ListVideos(ctx, broadcasterID, after, pageSize)
		if err != nil {
			return out, err
		}
		for _, v := range videos {
			if v.CreatedAt.Before(since) {
				return out, nil
			}
			out = append(out, v)
		}
		if cursor == "" || len(videos) == 0 {
			break
		}
		after = cursor
	}
	return out, nil
}

// CorrectorConfig holds the archival matching rules. Zero values take the defaults.
type CorrectorConfig struct {
	Tolerance      time.Duration // default 45m between session start and video start
	MinDiscrepancy time.Duration // default 60s; smaller differences are noise
	MaxAge         time.Duration // default 7d since close
	Throttle       time.Duration // default 2h between corrections of one session
	DedupWindow    time.Duration // default 60s
}

// Report summarizes one correction pass for a broadcaster.
type Report struct {
	Merged    int
	Corrected int
	Linked    int
	Skipped   int
}

// Corrector deduplicates recently closed sessions and realigns them with archived videos.
type Corrector struct {
	store   Store
	archive Archive
	cfg     CorrectorConfig
	now     func() time.Time
}

func NewCorrector(store Store, archive Archive, cfg CorrectorConfig) *Corrector {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 45 * time.Minute
	}
	if cfg.MinDiscrepancy <= 0 {
		cfg.MinDiscrepancy = 60 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = 2 * time.Hour
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Corrector{store: store, archive: archive, cfg: cfg, now: time.Now}
}

// Run corrects every broadcaster, continuing past individual failures.
func (c *Corrector) Run(ctx context.Context, broadcasterIDs []string) error {
	var errs []error
	for _, bid := range broadcasterIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rep, err := c.RunBroadcaster(ctx, bid)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bid, err))
			continue
		}
		slog.Info("archival correction pass", slog.String("component", "session_archival"), slog.String("broadcaster_id", bid),
			slog.Int("merged", rep.Merged), slog.Int("corrected", rep.Corrected), slog.Int("linked", rep.Linked), slog.Int("skipped", rep.Skipped))
	}
	return errors.Join(errs...)
}

// RunBroadcaster merges duplicates among the broadcaster's recently closed sessions,
// then applies archival corrections to the survivors.
func (c *Corrector) RunBroadcaster(ctx context.Context, broadcasterID string) (Report, error) {
	var rep Report
	now := c.now()
	cutoff := now.Add(-c.cfg.MaxAge)
	// Sessions that started before the cutoff can still have closed after it.
	all, err := c.store.ListSince(ctx, broadcasterID, cutoff.Add(-24*time.Hour))
	if err != nil {
		return rep, fmt.Errorf("list sessions: %w", err)
	}
	var closed []StreamSession
	for _, s := range all {
		if !s.Open() && !s.EndedAt.Before(cutoff) {
			closed = append(closed, s)
		}
	}
	if len(closed) == 0 {
		return rep, nil
	}

	dropped := map[int64]bool{}
	for _, group := range FindDuplicates(closed, c.cfg.DedupWindow) {
		keep, drops := PickAuthoritative(group, now)
		for _, d := range drops {
			if err := c.store.Merge(ctx, keep.ID, d.ID); err != nil {
				return rep, fmt.Errorf("merge session %d into %d: %w", d.ID, keep.ID, err)
			}
			dropped[d.ID] = true
			rep.Merged++
			telemetry.IncArchival("merged")
			slog.Info("merged duplicate session", slog.String("component", "session_archival"),
				slog.Int64("kept", keep.ID), slog.Int64("dropped", d.ID),
				slog.Duration("kept_duration", keep.Duration(now)), slog.Duration("dropped_duration", d.Duration(now)))
		}
	}

	videos, err := c.archive.ListArchives(ctx, broadcasterID, cutoff.Add(-24*time.Hour))
	if err != nil {
		return rep, fmt.Errorf("list archives: %w", err)
	}
	used := map[string]bool{}
	for _, s := range closed {
		if dropped[s.ID] {
			continue
		}
		if s.LastCorrectedAt != nil && now.Sub(*s.LastCorrectedAt) < c.cfg.Throttle {
			rep.Skipped++
			continue
		}
		v := matchVideo(s, videos, used, c.cfg.Tolerance)
		if v == nil {
			continue
		}
		used[v.ID] = true
		corr, ok := c.correctionFor(s, *v, now)
		if !ok {
			continue
		}
		if err := c.store.ApplyCorrection(ctx, s.ID, corr); err != nil {
			return rep, err
		}
		if corr.AdjustTimes {
			rep.Corrected++
			telemetry.IncArchival("corrected")
		} else {
			rep.Linked++
			telemetry.IncArchival("linked")
		}
	}
	return rep, nil
}

// matchVideo picks the unused video whose start is closest to the session's start,
// within tolerance. A video already linked by external id wins outright.
func matchVideo(s StreamSession, videos []twitchapi.Video, used map[string]bool, tolerance time.Duration) *twitchapi.Video {
	if s.ExternalStreamID != "" {
		for i := range videos {
			if !used[videos[i].ID] && externalID(videos[i]) == s.ExternalStreamID {
				return &videos[i]
			}
		}
	}
	var best *twitchapi.Video
	var bestGap time.Duration
	for i := range videos {
		v := &videos[i]
		if used[v.ID] {
			continue
		}
		gap := absDuration(v.CreatedAt.Sub(s.StartedAt))
		if gap > tolerance {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = v, gap
		}
	}
	return best
}

func (c *Corrector) correctionFor(s StreamSession, v twitchapi.Video, now time.Time) (Correction, bool) {
	corr := Correction{ExternalStreamID: externalID(v), Title: v.Title, CorrectedAt: now}
	start := v.CreatedAt.UTC()
	end := start.Add(v.Duration)
	if v.Duration > 0 && !end.After(now) {
		disc := absDuration(start.Sub(s.StartedAt))
		if d := absDuration(end.Sub(*s.EndedAt)); d > disc {
			disc = d
		}
		if disc > c.cfg.MinDiscrepancy {
			corr.AdjustTimes = true
			corr.StartedAt = start
			corr.EndedAt = end
			return corr, true
		}
	}
	if s.ExternalStreamID == "" {
		return corr, true
	}
	return Correction{}, false
}

func externalID(v twitchapi.Video) string {
	if v.StreamID != "" {
		return v.StreamID
	}
	return v.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ScheduleCorrections registers the correction pass on a cron schedule. channels is
// evaluated per run so newly resolved broadcaster ids are picked up. Overlapping runs
// are skipped. The caller starts and stops the returned scheduler.
func ScheduleCorrections(ctx context.Context, schedule string, c *Corrector, channels func() []string) (*cron.Cron, error) {
	if schedule == "" {
		schedule = "@every 30m"
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	sched := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := sched.AddFunc(schedule, func() {
		ids := channels()
		sort.Strings(ids)
		runCtx := telemetry.NewCorrelation(ctx)
		if err := c.Run(runCtx, ids); err != nil && ctx.Err() == nil {
			telemetry.LoggerWithCorr(runCtx).Warn("archival correction failed", slog.String("component", "session_archival"), slog.Any("err", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return sched, nil
}
