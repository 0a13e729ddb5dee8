// Package live determines whether a channel is currently broadcasting.
//
// It combines the channel-search metadata (rich, sometimes stale) with the
// authoritative live-streams listing. Only the listing decides liveness: a
// broadcaster is live iff an entry in the listing matches it by id or slug.
// Errors and non-matching listings both yield offline.
package live

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// Source is the subset of the Helix client the checker uses.
type Source interface {
	SearchChannel(ctx context.Context, login string) (*twitchapi.ChannelMetadata, error)
	ListLiveStreams(ctx context.Context, userIDs, logins []string, first int) ([]twitchapi.LiveStream, error)
	FollowerCount(ctx context.Context, broadcasterID string) (int, error)
}

// Channel identifies a broadcaster. BroadcasterID may be empty until resolved.
type Channel struct {
	BroadcasterID string
	Slug          string
}

// Observation is one liveness poll result.
type Observation struct {
	Channel       Channel
	IsLive        bool
	Title         string
	Category      string
	ThumbnailURL  string
	ViewerCount   int
	FollowerCount int
	// StartedAt comes from the authoritative listing; MetadataStartedAt from search.
	StartedAt         time.Time
	MetadataStartedAt time.Time
	MetadataLive      bool
	StreamID          string
	// Degraded is set when the authoritative source failed and IsLive was forced false.
	Degraded   bool
	ObservedAt time.Time
}

// Checker polls liveness. Concurrent checks of the same channel share one upstream call.
type Checker struct {
	src      Source
	group    singleflight.Group
	now      func() time.Time
	pageSize int
}

func NewChecker(src Source, pageSize int) *Checker {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &Checker{src: src, now: time.Now, pageSize: pageSize}
}

// Check returns the current observation for ch. The error is non-nil only when ctx
// is done; upstream failures are logged and produce an offline, Degraded observation.
func (c *Checker) Check(ctx context.Context, ch Channel) (Observation, error) {
	// keyed by slug alone so callers before and after id resolution share a flight
	key := strings.ToLower(ch.Slug)
	if key == "" {
		key = "id:" + ch.BroadcasterID
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		return c.check(ctx, ch), nil
	})
	if err := ctx.Err(); err != nil {
		return Observation{Channel: ch, ObservedAt: c.now()}, err
	}
	return v.(Observation), nil
}

func (c *Checker) check(ctx context.Context, ch Channel) Observation {
	ctx, span := telemetry.StartSpan(ctx, "live.check",
		attribute.String("broadcaster_id", ch.BroadcasterID),
		attribute.String("slug", ch.Slug))
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "live"), slog.String("channel", ch.Slug))

	obs := Observation{Channel: ch}

	meta, err := c.src.SearchChannel(ctx, ch.Slug)
	if err != nil {
		logger.Warn("channel metadata unavailable", slog.Any("err", err))
	}
	if meta != nil {
		if obs.Channel.BroadcasterID == "" {
			obs.Channel.BroadcasterID = meta.BroadcasterID
		}
		obs.Title = meta.Title
		obs.Category = meta.GameName
		obs.ThumbnailURL = meta.ThumbnailURL
		obs.MetadataLive = NormalizeLive(meta.LiveFlag)
		obs.MetadataStartedAt = meta.StartedAt()
	}

	var ids []string
	if obs.Channel.BroadcasterID != "" {
		ids = []string{obs.Channel.BroadcasterID}
	}
	streams, err := c.src.ListLiveStreams(ctx, ids, []string{ch.Slug}, c.pageSize)
	obs.ObservedAt = c.now()
	if err != nil {
		obs.Degraded = true
		logger.Warn("live listing failed, treating as offline", slog.String("class", twitchapi.Classify(err).String()), slog.Any("err", err))
		telemetry.IncLiveCheck("error")
		telemetry.EndSpan(span, err)
		return obs
	}

	match := MatchStream(streams, obs.Channel.BroadcasterID, ch.Slug)
	if match == nil {
		if len(streams) > 0 {
			logger.Debug("live listing has no entry for channel", slog.Int("entries", len(streams)))
		}
		if obs.MetadataLive {
			logger.Debug("metadata reports live but listing does not; trusting listing")
		}
		telemetry.IncLiveCheck("offline")
		telemetry.EndSpan(span, nil)
		return obs
	}

	obs.IsLive = true
	obs.StreamID = match.ID
	obs.StartedAt = match.StartedAt
	obs.ViewerCount = match.ViewerCount
	if match.Title != "" {
		obs.Title = match.Title
	}
	if match.GameName != "" {
		obs.Category = match.GameName
	}
	if match.ThumbnailURL != "" {
		obs.ThumbnailURL = sizeThumbnail(match.ThumbnailURL)
	}
	if obs.Channel.BroadcasterID == "" {
		obs.Channel.BroadcasterID = match.UserID
	}
	if n, err := c.src.FollowerCount(ctx, obs.Channel.BroadcasterID); err == nil {
		obs.FollowerCount = n
	} else {
		logger.Debug("follower count unavailable", slog.Any("err", err))
	}
	telemetry.IncLiveCheck("live")
	telemetry.EndSpan(span, nil)
	return obs
}

// MatchStream finds the entry for the broadcaster: by id first, then by slug variants.
func MatchStream(streams []twitchapi.LiveStream, broadcasterID, slug string) *twitchapi.LiveStream {
	if broadcasterID != "" {
		for i := range streams {
			if streams[i].UserID == broadcasterID {
				return &streams[i]
			}
		}
	}
	variants := slugVariants(slug)
	if len(variants) == 0 {
		return nil
	}
	for i := range streams {
		for _, name := range []string{streams[i].UserLogin, streams[i].UserName} {
			if variants[canonicalSlug(name)] {
				return &streams[i]
			}
		}
	}
	return nil
}

func canonicalSlug(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "@")
}

func slugVariants(slug string) map[string]bool {
	base := canonicalSlug(slug)
	if base == "" {
		return nil
	}
	out := map[string]bool{base: true}
	out[strings.ReplaceAll(base, "-", "_")] = true
	out[strings.ReplaceAll(base, "_", "-")] = true
	return out
}

func sizeThumbnail(u string) string {
	return strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(u)
}
