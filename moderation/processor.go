package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// Outbound is the Helix surface the processor acts through.
type Outbound interface {
	SendChatMessage(ctx context.Context, broadcasterID, message, replyTo string) error
	BanUser(ctx context.Context, broadcasterID, userID string, duration time.Duration, reason string) error
}

// OpenSessions answers whether a broadcaster is live.
type OpenSessions interface {
	FindOpen(ctx context.Context, broadcasterID string) (*session.StreamSession, error)
}

// Replier generates reply text and names its source.
type Replier interface {
	Generate(ctx context.Context, req ReplyRequest) (text, source string, err error)
}

// ProcessorOptions toggles enforcement. DryRun logs bans and timeouts without
// calling the API but still posts chat messages; DryRunSilent suppresses those too.
type ProcessorOptions struct {
	DryRun       bool
	DryRunSilent bool
}

// Processor handles moderation jobs. It reads sessions but never writes them.
type Processor struct {
	engine   *Engine
	out      Outbound
	sessions OpenSessions
	replier  Replier
	opts     ProcessorOptions
	now      func() time.Time
}

func NewProcessor(engine *Engine, out Outbound, sessions OpenSessions, replier Replier, opts ProcessorOptions) *Processor {
	return &Processor{
		engine:   engine,
		out:      out,
		sessions: sessions,
		replier:  replier,
		opts:     opts,
		now:      time.Now,
	}
}

// Handle implements queue.Handler. Malformed payloads are acknowledged and dropped
// since retrying cannot fix them.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "moderation"))
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		logger.Warn("dropping malformed moderation job", slog.String("job_id", job.ID), slog.Any("err", err))
		return nil
	}
	ev := payload.Event()
	ev.Live = p.isLive(ctx, logger, ev.BroadcasterID)

	action := p.engine.Evaluate(ev, p.now())
	if action == nil {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "moderation.action",
		attribute.String("action.kind", string(action.Kind)),
		attribute.String("broadcaster.id", ev.BroadcasterID),
		attribute.Bool("dry_run", p.opts.DryRun))
	err = p.perform(ctx, logger, ev, payload.Broadcaster, action)
	telemetry.EndSpan(span, err)
	return err
}

func (p *Processor) isLive(ctx context.Context, logger *slog.Logger, broadcasterID string) bool {
	if p.sessions == nil {
		return false
	}
	s, err := p.sessions.FindOpen(ctx, broadcasterID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Warn("session lookup failed; treating broadcaster as offline", slog.Any("err", err))
		}
		return false
	}
	return s != nil
}

func (p *Processor) perform(ctx context.Context, logger *slog.Logger, ev Event, broadcaster Account, a *Action) error {
	logger = logger.With(
		slog.String("broadcaster_id", ev.BroadcasterID),
		slog.String("sender", ev.SenderUsername),
		slog.String("action", string(a.Kind)),
		slog.String("reason", a.Reason),
		slog.Int("level", a.Level),
		slog.Bool("raid_mode", a.RaidMode),
		slog.Bool("dry_run", p.opts.DryRun))

	if a.Kind == ActionReply {
		return p.reply(ctx, logger, ev, broadcaster)
	}
	telemetry.IncModerationAction(string(a.Kind), p.opts.DryRun)
	logger.Info("moderation action")

	if a.Message != "" && !p.opts.DryRunSilent {
		if err := p.out.SendChatMessage(ctx, ev.BroadcasterID, a.Message, ""); err != nil {
			return outboundErr(ctx, logger, fmt.Sprintf("send %s message", a.Kind), err)
		}
	}
	if p.opts.DryRun || p.opts.DryRunSilent {
		return nil
	}
	switch a.Kind {
	case ActionTimeout:
		if err := p.out.BanUser(ctx, ev.BroadcasterID, ev.SenderID, a.Duration, a.Reason); err != nil {
			return outboundErr(ctx, logger, "timeout "+ev.SenderID, err)
		}
	case ActionBan:
		if err := p.out.BanUser(ctx, ev.BroadcasterID, ev.SenderID, 0, a.Reason); err != nil {
			return outboundErr(ctx, logger, "ban "+ev.SenderID, err)
		}
	}
	return nil
}

// outboundErr fails the job for retry unless upstream rejected the call outright
// (a 4xx other than 401/429), which no retry can fix.
func outboundErr(ctx context.Context, logger *slog.Logger, what string, err error) error {
	if ctx.Err() == nil && twitchapi.Classify(err) == twitchapi.ErrorClassFatal {
		logger.Warn(what+" rejected upstream; not retrying", slog.Any("err", err))
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// reply failures are logged, not retried: a late answer is worse than none.
func (p *Processor) reply(ctx context.Context, logger *slog.Logger, ev Event, broadcaster Account) error {
	if p.replier == nil {
		return nil
	}
	text, source, err := p.replier.Generate(ctx, ReplyRequest{
		BroadcasterID:  ev.BroadcasterID,
		SenderUsername: ev.SenderUsername,
		Content:        ev.Content,
	})
	if err != nil {
		logger.Debug("no reply generated", slog.Any("err", err))
		return nil
	}
	if p.opts.DryRunSilent {
		logger.Info("bot reply suppressed", slog.String("source", source), slog.String("reply", text))
		return nil
	}
	if err := p.out.SendChatMessage(ctx, ev.BroadcasterID, text, ev.MessageID); err != nil {
		logger.Warn("bot reply failed", slog.String("channel", broadcaster.Username), slog.Any("err", err))
		return nil
	}
	p.engine.MarkReplied(ev.BroadcasterID, p.now())
	telemetry.IncBotReply(source)
	logger.Info("bot replied", slog.String("source", source))
	return nil
}
