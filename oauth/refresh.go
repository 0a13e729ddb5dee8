// Package oauth keeps the bot's user token fresh. It wakes on a jittered interval
// and refreshes when expiry falls within a configured window, so outbound chat and
// ban calls rarely hit an expired token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Refresher refreshes a stored token when it expires within window and reports
// whether it did.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
}

// Options tune the refresh loop.
type Options struct {
	Provider string        // log label
	Interval time.Duration // how often to wake up; default 5m
	Window   time.Duration // refresh when remaining lifetime <= window; default 15m
	Timeout  time.Duration // per-refresh bound; default 15s
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Window <= 0 {
		o.Window = 15 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
}

// StartRefresher runs Run in a goroutine.
func StartRefresher(ctx context.Context, r Refresher, opts Options) {
	go Run(ctx, r, opts)
}

// Run checks the token until ctx is done. Failures are logged and retried on the
// next wake-up.
func Run(ctx context.Context, r Refresher, opts Options) {
	opts.defaults()
	logger := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", opts.Provider))

	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(opts.Interval/2) + 1))
	if !sleep(ctx, initialJitter) {
		return
	}
	for {
		check(ctx, r, opts, logger)
		if !sleep(ctx, nextInterval(opts.Interval)) {
			return
		}
	}
}

func check(ctx context.Context, r Refresher, opts Options, logger *slog.Logger) {
	ctx2, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	refreshed, err := r.RefreshIfExpiring(ctx2, opts.Window)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			logger.Warn("token refresh failed", slog.Any("err", err))
		}
	case refreshed:
		logger.Debug("token refreshed ahead of expiry")
	}
}

// nextInterval applies ±20% jitter, never dropping below half the interval.
func nextInterval(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	next := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
	if next < interval/2 {
		next = interval / 2
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
