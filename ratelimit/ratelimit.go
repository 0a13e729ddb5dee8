// Package ratelimit gates calls to the upstream platform API.
//
// A Limiter bounds concurrent in-flight calls, spaces consecutive calls by a
// minimum interval, caps calls per rolling window, and holds a shared backoff
// deadline that any caller may push later after a 429. One Limiter is built per
// process and passed to every upstream client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/streamwarden/telemetry"
)

// Config holds the limiter bounds. Zero values disable the respective check,
// except MaxConcurrent which defaults to 2.
type Config struct {
	MaxConcurrent int
	MinInterval   time.Duration
	PerWindow     int
	Window        time.Duration
}

type Limiter struct {
	slots   chan struct{}
	spacing *rate.Limiter

	mu           sync.Mutex
	perWindow    int
	window       time.Duration
	calls        []time.Time
	backoffUntil time.Time

	now func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		perWindow: cfg.PerWindow,
		window:    cfg.Window,
		now:       time.Now,
	}
	if cfg.MinInterval > 0 {
		l.spacing = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return l
}

// Acquire blocks until a call may proceed and returns its release func. The
// release func is idempotent. Acquire fails only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := l.now()
	defer func() { telemetry.ObserveRateLimitWait(l.now().Sub(start)) }()

	for {
		if err := sleepCtx(ctx, l.backoffRemaining()); err != nil {
			return nil, err
		}

		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if l.spacing != nil {
			if err := l.spacing.Wait(ctx); err != nil {
				<-l.slots
				return nil, err
			}
		}

		wait := l.admit()
		if wait == 0 {
			var once sync.Once
			return func() { once.Do(func() { <-l.slots }) }, nil
		}
		// give the slot back while waiting for the window or backoff to clear
		<-l.slots
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// admit records the call and returns 0, or returns how long to wait before trying again.
func (l *Limiter) admit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if d := l.backoffUntil.Sub(now); d > 0 {
		return d
	}
	cutoff := now.Add(-l.window)
	keep := l.calls[:0]
	for _, ts := range l.calls {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.calls = keep
	if l.perWindow > 0 && len(l.calls) >= l.perWindow {
		if d := l.calls[0].Add(l.window).Sub(now); d > 0 {
			return d
		}
		return time.Millisecond
	}
	l.calls = append(l.calls, now)
	return 0
}

// ExtendBackoff pushes the shared backoff deadline to now+d. A deadline already
// further in the future is kept, so the backoff never shortens.
func (l *Limiter) ExtendBackoff(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	until := l.now().Add(d)
	if until.After(l.backoffUntil) {
		l.backoffUntil = until
		telemetry.IncRateLimitBackoff()
	}
	l.mu.Unlock()
}

// BackoffUntil returns the current backoff deadline (zero when never set).
func (l *Limiter) BackoffUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffUntil
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int { return len(l.slots) }

func (l *Limiter) backoffRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffUntil.Sub(l.now())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
