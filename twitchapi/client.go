// Package twitchapi is the rate-limited Helix client: liveness and channel metadata
// for the poller, archive listings for session correction, and the outbound chat
// and ban calls the moderation worker makes as the bot account.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/ratelimit"
	"github.com/onnwee/streamwarden/telemetry"
)

const (
	DefaultBaseURL = "https://api.twitch.tv/helix"
	maxBodyBytes   = 1 << 20
	maxRetryAfter  = 2 * time.Minute
)

// HelixClient issues Helix requests through a shared Limiter with retry and backoff.
type HelixClient struct {
	AppTokenSource  Tokener
	UserTokenSource Tokener // bot account; required for chat and ban calls
	ClientID        string
	BotUserID       string
	HTTPClient      *http.Client
	BaseURL         string
	Limiter         *ratelimit.Limiter

	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
}

type request struct {
	endpoint string // metric label
	method   string
	path     string
	query    url.Values
	body     any
	auth     Tokener
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (hc *HelixClient) backoff(attempt int) time.Duration {
	base, ceiling := hc.BaseDelay, hc.MaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 8 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// do runs r with retries: 5xx and transport errors back off exponentially, a 429
// extends the shared limiter backoff, a 401 invalidates the token and retries once,
// and any other 4xx is returned immediately.
func (hc *HelixClient) do(ctx context.Context, r request) ([]byte, error) {
	attempts := hc.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	reauthed := false
	var lastErr error
	var delay time.Duration
	for attempt := 0; attempt < attempts; attempt++ {
		if delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay = 0
		}
		body, tok, err := hc.once(ctx, r)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			delay = hc.backoff(attempt)
			slog.Debug("helix transport error, retrying", slog.String("endpoint", r.endpoint), slog.Int("attempt", attempt+1), slog.Any("err", err))
			continue
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			if hc.Limiter != nil {
				hc.Limiter.ExtendBackoff(apiErr.RetryAfter)
			} else {
				delay = apiErr.RetryAfter
			}
			slog.Warn("helix rate limited", slog.String("endpoint", r.endpoint), slog.Duration("retry_after", apiErr.RetryAfter))
		case apiErr.StatusCode == http.StatusUnauthorized:
			if reauthed || r.auth == nil {
				return nil, err
			}
			reauthed = true
			r.auth.Invalidate(tok)
			attempt--
		case apiErr.StatusCode >= 500:
			delay = hc.backoff(attempt)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("helix %s %s: retries exhausted: %w", r.method, r.path, lastErr)
}

// once performs a single attempt under a limiter slot and returns the token it used.
func (hc *HelixClient) once(ctx context.Context, r request) ([]byte, string, error) {
	if hc.Limiter != nil {
		release, err := hc.Limiter.Acquire(ctx)
		if err != nil {
			return nil, "", err
		}
		defer release()
	}
	if hc.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hc.RequestTimeout)
		defer cancel()
	}

	var tok string
	if r.auth != nil {
		var err error
		if tok, err = r.auth.Token(ctx); err != nil {
			return nil, "", fmt.Errorf("token: %w", err)
		}
	}

	u := hc.baseURL() + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	var reader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, tok, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, reader)
	if err != nil {
		return nil, tok, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.ObserveUpstream(r.endpoint, "error", time.Since(start))
		return nil, tok, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	telemetry.ObserveUpstream(r.endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, tok, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, tok, nil
	}
	return nil, tok, &APIError{
		StatusCode: resp.StatusCode,
		Method:     r.method,
		Path:       r.path,
		Body:       string(body),
		RetryAfter: retryAfter(resp.Header, time.Now()),
	}
}

// retryAfter reads Retry-After (seconds or HTTP date) or Helix's Ratelimit-Reset
// (unix seconds). Missing or unparsable hints default to one second.
func retryAfter(h http.Header, now time.Time) time.Duration {
	d := time.Second
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			d = at.Sub(now)
		}
	} else if v := h.Get("Ratelimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			d = time.Unix(epoch, 0).Sub(now)
		}
	}
	if d <= 0 {
		d = time.Second
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
