package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrUnauthorized is matched (errors.Is) by any APIError carrying a 401.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("helix %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// ErrorClass tells callers whether an upstream failure is worth retrying.
type ErrorClass int

const (
	// ErrorClassRetryable covers timeouts, network failures and 5xx responses.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassRateLimited is a 429; retry after the shared backoff.
	ErrorClassRateLimited
	// ErrorClassFatal covers 4xx responses and canceled contexts.
	ErrorClassFatal
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassRateLimited:
		return "rate_limited"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ErrorClassRateLimited
		case apiErr.StatusCode >= 500:
			return ErrorClassRetryable
		case apiErr.StatusCode >= 400:
			return ErrorClassFatal
		}
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}
	// unknown transport errors are treated as transient
	return ErrorClassRetryable
}
