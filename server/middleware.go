package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// AuthConfig protects /admin with a token (X-Admin-Token or Bearer) or basic auth.
// With neither configured the admin routes are open.
type AuthConfig struct {
	Token    string
	Username string
	Password string
}

func (c AuthConfig) enabled() bool {
	return c.Token != "" || (c.Username != "" && c.Password != "")
}

// adminAuth is a middleware that protects admin endpoints with Basic Auth or token-based auth
func adminAuth(next http.Handler, cfg AuthConfig) http.Handler {
	if !cfg.enabled() {
		slog.Warn("admin authentication not configured; admin endpoints are unprotected (set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD)")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if cfg.Token != "" {
			token := r.Header.Get("X-Admin-Token")
			if token == "" {
				if v := r.Header.Get("Authorization"); len(v) > 7 && v[:7] == "Bearer " {
					token = v[7:]
				}
			}
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if cfg.Username != "" && cfg.Password != "" {
			if username, password, ok := r.BasicAuth(); ok {
				userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
				passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
				if userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="streamwarden admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// RateLimitConfig bounds admin requests per client IP. RequestsPerIP <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerIP int
	Window        time.Duration // default 1m
}

// ipRateLimiter implements a simple sliding window rate limiter per IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	cfg      RateLimitConfig
	now      func() time.Time
}

func newIPRateLimiter(ctx context.Context, cfg RateLimitConfig) *ipRateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	rl := &ipRateLimiter{visitors: make(map[string][]time.Time), cfg: cfg, now: time.Now}
	if cfg.RequestsPerIP > 0 {
		go rl.cleanupLoop(ctx)
	}
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup drops visitors with no requests in the last two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.cfg.Window)
	for ip, reqs := range rl.visitors {
		if len(reqs) == 0 || reqs[len(reqs)-1].Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if rl.cfg.RequestsPerIP <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.cfg.Window)
	reqs := rl.visitors[ip]
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	reqs = reqs[i:]
	if len(reqs) >= rl.cfg.RequestsPerIP {
		rl.visitors[ip] = reqs
		return false
	}
	rl.visitors[ip] = append(reqs, now)
	return true
}

// rateLimitMiddleware expects chi's RealIP to have normalized RemoteAddr.
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.Window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}
