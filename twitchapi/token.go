package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamwarden/db"
)

// expirySkew is how long before expiry a cached token is considered stale.
const expirySkew = 60 * time.Second

// Tokener supplies bearer tokens. Invalidate drops tok from the cache after a 401
// so the next Token call fetches a fresh one.
type Tokener interface {
	Token(ctx context.Context) (string, error)
	Invalidate(tok string)
}

// cachedToken is immutable once published; refreshes replace the pointer.
type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (c *cachedToken) fresh(now time.Time) bool {
	return c != nil && c.value != "" && c.expiresAt.Sub(now) > expirySkew
}

// tokenCache is the shared load / coalesced refresh / compare-and-swap logic.
type tokenCache struct {
	cur   atomic.Pointer[cachedToken]
	group singleflight.Group
	now   func() time.Time
}

func (tc *tokenCache) clock() time.Time {
	if tc.now != nil {
		return tc.now()
	}
	return time.Now()
}

func (tc *tokenCache) get(ctx context.Context, fetch func(context.Context) (*cachedToken, error)) (string, error) {
	if c := tc.cur.Load(); c.fresh(tc.clock()) {
		return c.value, nil
	}
	v, err, _ := tc.group.Do("token", func() (any, error) {
		old := tc.cur.Load()
		if old.fresh(tc.clock()) {
			return old, nil
		}
		next, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !tc.cur.CompareAndSwap(old, next) {
			// a concurrent Invalidate or Store won; prefer whatever is now fresh
			if c := tc.cur.Load(); c.fresh(tc.clock()) {
				return c, nil
			}
			tc.cur.Store(next)
		}
		return next, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*cachedToken).value, nil
}

func (tc *tokenCache) invalidate(tok string) {
	if c := tc.cur.Load(); c != nil && c.value == tok {
		tc.cur.CompareAndSwap(c, nil)
	}
}

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: this token cannot send chat or ban; those need the bot's user token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	cache tokenCache
}

// Token returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	return ts.cache.get(ctx, ts.fetch)
}

func (ts *TokenSource) Invalidate(tok string) { ts.cache.invalidate(tok) }

func (ts *TokenSource) fetch(ctx context.Context) (*cachedToken, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = twitch.Endpoint.TokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("twitch app token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &cachedToken{value: tok.AccessToken, expiresAt: expiryOf(tok)}, nil
}

// TokenStore is the persistence the bot token source needs.
type TokenStore interface {
	Get(ctx context.Context, provider string) (db.OAuthToken, error)
	Upsert(ctx context.Context, tok db.OAuthToken) error
}

// UserTokenSource serves the bot account's user token from oauth_tokens,
// refreshing it through the refresh_token grant when it nears expiry or after a 401.
type UserTokenSource struct {
	Store      TokenStore
	Provider   string
	OAuth      *oauth2.Config
	HTTPClient *http.Client

	cache   tokenCache
	revoked atomic.Pointer[string]
}

// NewUserTokenSource wires the Twitch OAuth endpoint (tokenURL overrides it when set).
func NewUserTokenSource(store TokenStore, provider, clientID, clientSecret, tokenURL string) *UserTokenSource {
	ep := twitch.Endpoint
	if tokenURL != "" {
		ep.TokenURL = tokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &UserTokenSource{
		Store:    store,
		Provider: provider,
		OAuth:    &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: ep},
	}
}

func (us *UserTokenSource) Token(ctx context.Context) (string, error) {
	return us.cache.get(ctx, us.load)
}

func (us *UserTokenSource) Invalidate(tok string) {
	us.revoked.Store(&tok)
	us.cache.invalidate(tok)
}

// RefreshIfExpiring refreshes the stored token when it expires within window.
// It reports whether a refresh happened.
func (us *UserTokenSource) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	stored, err := us.Store.Get(ctx, us.Provider)
	if err != nil {
		return false, err
	}
	if stored.RefreshToken == "" || stored.Expiry.Sub(us.cache.clock()) > window {
		return false, nil
	}
	next, err := us.refresh(ctx, stored)
	if err != nil {
		return false, err
	}
	us.cache.cur.Store(next)
	return true, nil
}

func (us *UserTokenSource) load(ctx context.Context) (*cachedToken, error) {
	stored, err := us.Store.Get(ctx, us.Provider)
	if err != nil {
		return nil, fmt.Errorf("load %s token: %w", us.Provider, err)
	}
	candidate := &cachedToken{value: stored.AccessToken, expiresAt: stored.Expiry}
	if r := us.revoked.Load(); candidate.fresh(us.cache.clock()) && (r == nil || *r != stored.AccessToken) {
		return candidate, nil
	}
	if stored.RefreshToken == "" {
		return nil, fmt.Errorf("%s token expired and no refresh token stored", us.Provider)
	}
	return us.refresh(ctx, stored)
}

func (us *UserTokenSource) refresh(ctx context.Context, stored db.OAuthToken) (*cachedToken, error) {
	if us.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, us.HTTPClient)
	}
	// an already-expired token forces the oauth2 source to use the refresh grant
	src := us.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", us.Provider, err)
	}
	next := db.OAuthToken{
		Provider:     us.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiryOf(tok),
		Scope:        stored.Scope,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = stored.RefreshToken
	}
	if err := us.Store.Upsert(ctx, next); err != nil {
		slog.Warn("token persist failed", slog.String("provider", us.Provider), slog.Any("err", err))
	}
	us.revoked.Store(nil)
	slog.Info("token refreshed", slog.String("provider", us.Provider), slog.Time("expires_at", next.Expiry))
	return &cachedToken{value: next.AccessToken, expiresAt: next.Expiry}, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return ComputeExpiry(int(tok.ExpiresIn))
	}
	return tok.Expiry
}
