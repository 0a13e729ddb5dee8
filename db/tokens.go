package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamwarden/crypto"
)

// OAuthToken is a stored provider token with plaintext secrets.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// TokenStore persists OAuth tokens in oauth_tokens. When Sealer is set, secrets are
// written with encryption_version=1; version 0 rows are read as plaintext so
// deployments that enable ENCRYPTION_KEY later keep working.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// NewTokenStore builds a store, enabling encryption when encryptionKey is non-empty.
func NewTokenStore(database *sql.DB, encryptionKey string) (*TokenStore, error) {
	ts := &TokenStore{DB: database}
	if encryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_tokens"))
		return ts, nil
	}
	s, err := crypto.NewAESSealer(encryptionKey, "default")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	ts.Sealer = s
	return ts, nil
}

// Upsert stores or replaces the token for tok.Provider.
func (ts *TokenStore) Upsert(ctx context.Context, tok OAuthToken) error {
	access, refresh := tok.AccessToken, tok.RefreshToken
	version, keyID := 0, ""
	if ts.Sealer != nil {
		var err error
		if access, err = crypto.SealString(ts.Sealer, tok.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.SealString(ts.Sealer, tok.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = 1, ts.Sealer.KeyID()
	}
	_, err := ts.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		tok.Provider, access, refresh, tok.Expiry, tok.Scope, version, keyID)
	return err
}

// Get loads the token for provider. A missing row yields a zero token and no error.
func (ts *TokenStore) Get(ctx context.Context, provider string) (OAuthToken, error) {
	var (
		tok     = OAuthToken{Provider: provider}
		access  sql.NullString
		refresh sql.NullString
		expiry  sql.NullTime
		scope   sql.NullString
		version int
	)
	err := ts.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version
		 FROM oauth_tokens WHERE provider=$1`, provider).Scan(&access, &refresh, &expiry, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return tok, nil
	}
	if err != nil {
		return tok, err
	}
	tok.AccessToken, tok.RefreshToken = access.String, refresh.String
	tok.Expiry, tok.Scope = expiry.Time, scope.String
	if version == 0 {
		return tok, nil
	}
	if ts.Sealer == nil {
		return OAuthToken{}, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
	}
	if tok.AccessToken, err = crypto.OpenString(ts.Sealer, tok.AccessToken); err != nil {
		return OAuthToken{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = crypto.OpenString(ts.Sealer, tok.RefreshToken); err != nil {
		return OAuthToken{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

// PlaintextProviders lists providers whose tokens are still stored unencrypted.
func (ts *TokenStore) PlaintextProviders(ctx context.Context) ([]string, error) {
	rows, err := ts.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_version=0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Seal encrypts the plaintext row for provider in place. It fails if the row was
// rewritten concurrently.
func (ts *TokenStore) Seal(ctx context.Context, provider string) error {
	if ts.Sealer == nil {
		return errors.New("seal tokens: ENCRYPTION_KEY not configured")
	}
	tx, err := ts.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var access, refresh sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM oauth_tokens WHERE provider=$1 AND encryption_version=0 FOR UPDATE`,
		provider).Scan(&access, &refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("token for %s is not plaintext (modified concurrently?)", provider)
	}
	if err != nil {
		return err
	}
	sealedAccess, err := crypto.SealString(ts.Sealer, access.String)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	sealedRefresh, err := crypto.SealString(ts.Sealer, refresh.String)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, encryption_version=1, encryption_key_id=$3, updated_at=NOW()
		 WHERE provider=$4`,
		sealedAccess, sealedRefresh, ts.Sealer.KeyID(), provider); err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return tx.Commit()
}

// EncryptionStatus counts stored tokens per encryption_version.
func (ts *TokenStore) EncryptionStatus(ctx context.Context) (map[int]int, error) {
	rows, err := ts.DB.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version`)
	if err != nil {
		return nil, fmt.Errorf("query encryption status: %w", err)
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, err
		}
		out[version] = count
	}
	return out, rows.Err()
}
