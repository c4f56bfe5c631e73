package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// OAuthToken is a stored token row.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// UpsertOAuthToken stores or replaces a provider's token. With a Sealer the
// token strings are encrypted and the row is marked encryption_version=1.
func (s *Store) UpsertOAuthToken(ctx context.Context, tok OAuthToken) error {
	encVersion := 0
	var encKeyID sql.NullString
	access, refresh := tok.AccessToken, tok.RefreshToken

	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = 1
		encKeyID = nullString(s.Sealer.KeyID())
	}

	_, err := s.DB.ExecContext(ctx,
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
		tok.Provider, access, refresh, tok.Expiry, tok.Scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken loads a provider's token; a missing row yields (nil, nil).
// Plaintext rows written before encryption was enabled are returned as-is.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (*OAuthToken, error) {
	tok := &OAuthToken{Provider: provider}
	var expiry sql.NullTime
	var encVersion int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token, ''), COALESCE(refresh_token, ''), expires_at, COALESCE(scope, ''), COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider=$1`, provider,
	).Scan(&tok.AccessToken, &tok.RefreshToken, &expiry, &tok.Scope, &encVersion)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tok.Expiry = expiry.Time

	if encVersion == 1 {
		if s.Sealer == nil {
			return nil, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		if tok.AccessToken, err = s.Sealer.Open(tok.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Sealer.Open(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, nil
}

// EncryptPlaintextTokens seals every token row still stored in plaintext and
// returns how many rows were (or, with dryRun, would be) converted. Each row
// is updated in its own transaction; failures are counted and reported
// together at the end.
func (s *Store) EncryptPlaintextTokens(ctx context.Context, dryRun bool) (int, error) {
	if s.Sealer == nil {
		return 0, fmt.Errorf("encrypt tokens: ENCRYPTION_KEY not configured")
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider, COALESCE(access_token, ''), COALESCE(refresh_token, '')
		 FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0 ORDER BY provider`)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var toks []OAuthToken
	for rows.Next() {
		var t OAuthToken
		if err := rows.Scan(&t.Provider, &t.AccessToken, &t.RefreshToken); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		toks = append(toks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}

	migrated, failed := 0, 0
	for _, t := range toks {
		lg := s.log.With(slog.String("provider", t.Provider))
		if dryRun {
			lg.Info("would encrypt token (dry-run)")
			migrated++
			continue
		}
		if err := s.sealToken(ctx, t); err != nil {
			lg.Error("encrypt token failed", slog.Any("err", err))
			failed++
			continue
		}
		lg.Info("token encrypted")
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("encrypt tokens: %d of %d failed", failed, len(toks))
	}
	return migrated, nil
}

func (s *Store) sealToken(ctx context.Context, t OAuthToken) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var access, refresh string
	if t.AccessToken != "" {
		if access, err = s.Sealer.Seal(t.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if t.RefreshToken != "" {
		if refresh, err = s.Sealer.Seal(t.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, encryption_version=1, encryption_key_id=$3, updated_at=NOW()
		 WHERE provider=$4 AND COALESCE(encryption_version, 0) = 0`,
		access, refresh, nullString(s.Sealer.KeyID()), t.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return tx.Commit()
}
