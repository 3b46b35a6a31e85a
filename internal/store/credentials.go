package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"reelcast/internal/models"
)

// GetCredential returns the stored TikTok credential for an account.
func (s *Store) GetCredential(ctx context.Context, accountID string) (models.Credential, error) {
	var cred models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, open_id, access_token, refresh_token, scope, expires_at, updated_at
		FROM tiktok_credentials WHERE account_id = $1
	`, accountID).Scan(&cred.AccountID, &cred.OpenID, &cred.AccessToken, &cred.RefreshToken,
		&cred.Scope, &cred.ExpiresAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, ErrNotFound
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}

// SaveCredential upserts the account's credential row in one statement, so a
// reader never observes a partially written token pair.
func (s *Store) SaveCredential(ctx context.Context, cred models.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tiktok_credentials (account_id, open_id, access_token, refresh_token, scope, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			open_id = EXCLUDED.open_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, cred.AccountID, cred.OpenID, cred.AccessToken, cred.RefreshToken, cred.Scope, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// CreateAuthState stores a one-shot OAuth state token.
func (s *Store) CreateAuthState(ctx context.Context, state string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, expires_at) VALUES ($1, NOW() + $2::interval)
	`, state, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

// ConsumeAuthState deletes the state token and reports whether it existed and
// was still valid. A state can be consumed exactly once.
func (s *Store) ConsumeAuthState(ctx context.Context, state string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_states WHERE state = $1 AND expires_at > NOW()
	`, state)
	if err != nil {
		return false, fmt.Errorf("consume oauth state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
