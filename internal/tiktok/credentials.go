package tiktok

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"reelcast/internal/models"
	"reelcast/internal/store"
)

// DefaultAccountID identifies the single operating account.
const DefaultAccountID = "default"

// refreshMargin is how close to expiry a token may get before a proactive
// refresh, per the publish step's worst-case upload duration.
const refreshMargin = 5 * time.Minute

const stateTTL = 10 * time.Minute

// CredentialStore is the persistence surface the manager needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, accountID string) (models.Credential, error)
	SaveCredential(ctx context.Context, cred models.Credential) error
	CreateAuthState(ctx context.Context, state string, ttl time.Duration) error
	ConsumeAuthState(ctx context.Context, state string) (bool, error)
}

// TokenClient is the OAuth surface the manager needs.
type TokenClient interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (models.Credential, error)
	Refresh(ctx context.Context, cred models.Credential) (models.Credential, error)
}

// Manager owns the account credential: issuance, expiry-aware refresh, and
// the single-writer discipline around it.
type Manager struct {
	store     CredentialStore
	client    TokenClient
	accountID string

	// mu serializes refreshes so concurrent publish attempts never race to
	// refresh; a blocked caller re-reads the row and sees the winner's token.
	mu sync.Mutex
}

// NewManager wires the credential manager for the operating account.
func NewManager(st CredentialStore, client TokenClient) *Manager {
	return &Manager{store: st, client: client, accountID: DefaultAccountID}
}

// Valid returns a credential whose access token outlives the refresh margin,
// refreshing and persisting first when necessary.
func (m *Manager) Valid(ctx context.Context) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.store.GetCredential(ctx, m.accountID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Credential{}, ErrNoCredential
	}
	if err != nil {
		return models.Credential{}, err
	}
	if !cred.ExpiresWithin(refreshMargin) {
		return cred, nil
	}

	log.Info().Str("account", m.accountID).Time("expires_at", cred.ExpiresAt).Msg("refreshing tiktok credential")
	next, err := m.client.Refresh(ctx, cred)
	if err != nil {
		return models.Credential{}, fmt.Errorf("refresh tiktok credential: %w", err)
	}
	next.AccountID = m.accountID
	if err := m.store.SaveCredential(ctx, next); err != nil {
		return models.Credential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return next, nil
}

// BeginAuth issues a one-shot state token and the matching consent URL.
func (m *Manager) BeginAuth(ctx context.Context) (authURL, state string, err error) {
	state = uuid.NewString()
	if err := m.store.CreateAuthState(ctx, state, stateTTL); err != nil {
		return "", "", fmt.Errorf("persist oauth state: %w", err)
	}
	return m.client.AuthorizationURL(state), state, nil
}

// CompleteAuth consumes the state token exactly once, exchanges the code and
// persists the resulting credential.
func (m *Manager) CompleteAuth(ctx context.Context, code, state string) (models.Credential, error) {
	ok, err := m.store.ConsumeAuthState(ctx, state)
	if err != nil {
		return models.Credential{}, err
	}
	if !ok {
		return models.Credential{}, ErrInvalidState
	}

	cred, err := m.client.ExchangeCode(ctx, code)
	if err != nil {
		return models.Credential{}, fmt.Errorf("exchange oauth code: %w", err)
	}
	cred.AccountID = m.accountID

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	return cred, nil
}

// AccountStatus is the dashboard projection of the stored credential.
type AccountStatus struct {
	Connected bool       `json:"connected"`
	OpenID    *string    `json:"open_id"`
	Scope     *string    `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Status reports whether the account is connected and with what grant.
func (m *Manager) Status(ctx context.Context) (AccountStatus, error) {
	cred, err := m.store.GetCredential(ctx, m.accountID)
	if errors.Is(err, store.ErrNotFound) {
		return AccountStatus{Connected: false}, nil
	}
	if err != nil {
		return AccountStatus{}, err
	}
	return AccountStatus{
		Connected: true,
		OpenID:    &cred.OpenID,
		Scope:     &cred.Scope,
		ExpiresAt: &cred.ExpiresAt,
	}, nil
}
