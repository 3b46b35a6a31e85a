package models

import (
	"time"
)

// Credential is the TikTok OAuth grant for the operating account. A single
// row per account; refreshes overwrite it atomically under the credential
// manager's writer lock.
type Credential struct {
	AccountID    string    `json:"account_id"`
	OpenID       string    `json:"open_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the access token expires inside the margin.
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	return time.Until(c.ExpiresAt) <= margin
}
