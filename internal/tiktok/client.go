// Package tiktok implements the destination platform: OAuth token flows and
// the content posting API.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reelcast/internal/config"
	"reelcast/internal/models"
)

var (
	// ErrNoCredential means the account was never connected.
	ErrNoCredential = errors.New("tiktok: no credential, connect the account first")
	// ErrInvalidState means the OAuth callback presented an unknown or
	// already-consumed state token.
	ErrInvalidState = errors.New("tiktok: invalid or expired oauth state")
	// ErrAuthRejected means the platform refused our token; the publish
	// step treats this as permanent.
	ErrAuthRejected = errors.New("tiktok: authorization rejected")
)

// expiry safety: tokens are treated as expired this long before the platform
// deadline so in-flight uploads never outlive them.
const expirySkew = 60 * time.Second

// Client talks to the TikTok open API. TikTok's OAuth dialect uses
// client_key rather than client_id, so the token exchange is done directly
// against the JSON endpoints.
type Client struct {
	clientKey    string
	clientSecret string
	redirectURI  string
	apiBaseURL   string
	authBaseURL  string
	scopes       string
	http         *http.Client
}

// NewClient builds a client from config.
func NewClient(cfg config.Config) *Client {
	return &Client{
		clientKey:    cfg.TikTokClientKey,
		clientSecret: cfg.TikTokClientSecret,
		redirectURI:  cfg.TikTokRedirectURI,
		apiBaseURL:   strings.TrimSuffix(cfg.TikTokAPIBaseURL, "/"),
		authBaseURL:  cfg.TikTokAuthBaseURL,
		scopes:       cfg.TikTokScopes,
		http:         &http.Client{Timeout: 45 * time.Second},
	}
}

// AuthorizationURL returns the user-facing consent URL for the given state.
func (c *Client) AuthorizationURL(state string) string {
	params := url.Values{
		"client_key":    {c.clientKey},
		"response_type": {"code"},
		"scope":         {c.scopes},
		"redirect_uri":  {c.redirectURI},
		"state":         {state},
	}
	sep := "?"
	if strings.Contains(c.authBaseURL, "?") {
		sep = "&"
	}
	return c.authBaseURL + sep + params.Encode()
}

func (c *Client) checkOAuthConfig() error {
	if c.clientKey == "" || c.clientSecret == "" || c.redirectURI == "" {
		return errors.New("tiktok oauth config is incomplete: set TIKTOK_CLIENT_KEY, TIKTOK_CLIENT_SECRET and TIKTOK_REDIRECT_URI")
	}
	return nil
}

// tokenResponse is the envelope of both the exchange and refresh endpoints.
type tokenResponse struct {
	Data struct {
		OpenID       string `json:"open_id"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExchangeCode trades an authorization code for a credential.
func (c *Client) ExchangeCode(ctx context.Context, code string) (models.Credential, error) {
	if err := c.checkOAuthConfig(); err != nil {
		return models.Credential{}, err
	}
	payload := map[string]string{
		"client_key":    c.clientKey,
		"client_secret": c.clientSecret,
		"code":          code,
		"grant_type":    "authorization_code",
		"redirect_uri":  c.redirectURI,
	}
	return c.tokenRequest(ctx, payload)
}

// Refresh trades a refresh token for a fresh credential.
func (c *Client) Refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	if err := c.checkOAuthConfig(); err != nil {
		return models.Credential{}, err
	}
	if cred.RefreshToken == "" {
		return models.Credential{}, fmt.Errorf("refresh token is missing, re-authorize the account")
	}
	payload := map[string]string{
		"client_key":    c.clientKey,
		"client_secret": c.clientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
	}
	next, err := c.tokenRequest(ctx, payload)
	if err != nil {
		return models.Credential{}, err
	}
	// The platform may omit unchanged fields on refresh.
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cred.Scope
	}
	if next.OpenID == "" {
		next.OpenID = cred.OpenID
	}
	return next, nil
}

func (c *Client) tokenRequest(ctx context.Context, payload map[string]string) (models.Credential, error) {
	var resp tokenResponse
	if err := c.postJSON(ctx, "/v2/oauth/token/", payload, "", &resp); err != nil {
		return models.Credential{}, err
	}
	if resp.Data.AccessToken == "" {
		return models.Credential{}, fmt.Errorf("token endpoint returned no access_token (%s: %s)", resp.Error.Code, resp.Error.Message)
	}
	expiresIn := resp.Data.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return models.Credential{
		OpenID:       resp.Data.OpenID,
		AccessToken:  resp.Data.AccessToken,
		RefreshToken: resp.Data.RefreshToken,
		Scope:        resp.Data.Scope,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn)*time.Second - expirySkew),
	}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, accessToken string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d from %s", ErrAuthRejected, resp.StatusCode, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
