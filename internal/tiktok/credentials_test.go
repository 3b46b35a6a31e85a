package tiktok

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reelcast/internal/config"
	"reelcast/internal/models"
	"reelcast/internal/store"
)

type fakeCredStore struct {
	mu     sync.Mutex
	cred   *models.Credential
	states map[string]time.Time
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{states: map[string]time.Time{}}
}

func (f *fakeCredStore) GetCredential(_ context.Context, _ string) (models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil {
		return models.Credential{}, store.ErrNotFound
	}
	return *f.cred, nil
}

func (f *fakeCredStore) SaveCredential(_ context.Context, cred models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = &cred
	return nil
}

func (f *fakeCredStore) CreateAuthState(_ context.Context, state string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state] = time.Now().Add(ttl)
	return nil
}

func (f *fakeCredStore) ConsumeAuthState(_ context.Context, state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline, ok := f.states[state]
	if !ok || time.Now().After(deadline) {
		return false, nil
	}
	delete(f.states, state)
	return true, nil
}

func newTokenServer(t *testing.T, refreshCount *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/oauth/token/" {
			http.NotFound(w, r)
			return
		}
		refreshCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"open_id":"op-1","access_token":"fresh-token","refresh_token":"fresh-refresh","scope":"video.publish","expires_in":86400}}`))
	}))
}

func newTestManager(t *testing.T, srvURL string, st CredentialStore) *Manager {
	t.Helper()
	client := NewClient(config.Config{
		TikTokClientKey:    "key",
		TikTokClientSecret: "secret",
		TikTokRedirectURI:  "http://localhost/cb",
		TikTokAPIBaseURL:   srvURL,
		TikTokAuthBaseURL:  "https://www.tiktok.com/v2/auth/authorize/",
		TikTokScopes:       "video.publish",
	})
	return NewManager(st, client)
}

func TestValidWithoutCredential(t *testing.T) {
	st := newFakeCredStore()
	m := newTestManager(t, "http://unused", st)
	_, err := m.Valid(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestValidSkipsRefreshWhenFresh(t *testing.T) {
	var refreshes atomic.Int64
	srv := newTokenServer(t, &refreshes)
	defer srv.Close()

	st := newFakeCredStore()
	st.cred = &models.Credential{
		AccountID:   DefaultAccountID,
		AccessToken: "still-good",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	m := newTestManager(t, srv.URL, st)

	cred, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if cred.AccessToken != "still-good" {
		t.Fatalf("fresh credential should be returned as-is, got %q", cred.AccessToken)
	}
	if refreshes.Load() != 0 {
		t.Fatalf("no refresh expected, got %d", refreshes.Load())
	}
}

func TestConcurrentValidRefreshesOnce(t *testing.T) {
	var refreshes atomic.Int64
	srv := newTokenServer(t, &refreshes)
	defer srv.Close()

	st := newFakeCredStore()
	st.cred = &models.Credential{
		AccountID:    DefaultAccountID,
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	m := newTestManager(t, srv.URL, st)

	const callers = 8
	results := make(chan models.Credential, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.Valid(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- cred
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("valid: %v", err)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("expected exactly 1 refresh exchange, got %d", refreshes.Load())
	}
	for cred := range results {
		if cred.AccessToken != "fresh-token" {
			t.Fatalf("every caller should see the refreshed token, got %q", cred.AccessToken)
		}
	}
}

func TestCompleteAuthConsumesStateOnce(t *testing.T) {
	var exchanges atomic.Int64
	srv := newTokenServer(t, &exchanges)
	defer srv.Close()

	st := newFakeCredStore()
	m := newTestManager(t, srv.URL, st)

	authURL, state, err := m.BeginAuth(context.Background())
	if err != nil {
		t.Fatalf("begin auth: %v", err)
	}
	if !strings.Contains(authURL, "client_key=key") || !strings.Contains(authURL, "state="+state) {
		t.Fatalf("auth url missing params: %s", authURL)
	}

	cred, err := m.CompleteAuth(context.Background(), "auth-code", state)
	if err != nil {
		t.Fatalf("complete auth: %v", err)
	}
	if cred.AccessToken != "fresh-token" || cred.AccountID != DefaultAccountID {
		t.Fatalf("unexpected credential %+v", cred)
	}

	// Replaying the same state must fail.
	if _, err := m.CompleteAuth(context.Background(), "auth-code", state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestCompleteAuthRejectsUnknownState(t *testing.T) {
	st := newFakeCredStore()
	m := newTestManager(t, "http://unused", st)
	if _, err := m.CompleteAuth(context.Background(), "code", "forged"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStatusProjection(t *testing.T) {
	st := newFakeCredStore()
	m := newTestManager(t, "http://unused", st)

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Connected {
		t.Fatalf("expected disconnected status")
	}

	st.cred = &models.Credential{
		AccountID:   DefaultAccountID,
		OpenID:      "op-1",
		AccessToken: "tok",
		Scope:       "video.publish",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	status, err = m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Connected || status.OpenID == nil || *status.OpenID != "op-1" {
		t.Fatalf("unexpected status %+v", status)
	}
}
