package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reelcast/internal/config"
	"reelcast/internal/models"
	"reelcast/internal/store"
	"reelcast/internal/tiktok"
)

type fakeItemStore struct {
	items     map[string]models.Item
	jobs      map[string][]models.JobRecord
	lastError string
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{items: map[string]models.Item{}, jobs: map[string][]models.JobRecord{}}
}

func (f *fakeItemStore) CreateItem(_ context.Context, sourceURL string) (models.Item, error) {
	item := models.Item{
		ID:        "item-1",
		SourceURL: sourceURL,
		Status:    models.ItemPending,
		Hashtags:  []string{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeItemStore) GetItem(_ context.Context, id string) (models.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return models.Item{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeItemStore) ListItems(_ context.Context, p store.ListItemsParams) ([]models.Item, error) {
	out := []models.Item{}
	for _, item := range f.items {
		if p.Status == "" || item.Status == p.Status {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeItemStore) UpdateItemContent(_ context.Context, id string, caption *string, hashtags []string) (models.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return models.Item{}, store.ErrNotFound
	}
	if caption != nil {
		item.Caption = caption
	}
	if hashtags != nil {
		item.Hashtags = hashtags
	}
	f.items[id] = item
	return item, nil
}

func (f *fakeItemStore) DeleteItem(_ context.Context, id string) error {
	if _, ok := f.items[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeItemStore) SetItemError(_ context.Context, _ string, message string) error {
	f.lastError = message
	return nil
}

func (f *fakeItemStore) ListJobs(_ context.Context, itemID string) ([]models.JobRecord, error) {
	return f.jobs[itemID], nil
}

func (f *fakeItemStore) StatsSummary(context.Context) (models.StatsSummary, error) {
	return models.StatsSummary{TotalItems: len(f.items)}, nil
}

type fakeRunQueue struct {
	enqueued []string
	err      error
}

func (q *fakeRunQueue) Enqueue(_ context.Context, itemID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, itemID)
	return nil
}

type fakeAuth struct {
	status tiktok.AccountStatus
}

func (a *fakeAuth) BeginAuth(context.Context) (string, string, error) {
	return "https://www.tiktok.com/v2/auth/authorize/?state=st-1", "st-1", nil
}

func (a *fakeAuth) CompleteAuth(_ context.Context, code, state string) (models.Credential, error) {
	if state != "st-1" {
		return models.Credential{}, tiktok.ErrInvalidState
	}
	return models.Credential{AccountID: "default", OpenID: "op-1", AccessToken: "tok"}, nil
}

func (a *fakeAuth) Status(context.Context) (tiktok.AccountStatus, error) {
	return a.status, nil
}

type fakeLimiter struct {
	allow bool
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) {
	return l.allow, nil
}

func newTestServer(st *fakeItemStore, q *fakeRunQueue, limiter Limiter) *Server {
	return New(config.Config{}, st, q, &fakeAuth{}, limiter)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAcceptsAndEnqueues(t *testing.T) {
	st := newFakeItemStore()
	q := &fakeRunQueue{}
	srv := newTestServer(st, q, nil)

	rec := postJSON(t, srv.Router(), "/api/videos", map[string]string{
		"source_url": "https://www.instagram.com/reel/DEMO123/",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "item-1" {
		t.Fatalf("expected item-1 enqueued, got %v", q.enqueued)
	}
	var item models.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if item.Status != models.ItemPending {
		t.Fatalf("new item status = %s, want pending", item.Status)
	}
}

func TestSubmitRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing url", map[string]string{}},
		{"not a url", map[string]string{"source_url": "not-a-url"}},
		{"wrong host", map[string]string{"source_url": "https://example.com/reel/ABC/"}},
		{"not a post path", map[string]string{"source_url": "https://www.instagram.com/someuser/"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeItemStore()
			q := &fakeRunQueue{}
			srv := newTestServer(st, q, nil)
			rec := postJSON(t, srv.Router(), "/api/videos", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			if len(st.items) != 0 {
				t.Fatalf("rejected submissions must not create items")
			}
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	st := newFakeItemStore()
	srv := newTestServer(st, &fakeRunQueue{}, &fakeLimiter{allow: false})

	rec := postJSON(t, srv.Router(), "/api/videos", map[string]string{
		"source_url": "https://www.instagram.com/reel/DEMO123/",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if len(st.items) != 0 {
		t.Fatalf("rate limited submissions must not create items")
	}
}

func TestSubmitQueueDownKeepsItemPending(t *testing.T) {
	st := newFakeItemStore()
	q := &fakeRunQueue{err: errors.New("redis down")}
	srv := newTestServer(st, q, nil)

	rec := postJSON(t, srv.Router(), "/api/videos", map[string]string{
		"source_url": "https://www.instagram.com/reel/DEMO123/",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if _, ok := st.items["item-1"]; !ok {
		t.Fatalf("item should survive a queue outage")
	}
	if st.lastError == "" {
		t.Fatalf("queue outage should be noted on the item")
	}
}

func TestGetItemNotFound(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/videos/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListItemsRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/videos?status=sideways", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPatchItemUpdatesCaption(t *testing.T) {
	st := newFakeItemStore()
	st.items["item-1"] = models.Item{ID: "item-1", Status: models.ItemCompleted}
	srv := newTestServer(st, &fakeRunQueue{}, nil)

	body, _ := json.Marshal(map[string]any{"caption": "edited", "hashtags": []string{"#new"}})
	req := httptest.NewRequest(http.MethodPatch, "/api/videos/item-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := st.items["item-1"]
	if got.Caption == nil || *got.Caption != "edited" || len(got.Hashtags) != 1 {
		t.Fatalf("patch not applied: %+v", got)
	}
}

func TestPatchItemRequiresAField(t *testing.T) {
	st := newFakeItemStore()
	st.items["item-1"] = models.Item{ID: "item-1"}
	srv := newTestServer(st, &fakeRunQueue{}, nil)

	req := httptest.NewRequest(http.MethodPatch, "/api/videos/item-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteItem(t *testing.T) {
	st := newFakeItemStore()
	st.items["item-1"] = models.Item{ID: "item-1"}
	srv := newTestServer(st, &fakeRunQueue{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/videos/item-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(st.items) != 0 {
		t.Fatalf("item not deleted")
	}
}

func TestListJobsForItem(t *testing.T) {
	st := newFakeItemStore()
	st.items["item-1"] = models.Item{ID: "item-1"}
	st.jobs["item-1"] = []models.JobRecord{
		{ID: "j1", ItemID: "item-1", TaskType: models.TaskDownloadVideo, Status: models.JobCompleted, Attempt: 1},
	}
	srv := newTestServer(st, &fakeRunQueue{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/videos/item-1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Jobs []models.JobRecord `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Jobs) != 1 || payload.Jobs[0].TaskType != models.TaskDownloadVideo {
		t.Fatalf("unexpected jobs payload: %+v", payload)
	}
}

func TestListJobsUnknownItem(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/videos/nope/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAuthURLAndCallback(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/tiktok/auth-url", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth-url status = %d", rec.Code)
	}
	var authResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &authResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if authResp["state"] != "st-1" || authResp["auth_url"] == "" {
		t.Fatalf("unexpected auth payload %v", authResp)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tiktok/callback?code=c&state=st-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tiktok/callback?code=c&state=forged", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged state status = %d, want 400", rec.Code)
	}
}

func TestCallbackRequiresCodeAndState(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/tiktok/callback", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(newFakeItemStore(), &fakeRunQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}
