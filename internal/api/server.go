package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"reelcast/internal/config"
	"reelcast/internal/instagram"
	"reelcast/internal/models"
	"reelcast/internal/store"
	"reelcast/internal/telemetry"
	"reelcast/internal/tiktok"
)

// ItemStore is the persistence surface the API needs.
type ItemStore interface {
	CreateItem(ctx context.Context, sourceURL string) (models.Item, error)
	GetItem(ctx context.Context, id string) (models.Item, error)
	ListItems(ctx context.Context, p store.ListItemsParams) ([]models.Item, error)
	UpdateItemContent(ctx context.Context, id string, caption *string, hashtags []string) (models.Item, error)
	DeleteItem(ctx context.Context, id string) error
	SetItemError(ctx context.Context, id, message string) error
	ListJobs(ctx context.Context, itemID string) ([]models.JobRecord, error)
	StatsSummary(ctx context.Context) (models.StatsSummary, error)
}

// RunQueue accepts orchestration runs.
type RunQueue interface {
	Enqueue(ctx context.Context, itemID string) error
}

// AuthManager handles the destination account's OAuth lifecycle.
type AuthManager interface {
	BeginAuth(ctx context.Context) (authURL, state string, err error)
	CompleteAuth(ctx context.Context, code, state string) (models.Credential, error)
	Status(ctx context.Context) (tiktok.AccountStatus, error)
}

// Limiter gates submissions per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg      config.Config
	store    ItemStore
	queue    RunQueue
	auth     AuthManager
	limiter  Limiter
	validate *validator.Validate
}

// New constructs the API server.
func New(cfg config.Config, st ItemStore, q RunQueue, auth AuthManager, limiter Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		auth:     auth,
		limiter:  limiter,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/videos", s.handleSubmit)
		r.Get("/videos", s.handleListItems)
		r.Get("/videos/{id}", s.handleGetItem)
		r.Patch("/videos/{id}", s.handlePatchItem)
		r.Delete("/videos/{id}", s.handleDeleteItem)
		r.Get("/videos/{id}/jobs", s.handleListJobs)
		r.Get("/stats/summary", s.handleStats)
		r.Get("/tiktok/auth-url", s.handleAuthURL)
		r.Get("/tiktok/callback", s.handleAuthCallback)
		r.Get("/tiktok/account", s.handleAccountStatus)
	})
	return r
}

type submitRequest struct {
	SourceURL string `json:"source_url" validate:"required,url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "source_url must be a valid URL")
		return
	}
	if _, err := instagram.ParseShortcode(req.SourceURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := s.store.CreateItem(r.Context(), req.SourceURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	telemetry.ItemsSubmitted.Inc()

	if err := s.queue.Enqueue(r.Context(), item.ID); err != nil {
		// The item stays pending; a later resubmission or an operator requeue
		// can pick it up.
		log.Error().Err(err).Str("item", item.ID).Msg("enqueue failed after create")
		_ = s.store.SetItemError(r.Context(), item.ID, "queue unavailable at submit time")
		writeError(w, http.StatusServiceUnavailable, "accepted but not queued, retry later")
		return
	}

	log.Info().Str("item", item.ID).Str("source_url", item.SourceURL).Msg("item submitted")
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !validItemStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	items, err := s.store.ListItems(r.Context(), store.ListItemsParams{
		Status: status,
		Limit:  intQuery(q.Get("limit"), 0),
		Offset: intQuery(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type patchItemRequest struct {
	Caption  *string  `json:"caption"`
	Hashtags []string `json:"hashtags"`
}

func (s *Server) handlePatchItem(w http.ResponseWriter, r *http.Request) {
	var req patchItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Caption == nil && req.Hashtags == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	item, err := s.store.UpdateItemContent(r.Context(), chi.URLParam(r, "id"), req.Caption, req.Hashtags)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetItem(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.StatsSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := s.auth.BeginAuth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL, "state": state})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+errCode)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	cred, err := s.auth.CompleteAuth(r.Context(), code, state)
	if errors.Is(err, tiktok.ErrInvalidState) {
		writeError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("oauth code exchange failed")
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	log.Info().Str("open_id", cred.OpenID).Msg("tiktok account connected")
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "open_id": cred.OpenID})
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.auth.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func validItemStatus(status string) bool {
	for _, s := range models.ItemStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
