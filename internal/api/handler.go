// Package api exposes the sync core's HTTP surface: the sync and
// integration management endpoints, webhook intake, and operational
// introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/circuitbreaker"
	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/metrics"
	syncsvc "github.com/moccet/moccet-health-sub016/internal/sync"
)

// Syncer runs sync batches.
type Syncer interface {
	SyncUser(ctx context.Context, userID uuid.UUID, opts syncsvc.Options) (map[string]syncsvc.ProviderResult, error)
}

// IntegrationService manages OAuth connections.
type IntegrationService interface {
	AuthorizeURL(userID uuid.UUID, provider string) (string, error)
	HandleCallback(ctx context.Context, state, code string) (uuid.UUID, string, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider string) error
	Connected(ctx context.Context, userID uuid.UUID) ([]*db.IntegrationToken, error)
}

// StatusRepo reads sync progress.
type StatusRepo interface {
	ListSyncStates(ctx context.Context, userID uuid.UUID) ([]*db.SyncState, error)
}

// BreakerInspector reports circuit breaker state.
type BreakerInspector interface {
	AllStats() []circuitbreaker.Stats
}

// WebhookHandler is the ingest front door.
type WebhookHandler interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
}

// Handler wires the HTTP routes.
type Handler struct {
	syncer       Syncer
	integrations IntegrationService
	status       StatusRepo
	breakers     BreakerInspector
	webhooks     WebhookHandler
	limiter      RateLimiter
	logger       *zap.Logger
}

func NewHandler(
	syncer Syncer,
	integrations IntegrationService,
	status StatusRepo,
	breakers BreakerInspector,
	webhooks WebhookHandler,
	limiter RateLimiter,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		syncer:       syncer,
		integrations: integrations,
		status:       status,
		breakers:     breakers,
		webhooks:     webhooks,
		limiter:      limiter,
		logger:       logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	// Webhooks are exempt from rate limiting; providers control their
	// own delivery rates and must never see a 429.
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/{provider}", h.webhooks.HandleWebhook)
		r.Post("/{provider}", h.webhooks.HandleWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimit(h.limiter, h.logger))

		r.Post("/sync", h.handleSync)
		r.Get("/sync/status", h.handleSyncStatus)

		r.Get("/integrations", h.handleListIntegrations)
		r.Post("/integrations/{provider}/connect", h.handleConnect)
		r.Get("/integrations/{provider}/callback", h.handleCallback)
		r.Delete("/integrations/{provider}", h.handleDisconnect)

		r.Get("/breakers", h.handleBreakers)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	UserID    string   `json:"user_id"`
	Force     bool     `json:"force"`
	Providers []string `json:"providers,omitempty"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	results, err := h.syncer.SyncUser(r.Context(), userID, syncsvc.Options{
		Force:     req.Force,
		Providers: req.Providers,
	})
	if err != nil {
		h.logger.Error("sync batch failed", zap.Error(err), zap.String("user_id", req.UserID))
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"results": results,
	})
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	states, err := h.status.ListSyncStates(r.Context(), userID)
	if err != nil {
		h.logger.Error("sync status lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if states == nil {
		states = []*db.SyncState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (h *Handler) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	tokens, err := h.integrations.Connected(r.Context(), userID)
	if err != nil {
		h.logger.Error("integration listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if tokens == nil {
		tokens = []*db.IntegrationToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": tokens})
}

type connectRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	authURL, err := h.integrations.AuthorizeURL(userID, providerName)
	if errors.Is(err, credentials.ErrProviderDisabled) {
		writeError(w, http.StatusNotFound, "provider not available")
		return
	}
	if err != nil {
		h.logger.Error("authorize url build failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "connect failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": authURL})
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "missing state or code")
		return
	}

	userID, providerName, err := h.integrations.HandleCallback(r.Context(), state, code)
	if errors.Is(err, credentials.ErrBadState) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	if err != nil {
		h.logger.Error("oauth callback failed",
			zap.Error(err),
			zap.String("provider", chi.URLParam(r, "provider")),
		)
		writeError(w, http.StatusBadGateway, "provider exchange failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"provider":  providerName,
		"connected": true,
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	err := h.integrations.Disconnect(r.Context(), userID, providerName)
	if errors.Is(err, credentials.ErrNotConnected) {
		writeError(w, http.StatusNotFound, "integration not connected")
		return
	}
	if err != nil {
		h.logger.Error("disconnect failed", zap.Error(err), zap.String("provider", providerName))
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.AllStats()})
}

func queryUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return uuid.Nil, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
