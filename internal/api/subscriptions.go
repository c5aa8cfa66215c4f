package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/signer"
	"github.com/Priya8975/webhook-dispatcher/internal/ssrf"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type SubscriptionHandler struct {
	store        store.SubscriptionStore
	blockPrivate bool
	logger       *slog.Logger
}

func NewSubscriptionHandler(s store.SubscriptionStore, blockPrivate bool, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, blockPrivate: blockPrivate, logger: logger}
}

// subscriptionRequest is the body of create and update calls. Nil fields
// are left untouched on update.
type subscriptionRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	URL         *string           `json:"url"`
	Method      *string           `json:"method"`
	Format      *string           `json:"format"`
	Headers     map[string]string `json:"headers"`
	Version     *string           `json:"version"`
	Secret      *string           `json:"secret"`
	Events      []string          `json:"events"`
	Filter      domain.Filter     `json:"filter"`
	IsActive    *bool             `json:"is_active"`
	Retry       *retryRequest     `json:"retry"`
	RateLimit   *rateLimitRequest `json:"rate_limit"`
}

// retryRequest takes durations as Go duration strings ("30s", "5m").
type retryRequest struct {
	MaxRetries    *int    `json:"max_retries"`
	RetryInterval *string `json:"retry_interval"`
	Exponential   *bool   `json:"exponential"`
	MaxWait       *string `json:"max_wait"`
}

type rateLimitRequest struct {
	Enabled           *bool `json:"enabled"`
	RequestsPerMinute *int  `json:"requests_per_minute"`
}

// createSubscriptionResponse is the only response that carries the secret.
type createSubscriptionResponse struct {
	*domain.Subscription
	Secret string `json:"secret"`
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.URL == nil || *req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if len(domain.NormalizeEvents(req.Events)) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event is required")
		return
	}

	tenant := tenantFrom(r.Context())
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   tenant.ID,
		OwnerRole: tenant.Role,
		Method:    http.MethodPost,
		Format:    domain.FormatJSON,
		Version:   domain.DefaultVersion,
		IsActive:  true,
		Status:    domain.StatusActive,
		Retry:     domain.DefaultRetryPolicy(),
		RateLimit: domain.DefaultRateLimitPolicy(),
		Health:    domain.Health{UptimePercentage: 100},
		History:   []domain.DeliveryAttempt{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := req.apply(sub, h.blockPrivate); err != nil {
		respondErr(w, h.logger, err, "failed to create subscription")
		return
	}

	if sub.Secret == "" {
		secret, err := signer.GenerateSecret()
		if err != nil {
			respondErr(w, h.logger, err, "failed to generate secret")
			return
		}
		sub.Secret = secret
	}

	if err := h.store.Create(r.Context(), sub); err != nil {
		respondErr(w, h.logger, err, "failed to create subscription")
		return
	}

	h.logger.Info("subscription created",
		"subscription_id", sub.ID,
		"owner_id", sub.OwnerID,
		"events", sub.Events,
	)

	redacted := sub.Redacted()
	respondJSON(w, http.StatusCreated, createSubscriptionResponse{
		Subscription: &redacted,
		Secret:       sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.List(r.Context(), scope(tenantFrom(r.Context())))
	if err != nil {
		respondErr(w, h.logger, err, "failed to list subscriptions")
		return
	}

	out := make([]domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.owned(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant := tenantFrom(r.Context())
	sub, err := h.store.Update(r.Context(), id, func(sub *domain.Subscription) error {
		if !sub.OwnedBy(tenant) {
			return domain.ErrForbidden
		}
		return req.apply(sub, h.blockPrivate)
	})
	if err != nil {
		respondErr(w, h.logger, err, "failed to update subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub.Redacted())
}

// Toggle pauses an active subscription or resumes a paused one. Resuming
// also clears the failing status and the failure streak that caused it.
func (h *SubscriptionHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := tenantFrom(r.Context())

	sub, err := h.store.Update(r.Context(), id, func(sub *domain.Subscription) error {
		if !sub.OwnedBy(tenant) {
			return domain.ErrForbidden
		}
		switch sub.Status {
		case domain.StatusPaused, domain.StatusFailing, domain.StatusInactive:
			sub.Status = domain.StatusActive
			sub.IsActive = true
			sub.Health.ConsecutiveFailures = 0
		default:
			sub.Status = domain.StatusPaused
		}
		return nil
	})
	if err != nil {
		respondErr(w, h.logger, err, "failed to toggle subscription")
		return
	}

	h.logger.Info("subscription toggled", "subscription_id", sub.ID, "status", sub.Status)
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), sub.ID); err != nil {
		respondErr(w, h.logger, err, "failed to delete subscription")
		return
	}

	h.logger.Info("subscription deleted", "subscription_id", sub.ID)
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	SubscriptionID string        `json:"subscription_id"`
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	IsActive       bool          `json:"is_active"`
	Status         string        `json:"status"`
	Health         domain.Health `json:"health"`
	HistorySize    int           `json:"history_size"`
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.owned(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newHealthResponse(sub))
}

func newHealthResponse(sub *domain.Subscription) healthResponse {
	return healthResponse{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		URL:            sub.URL,
		IsActive:       sub.IsActive,
		Status:         sub.Status,
		Health:         sub.Health,
		HistorySize:    len(sub.History),
	}
}

// owned loads the subscription named in the path and checks the caller
// may manage it. It writes the error response itself.
func (h *SubscriptionHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Subscription, bool) {
	return loadOwned(w, r, h.store, h.logger)
}

func loadOwned(w http.ResponseWriter, r *http.Request, s store.SubscriptionStore, logger *slog.Logger) (*domain.Subscription, bool) {
	sub, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, logger, err, "failed to get subscription")
		return nil, false
	}
	if !sub.OwnedBy(tenantFrom(r.Context())) {
		respondErr(w, logger, domain.ErrForbidden, "")
		return nil, false
	}
	return sub, true
}

func (req *subscriptionRequest) apply(sub *domain.Subscription, blockPrivate bool) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", domain.ErrValidation)
		}
		sub.Name = name
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.URL != nil {
		if err := ssrf.ValidateURL(*req.URL, blockPrivate); err != nil {
			return fmt.Errorf("%w: url: %w", domain.ErrValidation, err)
		}
		sub.URL = *req.URL
	}
	if req.Method != nil {
		method := strings.ToUpper(*req.Method)
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			return fmt.Errorf("%w: method must be POST, PUT or PATCH", domain.ErrValidation)
		}
		sub.Method = method
	}
	if req.Format != nil {
		switch *req.Format {
		case domain.FormatJSON, domain.FormatForm, domain.FormatXML:
		default:
			return fmt.Errorf("%w: format must be json, form or xml", domain.ErrValidation)
		}
		sub.Format = *req.Format
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if req.Version != nil && *req.Version != "" {
		sub.Version = *req.Version
	}
	if req.Secret != nil && *req.Secret != "" {
		sub.Secret = *req.Secret
	}
	if req.Events != nil {
		events := domain.NormalizeEvents(req.Events)
		if len(events) == 0 {
			return fmt.Errorf("%w: at least one event is required", domain.ErrValidation)
		}
		for _, e := range events {
			if err := domain.ValidateEventType(e); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrValidation, err)
			}
		}
		sub.Events = events
	}
	if req.Filter != nil {
		sub.Filter = req.Filter
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if req.Retry != nil {
		if err := req.Retry.apply(&sub.Retry); err != nil {
			return err
		}
	}
	if req.RateLimit != nil {
		if req.RateLimit.Enabled != nil {
			sub.RateLimit.Enabled = *req.RateLimit.Enabled
		}
		if req.RateLimit.RequestsPerMinute != nil {
			if *req.RateLimit.RequestsPerMinute < 1 {
				return fmt.Errorf("%w: requests_per_minute must be at least 1", domain.ErrValidation)
			}
			sub.RateLimit.RequestsPerMinute = *req.RateLimit.RequestsPerMinute
		}
	}
	return nil
}

func (req *retryRequest) apply(p *domain.RetryPolicy) error {
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return fmt.Errorf("%w: max_retries must not be negative", domain.ErrValidation)
		}
		p.MaxRetries = *req.MaxRetries
	}
	if req.Exponential != nil {
		p.Exponential = *req.Exponential
	}
	if req.RetryInterval != nil {
		d, err := time.ParseDuration(*req.RetryInterval)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: retry_interval must be a positive duration", domain.ErrValidation)
		}
		p.RetryInterval = d
	}
	if req.MaxWait != nil {
		d, err := time.ParseDuration(*req.MaxWait)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: max_wait must be a duration", domain.ErrValidation)
		}
		p.MaxWait = d
	}
	return nil
}
