package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	FeedClients int    `json:"feed_clients"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store       store.SubscriptionStore
	feedClients func() int
	logger      *slog.Logger
}

func NewHealthHandler(s store.SubscriptionStore, feedClients func() int, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: s, feedClients: feedClients, logger: logger}
}

// Health reports whether the store is reachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
	}
	if h.feedClients != nil {
		resp.FeedClients = h.feedClients()
	}

	if p, ok := h.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("store ping failed", "error", err)
			resp.Status = "unhealthy"
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

type overviewResponse struct {
	Total         int              `json:"total"`
	Active        int              `json:"active"`
	Failing       int              `json:"failing"`
	Paused        int              `json:"paused"`
	Inactive      int              `json:"inactive"`
	Subscriptions []healthResponse `json:"subscriptions"`
}

// Overview summarises the health of every subscription the caller can see.
func (h *HealthHandler) Overview(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.List(r.Context(), scope(tenantFrom(r.Context())))
	if err != nil {
		respondErr(w, h.logger, err, "failed to list subscriptions")
		return
	}

	resp := overviewResponse{
		Total:         len(subs),
		Subscriptions: make([]healthResponse, 0, len(subs)),
	}
	for _, sub := range subs {
		switch {
		case !sub.IsActive:
			resp.Inactive++
		case sub.Status == domain.StatusFailing:
			resp.Failing++
		case sub.Status == domain.StatusPaused:
			resp.Paused++
		case sub.Status == domain.StatusInactive:
			resp.Inactive++
		default:
			resp.Active++
		}
		resp.Subscriptions = append(resp.Subscriptions, newHealthResponse(sub))
	}

	respondJSON(w, http.StatusOK, resp)
}
