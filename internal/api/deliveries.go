package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = domain.HistoryLimit
)

type DeliveryHandler struct {
	store      store.SubscriptionStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewDeliveryHandler(s store.SubscriptionStore, d Dispatcher, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, dispatcher: d, logger: logger}
}

// Logs returns the subscription's history, newest first, optionally
// filtered by status and event type.
func (h *DeliveryHandler) Logs(w http.ResponseWriter, r *http.Request) {
	sub, ok := loadOwned(w, r, h.store, h.logger)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	eventType := r.URL.Query().Get("eventType")
	limitStr := r.URL.Query().Get("limit")

	limit := defaultLogLimit
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = min(n, maxLogLimit)
		}
	}

	logs := make([]domain.DeliveryAttempt, 0, min(limit, len(sub.History)))
	for _, a := range sub.History {
		if len(logs) == limit {
			break
		}
		if status != "" && string(a.Status) != status {
			continue
		}
		if eventType != "" && a.EventType != eventType {
			continue
		}
		logs = append(logs, a)
	}

	respondJSON(w, http.StatusOK, logs)
}

type testRequest struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// Test fires a synthetic event at the subscription and returns the
// resulting history entry once the delivery has finished.
func (h *DeliveryHandler) Test(w http.ResponseWriter, r *http.Request) {
	sub, ok := loadOwned(w, r, h.store, h.logger)
	if !ok {
		return
	}

	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "eventType is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	attempt, err := h.dispatcher.Test(r.Context(), sub.ID, req.EventType, req.Payload)
	if err != nil {
		respondErr(w, h.logger, err, "failed to send test event")
		return
	}

	respondJSON(w, http.StatusOK, attempt)
}

// Retry re-drives one failed attempt and returns it with its new outcome.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sub, ok := loadOwned(w, r, h.store, h.logger)
	if !ok {
		return
	}

	attempt, err := h.dispatcher.Retry(r.Context(), sub.ID, chi.URLParam(r, "eventId"))
	if err != nil {
		respondErr(w, h.logger, err, "failed to retry delivery")
		return
	}

	respondJSON(w, http.StatusOK, attempt)
}
