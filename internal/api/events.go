package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

type EventHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewEventHandler(d Dispatcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, logger: logger}
}

type createEventRequest struct {
	EventType string              `json:"eventType"`
	Payload   json.RawMessage     `json:"payload"`
	Context   domain.EventContext `json:"context,omitempty"`
}

type createEventResponse struct {
	EventType        string          `json:"event_type"`
	DeliveriesQueued int             `json:"deliveries_queued"`
	Tickets          []engine.Ticket `json:"tickets"`
}

// Create publishes an event to the caller's subscriptions. A super admin
// publishes to every tenant.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "eventType is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}

	owner := scope(tenantFrom(r.Context()))
	tickets, err := h.dispatcher.PublishForTenant(r.Context(), owner, req.EventType, req.Payload, req.Context)
	if err != nil {
		respondErr(w, h.logger, err, "failed to publish event")
		return
	}

	queued := 0
	for _, t := range tickets {
		if t.Status == engine.TicketQueued {
			queued++
		}
	}

	respondJSON(w, http.StatusAccepted, createEventResponse{
		EventType:        req.EventType,
		DeliveriesQueued: queued,
		Tickets:          tickets,
	})
}
