package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatcher is the part of the delivery engine the API drives.
type Dispatcher interface {
	PublishForTenant(ctx context.Context, ownerID, eventType string, payload json.RawMessage, evCtx domain.EventContext) ([]engine.Ticket, error)
	Retry(ctx context.Context, subID, eventID string) (domain.DeliveryAttempt, error)
	Test(ctx context.Context, subID, eventType string, payload json.RawMessage) (domain.DeliveryAttempt, error)
}

// Deps carries everything the router needs. Feed is optional.
type Deps struct {
	Store               store.SubscriptionStore
	Dispatcher          Dispatcher
	Feed                http.HandlerFunc
	FeedClients         func() int
	BlockPrivateTargets bool
	Logger              *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboards
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(deps.Store, deps.BlockPrivateTargets, deps.Logger)
	logHandler := NewDeliveryHandler(deps.Store, deps.Dispatcher, deps.Logger)
	eventHandler := NewEventHandler(deps.Dispatcher, deps.Logger)
	healthHandler := NewHealthHandler(deps.Store, deps.FeedClients, deps.Logger)

	r.Handle("/metrics", promhttp.Handler())
	if deps.Feed != nil {
		r.Get("/ws", deps.Feed)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Get("/{id}", subHandler.Get)
				r.Patch("/{id}", subHandler.Update)
				r.Delete("/{id}", subHandler.Delete)
				r.Post("/{id}/toggle", subHandler.Toggle)
				r.Get("/{id}/health", subHandler.Health)

				r.Get("/{id}/logs", logHandler.Logs)
				r.Post("/{id}/test", logHandler.Test)
				r.Post("/{id}/retry/{eventId}", logHandler.Retry)
			})

			r.Post("/events", eventHandler.Create)
			r.Get("/subscriptions-health", healthHandler.Overview)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Tenant-Role")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
