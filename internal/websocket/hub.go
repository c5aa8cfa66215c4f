package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards may be served from another origin
	},
}

// Feed message types.
const (
	TypeDeliverySuccess  = "delivery_success"
	TypeDeliveryFailed   = "delivery_failed"
	TypeDeliveryRetrying = "delivery_retrying"
)

// DeliveryEvent is the live-feed message sent for every stored outcome.
type DeliveryEvent struct {
	Type                string    `json:"type"`
	SubscriptionID      string    `json:"subscription_id"`
	SubscriptionStatus  string    `json:"subscription_status"`
	EventID             string    `json:"event_id"`
	EventType           string    `json:"event_type"`
	Attempt             int       `json:"attempt"`
	StatusCode          *int      `json:"status_code,omitempty"`
	DurationMs          int64     `json:"duration_ms"`
	Error               string    `json:"error,omitempty"`
	ErrorCode           string    `json:"error_code,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UptimePercentage    float64   `json:"uptime_percentage"`
	Test                bool      `json:"test,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

type broadcastMessage struct {
	ownerID string
	data    []byte
}

// Hub manages WebSocket connections and fans delivery events out to the
// clients allowed to see them.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan broadcastMessage
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub *Hub
	// tenant is empty for operators, who see every subscription.
	tenant string
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan broadcastMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop until ctx is cancelled. Should be called
// as a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "tenant_id", c.tenant, "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.tenant != "" && c.tenant != msg.ownerID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Client buffer full, drop it
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues event for the clients of ownerID and for operators.
func (h *Hub) Broadcast(ownerID string, event DeliveryEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "error", err)
		return
	}

	select {
	case h.broadcast <- broadcastMessage{ownerID: ownerID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event")
	}
}

// DeliveryCompleted publishes a stored attempt on the live feed.
func (h *Hub) DeliveryCompleted(sub *domain.Subscription, attempt domain.DeliveryAttempt) {
	event := DeliveryEvent{
		Type:                feedType(attempt.Status),
		SubscriptionID:      sub.ID,
		SubscriptionStatus:  sub.Status,
		EventID:             attempt.EventID,
		EventType:           attempt.EventType,
		Attempt:             attempt.Attempts,
		DurationMs:          attempt.DurationMs,
		ConsecutiveFailures: sub.Health.ConsecutiveFailures,
		UptimePercentage:    sub.Health.UptimePercentage,
		Test:                attempt.Test,
		Timestamp:           time.Now().UTC(),
	}
	if attempt.LastAttemptAt != nil {
		event.Timestamp = *attempt.LastAttemptAt
	}
	if attempt.Response != nil {
		code := attempt.Response.StatusCode
		event.StatusCode = &code
	}
	if attempt.Error != nil {
		event.Error = attempt.Error.Message
		event.ErrorCode = attempt.Error.Code
	}

	h.Broadcast(sub.OwnerID, event)
}

func feedType(status domain.AttemptStatus) string {
	switch status {
	case domain.AttemptSuccess:
		return TypeDeliverySuccess
	case domain.AttemptRetrying:
		return TypeDeliveryRetrying
	default:
		return TypeDeliveryFailed
	}
}

// HandleWebSocket upgrades HTTP connections to WebSocket and registers the
// client. Browsers cannot set headers on the handshake, so the tenant may
// also be passed as query parameters.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := firstNonEmpty(r.Header.Get("X-Tenant-ID"), r.URL.Query().Get("tenant_id"))
	role := firstNonEmpty(r.Header.Get("X-Tenant-Role"), r.URL.Query().Get("role"))
	if tenant == "" {
		http.Error(w, "missing tenant", http.StatusUnauthorized)
		return
	}
	if role == domain.RoleSuperAdmin {
		tenant = ""
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		tenant: tenant,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection (handles pings/disconnects).
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
