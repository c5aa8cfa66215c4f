// Command mock-endpoints runs subscriber endpoints for exercising the
// dispatcher by hand.
package main

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/signer"
)

var requestCount atomic.Int64

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	// Secret returned when the subscription was created; enables /webhook/verify.
	secret := os.Getenv("WEBHOOK_SECRET")

	mux := http.NewServeMux()

	// Successful endpoint, always returns 200
	mux.HandleFunc("/webhook/success", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, logger, http.StatusOK, "received")
	})

	// Slow endpoint, delays 3 seconds before responding
	mux.HandleFunc("/webhook/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		respond(w, r, logger, http.StatusOK, "received (slow)")
	})

	// Failing endpoint, always returns 500
	mux.HandleFunc("/webhook/fail", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, logger, http.StatusInternalServerError, "internal server error")
	})

	// Flaky endpoint, fails every other request
	mux.HandleFunc("/webhook/flaky", func(w http.ResponseWriter, r *http.Request) {
		if requestCount.Load()%2 == 0 {
			respond(w, r, logger, http.StatusServiceUnavailable, "try again")
			return
		}
		respond(w, r, logger, http.StatusOK, "received")
	})

	// Verifying endpoint, checks X-Webhook-Signature against WEBHOOK_SECRET
	mux.HandleFunc("/webhook/verify", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, r, logger, http.StatusBadRequest, "unreadable body")
			return
		}
		expected := signer.Sign(secret, body)
		got := r.Header.Get("X-Webhook-Signature")
		if secret == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
			respond(w, r, logger, http.StatusUnauthorized, "invalid signature")
			return
		}
		respond(w, r, logger, http.StatusOK, "signature verified")
	})

	// Stats endpoint, shows request count
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	logger.Info("mock endpoint server starting",
		"port", port,
		"endpoints", []string{"/webhook/success", "/webhook/slow", "/webhook/fail", "/webhook/flaky", "/webhook/verify", "/stats"},
		"verify_enabled", secret != "",
	)

	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func respond(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string) {
	count := requestCount.Add(1)
	logger.Info("webhook received",
		"request", count,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"signature", truncate(r.Header.Get("X-Webhook-Signature"), 16),
		"event_type", r.Header.Get("X-Webhook-Event"),
		"subscription_id", r.Header.Get("X-Webhook-ID"),
		"attempt", r.Header.Get("X-Webhook-Attempt"),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": message})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
