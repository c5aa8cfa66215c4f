package domain

import (
	"encoding/json"
	"time"
)

type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptSuccess  AttemptStatus = "success"
	AttemptFailed   AttemptStatus = "failed"
	AttemptRetrying AttemptStatus = "retrying"
)

// Error codes recorded on failed attempts.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeTimeout           = "TIMEOUT"
	CodeDNS               = "DNS_ERROR"
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeRequestFailed     = "REQUEST_FAILED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeCancelled         = "CANCELLED"
	CodeBlockedTarget     = "BLOCKED_TARGET"
)

// DeliveryAttempt is one event routed to one subscription. EventID is
// unique per attempt: the same business event delivered to two
// subscriptions produces two ids.
type DeliveryAttempt struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Status        AttemptStatus     `json:"status"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	Response      *ResponseSnapshot `json:"response,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	Test          bool              `json:"test,omitempty"`
}

type ResponseSnapshot struct {
	StatusCode int               `json:"status_code"`
	Body       string            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Outcome is the result of one delivery try, merged into the matching
// history entry by the tracker.
type Outcome struct {
	Status        AttemptStatus     `json:"status"`
	Attempts      int               `json:"attempts"`
	AttemptedAt   time.Time         `json:"attempted_at"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	Response      *ResponseSnapshot `json:"response,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
}

func (o Outcome) Success() bool {
	return o.Status == AttemptSuccess
}

// RateLimitedOutcome is the synthetic failure recorded when the rate
// limiter denies an attempt.
func RateLimitedOutcome(attempts int, now time.Time) Outcome {
	return Outcome{
		Status:      AttemptFailed,
		Attempts:    attempts,
		AttemptedAt: now,
		Error: &ErrorInfo{
			Message: "rate limit exceeded",
			Code:    CodeRateLimitExceeded,
		},
	}
}
