package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Envelope is the body sent to a subscriber endpoint.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Version   string          `json:"version"`
}

// EventContext carries caller-supplied attributes that filter conditions
// are evaluated against. It is not sent to subscribers.
type EventContext map[string]any

const maxEventTypeLen = 128

var eventTypePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_*-]+)*$`)

// ValidateEventType checks the shape of an event type string.
func ValidateEventType(eventType string) error {
	if eventType == "" || len(eventType) > maxEventTypeLen || !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	return nil
}

// Tenant identifies the caller of the management API.
type Tenant struct {
	ID   string
	Role string
}
