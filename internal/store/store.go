package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// ErrConflict is returned when an optimistic update keeps losing races.
var ErrConflict = errors.New("concurrent update conflict")

// UpdateFunc mutates a subscription inside an atomic read-modify-write.
// Returning an error aborts the update.
type UpdateFunc func(sub *domain.Subscription) error

// Query selects candidate subscriptions for an event. OwnerID narrows the
// result to one tenant when set.
type Query struct {
	EventType string
	OwnerID   string
}

// SubscriptionStore persists subscriptions. Update is the only way the
// delivery path mutates a record, and implementations must make it atomic
// per subscription.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context, ownerID string) ([]*domain.Subscription, error)
	FindCandidates(ctx context.Context, q Query) ([]*domain.Subscription, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Subscription, error)
	Delete(ctx context.Context, id string) error
}

// candidateEvents is the set of stored event types that can match q.
func candidateEvents(q Query) []string {
	return []string{q.EventType, domain.WildcardEvent}
}

var eligibleStatuses = []string{domain.StatusActive, domain.StatusFailing}

func encodeSubscription(sub *domain.Subscription) ([]byte, error) {
	doc, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encoding subscription %s: %w", sub.ID, err)
	}
	return doc, nil
}

func decodeSubscription(doc []byte) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := json.Unmarshal(doc, &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	return &sub, nil
}
