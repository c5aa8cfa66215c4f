package engine

import (
	"context"
	"fmt"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
)

// Matcher selects the subscriptions an event should be delivered to.
type Matcher struct {
	store store.SubscriptionStore
}

func NewMatcher(s store.SubscriptionStore) *Matcher {
	return &Matcher{store: s}
}

// FindSubscribers returns every eligible subscription whose event set
// covers eventType and whose filter accepts evCtx. ownerID, when set,
// narrows the search to one tenant.
func (m *Matcher) FindSubscribers(ctx context.Context, eventType string, evCtx domain.EventContext, ownerID string) ([]*domain.Subscription, error) {
	candidates, err := m.store.FindCandidates(ctx, store.Query{EventType: eventType, OwnerID: ownerID})
	if err != nil {
		return nil, fmt.Errorf("finding candidate subscriptions: %w", err)
	}

	matched := make([]*domain.Subscription, 0, len(candidates))
	for _, sub := range candidates {
		if Matches(sub, eventType, evCtx) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// Matches applies the full matching rule to one subscription.
func Matches(sub *domain.Subscription, eventType string, evCtx domain.EventContext) bool {
	if !sub.Eligible() || !sub.Subscribes(eventType) {
		return false
	}
	return sub.Filter.Matches(evCtx)
}
