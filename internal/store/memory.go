package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// MemoryStore keeps subscriptions in process. Every operation runs under
// one lock, which makes Update a serialized read-modify-write.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription
	now  func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*domain.Subscription),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string) ([]*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*domain.Subscription{}
	for _, sub := range s.subs {
		if ownerID != "" && sub.OwnerID != ownerID {
			continue
		}
		result = append(result, sub.Clone())
	}
	sortByCreated(result)
	return result, nil
}

func (s *MemoryStore) FindCandidates(_ context.Context, q Query) ([]*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*domain.Subscription{}
	for _, sub := range s.subs {
		if q.OwnerID != "" && sub.OwnerID != q.OwnerID {
			continue
		}
		if !sub.Eligible() || !sub.Subscribes(q.EventType) {
			continue
		}
		result = append(result, sub.Clone())
	}
	sortByCreated(result)
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = s.now()
	s.subs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	delete(s.subs, id)
	return nil
}

func sortByCreated(subs []*domain.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
