package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscription(id, owner string, events ...string) *domain.Subscription {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Subscription{
		ID:        id,
		OwnerID:   owner,
		OwnerRole: domain.RoleAdmin,
		Name:      "hook " + id,
		URL:       "https://example.com/" + id,
		Method:    "POST",
		Format:    domain.FormatJSON,
		Version:   domain.DefaultVersion,
		Secret:    "whsec_test",
		Events:    events,
		IsActive:  true,
		Status:    domain.StatusActive,
		Retry:     domain.DefaultRetryPolicy(),
		RateLimit: domain.DefaultRateLimitPolicy(),
		Health:    domain.Health{UptimePercentage: 100},
		History:   []domain.DeliveryAttempt{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreSuite checks the behaviour every SubscriptionStore must share.
func runStoreSuite(t *testing.T, s SubscriptionStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		sub := newTestSubscription("sub-get", "tenant-a", "order.created")
		sub.Filter = domain.Filter{"region": domain.In("eu", "us")}
		require.NoError(t, s.Create(ctx, sub))

		got, err := s.Get(ctx, "sub-get")
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", got.OwnerID)
		assert.Equal(t, []string{"order.created"}, got.Events)
		assert.Equal(t, domain.OpIn, got.Filter["region"].Op)
		assert.Equal(t, "whsec_test", got.Secret)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list by owner", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-list-1", "tenant-list", "a.b")))
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-list-2", "tenant-list", "a.c")))
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-list-3", "tenant-other", "a.b")))

		subs, err := s.List(ctx, "tenant-list")
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "sub-list-1", subs[0].ID)
		assert.Equal(t, "sub-list-2", subs[1].ID)

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 3)
	})

	t.Run("find candidates", func(t *testing.T) {
		owner := "tenant-match"
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-m-exact", owner, "invoice.paid")))
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-m-wild", owner, domain.WildcardEvent)))
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-m-other", owner, "invoice.voided")))

		paused := newTestSubscription("sub-m-paused", owner, "invoice.paid")
		paused.Status = domain.StatusPaused
		require.NoError(t, s.Create(ctx, paused))

		off := newTestSubscription("sub-m-off", owner, "invoice.paid")
		off.IsActive = false
		require.NoError(t, s.Create(ctx, off))

		failing := newTestSubscription("sub-m-failing", owner, "invoice.paid")
		failing.Status = domain.StatusFailing
		require.NoError(t, s.Create(ctx, failing))

		subs, err := s.FindCandidates(ctx, Query{EventType: "invoice.paid", OwnerID: owner})
		require.NoError(t, err)

		var ids []string
		for _, sub := range subs {
			ids = append(ids, sub.ID)
		}
		assert.ElementsMatch(t, []string{"sub-m-exact", "sub-m-wild", "sub-m-failing"}, ids)
	})

	t.Run("update", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-upd", "tenant-u", "x.y")))

		updated, err := s.Update(ctx, "sub-upd", func(sub *domain.Subscription) error {
			sub.Status = domain.StatusPaused
			sub.Events = []string{"x.z"}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaused, updated.Status)

		got, err := s.Get(ctx, "sub-upd")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaused, got.Status)
		assert.Equal(t, []string{"x.z"}, got.Events)
	})

	t.Run("update aborted by fn", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-abort", "tenant-u", "x.y")))

		boom := errors.New("boom")
		_, err := s.Update(ctx, "sub-abort", func(sub *domain.Subscription) error {
			sub.Name = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, "sub-abort")
		require.NoError(t, err)
		assert.Equal(t, "hook sub-abort", got.Name)
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := s.Update(ctx, "nope", func(*domain.Subscription) error { return nil })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-race", "tenant-r", "x.y")))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Update(ctx, "sub-race", func(sub *domain.Subscription) error {
					sub.History = append([]domain.DeliveryAttempt{{
						EventID: fmt.Sprintf("evt-%d", i),
						Status:  domain.AttemptPending,
					}}, sub.History...)
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, "sub-race")
		require.NoError(t, err)
		assert.Len(t, got.History, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newTestSubscription("sub-del", "tenant-d", "x.y")))
		require.NoError(t, s.Delete(ctx, "sub-del"))

		_, err := s.Get(ctx, "sub-del")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "sub-del"), domain.ErrNotFound)
	})
}
