package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/queue"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	calls   []domain.DeliveryAttempt
	results []bool
	fail    bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ *domain.Subscription, attempt domain.DeliveryAttempt) domain.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, attempt)
	ok := !f.fail
	if len(f.results) > 0 {
		ok, f.results = f.results[0], f.results[1:]
	}

	o := domain.Outcome{
		Attempts:    attempt.Attempts,
		AttemptedAt: time.Now().UTC(),
		DurationMs:  3,
	}
	if ok {
		o.Status = domain.AttemptSuccess
		o.Response = &domain.ResponseSnapshot{StatusCode: 200, Body: "ok"}
		return o
	}
	o.Status = domain.AttemptFailed
	o.Response = &domain.ResponseSnapshot{StatusCode: 500, Body: "boom"}
	o.Error = &domain.ErrorInfo{Message: "HTTP 500", Code: "HTTP_500"}
	return o
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type queuedJob struct {
	job   queue.Job
	delay time.Duration
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, queuedJob{job: job, delay: delay})
	return nil
}

func (q *recordingQueue) take() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type recordingNotifier struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (n *recordingNotifier) DeliveryCompleted(_ *domain.Subscription, attempt domain.DeliveryAttempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, attempt)
}

type testHarness struct {
	store     *store.MemoryStore
	deliverer *fakeDeliverer
	queue     *recordingQueue
	notifier  *recordingNotifier
	d         *Dispatcher
}

func setupDispatcher(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	h := &testHarness{
		store:     store.NewMemory(),
		deliverer: &fakeDeliverer{},
		queue:     &recordingQueue{},
		notifier:  &recordingNotifier{},
	}
	h.d = NewDispatcher(h.store, WindowLimiter{}, h.deliverer, h.queue, logger).WithNotifier(h.notifier)
	return h
}

func (h *testHarness) addSubscription(t *testing.T, id, owner string, events ...string) *domain.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:        id,
		OwnerID:   owner,
		OwnerRole: domain.RoleAdmin,
		Name:      id,
		URL:       "https://example.com/hooks/" + id,
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
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.Create(context.Background(), sub))
	return sub
}

func (h *testHarness) update(t *testing.T, id string, fn store.UpdateFunc) {
	t.Helper()
	_, err := h.store.Update(context.Background(), id, fn)
	require.NoError(t, err)
}

func (h *testHarness) get(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

// drain runs every queued job once, in order.
func (h *testHarness) drain() {
	for _, j := range h.queue.take() {
		h.d.Handle(context.Background(), j.job)
	}
}

func (h *testHarness) publish(t *testing.T, eventType string, evCtx domain.EventContext) []Ticket {
	t.Helper()
	tickets, err := h.d.Publish(context.Background(), eventType, json.RawMessage(`{"order_id":"o-1"}`), evCtx)
	require.NoError(t, err)
	return tickets
}

func TestPublish_SimpleDelivery(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")

	tickets := h.publish(t, "order.created", nil)
	require.Len(t, tickets, 1)
	assert.Equal(t, TicketQueued, tickets[0].Status)
	assert.Equal(t, "sub-1", tickets[0].SubscriptionID)
	assert.NotEmpty(t, tickets[0].EventID)

	sub := h.get(t, "sub-1")
	require.Len(t, sub.History, 1)
	assert.Equal(t, domain.AttemptPending, sub.History[0].Status)

	h.drain()

	sub = h.get(t, "sub-1")
	entry := sub.History[0]
	assert.Equal(t, tickets[0].EventID, entry.EventID)
	assert.Equal(t, domain.AttemptSuccess, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, 200, entry.Response.StatusCode)
	assert.Equal(t, 0, sub.Health.ConsecutiveFailures)
	assert.NotNil(t, sub.Health.LastSuccess)
	assert.Equal(t, float64(100), sub.Health.UptimePercentage)

	require.Len(t, h.notifier.attempts, 1)
	assert.Equal(t, domain.AttemptSuccess, h.notifier.attempts[0].Status)
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")

	tickets := h.publish(t, "invoice.paid", nil)
	assert.Empty(t, tickets)
	assert.Empty(t, h.queue.take())
}

func TestPublish_DistinctEventIDsPerSubscription(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.addSubscription(t, "sub-2", "tenant-b", "order.created")

	tickets := h.publish(t, "order.created", nil)
	require.Len(t, tickets, 2)
	assert.NotEqual(t, tickets[0].EventID, tickets[1].EventID)
}

func TestPublishForTenant_NarrowsToOwner(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.addSubscription(t, "sub-2", "tenant-b", "order.created")

	tickets, err := h.d.PublishForTenant(context.Background(), "tenant-b", "order.created", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "sub-2", tickets[0].SubscriptionID)
}

func TestPublish_RejectsInvalidInput(t *testing.T) {
	h := setupDispatcher(t)

	_, err := h.d.Publish(context.Background(), "bad type!", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidEventType)

	_, err = h.d.Publish(context.Background(), "order.created", json.RawMessage(`{not json`), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = h.d.Publish(context.Background(), "order.created", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestPublish_RateLimitRejectsThirdDelivery(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.update(t, "sub-1", func(sub *domain.Subscription) error {
		sub.RateLimit = domain.RateLimitPolicy{Enabled: true, RequestsPerMinute: 2}
		return nil
	})

	for i := 0; i < 3; i++ {
		h.publish(t, "order.created", nil)
	}
	h.drain()

	assert.Equal(t, 2, h.deliverer.callCount(), "delivery engine must not be called for the rejected attempt")

	sub := h.get(t, "sub-1")
	require.Len(t, sub.History, 3)

	newest := sub.History[0]
	assert.Equal(t, domain.AttemptFailed, newest.Status)
	require.NotNil(t, newest.Error)
	assert.Equal(t, domain.CodeRateLimitExceeded, newest.Error.Code)
	assert.Nil(t, newest.Response)

	assert.Equal(t, domain.AttemptSuccess, sub.History[1].Status)
	assert.Equal(t, domain.AttemptSuccess, sub.History[2].Status)
	assert.Equal(t, 1, sub.Health.ConsecutiveFailures)
	assert.Equal(t, 2, sub.RateLimit.Count)
}

func TestPublish_WildcardReceivesEverything(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-all", "tenant-a", domain.WildcardEvent)

	for _, eventType := range []string{"order.created", "kyc.verified", "settings"} {
		tickets := h.publish(t, eventType, nil)
		require.Len(t, tickets, 1, eventType)
	}
}

func TestPublish_FilterExcludes(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-eu", "tenant-a", "order.created")
	h.update(t, "sub-eu", func(sub *domain.Subscription) error {
		sub.Filter = domain.Filter{"region": domain.Eq("eu")}
		return nil
	})

	assert.Empty(t, h.publish(t, "order.created", domain.EventContext{"region": "us"}))
	assert.Empty(t, h.publish(t, "order.created", domain.EventContext{}), "missing field must exclude")
	assert.Len(t, h.publish(t, "order.created", domain.EventContext{"region": "eu"}), 1)
}

func TestPublish_IneligibleSubscriptions(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-paused", "tenant-a", "order.created")
	h.addSubscription(t, "sub-off", "tenant-a", "order.created")
	h.addSubscription(t, "sub-failing", "tenant-a", "order.created")
	h.update(t, "sub-paused", func(sub *domain.Subscription) error { sub.Status = domain.StatusPaused; return nil })
	h.update(t, "sub-off", func(sub *domain.Subscription) error { sub.IsActive = false; return nil })
	h.update(t, "sub-failing", func(sub *domain.Subscription) error { sub.Status = domain.StatusFailing; return nil })

	tickets := h.publish(t, "order.created", nil)
	require.Len(t, tickets, 1)
	assert.Equal(t, "sub-failing", tickets[0].SubscriptionID)
}

func TestPublish_HistoryStaysBounded(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")

	var last []Ticket
	for i := 0; i < domain.HistoryLimit+5; i++ {
		last = h.publish(t, "order.created", nil)
	}

	sub := h.get(t, "sub-1")
	assert.Len(t, sub.History, domain.HistoryLimit)
	assert.Equal(t, last[0].EventID, sub.History[0].EventID)
}

func TestPublish_EnqueueFailureMarksAttempt(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.queue.err = errors.New("queue down")

	tickets := h.publish(t, "order.created", nil)
	require.Len(t, tickets, 1)
	assert.Equal(t, TicketError, tickets[0].Status)

	sub := h.get(t, "sub-1")
	assert.Equal(t, domain.AttemptFailed, sub.History[0].Status)
	assert.Equal(t, CodeQueueUnavailable, sub.History[0].Error.Code)
	assert.Equal(t, 0, sub.Health.ConsecutiveFailures)
}

func TestHealth_DemotionAndReset(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.deliverer.fail = true

	for i := 0; i < domain.FailureThreshold; i++ {
		h.publish(t, "order.created", nil)
		h.drain()
	}

	sub := h.get(t, "sub-1")
	assert.Equal(t, domain.StatusFailing, sub.Status)
	assert.Equal(t, domain.FailureThreshold, sub.Health.ConsecutiveFailures)
	assert.NotNil(t, sub.Health.LastFailure)

	// Failing subscriptions keep receiving events.
	h.deliverer.fail = false
	require.Len(t, h.publish(t, "order.created", nil), 1)
	h.drain()

	sub = h.get(t, "sub-1")
	assert.Equal(t, 0, sub.Health.ConsecutiveFailures)
	assert.Equal(t, domain.StatusFailing, sub.Status, "failing never recovers automatically")
	assert.InDelta(t, 100.0/6.0, sub.Health.UptimePercentage, 0.001)
}

func TestHandle_EvictedEntryStillCountsForHealth(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.deliverer.fail = true

	h.publish(t, "order.created", nil)
	first := h.queue.take()
	require.Len(t, first, 1)

	for i := 0; i < domain.HistoryLimit; i++ {
		h.publish(t, "order.created", nil)
	}
	h.queue.take()

	h.d.Handle(context.Background(), first[0].job)

	sub := h.get(t, "sub-1")
	_, found := sub.FindAttempt(first[0].job.EventID)
	assert.False(t, found)
	assert.Equal(t, 1, sub.Health.ConsecutiveFailures)
	require.Len(t, h.notifier.attempts, 1)
	assert.Equal(t, domain.AttemptFailed, h.notifier.attempts[0].Status)
}

func TestHandle_DeletedSubscriptionIsDropped(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.publish(t, "order.created", nil)
	require.NoError(t, h.store.Delete(context.Background(), "sub-1"))

	h.drain()

	assert.Equal(t, 0, h.deliverer.callCount())
	assert.Empty(t, h.notifier.attempts)
}

func TestRetry_IncrementsAttempts(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.deliverer.results = []bool{false, true}

	tickets := h.publish(t, "order.created", nil)
	h.drain()

	sub := h.get(t, "sub-1")
	require.Equal(t, domain.AttemptFailed, sub.History[0].Status)
	require.Equal(t, 1, sub.History[0].Attempts)

	result, err := h.d.Retry(context.Background(), "sub-1", tickets[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSuccess, result.Status)
	assert.Equal(t, 2, result.Attempts)

	sub = h.get(t, "sub-1")
	require.Len(t, sub.History, 1)
	assert.Equal(t, 2, sub.History[0].Attempts)
	assert.Equal(t, domain.AttemptSuccess, sub.History[0].Status)
	assert.Equal(t, 0, sub.Health.ConsecutiveFailures)

	calls := h.deliverer.calls
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].Attempts)
	assert.Equal(t, tickets[0].EventID, calls[1].EventID)
}

func TestRetry_Rejections(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")

	tickets := h.publish(t, "order.created", nil)

	_, err := h.d.Retry(context.Background(), "sub-1", tickets[0].EventID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable, "pending attempts are not retryable")

	h.drain()
	_, err = h.d.Retry(context.Background(), "sub-1", tickets[0].EventID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable, "successful attempts are not retryable")

	_, err = h.d.Retry(context.Background(), "sub-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.d.Retry(context.Background(), "nope", tickets[0].EventID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTest_FiresSynchronously(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")

	result, err := h.d.Test(context.Background(), "sub-1", "order.created", json.RawMessage(`{"test":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSuccess, result.Status)
	assert.True(t, result.Test)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, h.queue.take())

	sub := h.get(t, "sub-1")
	require.Len(t, sub.History, 1)
	assert.True(t, sub.History[0].Test)
}

func TestTest_RejectsUnsupportedEventType(t *testing.T) {
	h := setupDispatcher(t)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.addSubscription(t, "sub-all", "tenant-a", domain.WildcardEvent)

	_, err := h.d.Test(context.Background(), "sub-1", "invoice.paid", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnsupportedEventType)
	assert.Empty(t, h.get(t, "sub-1").History)

	_, err = h.d.Test(context.Background(), "sub-all", "invoice.paid", json.RawMessage(`{}`))
	assert.NoError(t, err)
}

func TestAutoRetry_SchedulesUntilPolicySpent(t *testing.T) {
	h := setupDispatcher(t)
	h.d.WithAutoRetry(true)
	h.addSubscription(t, "sub-1", "tenant-a", "order.created")
	h.update(t, "sub-1", func(sub *domain.Subscription) error {
		sub.Retry = domain.RetryPolicy{MaxRetries: 1, RetryInterval: time.Second, Exponential: true}
		return nil
	})
	h.deliverer.fail = true

	tickets := h.publish(t, "order.created", nil)
	h.drain()

	sub := h.get(t, "sub-1")
	assert.Equal(t, domain.AttemptRetrying, sub.History[0].Status)
	require.NotNil(t, sub.History[0].NextAttemptAt)

	retries := h.queue.take()
	require.Len(t, retries, 1)
	assert.Equal(t, time.Second, retries[0].delay)
	assert.Equal(t, 2, retries[0].job.Attempt)
	assert.Equal(t, tickets[0].EventID, retries[0].job.EventID)

	h.d.Handle(context.Background(), retries[0].job)

	sub = h.get(t, "sub-1")
	assert.Equal(t, domain.AttemptFailed, sub.History[0].Status)
	assert.Equal(t, 2, sub.History[0].Attempts)
	assert.Nil(t, sub.History[0].NextAttemptAt)
	assert.Empty(t, h.queue.take())
}

func TestMatches(t *testing.T) {
	sub := &domain.Subscription{
		IsActive: true,
		Status:   domain.StatusActive,
		Events:   []string{"order.created"},
		Filter:   domain.Filter{"amount": domain.In(10, 20)},
	}

	assert.True(t, Matches(sub, "order.created", domain.EventContext{"amount": 10.0}))
	assert.False(t, Matches(sub, "order.created", domain.EventContext{"amount": 30}))
	assert.False(t, Matches(sub, "order.updated", domain.EventContext{"amount": 10}))

	sub.Filter = domain.Filter{"amount": {Op: domain.OpUnknown}}
	assert.False(t, Matches(sub, "order.created", domain.EventContext{"amount": 10}))
}
