package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/queue"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ticket statuses returned by Publish.
const (
	TicketQueued = "queued"
	TicketError  = "error"
)

// CodeQueueUnavailable marks an attempt that could not be handed to the
// delivery queue.
const CodeQueueUnavailable = "QUEUE_UNAVAILABLE"

// Deliverer performs one HTTP attempt. It never fails: every problem is
// reported in the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, sub *domain.Subscription, attempt domain.DeliveryAttempt) domain.Outcome
}

// Enqueuer hands a job to whatever executes deliveries, after delay.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error
}

// Notifier is told about every attempt once its outcome is stored.
type Notifier interface {
	DeliveryCompleted(sub *domain.Subscription, attempt domain.DeliveryAttempt)
}

// Ticket acknowledges one subscription matched by Publish.
type Ticket struct {
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Dispatcher fans events out to matching subscriptions and executes the
// resulting delivery jobs. All writes to a subscription go through
// store.Update; HTTP calls happen between updates, never inside one.
type Dispatcher struct {
	store     store.SubscriptionStore
	matcher   *Matcher
	limiter   RateLimiter
	deliverer Deliverer
	queue     Enqueuer
	notifier  Notifier
	autoRetry bool
	now       func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewDispatcher(s store.SubscriptionStore, limiter RateLimiter, deliverer Deliverer, q Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		matcher:   NewMatcher(s),
		limiter:   limiter,
		deliverer: deliverer,
		queue:     q,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    tracing.Tracer(),
		logger:    logger,
	}
}

// WithNotifier registers n to receive completed attempts.
func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithAutoRetry enables scheduling of automatic retries for failed
// queued attempts, following each subscription's retry policy.
func (d *Dispatcher) WithAutoRetry(enabled bool) *Dispatcher {
	d.autoRetry = enabled
	return d
}

// Publish routes an event to every matching subscription. It only fails on
// invalid input or when matching itself fails; delivery problems end up in
// the subscriptions' history.
func (d *Dispatcher) Publish(ctx context.Context, eventType string, payload json.RawMessage, evCtx domain.EventContext) ([]Ticket, error) {
	return d.PublishForTenant(ctx, "", eventType, payload, evCtx)
}

// PublishForTenant is Publish restricted to the subscriptions of ownerID.
// An empty ownerID matches every tenant.
func (d *Dispatcher) PublishForTenant(ctx context.Context, ownerID, eventType string, payload json.RawMessage, evCtx domain.EventContext) ([]Ticket, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.publish",
		trace.WithAttributes(attribute.String("event.type", eventType)),
	)
	defer span.End()

	if err := validateEvent(eventType, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return nil, err
	}

	subs, err := d.matcher.FindSubscribers(ctx, eventType, evCtx, ownerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "matching failed")
		return nil, err
	}

	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()

	if len(subs) == 0 {
		d.logger.Info("no matching subscriptions", "event_type", eventType)
		return []Ticket{}, nil
	}

	// Once matched, every subscription gets its attempt recorded and queued
	// even if the caller goes away mid-loop.
	fanCtx := context.WithoutCancel(ctx)
	tickets := make([]Ticket, 0, len(subs))
	for _, sub := range subs {
		tickets = append(tickets, d.fanOut(fanCtx, sub.ID, eventType, payload))
	}

	span.SetAttributes(attribute.Int("subscriptions.matched", len(subs)))
	d.logger.Info("fan-out complete",
		"event_type", eventType,
		"deliveries_queued", countQueued(tickets),
		"subscriptions_matched", len(subs),
	)
	return tickets, nil
}

// fanOut records a pending attempt for one subscription and queues it.
func (d *Dispatcher) fanOut(ctx context.Context, subID, eventType string, payload json.RawMessage) Ticket {
	now := d.now()
	attempt := domain.DeliveryAttempt{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Status:    domain.AttemptPending,
		CreatedAt: now,
	}

	_, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		RecordAttempt(sub, attempt)
		return nil
	})
	if err != nil {
		d.logger.Error("failed to record attempt", "error", err, "subscription_id", subID)
		return Ticket{SubscriptionID: subID, Status: TicketError, Error: err.Error()}
	}

	job := queue.Job{
		SubscriptionID: subID,
		EventID:        attempt.EventID,
		EventType:      eventType,
		Payload:        payload,
		CreatedAt:      now,
		Attempt:        1,
	}
	if err := d.queue.Enqueue(ctx, job, 0); err != nil {
		d.logger.Error("failed to queue delivery", "error", err, "subscription_id", subID, "event_id", attempt.EventID)
		d.markUnqueued(ctx, subID, attempt.EventID, err)
		return Ticket{SubscriptionID: subID, EventID: attempt.EventID, Status: TicketError, Error: err.Error()}
	}

	metrics.DeliveriesQueuedTotal.Inc()
	return Ticket{SubscriptionID: subID, EventID: attempt.EventID, Status: TicketQueued}
}

// markUnqueued fails an attempt that never reached the queue. The endpoint
// was never called, so health counters are left alone.
func (d *Dispatcher) markUnqueued(ctx context.Context, subID, eventID string, cause error) {
	_, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		if entry, ok := sub.FindAttempt(eventID); ok {
			entry.Status = domain.AttemptFailed
			entry.Error = &domain.ErrorInfo{Message: cause.Error(), Code: CodeQueueUnavailable}
			sub.Health.UptimePercentage = Uptime(sub.History)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("failed to mark attempt unqueued", "error", err, "subscription_id", subID, "event_id", eventID)
	}
}

// Handle executes one queued job. It is the worker pool's handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.handle",
		trace.WithAttributes(
			attribute.String("subscription.id", job.SubscriptionID),
			attribute.String("event.id", job.EventID),
			attribute.Int("attempt", job.Attempt),
		),
	)
	defer span.End()

	attempt := domain.DeliveryAttempt{
		EventID:   job.EventID,
		EventType: job.EventType,
		Payload:   job.Payload,
		Attempts:  job.Attempt,
		CreatedAt: job.CreatedAt,
	}

	result, err := d.execute(ctx, job.SubscriptionID, attempt, d.autoRetry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery not executed")
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("dropping job for deleted subscription",
				"subscription_id", job.SubscriptionID,
				"event_id", job.EventID,
			)
			return
		}
		d.logger.Error("failed to execute delivery",
			"error", err,
			"subscription_id", job.SubscriptionID,
			"event_id", job.EventID,
		)
		return
	}
	span.SetAttributes(attribute.String("delivery.status", string(result.Status)))
}

// Retry re-drives a stored failed attempt synchronously, counting one more
// attempt on it.
func (d *Dispatcher) Retry(ctx context.Context, subID, eventID string) (domain.DeliveryAttempt, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.retry",
		trace.WithAttributes(
			attribute.String("subscription.id", subID),
			attribute.String("event.id", eventID),
		),
	)
	defer span.End()

	var attempt domain.DeliveryAttempt
	_, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		entry, ok := sub.FindAttempt(eventID)
		if !ok {
			return fmt.Errorf("attempt %s: %w", eventID, domain.ErrNotFound)
		}
		if entry.Status != domain.AttemptFailed {
			return fmt.Errorf("attempt %s is %s: %w", eventID, entry.Status, domain.ErrNotRetryable)
		}
		entry.Status = domain.AttemptRetrying
		attempt = *entry
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.DeliveryAttempt{}, err
	}

	attempt.Attempts++
	d.logger.Info("manual retry", "subscription_id", subID, "event_id", eventID, "attempt", attempt.Attempts)
	return d.execute(ctx, subID, attempt, false)
}

// Test fires a synthetic event at one subscription and waits for the
// outcome. The event type must be one the subscription listens to.
func (d *Dispatcher) Test(ctx context.Context, subID, eventType string, payload json.RawMessage) (domain.DeliveryAttempt, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.test",
		trace.WithAttributes(
			attribute.String("subscription.id", subID),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	if err := validateEvent(eventType, payload); err != nil {
		return domain.DeliveryAttempt{}, err
	}

	now := d.now()
	attempt := domain.DeliveryAttempt{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Status:    domain.AttemptPending,
		CreatedAt: now,
		Test:      true,
	}

	_, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		if !sub.Subscribes(eventType) {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedEventType, eventType)
		}
		RecordAttempt(sub, attempt)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.DeliveryAttempt{}, err
	}

	attempt.Attempts = 1
	return d.execute(ctx, subID, attempt, false)
}

// execute runs one attempt end to end: rate-limit check, delivery or a
// synthetic rejection, optional retry scheduling, then the outcome merge.
func (d *Dispatcher) execute(ctx context.Context, subID string, attempt domain.DeliveryAttempt, autoRetry bool) (domain.DeliveryAttempt, error) {
	now := d.now()

	allowed := true
	sub, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		allowed = d.limiter.Allow(ctx, sub, now)
		return nil
	})
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}

	var outcome domain.Outcome
	if allowed {
		outcome = d.deliverer.Deliver(ctx, sub, attempt)
		metrics.DeliveryDuration.WithLabelValues(resultLabel(outcome)).Observe(float64(outcome.DurationMs) / 1000)
	} else {
		outcome = domain.RateLimitedOutcome(attempt.Attempts, now)
		metrics.RateLimitRejectionsTotal.Inc()
	}
	outcome.Attempts = attempt.Attempts

	if autoRetry && !outcome.Success() {
		d.scheduleRetry(ctx, sub, attempt, &outcome)
	}

	wasFailing := false
	found := false
	updated, err := d.store.Update(ctx, subID, func(sub *domain.Subscription) error {
		wasFailing = sub.Status == domain.StatusFailing
		found = ApplyOutcome(sub, attempt.EventID, outcome, d.now())
		return nil
	})
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("storing outcome: %w", err)
	}

	result := mergedAttempt(updated, attempt, outcome, found)
	d.report(updated, result, outcome, !wasFailing && updated.Status == domain.StatusFailing)
	return result, nil
}

// scheduleRetry queues the next automatic attempt and marks the outcome as
// retrying. If the queue refuses the job the outcome stays failed.
func (d *Dispatcher) scheduleRetry(ctx context.Context, sub *domain.Subscription, attempt domain.DeliveryAttempt, outcome *domain.Outcome) {
	delay, ok := RetryDelay(sub.Retry, attempt.Attempts)
	if !ok {
		return
	}

	job := queue.Job{
		SubscriptionID: sub.ID,
		EventID:        attempt.EventID,
		EventType:      attempt.EventType,
		Payload:        attempt.Payload,
		CreatedAt:      attempt.CreatedAt,
		Attempt:        attempt.Attempts + 1,
	}
	if err := d.queue.Enqueue(ctx, job, delay); err != nil {
		d.logger.Error("failed to schedule retry", "error", err, "subscription_id", sub.ID, "event_id", attempt.EventID)
		return
	}

	next := outcome.AttemptedAt.Add(delay)
	outcome.Status = domain.AttemptRetrying
	outcome.NextAttemptAt = &next
}

func (d *Dispatcher) report(sub *domain.Subscription, attempt domain.DeliveryAttempt, outcome domain.Outcome, demoted bool) {
	code := ""
	if outcome.Error != nil {
		code = outcome.Error.Code
	}
	metrics.DeliveriesTotal.WithLabelValues(resultLabel(outcome), code).Inc()

	if d.notifier != nil {
		d.notifier.DeliveryCompleted(sub, attempt)
	}

	if outcome.Success() {
		d.logger.Info("delivery successful",
			"subscription_id", sub.ID,
			"event_id", attempt.EventID,
			"attempt", attempt.Attempts,
			"duration_ms", outcome.DurationMs,
		)
	} else {
		d.logger.Warn("delivery failed",
			"subscription_id", sub.ID,
			"event_id", attempt.EventID,
			"attempt", attempt.Attempts,
			"status", outcome.Status,
			"code", code,
			"consecutive_failures", sub.Health.ConsecutiveFailures,
		)
	}

	if demoted {
		metrics.SubscriptionsFailingTotal.Inc()
		d.logger.Warn("subscription marked failing",
			"subscription_id", sub.ID,
			"consecutive_failures", sub.Health.ConsecutiveFailures,
		)
	}
}

// mergedAttempt returns the stored entry when it survived, or rebuilds it
// from the outcome when it was evicted in the meantime.
func mergedAttempt(sub *domain.Subscription, attempt domain.DeliveryAttempt, o domain.Outcome, found bool) domain.DeliveryAttempt {
	if found {
		if entry, ok := sub.FindAttempt(attempt.EventID); ok {
			return *entry
		}
	}
	attemptedAt := o.AttemptedAt
	attempt.Status = o.Status
	attempt.Attempts = o.Attempts
	attempt.LastAttemptAt = &attemptedAt
	attempt.NextAttemptAt = o.NextAttemptAt
	attempt.Response = o.Response
	attempt.Error = o.Error
	attempt.DurationMs = o.DurationMs
	return attempt
}

func validateEvent(eventType string, payload json.RawMessage) error {
	if err := domain.ValidateEventType(eventType); err != nil {
		return err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}
	return nil
}

func resultLabel(o domain.Outcome) string {
	if o.Success() {
		return "success"
	}
	return "failure"
}

func countQueued(tickets []Ticket) int {
	n := 0
	for _, t := range tickets {
		if t.Status == TicketQueued {
			n++
		}
	}
	return n
}
