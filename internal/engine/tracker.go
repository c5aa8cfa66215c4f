package engine

import (
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// RecordAttempt prepends attempt to the history, keeping only the most
// recent domain.HistoryLimit entries.
func RecordAttempt(sub *domain.Subscription, attempt domain.DeliveryAttempt) {
	history := make([]domain.DeliveryAttempt, 0, min(len(sub.History)+1, domain.HistoryLimit))
	history = append(history, attempt)
	for _, a := range sub.History {
		if len(history) == domain.HistoryLimit {
			break
		}
		history = append(history, a)
	}
	sub.History = history
	sub.Health.UptimePercentage = Uptime(sub.History)
}

// ApplyOutcome merges o into the history entry for eventID and updates the
// health counters. It reports false when the entry has already been
// evicted; health is updated either way.
//
// Reaching domain.FailureThreshold consecutive failures demotes an active
// subscription to failing. Nothing here promotes it back.
func ApplyOutcome(sub *domain.Subscription, eventID string, o domain.Outcome, now time.Time) bool {
	entry, found := sub.FindAttempt(eventID)
	if found {
		attemptedAt := o.AttemptedAt
		entry.Status = o.Status
		entry.Attempts = o.Attempts
		entry.LastAttemptAt = &attemptedAt
		entry.NextAttemptAt = o.NextAttemptAt
		entry.Response = o.Response
		entry.Error = o.Error
		entry.DurationMs = o.DurationMs
	}

	h := &sub.Health
	if o.Success() {
		h.ConsecutiveFailures = 0
		h.LastSuccess = &now
	} else {
		h.ConsecutiveFailures++
		h.LastFailure = &now
		if h.ConsecutiveFailures >= domain.FailureThreshold && sub.Status == domain.StatusActive {
			sub.Status = domain.StatusFailing
		}
	}

	h.UptimePercentage = Uptime(sub.History)
	return found
}

// Uptime is the share of successful entries in history, as a percentage.
// An empty history counts as fully up.
func Uptime(history []domain.DeliveryAttempt) float64 {
	if len(history) == 0 {
		return 100
	}
	successes := 0
	for _, a := range history {
		if a.Status == domain.AttemptSuccess {
			successes++
		}
	}
	return float64(successes) / float64(len(history)) * 100
}
