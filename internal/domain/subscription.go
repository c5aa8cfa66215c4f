package domain

import (
	"slices"
	"time"
)

// WildcardEvent subscribes an endpoint to every event type. Despite the
// name it is a catch-all, not a "system." prefix match.
const WildcardEvent = "system.*"

// Subscription status values. Status is informational: only IsActive and
// the paused/inactive states keep a subscription out of matching.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusFailing  = "failing"
	StatusInactive = "inactive"
)

// Owner roles. A super admin may manage every subscription.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Body formats.
const (
	FormatJSON = "json"
	FormatForm = "form"
	FormatXML  = "xml"
)

const (
	// HistoryLimit bounds Subscription.History.
	HistoryLimit = 100
	// FailureThreshold is the number of consecutive failures that marks a
	// subscription as failing.
	FailureThreshold = 5
	// DefaultVersion is the envelope version used when none is configured.
	DefaultVersion = "1.0"
)

type Subscription struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	OwnerRole   string `json:"owner_role"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Format  string            `json:"format"`
	Headers map[string]string `json:"headers,omitempty"`
	Version string            `json:"version"`

	Secret string `json:"secret,omitempty"`

	Events []string `json:"events"`
	Filter Filter   `json:"filter,omitempty"`

	IsActive bool   `json:"is_active"`
	Status   string `json:"status"`

	Retry     RetryPolicy     `json:"retry"`
	RateLimit RateLimitPolicy `json:"rate_limit"`
	Health    Health          `json:"health"`

	History []DeliveryAttempt `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"`
	RetryInterval time.Duration `json:"retry_interval"`
	Exponential   bool          `json:"exponential"`
	MaxWait       time.Duration `json:"max_wait"`
}

type RateLimitPolicy struct {
	Enabled           bool      `json:"enabled"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	Count             int       `json:"count"`
	WindowStart       time.Time `json:"window_start"`
}

type Health struct {
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	UptimePercentage    float64    `json:"uptime_percentage"`
}

// DefaultRetryPolicy is applied to subscriptions created without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		RetryInterval: time.Minute,
		Exponential:   true,
		MaxWait:       time.Hour,
	}
}

// DefaultRateLimitPolicy is applied to subscriptions created without one.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{Enabled: false, RequestsPerMinute: 60}
}

// Eligible reports whether the subscription may receive new events.
// Failing subscriptions keep receiving events; only the switch and an
// explicit pause or deactivation stop them.
func (s *Subscription) Eligible() bool {
	if !s.IsActive {
		return false
	}
	return s.Status == StatusActive || s.Status == StatusFailing
}

// Subscribes reports whether eventType is in the subscription set, either
// literally or through the wildcard token.
func (s *Subscription) Subscribes(eventType string) bool {
	return slices.Contains(s.Events, eventType) || slices.Contains(s.Events, WildcardEvent)
}

// OwnedBy reports whether the tenant may manage the subscription.
func (s *Subscription) OwnedBy(t Tenant) bool {
	return t.Role == RoleSuperAdmin || s.OwnerID == t.ID
}

// FindAttempt returns the history entry for eventID.
func (s *Subscription) FindAttempt(eventID string) (*DeliveryAttempt, bool) {
	for i := range s.History {
		if s.History[i].EventID == eventID {
			return &s.History[i], true
		}
	}
	return nil, false
}

// Redacted returns a copy without the signing secret, for listings.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

// Clone returns a deep copy, safe to hand out of a store.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	if s.Filter != nil {
		c.Filter = make(Filter, len(s.Filter))
		for k, v := range s.Filter {
			c.Filter[k] = v
		}
	}
	c.History = make([]DeliveryAttempt, len(s.History))
	copy(c.History, s.History)
	return &c
}

// NormalizeEvents drops empty and duplicate event types, keeping order.
func NormalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if e == "" || slices.Contains(out, e) {
			continue
		}
		out = append(out, e)
	}
	return out
}
