package engine

import (
	"math"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

const maxShift = 62

// RetryDelay returns how long to wait before the next automatic attempt
// after attempts tries have failed, and false once the policy is spent.
// Exponential policies double RetryInterval per attempt; MaxWait caps the
// delay when set.
func RetryDelay(p domain.RetryPolicy, attempts int) (time.Duration, bool) {
	if attempts < 1 || attempts > p.MaxRetries || p.RetryInterval <= 0 {
		return 0, false
	}

	delay := p.RetryInterval
	if p.Exponential {
		delay = exponential(p.RetryInterval, attempts-1)
	}
	if p.MaxWait > 0 && delay > p.MaxWait {
		delay = p.MaxWait
	}
	return delay, true
}

// exponential computes base * 2^attempt without overflowing.
func exponential(base time.Duration, attempt int) time.Duration {
	if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}
