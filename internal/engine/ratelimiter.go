package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RateWindow is the length of a subscription's fixed rate-limit window.
const RateWindow = time.Minute

// RateLimiter decides whether one more delivery to sub fits in its current
// window. Allow mutates sub.RateLimit and must be called inside an atomic
// store update.
type RateLimiter interface {
	Allow(ctx context.Context, sub *domain.Subscription, now time.Time) bool
}

// WindowLimiter keeps the fixed window entirely in the subscription record.
type WindowLimiter struct{}

func (WindowLimiter) Allow(_ context.Context, sub *domain.Subscription, now time.Time) bool {
	rl := &sub.RateLimit
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return true
	}

	if rl.WindowStart.IsZero() || now.Sub(rl.WindowStart) > RateWindow {
		rl.Count = 1
		rl.WindowStart = now
		return true
	}

	if rl.Count < rl.RequestsPerMinute {
		rl.Count++
		return true
	}
	return false
}

// Lua script for an atomic fixed window counter.
// 1. Increment the counter for this window
// 2. Start the window expiry on the first hit
// 3. Return the count and the milliseconds left in the window
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisWindowLimiter shares the window counter between dispatcher
// instances through Redis. The count and window start are mirrored into
// the record so they show up in the subscription document.
type RedisWindowLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
}

func NewRedisWindowLimiter(redisClient *redis.Client, logger *slog.Logger) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      fixedWindowScript,
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("rl:%s", subscriptionID)
}

func (rl *RedisWindowLimiter) Allow(ctx context.Context, sub *domain.Subscription, now time.Time) bool {
	policy := &sub.RateLimit
	if !policy.Enabled || policy.RequestsPerMinute <= 0 {
		return true
	}

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(sub.ID)},
		RateWindow.Milliseconds(),
	).Int64Slice()
	if err != nil || len(result) != 2 {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", sub.ID)
		return true // fail open
	}

	count, ttl := int(result[0]), time.Duration(result[1])*time.Millisecond
	if ttl < 0 {
		ttl = RateWindow
	}
	policy.WindowStart = now.Add(ttl - RateWindow)

	if count > policy.RequestsPerMinute {
		policy.Count = policy.RequestsPerMinute
		rl.logger.Debug("rate limited",
			"subscription_id", sub.ID,
			"limit", policy.RequestsPerMinute,
		)
		return false
	}

	policy.Count = count
	return true
}
