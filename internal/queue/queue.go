package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "delivery_queue"

// Job is one delivery task: an event routed to a subscription. It carries
// the event itself so delivery can proceed after the history entry has
// been evicted.
type Job struct {
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempt        int             `json:"attempt"`
}

// RedisQueue is a delay queue over a sorted set scored by the time a job
// becomes ready, in microseconds.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// Dial connects to the Redis instance at redisURL. The client is shared by
// the queue and the distributed rate limiter; the caller closes it.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    DefaultKey,
		logger: logger,
	}
}

// Enqueue schedules job to become ready after delay.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	readyAt := time.Now().Add(delay)
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing job to redis: %w", err)
	}
	return nil
}

// Claim removes and returns up to limit jobs that are ready at now. A job
// claimed by another poller between the read and the remove is skipped.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int64) ([]Job, error) {
	results, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMicro(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	jobs := make([]Job, 0, len(results))
	for _, member := range results {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			q.logger.Error("failed to remove job from queue", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("dropping malformed job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of jobs waiting, ready or not.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
