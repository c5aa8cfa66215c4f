package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/queue"
)

// Poller continuously polls the Redis delivery queue and sends ready jobs
// to the worker pool.
type Poller struct {
	queue        *queue.RedisQueue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewPoller(q *queue.RedisQueue, pool *Pool, logger *slog.Logger) *Poller {
	return &Poller{
		queue:        q,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("queue poller started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll claims a batch of ready jobs and hands them to the pool. Jobs the
// pool refuses go back on the queue. While the pool already has a full
// batch per worker waiting, jobs stay in Redis.
func (p *Poller) poll(ctx context.Context) {
	if p.pool.Backlog() >= p.pool.numWorkers*int(p.batchSize) {
		return
	}

	jobs, err := p.queue.Claim(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for i, job := range jobs {
		if err := p.pool.Submit(job); err != nil {
			p.requeue(jobs[i:])
			return
		}
	}
}

func (p *Poller) requeue(jobs []queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, job := range jobs {
		if err := p.queue.Enqueue(ctx, job, 0); err != nil {
			p.logger.Error("failed to requeue job",
				"error", err,
				"subscription_id", job.SubscriptionID,
				"event_id", job.EventID,
			)
		}
	}
}
