package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/queue"
)

// ErrPoolStopped is returned when a job is offered to a stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

// Handler executes one delivery job.
type Handler func(ctx context.Context, job queue.Job)

// Pool manages a fixed number of worker goroutines that process delivery
// jobs. Submitted jobs wait in an unbounded backlog, so submitting never
// blocks on busy workers.
type Pool struct {
	numWorkers int

	mu      sync.Mutex
	backlog []queue.Job
	stopped bool

	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start launches all worker goroutines. They run handler for each job
// until the pool is stopped or ctx is cancelled.
func (p *Pool) Start(ctx context.Context, handler Handler) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, handler)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit adds a job to the backlog and returns immediately.
func (p *Pool) Submit(job queue.Job) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.backlog = append(p.backlog, job)
	p.mu.Unlock()

	p.wake()
	return nil
}

// Enqueue submits job after delay. It never waits for a worker, and the
// caller's ctx does not bound the job. Delayed jobs live only in this
// process and are dropped if the pool stops first.
func (p *Pool) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	if delay <= 0 {
		return p.Submit(job)
	}

	time.AfterFunc(delay, func() {
		if err := p.Submit(job); err != nil {
			p.logger.Warn("dropping delayed job",
				"error", err,
				"subscription_id", job.SubscriptionID,
				"event_id", job.EventID,
			)
		}
	})
	return nil
}

// Backlog returns the number of jobs waiting for a worker.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Stop tells the workers to exit and waits for in-flight jobs to finish.
// Jobs still in the backlog are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.done)
	})
	p.wg.Wait()
	if n := p.Backlog(); n > 0 {
		p.logger.Warn("worker pool stopped with queued jobs", "dropped", n)
	}
	p.logger.Info("worker pool stopped")
}

// wake signals one idle worker. The signal slot holds at most one token.
func (p *Pool) wake() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (queue.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || len(p.backlog) == 0 {
		return queue.Job{}, false
	}
	job := p.backlog[0]
	p.backlog[0] = queue.Job{}
	p.backlog = p.backlog[1:]
	if len(p.backlog) > 0 {
		// pass the token on so another idle worker picks up the rest
		p.wake()
	}
	return job, true
}

// worker is a single goroutine that processes jobs from the backlog.
func (p *Pool) worker(ctx context.Context, handler Handler) {
	defer p.wg.Done()

	for {
		if job, ok := p.next(); ok {
			handler(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.ready:
		}
	}
}
