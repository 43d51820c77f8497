// Package background runs fire-and-forget jobs on a bounded worker pool.
// Jobs are detached from the submitter's cancellation and their failures
// are logged and dropped; a caller never waits on or sees a job's outcome.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of detached work.
type Job func(ctx context.Context) error

// Config configures the worker pool.
type Config struct {
	Workers    int           // Default: 4
	QueueSize  int           // Default: 256
	JobTimeout time.Duration // Default: 30s
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 4
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 256
}

func (c Config) jobTimeout() time.Duration {
	if c.JobTimeout > 0 {
		return c.JobTimeout
	}
	return 30 * time.Second
}

type task struct {
	ctx  context.Context
	name string
	fn   Job
}

// Executor is a fixed-size worker pool with a bounded queue.
type Executor struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan task
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// NewExecutor starts cfg.Workers goroutines. Call Close to drain them.
func NewExecutor(cfg Config, logger *slog.Logger, metrics *Metrics) *Executor {
	e := &Executor{
		queue:   make(chan task, cfg.queueSize()),
		timeout: cfg.jobTimeout(),
		logger:  logger,
		metrics: metrics,
	}
	for range cfg.workers() {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

// Submit queues fn without blocking. The job keeps ctx's values but not
// its deadline or cancellation. Returns false when the queue is full or the
// executor is closed; the job is then dropped.
func (e *Executor) Submit(ctx context.Context, name string, fn Job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ctx, name, "executor closed")
		return false
	}
	select {
	case e.queue <- task{ctx: context.WithoutCancel(ctx), name: name, fn: fn}:
		e.metrics.queued(len(e.queue))
		return true
	default:
		e.drop(ctx, name, "queue full")
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish, or for
// ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining background jobs: %w", ctx.Err())
	}
}

func (e *Executor) work() {
	defer e.wg.Done()
	for t := range e.queue {
		e.metrics.queued(len(e.queue))
		e.run(t)
	}
}

func (e *Executor) run(t task) {
	ctx, cancel := context.WithTimeout(t.ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.fn(ctx)
	}()
	e.metrics.observe(t.name, err, time.Since(start))

	if err != nil && e.logger != nil {
		e.logger.WarnContext(ctx, "background job failed",
			slog.String("job", t.name),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) drop(ctx context.Context, name, reason string) {
	e.metrics.dropped(name)
	if e.logger != nil {
		e.logger.WarnContext(ctx, "background job dropped",
			slog.String("job", name),
			slog.String("reason", reason),
		)
	}
}
