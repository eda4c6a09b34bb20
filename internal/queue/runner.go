// Package queue provides the Runner for executing durable jobs.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one job's work. Returning an error schedules a retry
// unless the error is wrapped with NonRetryable or the budget is exhausted.
type Handler func(ctx context.Context, job Job) error

// CompletionHandler receives job outcomes. OnError's permanent flag is true
// when the job will never run again, which is the signal for compensating
// writes on records the job left behind.
type CompletionHandler interface {
	OnComplete(job Job)
	OnError(job Job, err error, permanent bool)
}

// DefaultConcurrency is the runner's default worker count.
const DefaultConcurrency = 4

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	// Concurrency bounds the number of jobs executed at once. Default
	// DefaultConcurrency.
	Concurrency int
	// PollInterval is the lease polling cadence. Default 10s.
	PollInterval time.Duration
	// Timeout bounds one job execution; past it the handler context is
	// cancelled and the lease is allowed to expire. Default 10m.
	Timeout time.Duration
	// RetryBase is the base used for exponential retry backoff. Default 30s.
	RetryBase time.Duration
	// Completion receives outcome callbacks; may be nil.
	Completion CompletionHandler
}

// Runner leases jobs from a Queue and dispatches them to a Handler with
// bounded concurrency. Handler errors and panics are isolated per job and
// never stop the runner.
type Runner struct {
	queue   *Queue
	handler Handler
	opts    RunnerOptions
}

// NewRunner creates a runner for the queue and handler.
func NewRunner(q *Queue, handler Handler, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	return &Runner{queue: q, handler: handler, opts: opts}
}

// Run starts the polling loop. It blocks until the context is cancelled and
// waits for in-flight jobs to finish before returning.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting", "topic", r.queue.Topic(), "concurrency", r.opts.Concurrency, "pollInterval", r.opts.PollInterval)

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	// First poll happens immediately so queued work left over from a previous
	// run is picked up without waiting a full interval.
	r.poll(ctx, sem, &wg)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping, draining in-flight jobs", "topic", r.queue.Topic())
			wg.Wait()
			return
		case <-ticker.C:
			r.poll(ctx, sem, &wg)
		}
	}
}

func (r *Runner) poll(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	free := cap(sem) - len(sem)
	if free == 0 {
		return
	}
	// The lease duration must outlive the handler timeout, otherwise a
	// healthy slow job would be re-leased mid-flight.
	leaseFor := r.opts.Timeout + r.opts.PollInterval
	jobs, err := r.queue.lease(ctx, free, leaseFor)
	if err != nil {
		slog.Error("Runner.poll: lease failed", "topic", r.queue.Topic(), "error", err)
		return
	}

	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.execute(ctx, job)
		}(job)
	}
}

func (r *Runner) execute(ctx context.Context, job Job) {
	slog.Debug("Runner.execute: executing job", "topic", job.Topic, "id", job.ID, "attempt", job.Attempt)

	jobCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	// Acks must land even when shutdown cancels the parent context, or a
	// finished job would be re-leased and re-run after restart.
	ackCtx := context.WithoutCancel(ctx)

	err := r.invoke(jobCtx, job)
	if err == nil {
		if ackErr := r.queue.complete(ackCtx, job); ackErr != nil {
			slog.Error("Runner.execute: complete job failed", "id", job.ID, "error", ackErr)
			return
		}
		slog.Debug("Runner.execute: job completed", "topic", job.Topic, "id", job.ID)
		if r.opts.Completion != nil {
			r.opts.Completion.OnComplete(job)
		}
		return
	}

	slog.Error("Runner.execute: job failed", "topic", job.Topic, "id", job.ID, "attempt", job.Attempt, "error", err)
	if IsNonRetryable(err) {
		if failErr := r.queue.failPermanently(ackCtx, job, err.Error()); failErr != nil {
			slog.Error("Runner.execute: fail job permanently failed", "id", job.ID, "error", failErr)
			return
		}
		if r.opts.Completion != nil {
			r.opts.Completion.OnError(job, err, true)
		}
		return
	}

	nextRun := time.Now().Add(RetryDelay(r.opts.RetryBase, job.Attempt))
	permanent, failErr := r.queue.fail(ackCtx, job, err.Error(), nextRun)
	if failErr != nil {
		slog.Error("Runner.execute: fail job failed", "id", job.ID, "error", failErr)
		return
	}
	if r.opts.Completion != nil {
		r.opts.Completion.OnError(job, err, permanent)
	}
}

// invoke runs the handler with panic isolation.
func (r *Runner) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, job)
}
