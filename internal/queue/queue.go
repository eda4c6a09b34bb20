package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxAttempts is the retry budget applied when an enqueue does not
// specify one.
const DefaultMaxAttempts = 3

// BackendFactory creates the concrete backend on first use. It may load
// drivers, open connections, and run migrations.
type BackendFactory func(ctx context.Context) (Backend, error)

// EnqueueOptions control a single enqueue call.
type EnqueueOptions struct {
	// Delay postpones visibility; the job is not leasable before now+Delay.
	Delay time.Duration
	// IdempotencyKey deduplicates enqueues against non-terminal jobs with the
	// same key on this topic.
	IdempotencyKey string
	// MaxAttempts overrides the retry budget; 0 means DefaultMaxAttempts.
	MaxAttempts int
}

// JobHandle identifies a persisted job.
type JobHandle struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// initCall is one in-flight backend initialization shared by concurrent
// first callers.
type initCall struct {
	done    chan struct{}
	backend Backend
	err     error
}

// Queue is a per-topic handle over a lazily bound backend. The first call to
// any operation triggers one-time backend initialization; concurrent first
// calls share a single in-flight initialization, and a failed initialization
// is retried on the next call rather than poisoning the queue.
type Queue struct {
	topic   string
	factory BackendFactory

	mu       sync.Mutex
	backend  Backend
	inflight *initCall
}

// New creates a queue for the topic. The factory is not invoked until the
// first operation.
func New(topic string, factory BackendFactory) *Queue {
	return &Queue{topic: topic, factory: factory}
}

// Topic returns the queue's topic name.
func (q *Queue) Topic() string { return q.topic }

// bind returns the bound backend, initializing it on first use.
func (q *Queue) bind(ctx context.Context) (Backend, error) {
	q.mu.Lock()
	if q.backend != nil {
		b := q.backend
		q.mu.Unlock()
		return b, nil
	}
	call := q.inflight
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		q.inflight = call
		go func() {
			// Initialization runs under its own context: one caller's
			// cancellation must not fail the shared bind for the others.
			b, err := q.factory(context.Background())
			q.mu.Lock()
			call.backend, call.err = b, err
			if err == nil {
				q.backend = b
			}
			q.inflight = nil
			q.mu.Unlock()
			if err != nil {
				slog.Error("Queue.bind: backend initialization failed", "topic", q.topic, "error", err)
			} else {
				slog.Info("Queue.bind: backend bound", "topic", q.topic)
			}
			close(call.done)
		}()
	}
	q.mu.Unlock()

	select {
	case <-call.done:
		return call.backend, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue persists a job on the queue's topic. With an idempotency key, a
// colliding non-terminal job yields the existing handle instead of a
// duplicate.
func (q *Queue) Enqueue(ctx context.Context, payload string, opts EnqueueOptions) (JobHandle, error) {
	if opts.Delay < 0 {
		return JobHandle{}, fmt.Errorf("enqueue on %s: negative delay %v", q.topic, opts.Delay)
	}
	backend, err := q.bind(ctx)
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue on %s: %w", q.topic, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	runAt := time.Now().Add(opts.Delay)
	id, err := backend.Enqueue(ctx, q.topic, payload, runAt, opts.IdempotencyKey, maxAttempts)
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue on %s: %w", q.topic, err)
	}
	slog.Debug("Queue.Enqueue", "topic", q.topic, "id", id, "delay", opts.Delay, "dedupeKey", opts.IdempotencyKey)
	return JobHandle{ID: id, Topic: q.topic}, nil
}

// Stats returns a snapshot of the topic's job counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	backend, err := q.bind(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats on %s: %w", q.topic, err)
	}
	return backend.Stats(ctx, q.topic)
}

// CancelPending cancels all jobs on the topic that are not currently leased
// and returns the number cancelled.
func (q *Queue) CancelPending(ctx context.Context) (int, error) {
	backend, err := q.bind(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel pending on %s: %w", q.topic, err)
	}
	n, err := backend.CancelPending(ctx, q.topic)
	if err != nil {
		return 0, fmt.Errorf("cancel pending on %s: %w", q.topic, err)
	}
	slog.Info("Queue.CancelPending", "topic", q.topic, "canceled", n)
	return n, nil
}

// lease claims due jobs for the runner.
func (q *Queue) lease(ctx context.Context, limit int, leaseFor time.Duration) ([]Job, error) {
	backend, err := q.bind(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease on %s: %w", q.topic, err)
	}
	return backend.Lease(ctx, q.topic, limit, leaseFor)
}

// complete acks a leased job for the runner.
func (q *Queue) complete(ctx context.Context, job Job) error {
	backend, err := q.bind(ctx)
	if err != nil {
		return err
	}
	return backend.Complete(ctx, job)
}

// fail records a retryable failure for the runner.
func (q *Queue) fail(ctx context.Context, job Job, errMsg string, nextRunAt time.Time) (bool, error) {
	backend, err := q.bind(ctx)
	if err != nil {
		return false, err
	}
	return backend.Fail(ctx, job, errMsg, nextRunAt)
}

// failPermanently marks a leased job failed for the runner.
func (q *Queue) failPermanently(ctx context.Context, job Job, errMsg string) error {
	backend, err := q.bind(ctx)
	if err != nil {
		return err
	}
	return backend.FailPermanently(ctx, job, errMsg)
}
