// Package queue provides the durable job queue facade, its pluggable
// backends, and the bounded-concurrency job runner.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/store"
)

// ErrLeaseLost is returned when an ack or fail arrives after the job's
// visibility timeout elapsed and another worker re-leased it.
var ErrLeaseLost = store.ErrLeaseLost

// Job is a leased unit of work handed to a runner.
type Job struct {
	ID          string
	Topic       string
	Payload     string
	Attempt     int
	MaxAttempts int
	LeaseToken  string
}

// Stats is a point-in-time snapshot of a topic's job counts.
type Stats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Backend is the durable store behind a queue. It is the single arbiter of
// job ownership across processes: leasing hands out a token, and only the
// holder of the current token may complete or fail the job.
type Backend interface {
	// Enqueue persists a job. A non-empty dedupeKey deduplicates against
	// existing non-terminal jobs on the topic, returning the existing ID.
	Enqueue(ctx context.Context, topic, payload string, runAt time.Time, dedupeKey string, maxAttempts int) (string, error)

	// Lease claims up to limit due jobs, each invisible to other workers
	// until its lease of leaseFor expires.
	Lease(ctx context.Context, topic string, limit int, leaseFor time.Duration) ([]Job, error)

	// Complete acks a leased job. Returns ErrLeaseLost on a stale token.
	Complete(ctx context.Context, job Job) error

	// Fail records a failure and either re-queues the job for nextRunAt or,
	// if the retry budget is exhausted, marks it permanently failed.
	Fail(ctx context.Context, job Job, errMsg string, nextRunAt time.Time) (permanent bool, err error)

	// FailPermanently marks a leased job failed without consuming the
	// remaining retry budget, for non-retryable error classes.
	FailPermanently(ctx context.Context, job Job, errMsg string) error

	// CancelPending cancels queued jobs on the topic; leased jobs are never
	// touched.
	CancelPending(ctx context.Context, topic string) (int, error)

	// Stats counts jobs per state for the topic.
	Stats(ctx context.Context, topic string) (Stats, error)
}

// nonRetryableError marks an error class that must not consume the retry
// budget (for example an explicit quota denial).
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the runner fails the job permanently instead of
// scheduling a retry.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was wrapped with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}

// SQLBackend adapts a store.JobRepo to the Backend interface.
type SQLBackend struct {
	repo store.JobRepo
}

// NewSQLBackend wraps a JobRepo (SQLite or Postgres) as a queue backend.
func NewSQLBackend(repo store.JobRepo) *SQLBackend {
	return &SQLBackend{repo: repo}
}

var _ Backend = (*SQLBackend)(nil)

func (b *SQLBackend) Enqueue(_ context.Context, topic, payload string, runAt time.Time, dedupeKey string, maxAttempts int) (string, error) {
	return b.repo.EnqueueJob(topic, runAt, payload, dedupeKey, maxAttempts)
}

func (b *SQLBackend) Lease(_ context.Context, topic string, limit int, leaseFor time.Duration) ([]Job, error) {
	rows, err := b.repo.LeaseDueJobs(topic, time.Now(), limit, leaseFor)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, Job{
			ID:          r.ID,
			Topic:       r.Topic,
			Payload:     r.PayloadJSON,
			Attempt:     r.Attempt,
			MaxAttempts: r.MaxAttempts,
			LeaseToken:  r.LeaseToken,
		})
	}
	return jobs, nil
}

func (b *SQLBackend) Complete(_ context.Context, job Job) error {
	return b.repo.CompleteJob(job.ID, job.LeaseToken)
}

func (b *SQLBackend) Fail(_ context.Context, job Job, errMsg string, nextRunAt time.Time) (bool, error) {
	return b.repo.FailJob(job.ID, job.LeaseToken, errMsg, nextRunAt)
}

func (b *SQLBackend) FailPermanently(_ context.Context, job Job, errMsg string) error {
	return b.repo.FailJobPermanently(job.ID, job.LeaseToken, errMsg)
}

func (b *SQLBackend) CancelPending(_ context.Context, topic string) (int, error) {
	return b.repo.CancelPendingJobs(topic)
}

func (b *SQLBackend) Stats(_ context.Context, topic string) (Stats, error) {
	s, err := b.repo.JobStats(topic)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: s.Pending, Leased: s.Leased, Done: s.Done, Failed: s.Failed}, nil
}
