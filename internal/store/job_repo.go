// Package store provides the JobRepo interface and model for durable job queuing.
package store

import (
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusLeased   JobStatus = "leased"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// ErrLeaseLost is returned when an ack or fail arrives with a lease token
// that is no longer current, typically because the visibility timeout elapsed
// and the job was re-leased by another worker.
var ErrLeaseLost = errors.New("job lease no longer held")

// Job represents a durable job record.
type Job struct {
	ID             string     `json:"id"`
	Topic          string     `json:"topic"`
	RunAt          time.Time  `json:"run_at"`
	PayloadJSON    string     `json:"payload_json"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error"`
	LeaseToken     string     `json:"lease_token"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
	DedupeKey      string     `json:"dedupe_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobStats is a point-in-time count of jobs per lifecycle state for a topic.
type JobStats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// JobRepo defines the interface for durable job persistence. The repository
// is the single arbiter of job ownership: leases carry a token, and acks with
// a stale token are rejected with ErrLeaseLost.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a
	// non-terminal job with that key already exists on the topic, the call
	// returns the existing job ID without inserting a duplicate.
	EnqueueJob(topic string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error)

	// LeaseDueJobs atomically claims up to limit queued jobs on the topic
	// whose run_at <= now, marking them leased until now+leaseFor and
	// stamping each with a fresh lease token. Jobs whose prior lease expired
	// are reclaimable.
	LeaseDueJobs(topic string, now time.Time, limit int, leaseFor time.Duration) ([]Job, error)

	// CompleteJob marks a leased job as done. Returns ErrLeaseLost if the
	// token is stale.
	CompleteJob(id, leaseToken string) error

	// FailJob records a failure. If the retry budget is not exhausted the job
	// is re-queued for nextRunAt and permanent is false; otherwise the job is
	// marked failed and permanent is true. Returns ErrLeaseLost on a stale
	// token.
	FailJob(id, leaseToken, errMsg string, nextRunAt time.Time) (permanent bool, err error)

	// FailJobPermanently marks a leased job failed regardless of remaining
	// attempts, for error classes that must not be retried.
	FailJobPermanently(id, leaseToken, errMsg string) error

	// CancelPendingJobs cancels all queued jobs on the topic and returns the
	// number cancelled. Leased jobs are never touched.
	CancelPendingJobs(topic string) (int, error)

	// ReleaseExpiredLeases returns jobs whose lease expired back to queued so
	// another worker can claim them (crash recovery).
	ReleaseExpiredLeases(now time.Time) (int, error)

	// JobStats counts jobs per state for the topic.
	JobStats(topic string) (JobStats, error)

	// GetJob retrieves a single job by ID, or nil if absent.
	GetJob(id string) (*Job, error)
}
