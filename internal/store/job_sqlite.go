package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const jobColumns = `id, topic, run_at, payload_json, status, attempt, max_attempts, last_error, lease_token, lease_expires_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(topic string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if dedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key on this topic
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE topic = ? AND dedupe_key = ? AND status NOT IN ('done', 'failed', 'canceled')`,
			topic, dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "topic", topic, "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, topic, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, topic, runAt, payloadJSON, maxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		// A concurrent enqueue may have won the unique dedupe index between
		// the check and the insert; converge on the winner.
		if dedupeKey != "" {
			var existingID string
			lookupErr := s.db.QueryRow(
				`SELECT id FROM jobs WHERE topic = ? AND dedupe_key = ? AND status NOT IN ('done', 'failed', 'canceled')`,
				topic, dedupeKey,
			).Scan(&existingID)
			if lookupErr == nil {
				slog.Debug("SQLiteStore.EnqueueJob: lost dedupe race", "topic", topic, "dedupeKey", dedupeKey, "existingID", existingID)
				return existingID, nil
			}
		}
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "topic", topic, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) LeaseDueJobs(topic string, now time.Time, limit int, leaseFor time.Duration) ([]Job, error) {
	if _, err := s.ReleaseExpiredLeases(now); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE topic = ? AND status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		topic, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease due jobs iteration failed: %w", err)
	}

	deadline := now.Add(leaseFor)
	leased := jobs[:0]
	for i := range jobs {
		token := util.GenerateRandomID("lease_", 32)
		// Guard on status so two pollers cannot lease the same job.
		res, err := s.db.Exec(
			`UPDATE jobs SET status = 'leased', lease_token = ?, lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			token, deadline, now, jobs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job leased failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		jobs[i].Status = JobStatusLeased
		jobs[i].LeaseToken = token
		jobs[i].LeaseExpiresAt = &deadline
		leased = append(leased, jobs[i])
	}
	return leased, nil
}

func (s *SQLiteStore) CompleteJob(id, leaseToken string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'leased' AND lease_token = ?`,
		now, id, leaseToken,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) FailJob(id, leaseToken, errMsg string, nextRunAt time.Time) (bool, error) {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(
		`SELECT attempt, max_attempts FROM jobs WHERE id = ? AND status = 'leased' AND lease_token = ?`,
		id, leaseToken,
	).Scan(&attempt, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	permanent := attempt >= maxAttempts
	var res sql.Result
	if permanent {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'leased' AND lease_token = ?`,
			attempt, errMsg, now, id, leaseToken,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'leased' AND lease_token = ?`,
			attempt, errMsg, nextRunAt, now, id, leaseToken,
		)
	}
	if err != nil {
		return false, fmt.Errorf("fail job update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrLeaseLost
	}
	return permanent, nil
}

func (s *SQLiteStore) FailJobPermanently(id, leaseToken, errMsg string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'leased' AND lease_token = ?`,
		errMsg, now, id, leaseToken,
	)
	if err != nil {
		return fmt.Errorf("fail job permanently failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) CancelPendingJobs(topic string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', updated_at = ? WHERE topic = ? AND status = 'queued'`,
		now, topic,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.CancelPendingJobs", "topic", topic, "canceled", n)
	return int(n), nil
}

func (s *SQLiteStore) ReleaseExpiredLeases(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE status = 'leased' AND lease_expires_at < ?`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("release expired leases failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ReleaseExpiredLeases", "released", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) JobStats(topic string) (JobStats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE topic = ? GROUP BY status`, topic)
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats query failed: %w", err)
	}
	defer rows.Close()
	return collectJobStats(rows)
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// collectJobStats folds status counts into a JobStats.
func collectJobStats(rows *sql.Rows) (JobStats, error) {
	var stats JobStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan job stats failed: %w", err)
		}
		switch JobStatus(status) {
		case JobStatusQueued:
			stats.Pending += count
		case JobStatusLeased:
			stats.Leased += count
		case JobStatusDone:
			stats.Done += count
		case JobStatusFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate job stats failed: %w", err)
	}
	return stats, nil
}
