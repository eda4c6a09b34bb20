package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/util"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueJob(topic string, runAt time.Time, payloadJSON, dedupeKey string, maxAttempts int) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE topic = $1 AND dedupe_key = $2 AND status NOT IN ('done', 'failed', 'canceled')`,
			topic, dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "topic", topic, "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, topic, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, topic, runAt, payloadJSON, maxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		// A concurrent enqueue may have won the unique dedupe index between
		// the check and the insert; converge on the winner.
		if dedupeKey != "" {
			var existingID string
			lookupErr := s.db.QueryRow(
				`SELECT id FROM jobs WHERE topic = $1 AND dedupe_key = $2 AND status NOT IN ('done', 'failed', 'canceled')`,
				topic, dedupeKey,
			).Scan(&existingID)
			if lookupErr == nil {
				slog.Debug("PostgresStore.EnqueueJob: lost dedupe race", "topic", topic, "dedupeKey", dedupeKey, "existingID", existingID)
				return existingID, nil
			}
		}
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", id, "topic", topic, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) LeaseDueJobs(topic string, now time.Time, limit int, leaseFor time.Duration) ([]Job, error) {
	if _, err := s.ReleaseExpiredLeases(now); err != nil {
		return nil, err
	}

	token := util.GenerateRandomID("lease_", 32)
	deadline := now.Add(leaseFor)
	rows, err := s.db.Query(
		`UPDATE jobs SET status = 'leased', lease_token = $1, lease_expires_at = $2, updated_at = $3
		 WHERE id IN (
		   SELECT id FROM jobs WHERE topic = $4 AND status = 'queued' AND run_at <= $3
		   ORDER BY run_at ASC LIMIT $5
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		token, deadline, now, topic, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease due jobs failed: %w", err)
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
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id, leaseToken string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', lease_token = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'leased' AND lease_token = $3`,
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

func (s *PostgresStore) FailJob(id, leaseToken, errMsg string, nextRunAt time.Time) (bool, error) {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(
		`SELECT attempt, max_attempts FROM jobs WHERE id = $1 AND status = 'leased' AND lease_token = $2`,
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
			`UPDATE jobs SET status = 'failed', attempt = $1, last_error = $2, lease_token = NULL, lease_expires_at = NULL, updated_at = $3
			 WHERE id = $4 AND status = 'leased' AND lease_token = $5`,
			attempt, errMsg, now, id, leaseToken,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = 'queued', attempt = $1, last_error = $2, run_at = $3, lease_token = NULL, lease_expires_at = NULL, updated_at = $4
			 WHERE id = $5 AND status = 'leased' AND lease_token = $6`,
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

func (s *PostgresStore) FailJobPermanently(id, leaseToken, errMsg string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = $1, lease_token = NULL, lease_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'leased' AND lease_token = $4`,
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

func (s *PostgresStore) CancelPendingJobs(topic string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', updated_at = $1 WHERE topic = $2 AND status = 'queued'`,
		now, topic,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore.CancelPendingJobs", "topic", topic, "canceled", n)
	return int(n), nil
}

func (s *PostgresStore) ReleaseExpiredLeases(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'leased' AND lease_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("release expired leases failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReleaseExpiredLeases", "released", n)
	}
	return int(n), nil
}

func (s *PostgresStore) JobStats(topic string) (JobStats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE topic = $1 GROUP BY status`, topic)
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats query failed: %w", err)
	}
	defer rows.Close()
	return collectJobStats(rows)
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
