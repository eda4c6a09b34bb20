// Package queue provides a Redis-backed queue backend.
//
// Jobs live in a per-topic ready list, a delayed ZSET scored by run time, and
// a leased ZSET scored by lease deadline. Job bodies are JSON in per-job
// keys; idempotency keys map to job IDs via SET NX. Terminal counts are kept
// in a per-topic stats hash.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/util"
	"github.com/redis/go-redis/v9"
)

// redisDedupeTTL bounds how long an idempotency key suppresses duplicates
// after its job reaches a terminal state.
const redisDedupeTTL = 48 * time.Hour

// Stored job states, mirroring the SQL backend's status column.
const (
	statusQueued   = "queued"
	statusLeased   = "leased"
	statusDone     = "done"
	statusFailed   = "failed"
	statusCanceled = "canceled"
)

// RedisBackend implements Backend on a Redis instance.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend creates a Redis queue backend and verifies connectivity.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	slog.Debug("RedisBackend connected", "addr", addr, "db", db)
	return &RedisBackend{rdb: rdb}, nil
}

var _ Backend = (*RedisBackend)(nil)

// redisJob is the stored job body.
type redisJob struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	Payload     string `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	LeaseToken  string `json:"lease_token,omitempty"`
	Status      string `json:"status"`
	LastError   string `json:"last_error,omitempty"`
	RunAt       int64  `json:"run_at"`
	CreatedAt   int64  `json:"created_at"`
}

func readyKey(topic string) string   { return "vaultpipe:ready:" + topic }
func delayedKey(topic string) string { return "vaultpipe:delayed:" + topic }
func leasedKey(topic string) string  { return "vaultpipe:leased:" + topic }
func statsKey(topic string) string   { return "vaultpipe:stats:" + topic }
func jobKey(id string) string        { return "vaultpipe:job:" + id }
func dedupeKeyName(topic, key string) string {
	return "vaultpipe:dedupe:" + topic + ":" + key
}

func (b *RedisBackend) loadJob(ctx context.Context, id string) (*redisJob, error) {
	raw, err := b.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s failed: %w", id, err)
	}
	var j redisJob
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job %s failed: %w", id, err)
	}
	return &j, nil
}

func (b *RedisBackend) storeJob(ctx context.Context, j *redisJob) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s failed: %w", j.ID, err)
	}
	if err := b.rdb.Set(ctx, jobKey(j.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store job %s failed: %w", j.ID, err)
	}
	return nil
}

func (b *RedisBackend) Enqueue(ctx context.Context, topic, payload string, runAt time.Time, dedupeKey string, maxAttempts int) (string, error) {
	id := util.GenerateJobID()
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if dedupeKey != "" {
		ok, err := b.rdb.SetNX(ctx, dedupeKeyName(topic, dedupeKey), id, redisDedupeTTL).Result()
		if err != nil {
			return "", fmt.Errorf("dedupe reserve failed: %w", err)
		}
		if !ok {
			existingID, err := b.rdb.Get(ctx, dedupeKeyName(topic, dedupeKey)).Result()
			if err != nil && err != redis.Nil {
				return "", fmt.Errorf("dedupe lookup failed: %w", err)
			}
			if existingID != "" {
				slog.Debug("RedisBackend.Enqueue: dedupe hit", "topic", topic, "dedupeKey", dedupeKey, "existingID", existingID)
				return existingID, nil
			}
		}
	}

	now := time.Now()
	j := &redisJob{
		ID:          id,
		Topic:       topic,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Status:      statusQueued,
		RunAt:       runAt.Unix(),
		CreatedAt:   now.Unix(),
	}
	if err := b.storeJob(ctx, j); err != nil {
		return "", err
	}

	if runAt.After(now) {
		if err := b.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: float64(runAt.Unix()), Member: id}).Err(); err != nil {
			return "", fmt.Errorf("enqueue delayed failed: %w", err)
		}
	} else {
		if err := b.rdb.LPush(ctx, readyKey(topic), id).Err(); err != nil {
			return "", fmt.Errorf("enqueue ready failed: %w", err)
		}
	}
	slog.Debug("RedisBackend.Enqueue", "topic", topic, "id", id, "runAt", runAt)
	return id, nil
}

// promoteDue moves due jobs from the delayed ZSET and reclaims expired
// leases back onto the ready list.
func (b *RedisBackend) promoteDue(ctx context.Context, topic string, now time.Time) error {
	max := fmt.Sprintf("%d", now.Unix())

	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey(topic), &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: 200,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote scan delayed failed: %w", err)
	}
	if len(ids) > 0 {
		pipe := b.rdb.TxPipeline()
		for _, id := range ids {
			pipe.LPush(ctx, readyKey(topic), id)
			pipe.ZRem(ctx, delayedKey(topic), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote move failed: %w", err)
		}
	}

	ids, err = b.rdb.ZRangeByScore(ctx, leasedKey(topic), &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: 200,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote scan leased failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		// Invalidate the expired lease before the job becomes claimable
		// again, so a late ack from the previous holder is rejected.
		j, err := b.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if j != nil && j.Status == statusLeased {
			j.Status = statusQueued
			j.LeaseToken = ""
			if err := b.storeJob(ctx, j); err != nil {
				return err
			}
		}
		pipe := b.rdb.TxPipeline()
		pipe.LPush(ctx, readyKey(topic), id)
		pipe.ZRem(ctx, leasedKey(topic), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reclaim move failed: %w", err)
		}
	}
	slog.Info("RedisBackend.promoteDue: reclaimed expired leases", "topic", topic, "count", len(ids))
	return nil
}

func (b *RedisBackend) Lease(ctx context.Context, topic string, limit int, leaseFor time.Duration) ([]Job, error) {
	now := time.Now()
	if err := b.promoteDue(ctx, topic, now); err != nil {
		return nil, err
	}

	deadline := now.Add(leaseFor)
	var jobs []Job
	for len(jobs) < limit {
		id, err := b.rdb.RPop(ctx, readyKey(topic)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lease pop failed: %w", err)
		}
		j, err := b.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j == nil {
			slog.Warn("RedisBackend.Lease: dangling job id", "topic", topic, "id", id)
			continue
		}
		if j.Status != statusQueued {
			// Stale ready entry: the job was acked after its id was put back
			// on the list. Drop it rather than re-run finished work.
			slog.Debug("RedisBackend.Lease: dropping stale ready entry", "topic", topic, "id", id, "status", j.Status)
			continue
		}
		token := util.GenerateRandomID("lease_", 32)
		j.Status = statusLeased
		j.LeaseToken = token
		if err := b.storeJob(ctx, j); err != nil {
			return nil, err
		}
		if err := b.rdb.ZAdd(ctx, leasedKey(topic), redis.Z{Score: float64(deadline.Unix()), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("lease track failed: %w", err)
		}
		jobs = append(jobs, Job{
			ID:          j.ID,
			Topic:       topic,
			Payload:     j.Payload,
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			LeaseToken:  token,
		})
	}
	return jobs, nil
}

// verifyLease loads the job and checks the caller still holds the lease.
func (b *RedisBackend) verifyLease(ctx context.Context, job Job) (*redisJob, error) {
	j, err := b.loadJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if j == nil || j.Status != statusLeased || j.LeaseToken != job.LeaseToken {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (b *RedisBackend) Complete(ctx context.Context, job Job) error {
	j, err := b.verifyLease(ctx, job)
	if err != nil {
		return err
	}
	j.Status = statusDone
	j.LeaseToken = ""
	if err := b.storeJob(ctx, j); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(job.Topic), job.ID)
	pipe.HIncrBy(ctx, statsKey(job.Topic), "done", 1)
	pipe.Expire(ctx, jobKey(job.ID), redisDedupeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s failed: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBackend) Fail(ctx context.Context, job Job, errMsg string, nextRunAt time.Time) (bool, error) {
	j, err := b.verifyLease(ctx, job)
	if err != nil {
		return false, err
	}
	j.Attempt++
	j.LastError = errMsg
	j.LeaseToken = ""
	permanent := j.Attempt >= j.MaxAttempts
	if permanent {
		j.Status = statusFailed
	} else {
		j.Status = statusQueued
		j.RunAt = nextRunAt.Unix()
	}
	if err := b.storeJob(ctx, j); err != nil {
		return false, err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(job.Topic), job.ID)
	if permanent {
		pipe.HIncrBy(ctx, statsKey(job.Topic), "failed", 1)
	} else {
		pipe.ZAdd(ctx, delayedKey(job.Topic), redis.Z{Score: float64(nextRunAt.Unix()), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("fail job %s failed: %w", job.ID, err)
	}
	return permanent, nil
}

func (b *RedisBackend) FailPermanently(ctx context.Context, job Job, errMsg string) error {
	j, err := b.verifyLease(ctx, job)
	if err != nil {
		return err
	}
	j.Attempt++
	j.LastError = errMsg
	j.LeaseToken = ""
	j.Status = statusFailed
	if err := b.storeJob(ctx, j); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(job.Topic), job.ID)
	pipe.HIncrBy(ctx, statsKey(job.Topic), "failed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s permanently failed: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBackend) CancelPending(ctx context.Context, topic string) (int, error) {
	var canceled int

	for {
		id, err := b.rdb.RPop(ctx, readyKey(topic)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return canceled, fmt.Errorf("cancel pop failed: %w", err)
		}
		if err := b.markCanceled(ctx, id); err != nil {
			slog.Warn("RedisBackend.CancelPending: mark canceled failed", "id", id, "error", err)
		}
		canceled++
	}

	ids, err := b.rdb.ZRange(ctx, delayedKey(topic), 0, -1).Result()
	if err != nil {
		return canceled, fmt.Errorf("cancel delayed scan failed: %w", err)
	}
	for _, id := range ids {
		if err := b.rdb.ZRem(ctx, delayedKey(topic), id).Err(); err != nil {
			return canceled, fmt.Errorf("cancel delayed remove failed: %w", err)
		}
		if err := b.markCanceled(ctx, id); err != nil {
			slog.Warn("RedisBackend.CancelPending: mark canceled failed", "id", id, "error", err)
		}
		canceled++
	}
	return canceled, nil
}

func (b *RedisBackend) markCanceled(ctx context.Context, id string) error {
	j, err := b.loadJob(ctx, id)
	if err != nil || j == nil {
		return err
	}
	j.Status = statusCanceled
	return b.storeJob(ctx, j)
}

func (b *RedisBackend) Stats(ctx context.Context, topic string) (Stats, error) {
	ready, err := b.rdb.LLen(ctx, readyKey(topic)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats llen failed: %w", err)
	}
	delayed, err := b.rdb.ZCard(ctx, delayedKey(topic)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats delayed card failed: %w", err)
	}
	leased, err := b.rdb.ZCard(ctx, leasedKey(topic)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats leased card failed: %w", err)
	}
	counters, err := b.rdb.HGetAll(ctx, statsKey(topic)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("stats counters failed: %w", err)
	}
	stats := Stats{Pending: int(ready + delayed), Leased: int(leased)}
	stats.Done, _ = strconv.Atoi(counters["done"])
	stats.Failed, _ = strconv.Atoi(counters["failed"])
	return stats, nil
}
