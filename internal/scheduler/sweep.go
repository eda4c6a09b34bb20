package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/store"
)

// Sweeper performs the once-per-period pass over all owners with backups
// enabled, enqueuing one idempotent export job per eligible owner.
type Sweeper struct {
	owners store.OwnerRepo
	queue  *queue.Queue
}

// NewSweeper creates a sweeper over the owner repository and export queue.
func NewSweeper(owners store.OwnerRepo, q *queue.Queue) *Sweeper {
	return &Sweeper{owners: owners, queue: q}
}

// Sweep evaluates every backup-enabled owner for the period containing now
// and returns the number of jobs enqueued. One owner's failure is logged and
// skipped; it never aborts the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	owners, err := s.owners.ListBackupOwners()
	if err != nil {
		return 0, fmt.Errorf("sweep: list owners failed: %w", err)
	}
	slog.Info("Sweeper.Sweep: starting", "owners", len(owners), "day", now.UTC().Format("2006-01-02"))

	enqueued := 0
	for _, owner := range owners {
		if err := s.sweepOwner(ctx, owner, now); err != nil {
			slog.Error("Sweeper.Sweep: owner sweep failed", "ownerID", owner.ID, "error", err)
			continue
		}
		if Decide(owner.ID, owner.BackupFrequency, now).Run {
			enqueued++
		}
	}
	slog.Info("Sweeper.Sweep: finished", "enqueued", enqueued)
	return enqueued, nil
}

func (s *Sweeper) sweepOwner(ctx context.Context, owner models.Owner, now time.Time) error {
	d := Decide(owner.ID, owner.BackupFrequency, now)
	if !d.Run {
		slog.Debug("Sweeper.sweepOwner: not eligible this period", "ownerID", owner.ID, "frequency", owner.BackupFrequency)
		return nil
	}

	payload, err := json.Marshal(export.JobPayload{OwnerID: owner.ID})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	handle, err := s.queue.Enqueue(ctx, string(payload), queue.EnqueueOptions{
		Delay:          d.Delay,
		IdempotencyKey: PeriodKey(owner.ID, now),
	})
	if err != nil {
		return fmt.Errorf("enqueue export: %w", err)
	}
	slog.Debug("Sweeper.sweepOwner: enqueued", "ownerID", owner.ID, "jobID", handle.ID, "delay", d.Delay)
	return nil
}

// Register installs the daily sweep on the cron scheduler.
func (s *Sweeper) Register(sched *Scheduler) error {
	return sched.AddJob(DailySpec, func() {
		if _, err := s.Sweep(context.Background(), time.Now()); err != nil {
			slog.Error("Sweeper daily run failed", "error", err)
		}
	})
}
