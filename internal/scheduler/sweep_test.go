package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/store"
)

func newSweepFixture(t *testing.T) (*store.SQLiteStore, *queue.Queue, *Sweeper) {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	q := queue.New(export.Topic, func(ctx context.Context) (queue.Backend, error) {
		return queue.NewSQLBackend(s), nil
	})
	return s, q, NewSweeper(s, q)
}

func saveOwner(t *testing.T, s *store.SQLiteStore, id string, enabled bool, freq models.BackupFrequency) {
	t.Helper()
	if err := s.SaveOwner(models.Owner{ID: id, BackupsEnabled: enabled, BackupFrequency: freq}); err != nil {
		t.Fatalf("SaveOwner failed: %v", err)
	}
}

func TestSweepEnqueuesDailyOwners(t *testing.T) {
	s, q, sweeper := newSweepFixture(t)
	saveOwner(t, s, "owner-1", true, models.FrequencyDaily)
	saveOwner(t, s, "owner-2", true, models.FrequencyDaily)
	saveOwner(t, s, "owner-3", false, models.FrequencyDaily)

	now := time.Date(2026, 8, 30, 0, 0, 1, 0, time.UTC)
	n, err := sweeper.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("enqueued %d jobs, want 2 (disabled owner excluded)", n)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 2 {
		t.Errorf("pending jobs = %d, want 2", stats.Pending)
	}
}

func TestSweepRerunIsIdempotent(t *testing.T) {
	st, q, sweeper := newSweepFixture(t)
	saveOwner(t, st, "owner-1", true, models.FrequencyDaily)

	now := time.Date(2026, 8, 30, 0, 0, 1, 0, time.UTC)
	if _, err := sweeper.Sweep(context.Background(), now); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	// A crash-restart within the same period re-runs the sweep; the period
	// key must absorb the duplicate.
	if _, err := sweeper.Sweep(context.Background(), now.Add(2*time.Hour)); err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending jobs after re-run = %d, want 1", stats.Pending)
	}
}

func TestSweepSkipsIneligibleWeeklyOwners(t *testing.T) {
	st, q, sweeper := newSweepFixture(t)
	saveOwner(t, st, "owner-1", true, models.FrequencyWeekly)

	// Find a day the owner is eligible and one it is not.
	base := time.Date(2026, 8, 24, 0, 0, 1, 0, time.UTC)
	var runDay, skipDay time.Time
	for d := 0; d < 7; d++ {
		day := base.AddDate(0, 0, d)
		if Decide("owner-1", models.FrequencyWeekly, day).Run {
			runDay = day
		} else {
			skipDay = day
		}
	}

	if n, err := sweeper.Sweep(context.Background(), skipDay); err != nil || n != 0 {
		t.Errorf("Sweep on ineligible day enqueued %d (err %v), want 0", n, err)
	}
	if n, err := sweeper.Sweep(context.Background(), runDay); err != nil || n != 1 {
		t.Errorf("Sweep on eligible day enqueued %d (err %v), want 1", n, err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending jobs = %d, want 1", stats.Pending)
	}
}

func TestSchedulerAddJobValidatesExpression(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("not a cron", func() {}); err == nil {
		t.Error("invalid cron expression accepted")
	}
	if err := sched.AddJob(DailySpec, func() {}); err != nil {
		t.Errorf("daily spec rejected: %v", err)
	}
}
