package assets

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/models"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return s
}

func seedSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.zip")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}
	return path
}

func TestFSStoreSaveOpenDelete(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	src := seedSource(t, "archive bytes")

	if err := s.Save(ctx, "owner-1", "artifact-1", src, map[string]string{"content-type": "application/zip"}, "approved"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rc, err := s.Open(ctx, "owner-1", "artifact-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "archive bytes" {
		t.Errorf("stored bytes = %q, want original content", got)
	}

	if err := s.Delete(ctx, "owner-1", "artifact-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Open(ctx, "owner-1", "artifact-1"); err == nil {
		t.Error("artifact readable after delete")
	}
	// Deleting again is a no-op, not an error.
	if err := s.Delete(ctx, "owner-1", "artifact-1"); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
}

func TestFSStoreRejectsMissingApproval(t *testing.T) {
	s := newTestFSStore(t)
	src := seedSource(t, "bytes")
	if err := s.Save(context.Background(), "owner-1", "artifact-1", src, nil, ""); err == nil {
		t.Error("Save without approval token accepted")
	}
}

func TestFSStoreIsolatesOwners(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	src := seedSource(t, "bytes")

	if err := s.Save(ctx, "owner-1", "artifact-1", src, nil, "approved"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := s.Open(ctx, "owner-2", "artifact-1"); err == nil {
		t.Error("artifact readable under a different owner")
	}
}

// fakeRepos back the quota service without a database.
type fakeOwnerRepo struct{ owner *models.Owner }

func (f *fakeOwnerRepo) SaveOwner(models.Owner) error             { return nil }
func (f *fakeOwnerRepo) GetOwner(string) (*models.Owner, error)   { return f.owner, nil }
func (f *fakeOwnerRepo) ListBackupOwners() ([]models.Owner, error) { return nil, nil }

type fakeBackupRepo struct{ used int64 }

func (f *fakeBackupRepo) CreateBackup(string) (*models.Backup, error)        { return nil, nil }
func (f *fakeBackupRepo) GetBackup(string, string) (*models.Backup, error)   { return nil, nil }
func (f *fakeBackupRepo) ListBackups(string) ([]models.Backup, error)        { return nil, nil }
func (f *fakeBackupRepo) FinalizeBackupSuccess(string, string, int64, int) error { return nil }
func (f *fakeBackupRepo) MarkBackupFailed(string, string) error              { return nil }
func (f *fakeBackupRepo) ListBackupsOlderThan(string, time.Time) ([]models.Backup, error) {
	return nil, nil
}
func (f *fakeBackupRepo) DeleteBackup(string, string) error       { return nil }
func (f *fakeBackupRepo) SumBackupSizes(string) (int64, error)    { return f.used, nil }

func TestUsageQuotaApprovesWithinLimit(t *testing.T) {
	q := NewUsageQuota(
		&fakeOwnerRepo{owner: &models.Owner{ID: "owner-1", QuotaBytes: 1000}},
		&fakeBackupRepo{used: 400},
	)
	token, err := q.CheckQuota(context.Background(), "owner-1", 500)
	if err != nil {
		t.Fatalf("CheckQuota failed: %v", err)
	}
	if token == "" {
		t.Error("approval token is empty")
	}
}

func TestUsageQuotaDeniesOverLimit(t *testing.T) {
	q := NewUsageQuota(
		&fakeOwnerRepo{owner: &models.Owner{ID: "owner-1", QuotaBytes: 1000}},
		&fakeBackupRepo{used: 800},
	)
	_, err := q.CheckQuota(context.Background(), "owner-1", 500)
	if !errors.Is(err, export.ErrQuotaExceeded) {
		t.Errorf("CheckQuota = %v, want ErrQuotaExceeded", err)
	}
}

func TestUsageQuotaUnlimitedOwner(t *testing.T) {
	q := NewUsageQuota(
		&fakeOwnerRepo{owner: &models.Owner{ID: "owner-1", QuotaBytes: 0}},
		&fakeBackupRepo{used: 1 << 40},
	)
	if _, err := q.CheckQuota(context.Background(), "owner-1", 1<<40); err != nil {
		t.Errorf("unlimited owner denied: %v", err)
	}
}

func TestUsageQuotaUnknownOwner(t *testing.T) {
	q := NewUsageQuota(&fakeOwnerRepo{}, &fakeBackupRepo{})
	if _, err := q.CheckQuota(context.Background(), "ghost", 1); err == nil {
		t.Error("unknown owner approved")
	}
}
