package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/store"
)

// ErrNotFound is returned by Service lookups for unknown backup IDs.
var ErrNotFound = errors.New("backup not found")

// Service is the user-facing surface for exports: it enqueues on-demand
// export jobs and manages the resulting backup records and artifacts.
type Service struct {
	store  store.Store
	queue  *queue.Queue
	assets AssetStore
}

// NewService creates a Service over the given store, export queue and asset
// store.
func NewService(st store.Store, q *queue.Queue, assets AssetStore) *Service {
	return &Service{store: st, queue: q, assets: assets}
}

// EnqueueExport creates a pending backup record and queues an export job for
// it. The record exists before the job so the caller can poll it immediately.
func (s *Service) EnqueueExport(ctx context.Context, ownerID string) (*models.Backup, error) {
	backup, err := s.store.CreateBackup(ownerID)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	payload, err := json.Marshal(JobPayload{OwnerID: ownerID, BackupID: backup.ID})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	handle, err := s.queue.Enqueue(ctx, string(payload), queue.EnqueueOptions{})
	if err != nil {
		// Leave the record pending rather than deleting it; a failed enqueue
		// surfaces to the caller and the record shows what was attempted.
		if markErr := s.store.MarkBackupFailed(backup.ID, "enqueue failed: "+err.Error()); markErr != nil {
			slog.Error("Service.EnqueueExport: mark backup failed errored", "backupID", backup.ID, "error", markErr)
		}
		return nil, fmt.Errorf("enqueue export job: %w", err)
	}
	slog.Info("Service.EnqueueExport: export queued", "ownerID", ownerID, "backupID", backup.ID, "jobID", handle.ID)
	return backup, nil
}

// ListExports returns the owner's backup records, newest first.
func (s *Service) ListExports(ownerID string) ([]models.Backup, error) {
	backups, err := s.store.ListBackups(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return backups, nil
}

// GetExport returns one backup record or ErrNotFound.
func (s *Service) GetExport(ownerID, backupID string) (*models.Backup, error) {
	backup, err := s.store.GetBackup(ownerID, backupID)
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	if backup == nil {
		return nil, ErrNotFound
	}
	return backup, nil
}

// DeleteExport removes a backup's artifact and then its record. The artifact
// goes first so a partial failure leaves a record pointing at nothing rather
// than an unreferenced artifact.
func (s *Service) DeleteExport(ctx context.Context, ownerID, backupID string) error {
	backup, err := s.GetExport(ownerID, backupID)
	if err != nil {
		return err
	}
	if backup.ArtifactID != nil {
		if err := s.assets.Delete(ctx, ownerID, *backup.ArtifactID); err != nil {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	if err := s.store.DeleteBackup(ownerID, backupID); err != nil {
		return fmt.Errorf("delete backup record: %w", err)
	}
	slog.Info("Service.DeleteExport: backup deleted", "ownerID", ownerID, "backupID", backupID)
	return nil
}

// DownloadExport opens the archive of a successful backup for streaming.
func (s *Service) DownloadExport(ctx context.Context, ownerID, backupID string) (io.ReadCloser, *models.Backup, error) {
	backup, err := s.GetExport(ownerID, backupID)
	if err != nil {
		return nil, nil, err
	}
	if backup.Status != models.BackupStatusSuccess || backup.ArtifactID == nil {
		return nil, nil, fmt.Errorf("backup %s is not ready for download (status %s)", backupID, backup.Status)
	}
	rc, err := s.assets.Open(ctx, ownerID, *backup.ArtifactID)
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	return rc, backup, nil
}
