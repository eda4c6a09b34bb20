package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/store"
	"github.com/google/uuid"
)

// Exporter configuration defaults.
const (
	// DefaultBatchSize bounds how many bookmarks are held in memory at once.
	DefaultBatchSize = 1000
	// DefaultRetentionDays is how long old successful backups are kept after
	// a new one succeeds.
	DefaultRetentionDays = 30
)

// ExporterOptions configure an Exporter.
type ExporterOptions struct {
	// TempDir holds intermediate documents and archives. Default os.TempDir.
	TempDir string
	// BatchSize is the bookmark page size. Default DefaultBatchSize.
	BatchSize int
	// RetentionDays is the retention window for old backups; 0 means
	// DefaultRetentionDays, negative disables cleanup.
	RetentionDays int
}

// Exporter executes export jobs and doubles as the runner's completion
// handler so permanently failed jobs still get their backup record marked
// failed.
type Exporter struct {
	store  store.Store
	assets AssetStore
	quota  QuotaService
	opts   ExporterOptions

	// inflight maps job id to backup record id so the failure path can find
	// the record even after the handler invocation unwound.
	mu       sync.Mutex
	inflight map[string]string
}

// NewExporter creates an exporter over the given collaborators.
func NewExporter(st store.Store, assets AssetStore, quota QuotaService, opts ExporterOptions) *Exporter {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetentionDays == 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	return &Exporter{
		store:    st,
		assets:   assets,
		quota:    quota,
		opts:     opts,
		inflight: make(map[string]string),
	}
}

// Compile-time check that Exporter satisfies the runner's callback contract.
var _ queue.CompletionHandler = (*Exporter)(nil)

// Handle is the queue handler for export jobs.
func (e *Exporter) Handle(ctx context.Context, job queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return queue.NonRetryable(fmt.Errorf("decode job payload: %w", err))
	}
	if payload.OwnerID == "" {
		return queue.NonRetryable(fmt.Errorf("job payload missing owner id"))
	}

	backup, err := e.resolveRecord(payload)
	if err != nil {
		return err
	}
	// Track the record before any I/O so a failure at any later point can
	// still be written back to it.
	e.track(job.ID, backup.ID)

	slog.Info("Exporter.Handle: starting export", "ownerID", payload.OwnerID, "backupID", backup.ID, "attempt", job.Attempt)

	// Collision-resistant per-run names keep concurrent and crashed runs out
	// of each other's way in a shared temp directory.
	runID := payload.OwnerID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	docPath := filepath.Join(e.opts.TempDir, "vaultpipe-export-"+runID+".json")
	archivePath := filepath.Join(e.opts.TempDir, "vaultpipe-export-"+runID+".zip")
	defer func() {
		removeIfExists(docPath)
		removeIfExists(archivePath)
	}()

	itemCount, err := e.writeDocument(ctx, payload.OwnerID, docPath)
	if err != nil {
		return fmt.Errorf("write export document: %w", err)
	}

	if err := compressDocument(docPath, archivePath); err != nil {
		return fmt.Errorf("compress export document: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	sizeBytes := info.Size()

	token, err := e.quota.CheckQuota(ctx, payload.OwnerID, sizeBytes)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			// Quota denial is terminal: retrying cannot shrink the artifact.
			return queue.NonRetryable(fmt.Errorf("quota check for %d bytes: %w", sizeBytes, err))
		}
		// Anything else is a failed read against the quota service and gets
		// the normal retry path.
		return fmt.Errorf("quota check for %d bytes: %w", sizeBytes, err)
	}

	artifactID := uuid.NewString()
	metadata := map[string]string{
		"content-type": ArchiveContentType,
		"item-count":   strconv.Itoa(itemCount),
	}
	if err := e.assets.Save(ctx, payload.OwnerID, artifactID, archivePath, metadata, token); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	if err := e.store.FinalizeBackupSuccess(backup.ID, artifactID, sizeBytes, itemCount); err != nil {
		// The artifact is orphaned if the record update fails; remove it so
		// retries do not leak storage.
		if delErr := e.assets.Delete(ctx, payload.OwnerID, artifactID); delErr != nil {
			slog.Error("Exporter.Handle: orphaned artifact cleanup failed", "artifactID", artifactID, "error", delErr)
		}
		return fmt.Errorf("finalize backup record: %w", err)
	}
	slog.Info("Exporter.Handle: export succeeded", "ownerID", payload.OwnerID, "backupID", backup.ID, "sizeBytes", sizeBytes, "itemCount", itemCount)

	e.cleanupOldBackups(ctx, payload.OwnerID, backup.ID)
	return nil
}

// resolveRecord locates the pending record named by the payload or creates a
// fresh one for scheduler-enqueued jobs.
func (e *Exporter) resolveRecord(payload JobPayload) (*models.Backup, error) {
	if payload.BackupID != "" {
		backup, err := e.store.GetBackup(payload.OwnerID, payload.BackupID)
		if err != nil {
			return nil, fmt.Errorf("load backup record: %w", err)
		}
		if backup == nil {
			return nil, queue.NonRetryable(fmt.Errorf("backup record %s not found", payload.BackupID))
		}
		return backup, nil
	}
	backup, err := e.store.CreateBackup(payload.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	return backup, nil
}

// exportedBookmark is the shape written into the archive document.
type exportedBookmark struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// writeDocument streams the owner's bookmarks into a JSON array at docPath,
// one page at a time, and returns the number of items written.
func (e *Exporter) writeDocument(ctx context.Context, ownerID, docPath string) (count int, err error) {
	f, err := os.Create(docPath)
	if err != nil {
		return 0, fmt.Errorf("create document: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close document: %w", closeErr)
		}
	}()

	if _, err := f.WriteString("["); err != nil {
		return 0, fmt.Errorf("write document: %w", err)
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		bookmarks, next, err := e.store.ListBookmarksPage(ownerID, cursor, e.opts.BatchSize)
		if err != nil {
			return count, fmt.Errorf("list bookmarks page: %w", err)
		}
		for _, b := range bookmarks {
			if b.Content == nil {
				// Content can lag behind bookmark creation; absent content is
				// skipped, not an error.
				slog.Debug("Exporter.writeDocument: skipping bookmark without content", "bookmarkID", b.ID)
				continue
			}
			item, err := json.Marshal(exportedBookmark{
				ID:        b.ID,
				Title:     b.Title,
				URL:       b.URL,
				Content:   *b.Content,
				CreatedAt: b.CreatedAt,
			})
			if err != nil {
				return count, fmt.Errorf("encode bookmark %s: %w", b.ID, err)
			}
			if count > 0 {
				if _, err := f.WriteString(","); err != nil {
					return count, fmt.Errorf("write document: %w", err)
				}
			}
			if _, err := f.Write(item); err != nil {
				return count, fmt.Errorf("write document: %w", err)
			}
			count++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if _, err := f.WriteString("]"); err != nil {
		return count, fmt.Errorf("write document: %w", err)
	}
	return count, nil
}

// OnComplete implements queue.CompletionHandler.
func (e *Exporter) OnComplete(job queue.Job) {
	e.forget(job.ID)
}

// OnError implements queue.CompletionHandler. On permanent failure the
// associated backup record is best-effort marked failed so it can never sit
// pending forever.
func (e *Exporter) OnError(job queue.Job, err error, permanent bool) {
	if !permanent {
		return
	}
	defer e.forget(job.ID)

	backupID := e.lookup(job.ID)
	if backupID == "" {
		// The handler may have failed before creating the record; fall back
		// to the payload for user-requested exports.
		var payload JobPayload
		if jsonErr := json.Unmarshal([]byte(job.Payload), &payload); jsonErr == nil {
			backupID = payload.BackupID
		}
	}
	if backupID == "" {
		slog.Warn("Exporter.OnError: permanent failure with no backup record", "jobID", job.ID, "error", err)
		return
	}
	if markErr := e.store.MarkBackupFailed(backupID, err.Error()); markErr != nil {
		slog.Error("Exporter.OnError: mark backup failed errored", "backupID", backupID, "error", markErr)
		return
	}
	slog.Info("Exporter.OnError: backup marked failed", "backupID", backupID, "jobID", job.ID)
}

func (e *Exporter) track(jobID, backupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[jobID] = backupID
}

func (e *Exporter) lookup(jobID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[jobID]
}

func (e *Exporter) forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, jobID)
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("export temp file cleanup failed", "path", path, "error", err)
	}
}
