package export

import (
	"context"
	"log/slog"
	"time"
)

// cleanupOldBackups removes successful backups older than the retention
// window, keeping the just-finished one regardless of age. Cleanup failures
// never fail the export; each record is attempted independently.
func (e *Exporter) cleanupOldBackups(ctx context.Context, ownerID, keepID string) {
	if e.opts.RetentionDays < 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -e.opts.RetentionDays)
	old, err := e.store.ListBackupsOlderThan(ownerID, cutoff)
	if err != nil {
		slog.Error("Exporter.cleanupOldBackups: list failed", "ownerID", ownerID, "error", err)
		return
	}
	for _, b := range old {
		if b.ID == keepID {
			continue
		}
		if b.ArtifactID != nil {
			if err := e.assets.Delete(ctx, ownerID, *b.ArtifactID); err != nil {
				slog.Error("Exporter.cleanupOldBackups: artifact delete failed", "backupID", b.ID, "artifactID", *b.ArtifactID, "error", err)
				// Keep the record so the artifact stays discoverable for a
				// later cleanup pass.
				continue
			}
		}
		if err := e.store.DeleteBackup(ownerID, b.ID); err != nil {
			slog.Error("Exporter.cleanupOldBackups: record delete failed", "backupID", b.ID, "error", err)
			continue
		}
		slog.Info("Exporter.cleanupOldBackups: removed expired backup", "ownerID", ownerID, "backupID", b.ID)
	}
}
