package assets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/store"
	"github.com/google/uuid"
)

// UsageQuota approves artifact writes against each owner's configured byte
// quota, counting the owner's existing successful backups as current usage.
// An owner with QuotaBytes <= 0 is unlimited.
type UsageQuota struct {
	owners  store.OwnerRepo
	backups store.BackupRepo
}

var _ export.QuotaService = (*UsageQuota)(nil)

// NewUsageQuota creates a quota service over the given repositories.
func NewUsageQuota(owners store.OwnerRepo, backups store.BackupRepo) *UsageQuota {
	return &UsageQuota{owners: owners, backups: backups}
}

// CheckQuota implements export.QuotaService.
func (q *UsageQuota) CheckQuota(ctx context.Context, ownerID string, additionalBytes int64) (export.ApprovalToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, err := q.owners.GetOwner(ownerID)
	if err != nil {
		return "", fmt.Errorf("load owner %s: %w", ownerID, err)
	}
	if owner == nil {
		return "", fmt.Errorf("owner %s not found", ownerID)
	}
	if owner.QuotaBytes > 0 {
		used, err := q.backups.SumBackupSizes(ownerID)
		if err != nil {
			return "", fmt.Errorf("sum backup sizes: %w", err)
		}
		if used+additionalBytes > owner.QuotaBytes {
			slog.Warn("UsageQuota.CheckQuota: quota exceeded", "ownerID", ownerID, "usedBytes", used, "additionalBytes", additionalBytes, "quotaBytes", owner.QuotaBytes)
			return "", fmt.Errorf("%w: %d used + %d requested exceeds %d", export.ErrQuotaExceeded, used, additionalBytes, owner.QuotaBytes)
		}
	}
	token := export.ApprovalToken(uuid.NewString())
	slog.Debug("UsageQuota.CheckQuota: approved", "ownerID", ownerID, "additionalBytes", additionalBytes)
	return token, nil
}
