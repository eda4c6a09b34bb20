// Package store provides storage backends for VaultPipe.
//
// It defines repository interfaces for owners, bookmarks, backup records, and
// durable jobs, with SQLite and PostgreSQL implementations behind them.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". PostgreSQL DSNs
// use URL or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option configures store options.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// OwnerRepo exposes the scheduling-relevant view of accounts.
type OwnerRepo interface {
	// SaveOwner inserts or updates an owner row.
	SaveOwner(o models.Owner) error

	// GetOwner retrieves one owner, or nil if absent.
	GetOwner(id string) (*models.Owner, error)

	// ListBackupOwners returns all owners with backups enabled.
	ListBackupOwners() ([]models.Owner, error)
}

// BookmarkRepo provides cursor-paginated access to an owner's bookmarks.
type BookmarkRepo interface {
	// SaveBookmark inserts or updates a bookmark.
	SaveBookmark(b models.Bookmark) error

	// ListBookmarksPage returns up to limit bookmarks for the owner, starting
	// after the opaque cursor (empty for the first page), in stable order.
	// The returned cursor is empty when no further pages exist.
	ListBookmarksPage(ownerID, cursor string, limit int) ([]models.Bookmark, string, error)
}

// BackupRepo manages durable backup records.
type BackupRepo interface {
	// CreateBackup inserts a new pending record for the owner.
	CreateBackup(ownerID string) (*models.Backup, error)

	// GetBackup retrieves one record scoped by owner, or nil if absent.
	GetBackup(ownerID, id string) (*models.Backup, error)

	// ListBackups returns the owner's records, newest first.
	ListBackups(ownerID string) ([]models.Backup, error)

	// FinalizeBackupSuccess marks a record successful with its artifact
	// reference, final size, and item count.
	FinalizeBackupSuccess(id, artifactID string, sizeBytes int64, itemCount int) error

	// MarkBackupFailed marks a record failed with the given message.
	MarkBackupFailed(id, errMsg string) error

	// ListBackupsOlderThan returns the owner's records created before cutoff.
	ListBackupsOlderThan(ownerID string, cutoff time.Time) ([]models.Backup, error)

	// DeleteBackup removes a record scoped by owner.
	DeleteBackup(ownerID, id string) error

	// SumBackupSizes returns the total artifact bytes of the owner's
	// successful backups, used for quota accounting.
	SumBackupSizes(ownerID string) (int64, error)
}

// Store is the combined persistence interface the application wires together.
type Store interface {
	OwnerRepo
	BookmarkRepo
	BackupRepo
	JobRepo
	Close() error
}
