// Package store provides storage backends for VaultPipe.
//
// This file implements the SQLite-backed store for owners, bookmarks, and
// backup records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) SaveOwner(o models.Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO owners (id, backups_enabled, backup_frequency, quota_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.BackupsEnabled, string(o.BackupFrequency), o.QuotaBytes, o.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveOwner failed", "error", err, "ownerID", o.ID)
		return fmt.Errorf("save owner %s failed: %w", o.ID, err)
	}
	slog.Debug("SQLiteStore.SaveOwner succeeded", "ownerID", o.ID)
	return nil
}

func (s *SQLiteStore) GetOwner(id string) (*models.Owner, error) {
	var o models.Owner
	var freq string
	err := s.db.QueryRow(
		`SELECT id, backups_enabled, backup_frequency, quota_bytes, created_at FROM owners WHERE id = ?`, id,
	).Scan(&o.ID, &o.BackupsEnabled, &freq, &o.QuotaBytes, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner failed: %w", err)
	}
	o.BackupFrequency = models.BackupFrequency(freq)
	return &o, nil
}

func (s *SQLiteStore) ListBackupOwners() ([]models.Owner, error) {
	rows, err := s.db.Query(
		`SELECT id, backups_enabled, backup_frequency, quota_bytes, created_at FROM owners WHERE backups_enabled = 1`,
	)
	if err != nil {
		slog.Error("SQLiteStore.ListBackupOwners query failed", "error", err)
		return nil, fmt.Errorf("list backup owners failed: %w", err)
	}
	defer rows.Close()

	var owners []models.Owner
	for rows.Next() {
		var o models.Owner
		var freq string
		if err := rows.Scan(&o.ID, &o.BackupsEnabled, &freq, &o.QuotaBytes, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan owner row failed: %w", err)
		}
		o.BackupFrequency = models.BackupFrequency(freq)
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owner rows failed: %w", err)
	}
	slog.Debug("SQLiteStore.ListBackupOwners succeeded", "count", len(owners))
	return owners, nil
}

func (s *SQLiteStore) SaveBookmark(b models.Bookmark) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO bookmarks (id, owner_id, title, url, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Title, nilIfEmpty(b.URL), b.Content, b.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveBookmark failed", "error", err, "bookmarkID", b.ID)
		return fmt.Errorf("save bookmark %s failed: %w", b.ID, err)
	}
	return nil
}

// ListBookmarksPage pages through an owner's bookmarks ordered by id. The
// cursor is the id of the last bookmark of the previous page.
func (s *SQLiteStore) ListBookmarksPage(ownerID, cursor string, limit int) ([]models.Bookmark, string, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, title, url, content, created_at FROM bookmarks
		 WHERE owner_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		ownerID, cursor, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore.ListBookmarksPage query failed", "error", err, "ownerID", ownerID)
		return nil, "", fmt.Errorf("list bookmarks page failed: %w", err)
	}
	defer rows.Close()

	bookmarks, err := collectBookmarks(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(bookmarks) == limit {
		next = bookmarks[len(bookmarks)-1].ID
	}
	slog.Debug("SQLiteStore.ListBookmarksPage succeeded", "ownerID", ownerID, "count", len(bookmarks), "more", next != "")
	return bookmarks, next, nil
}

func (s *SQLiteStore) CreateBackup(ownerID string) (*models.Backup, error) {
	now := time.Now()
	b := models.Backup{
		ID:        util.GenerateBackupID(),
		OwnerID:   ownerID,
		Status:    models.BackupStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO backups (id, owner_id, size_bytes, item_count, status, created_at, updated_at)
		 VALUES (?, ?, 0, 0, 'pending', ?, ?)`,
		b.ID, b.OwnerID, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateBackup failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("create backup failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateBackup succeeded", "backupID", b.ID, "ownerID", ownerID)
	return &b, nil
}

func (s *SQLiteStore) GetBackup(ownerID, id string) (*models.Backup, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = ? AND id = ?`, ownerID, id,
	)
	b, err := scanBackupRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup failed: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBackups(ownerID string) ([]models.Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = ? ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		slog.Error("SQLiteStore.ListBackups query failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("list backups failed: %w", err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func (s *SQLiteStore) FinalizeBackupSuccess(id, artifactID string, sizeBytes int64, itemCount int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE backups SET status = 'success', artifact_id = ?, size_bytes = ?, item_count = ?, error_message = NULL, updated_at = ?
		 WHERE id = ?`,
		artifactID, sizeBytes, itemCount, now, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.FinalizeBackupSuccess failed", "error", err, "backupID", id)
		return fmt.Errorf("finalize backup failed: %w", err)
	}
	slog.Debug("SQLiteStore.FinalizeBackupSuccess succeeded", "backupID", id, "sizeBytes", sizeBytes, "itemCount", itemCount)
	return nil
}

func (s *SQLiteStore) MarkBackupFailed(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE backups SET status = 'failure', error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, id,
	)
	if err != nil {
		slog.Error("SQLiteStore.MarkBackupFailed failed", "error", err, "backupID", id)
		return fmt.Errorf("mark backup failed: %w", err)
	}
	slog.Debug("SQLiteStore.MarkBackupFailed succeeded", "backupID", id)
	return nil
}

func (s *SQLiteStore) ListBackupsOlderThan(ownerID string, cutoff time.Time) ([]models.Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = ? AND created_at < ? ORDER BY created_at ASC`, ownerID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list old backups failed: %w", err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func (s *SQLiteStore) DeleteBackup(ownerID, id string) error {
	_, err := s.db.Exec(`DELETE FROM backups WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		slog.Error("SQLiteStore.DeleteBackup failed", "error", err, "backupID", id)
		return fmt.Errorf("delete backup failed: %w", err)
	}
	slog.Debug("SQLiteStore.DeleteBackup succeeded", "backupID", id, "ownerID", ownerID)
	return nil
}

func (s *SQLiteStore) SumBackupSizes(ownerID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(size_bytes) FROM backups WHERE owner_id = ? AND status = 'success'`, ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum backup sizes failed: %w", err)
	}
	return total.Int64, nil
}
