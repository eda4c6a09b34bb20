// Package store provides storage backends for VaultPipe.
//
// This file implements the PostgreSQL-backed store for owners, bookmarks, and
// backup records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) SaveOwner(o models.Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO owners (id, backups_enabled, backup_frequency, quota_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET backups_enabled = $2, backup_frequency = $3, quota_bytes = $4`,
		o.ID, o.BackupsEnabled, string(o.BackupFrequency), o.QuotaBytes, o.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveOwner failed", "error", err, "ownerID", o.ID)
		return fmt.Errorf("save owner %s failed: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOwner(id string) (*models.Owner, error) {
	var o models.Owner
	var freq string
	err := s.db.QueryRow(
		`SELECT id, backups_enabled, backup_frequency, quota_bytes, created_at FROM owners WHERE id = $1`, id,
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

func (s *PostgresStore) ListBackupOwners() ([]models.Owner, error) {
	rows, err := s.db.Query(
		`SELECT id, backups_enabled, backup_frequency, quota_bytes, created_at FROM owners WHERE backups_enabled = TRUE`,
	)
	if err != nil {
		slog.Error("PostgresStore.ListBackupOwners query failed", "error", err)
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
	return owners, nil
}

func (s *PostgresStore) SaveBookmark(b models.Bookmark) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO bookmarks (id, owner_id, title, url, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET title = $3, url = $4, content = $5`,
		b.ID, b.OwnerID, b.Title, nilIfEmpty(b.URL), b.Content, b.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveBookmark failed", "error", err, "bookmarkID", b.ID)
		return fmt.Errorf("save bookmark %s failed: %w", b.ID, err)
	}
	return nil
}

// ListBookmarksPage pages through an owner's bookmarks ordered by id. The
// cursor is the id of the last bookmark of the previous page.
func (s *PostgresStore) ListBookmarksPage(ownerID, cursor string, limit int) ([]models.Bookmark, string, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, title, url, content, created_at FROM bookmarks
		 WHERE owner_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		ownerID, cursor, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.ListBookmarksPage query failed", "error", err, "ownerID", ownerID)
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
	return bookmarks, next, nil
}

func (s *PostgresStore) CreateBackup(ownerID string) (*models.Backup, error) {
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
		 VALUES ($1, $2, 0, 0, 'pending', $3, $4)`,
		b.ID, b.OwnerID, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateBackup failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("create backup failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateBackup succeeded", "backupID", b.ID, "ownerID", ownerID)
	return &b, nil
}

func (s *PostgresStore) GetBackup(ownerID, id string) (*models.Backup, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = $1 AND id = $2`, ownerID, id,
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

func (s *PostgresStore) ListBackups(ownerID string) ([]models.Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		slog.Error("PostgresStore.ListBackups query failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("list backups failed: %w", err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func (s *PostgresStore) FinalizeBackupSuccess(id, artifactID string, sizeBytes int64, itemCount int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE backups SET status = 'success', artifact_id = $1, size_bytes = $2, item_count = $3, error_message = NULL, updated_at = $4
		 WHERE id = $5`,
		artifactID, sizeBytes, itemCount, now, id,
	)
	if err != nil {
		slog.Error("PostgresStore.FinalizeBackupSuccess failed", "error", err, "backupID", id)
		return fmt.Errorf("finalize backup failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkBackupFailed(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE backups SET status = 'failure', error_message = $1, updated_at = $2 WHERE id = $3`,
		errMsg, now, id,
	)
	if err != nil {
		slog.Error("PostgresStore.MarkBackupFailed failed", "error", err, "backupID", id)
		return fmt.Errorf("mark backup failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBackupsOlderThan(ownerID string, cutoff time.Time) ([]models.Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, artifact_id, size_bytes, item_count, status, error_message, created_at, updated_at
		 FROM backups WHERE owner_id = $1 AND created_at < $2 ORDER BY created_at ASC`, ownerID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list old backups failed: %w", err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func (s *PostgresStore) DeleteBackup(ownerID, id string) error {
	_, err := s.db.Exec(`DELETE FROM backups WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		slog.Error("PostgresStore.DeleteBackup failed", "error", err, "backupID", id)
		return fmt.Errorf("delete backup failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumBackupSizes(ownerID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(size_bytes) FROM backups WHERE owner_id = $1 AND status = 'success'`, ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum backup sizes failed: %w", err)
	}
	return total.Int64, nil
}
