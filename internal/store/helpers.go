package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/VaultPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanBackupRow scans a Backup from a single sql.Row.
func scanBackupRow(row *sql.Row) (models.Backup, error) {
	var b models.Backup
	var artifactID, errMsg sql.NullString
	err := row.Scan(
		&b.ID, &b.OwnerID, &artifactID, &b.SizeBytes, &b.ItemCount, &b.Status,
		&errMsg, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return b, err
	}
	if artifactID.Valid {
		b.ArtifactID = &artifactID.String
	}
	b.ErrorMessage = errMsg.String
	return b, nil
}

// collectBackups scans all Backup rows.
func collectBackups(rows *sql.Rows) ([]models.Backup, error) {
	var backups []models.Backup
	for rows.Next() {
		var b models.Backup
		var artifactID, errMsg sql.NullString
		err := rows.Scan(
			&b.ID, &b.OwnerID, &artifactID, &b.SizeBytes, &b.ItemCount, &b.Status,
			&errMsg, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan backup row failed: %w", err)
		}
		if artifactID.Valid {
			b.ArtifactID = &artifactID.String
		}
		b.ErrorMessage = errMsg.String
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup rows failed: %w", err)
	}
	return backups, nil
}

// collectBookmarks scans all Bookmark rows.
func collectBookmarks(rows *sql.Rows) ([]models.Bookmark, error) {
	var bookmarks []models.Bookmark
	for rows.Next() {
		var b models.Bookmark
		var url, content sql.NullString
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Title, &url, &content, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark row failed: %w", err)
		}
		b.URL = url.String
		if content.Valid {
			b.Content = &content.String
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmark rows failed: %w", err)
	}
	return bookmarks, nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, leaseToken, dedupeKey sql.NullString
	var leaseExpiresAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Topic, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &leaseToken, &leaseExpiresAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.LeaseToken = leaseToken.String
	j.DedupeKey = dedupeKey.String
	if leaseExpiresAt.Valid {
		j.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, leaseToken, dedupeKey sql.NullString
	var leaseExpiresAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Topic, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &leaseToken, &leaseExpiresAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.LeaseToken = leaseToken.String
	j.DedupeKey = dedupeKey.String
	if leaseExpiresAt.Valid {
		j.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	return j, nil
}
