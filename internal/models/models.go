// Package models defines the core data types shared across VaultPipe components.
//
// It contains the durable backup record, the exported bookmark shape, owner
// scheduling preferences, and the standard API response envelope.
package models

import (
	"fmt"
	"time"
)

// BackupStatus represents the lifecycle state of a backup record.
type BackupStatus string

const (
	BackupStatusPending BackupStatus = "pending"
	BackupStatusSuccess BackupStatus = "success"
	BackupStatusFailure BackupStatus = "failure"
)

// Terminal reports whether the status is a final state.
func (s BackupStatus) Terminal() bool {
	return s == BackupStatusSuccess || s == BackupStatusFailure
}

// Backup is the durable record of one export run. It is created with status
// pending when the export is requested and finalized exactly once by the
// export pipeline.
type Backup struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	ArtifactID   *string      `json:"artifact_id,omitempty"`
	SizeBytes    int64        `json:"size_bytes"`
	ItemCount    int          `json:"item_count"`
	Status       BackupStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Validate checks the record invariants: success requires an artifact and a
// non-zero size, failure requires an error message.
func (b Backup) Validate() error {
	switch b.Status {
	case BackupStatusSuccess:
		if b.ArtifactID == nil || *b.ArtifactID == "" {
			return fmt.Errorf("backup %s: success without artifact", b.ID)
		}
		if b.SizeBytes <= 0 {
			return fmt.Errorf("backup %s: success with size %d", b.ID, b.SizeBytes)
		}
	case BackupStatusFailure:
		if b.ErrorMessage == "" {
			return fmt.Errorf("backup %s: failure without error message", b.ID)
		}
	case BackupStatusPending:
	default:
		return fmt.Errorf("backup %s: unknown status %q", b.ID, b.Status)
	}
	return nil
}

// Bookmark is the item exported by the backup pipeline. Content is nullable;
// items whose content never materialized are skipped during export rather
// than treated as errors.
type Bookmark struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Content   *string   `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupFrequency is how often an owner's automatic backup runs.
type BackupFrequency string

const (
	FrequencyDaily  BackupFrequency = "daily"
	FrequencyWeekly BackupFrequency = "weekly"
)

// Owner carries the scheduling-relevant subset of a user account. Account
// management itself lives elsewhere; the scheduler only reads these fields.
type Owner struct {
	ID              string          `json:"id"`
	BackupsEnabled  bool            `json:"backups_enabled"`
	BackupFrequency BackupFrequency `json:"backup_frequency"`
	QuotaBytes      int64           `json:"quota_bytes"`
	CreatedAt       time.Time       `json:"created_at"`
}

// API response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
