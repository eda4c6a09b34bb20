// Package export implements the streaming backup-export pipeline.
//
// An export job streams the owner's bookmarks out of storage in bounded
// batches, serializes them incrementally into a JSON document on disk,
// compresses the document into a zip archive, clears the compressed size
// against the owner's storage quota, persists the artifact, and finalizes the
// durable backup record. Memory use is bounded by the batch size regardless
// of how many bookmarks the owner has.
package export

import (
	"context"
	"errors"
	"io"
)

// Topic is the queue topic export jobs run on.
const Topic = "backup-export"

// ArchiveContentType is the MIME type of produced artifacts.
const ArchiveContentType = "application/zip"

// JobPayload is the JSON body of an export job. BackupID is set when the
// pending record was created before enqueue (user-requested exports); the
// handler creates the record itself when it is empty (scheduled exports).
type JobPayload struct {
	OwnerID  string `json:"owner_id"`
	BackupID string `json:"backup_id,omitempty"`
}

// ErrQuotaExceeded is returned when the compressed artifact would not fit in
// the owner's remaining storage quota. It is never retried.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ApprovalToken proves a prospective write was pre-cleared against the
// owner's quota; it is consumed by the asset store at write time.
type ApprovalToken string

// QuotaService pre-clears prospective writes against an owner's storage
// quota.
type QuotaService interface {
	// CheckQuota approves additionalBytes of new storage for the owner or
	// returns ErrQuotaExceeded.
	CheckQuota(ctx context.Context, ownerID string, additionalBytes int64) (ApprovalToken, error)
}

// AssetStore persists and serves artifact blobs.
type AssetStore interface {
	// Save stores the file at sourcePath under (ownerID, artifactID),
	// consuming the quota approval token.
	Save(ctx context.Context, ownerID, artifactID, sourcePath string, metadata map[string]string, token ApprovalToken) error

	// Delete removes the artifact.
	Delete(ctx context.Context, ownerID, artifactID string) error

	// Open returns a reader over the artifact bytes.
	Open(ctx context.Context, ownerID, artifactID string) (io.ReadCloser, error)
}
