// Package assets provides local filesystem artifact storage and the quota
// policy that gates writes into it.
package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/VaultPipe/internal/export"
)

// FSStore keeps archives on the local filesystem under root/<ownerID>/
// <artifactID>.zip. It satisfies export.AssetStore.
type FSStore struct {
	root string
}

var _ export.AssetStore = (*FSStore)(nil)

// NewFSStore creates the root directory if needed and returns a store over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("asset root directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create asset root %s: %w", root, err)
	}
	slog.Debug("NewFSStore: asset store ready", "root", root)
	return &FSStore{root: root}, nil
}

func (s *FSStore) artifactPath(ownerID, artifactID string) string {
	return filepath.Join(s.root, ownerID, artifactID+".zip")
}

// Save copies the file at sourcePath into the store. The approval token is
// required so callers cannot skip the quota check; metadata is currently
// informational only.
func (s *FSStore) Save(ctx context.Context, ownerID, artifactID, sourcePath string, metadata map[string]string, token export.ApprovalToken) error {
	if token == "" {
		return fmt.Errorf("save artifact %s: missing quota approval", artifactID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source %s: %w", sourcePath, err)
	}
	defer src.Close()

	dest := s.artifactPath(ownerID, artifactID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create owner directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never observe a
	// partially written archive.
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+artifactID+".*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	written, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish artifact: %w", err)
	}
	slog.Info("FSStore.Save: artifact stored", "ownerID", ownerID, "artifactID", artifactID, "bytes", written)
	return nil
}

// Delete removes an artifact. Deleting an absent artifact is not an error.
func (s *FSStore) Delete(ctx context.Context, ownerID, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.artifactPath(ownerID, artifactID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact %s: %w", artifactID, err)
	}
	return nil
}

// Open returns a reader over a stored artifact.
func (s *FSStore) Open(ctx context.Context, ownerID, artifactID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.artifactPath(ownerID, artifactID))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", artifactID, err)
	}
	return f, nil
}
