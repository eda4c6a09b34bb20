// Package api provides HTTP handlers for VaultPipe endpoints.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/models"
)

// ownerIDHeader carries the authenticated owner identity. Authentication
// itself is handled upstream; this service trusts the header.
const ownerIDHeader = "X-Owner-ID"

func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(ownerIDHeader)
	if id == "" {
		slog.Warn("Server: missing owner header", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing "+ownerIDHeader+" header"))
		return "", false
	}
	return id, true
}

// backupsHandler serves POST /v1/backups (request an export) and
// GET /v1/backups (list the owner's backups).
func (s *Server) backupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.backupsHandler: processing request", "method", r.Method, "path", r.URL.Path)

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		backup, err := s.exports.EnqueueExport(r.Context(), owner)
		if err != nil {
			slog.Error("Server.backupsHandler: failed to enqueue export", "error", err, "ownerID", owner)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue export"))
			return
		}
		slog.Info("Server.backupsHandler: export requested", "ownerID", owner, "backupID", backup.ID)
		writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Export queued", backup))
	case http.MethodGet:
		backups, err := s.exports.ListExports(owner)
		if err != nil {
			slog.Error("Server.backupsHandler: failed to list backups", "error", err, "ownerID", owner)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list backups"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(backups))
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.backupsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// backupHandler serves GET/DELETE /v1/backups/{id} and
// GET /v1/backups/{id}/download.
func (s *Server) backupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.backupHandler: processing request", "method", r.Method, "path", r.URL.Path)

	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/backups/")
	backupID, suffix, _ := strings.Cut(rest, "/")
	if backupID == "" || (suffix != "" && suffix != "download") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	if suffix == "download" {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.downloadBackup(w, r, owner, backupID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		backup, err := s.exports.GetExport(owner, backupID)
		if err != nil {
			if errors.Is(err, export.ErrNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Backup not found"))
				return
			}
			slog.Error("Server.backupHandler: failed to get backup", "error", err, "backupID", backupID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get backup"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(backup))
	case http.MethodDelete:
		if err := s.exports.DeleteExport(r.Context(), owner, backupID); err != nil {
			if errors.Is(err, export.ErrNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Backup not found"))
				return
			}
			slog.Error("Server.backupHandler: failed to delete backup", "error", err, "backupID", backupID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete backup"))
			return
		}
		slog.Info("Server.backupHandler: backup deleted", "ownerID", owner, "backupID", backupID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Backup deleted", nil))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		slog.Warn("Server.backupHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) downloadBackup(w http.ResponseWriter, r *http.Request, owner, backupID string) {
	rc, backup, err := s.exports.DownloadExport(r.Context(), owner, backupID)
	if err != nil {
		if errors.Is(err, export.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Backup not found"))
			return
		}
		slog.Error("Server.downloadBackup: failed to open artifact", "error", err, "backupID", backupID)
		writeJSONResponse(w, http.StatusConflict, models.Error("Backup is not ready for download"))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", export.ArchiveContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="backup-`+backup.ID+`.zip"`)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already out; nothing to do but log.
		slog.Error("Server.downloadBackup: streaming failed", "error", err, "backupID", backupID)
		return
	}
	slog.Info("Server.downloadBackup: artifact served", "ownerID", owner, "backupID", backupID)
}

// queueStatsHandler serves GET /v1/queue/stats.
func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.queueStatsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("Server.queueStatsHandler: failed to collect stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to collect queue stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
