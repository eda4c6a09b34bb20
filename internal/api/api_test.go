package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/VaultPipe/internal/assets"
	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/models"
	"github.com/BTreeMap/VaultPipe/internal/queue"
	"github.com/BTreeMap/VaultPipe/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs, err := assets.NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("failed to create asset store: %v", err)
	}
	q := queue.New(export.Topic, func(ctx context.Context) (queue.Backend, error) {
		return queue.NewSQLBackend(st), nil
	})
	svc := export.NewService(st, q, fs)

	if err := st.SaveOwner(models.Owner{ID: "owner-1", BackupsEnabled: true, BackupFrequency: models.FrequencyDaily}); err != nil {
		t.Fatalf("SaveOwner failed: %v", err)
	}
	return NewServer(svc, q), st
}

func doRequest(t *testing.T, s *Server, method, path, owner string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req.Header.Set(ownerIDHeader, owner)
	}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return resp
}

func TestBackupsRequireOwnerHeader(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/v1/backups", "/v1/backups/bak_x"} {
		w := doRequest(t, s, http.MethodGet, path, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without owner header = %d, want 401", path, w.Code)
		}
	}
}

func TestRequestBackupAndList(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/backups", "owner-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/backups = %d (%s), want 202", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Status != "ok" {
		t.Errorf("response status = %q, want ok", resp.Status)
	}

	w = doRequest(t, s, http.MethodGet, "/v1/backups", "owner-1")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/backups = %d, want 200", w.Code)
	}
	var list struct {
		Result []models.Backup `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("list response not JSON: %v", err)
	}
	if len(list.Result) != 1 || list.Result[0].Status != models.BackupStatusPending {
		t.Errorf("listed backups = %+v, want one pending", list.Result)
	}
}

func TestGetBackupByID(t *testing.T) {
	s, st := newTestServer(t)
	b, err := st.CreateBackup("owner-1")
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/v1/backups/"+b.ID, "owner-1")
	if w.Code != http.StatusOK {
		t.Errorf("GET /v1/backups/{id} = %d, want 200", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/v1/backups/bak_missing", "owner-1")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET missing backup = %d, want 404", w.Code)
	}

	// Another owner's id must read as absent, not forbidden.
	w = doRequest(t, s, http.MethodGet, "/v1/backups/"+b.ID, "owner-2")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET cross-owner backup = %d, want 404", w.Code)
	}
}

func TestDeleteBackup(t *testing.T) {
	s, st := newTestServer(t)
	b, err := st.CreateBackup("owner-1")
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	w := doRequest(t, s, http.MethodDelete, "/v1/backups/"+b.ID, "owner-1")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE = %d (%s), want 200", w.Code, w.Body.String())
	}
	w = doRequest(t, s, http.MethodGet, "/v1/backups/"+b.ID, "owner-1")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
}

func TestDownloadPendingBackupConflicts(t *testing.T) {
	s, st := newTestServer(t)
	b, err := st.CreateBackup("owner-1")
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	w := doRequest(t, s, http.MethodGet, "/v1/backups/"+b.ID+"/download", "owner-1")
	if w.Code != http.StatusConflict {
		t.Errorf("download of pending backup = %d, want 409", w.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	if w := doRequest(t, s, http.MethodPost, "/v1/backups", "owner-1"); w.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/backups = %d, want 202", w.Code)
	}

	w := doRequest(t, s, http.MethodGet, "/v1/queue/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/queue/stats = %d, want 200", w.Code)
	}
	var resp struct {
		Result queue.Stats `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("stats response not JSON: %v", err)
	}
	if resp.Result.Pending != 1 {
		t.Errorf("pending = %d, want 1", resp.Result.Pending)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodPut, "/v1/backups", "owner-1")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /v1/backups = %d, want 405", w.Code)
	}
	w = doRequest(t, s, http.MethodDelete, "/v1/queue/stats", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /v1/queue/stats = %d, want 405", w.Code)
	}
}
