// Package api provides HTTP handlers and the main API server logic for VaultPipe.
//
// It exposes RESTful endpoints for requesting, listing, downloading and
// deleting backup exports, plus a queue statistics endpoint. The API
// integrates with the export and queue modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/export"
	"github.com/BTreeMap/VaultPipe/internal/queue"
)

// Server holds the dependencies of the HTTP API.
type Server struct {
	exports *export.Service
	queue   *queue.Queue
	httpSrv *http.Server
}

// NewServer creates an API server over the export service and queue.
func NewServer(exports *export.Service, q *queue.Queue) *Server {
	return &Server{exports: exports, queue: q}
}

// routes builds the request mux. Split out so tests can exercise handlers
// without a listening socket.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/backups", s.backupsHandler)
	mux.HandleFunc("/v1/backups/", s.backupHandler)
	mux.HandleFunc("/v1/queue/stats", s.queueStatsHandler)
	return mux
}

// Run serves the API on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return err
		}
		slog.Info("Server.Run: API stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
