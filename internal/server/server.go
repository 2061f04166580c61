// Package server exposes a small local HTTP endpoint reporting the
// daemon's connection state and cached counts.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mfinley/docsync/internal/push"
	"github.com/mfinley/docsync/internal/store"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connection string `json:"connection"`
	Files      int    `json:"files"`
	Pending    int    `json:"pending"`
	Histories  int    `json:"histories"`
}

// connectionReporter is the subset of the push manager the server needs.
type connectionReporter interface {
	Status() push.Status
}

// Server serves the local status endpoint. Intended to bind to
// localhost only.
type Server struct {
	store  *store.Store
	conn   connectionReporter
	logger *slog.Logger
}

// New creates a status server over the given store and push manager.
func New(st *store.Store, conn connectionReporter, logger *slog.Logger) *Server {
	return &Server{store: st, conn: conn, logger: logger}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	return r
}

// ListenAndServe runs the status server on addr until the context is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("status server listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	files, pending, histories := s.store.Counts()

	resp := StatusResponse{
		Connection: string(s.conn.Status()),
		Files:      files,
		Pending:    pending,
		Histories:  histories,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("writing status response", slog.String("error", err.Error()))
	}
}
