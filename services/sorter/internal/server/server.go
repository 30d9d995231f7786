// Package server exposes the operator endpoint of a running sort: health,
// Prometheus metrics and the list of records still pending.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/internal/util"
	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/pkg/metrics"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store   store.Store
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// Server serves the ops endpoints.
type Server struct {
	store   store.Store
	metrics *metrics.Pipeline
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	s := &Server{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.logger, s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/books/pending", s.handlePending)
	s.mux.HandleFunc("/books/counts", s.handleCounts)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pendingBook struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	FilePath    string     `json:"file_path"`
	Fingerprint string     `json:"fingerprint"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.store.ListPending(r.Context())
	if err != nil {
		s.logger.Error("list pending failed", "err", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "list pending failed")
		return
	}
	out := make([]pendingBook, 0, len(books))
	for _, b := range books {
		out = append(out, pendingBook{
			ID:          b.ID,
			Filename:    b.Filename,
			FilePath:    b.FilePath,
			Fingerprint: b.Fingerprint,
			StartedAt:   b.ProcessingStartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "books": out})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	out := make(map[string]int, len(counts))
	for _, status := range []domain.BookStatus{
		domain.StatusPending,
		domain.StatusProcessed,
		domain.StatusFailed,
		domain.StatusDuplicateHash,
		domain.StatusDuplicateIdentifier,
	} {
		out[string(status)] = counts[status]
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// Serve runs the handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
