// Package facade is the thin HTTP surface in front of the orchestrator:
// the streaming execute endpoint, workspace file listing, health, version,
// and metrics. Authentication here is a single API key check; real tenant
// auth, rate limiting, and CRUD live in an upstream collaborator.
package facade

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
	"github.com/terusibata/workspace-sandbox/internal/filesync"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
	"github.com/terusibata/workspace-sandbox/internal/orchestrator"
)

// Server serves the substrate's HTTP API.
type Server struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	files *filesync.Syncer
}

// New creates a Server.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, files *filesync.Syncer) *Server {
	return &Server{cfg: cfg, orch: orch, files: files}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/conversations/{id}/execute", s.authenticated(s.handleExecute))
	mux.HandleFunc("GET /v1/conversations/{id}/files", s.authenticated(s.handleListFiles))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.authenticated(s.handleDestroy))

	return s.instrumented(mux)
}

// instrumented wraps the mux with request counting and timing.
func (s *Server) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// authenticated enforces the API key when one is configured.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				const bearer = "Bearer "
				if auth := r.Header.Get("Authorization"); len(auth) > len(bearer) && auth[:len(bearer)] == bearer {
					key = auth[len(bearer):]
				}
			}
			if key != s.cfg.APIKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    config.Version,
		"git_commit": config.GitCommit,
		"build_time": config.BuildTime,
	})
}

// streamSink writes protocol lines to the HTTP response, flushing after
// every event so the caller sees them as they happen.
type streamSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *streamSink) Send(line string) error {
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	req.ConversationID = r.PathValue("id")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	sink := &streamSink{w: w, f: flusher}

	if err := s.orch.Execute(r.Context(), req, sink); err != nil {
		// Execute only errors before the first event is written, so a
		// plain status response is still possible here.
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errdefs.ErrConversationLocked):
			status = http.StatusConflict
		case errors.Is(err, errdefs.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, errdefs.ErrContainerUnavailable), errors.Is(err, errdefs.ErrProxyUnavailable):
			status = http.StatusServiceUnavailable
		}
		slog.Error("execute failed", "conversation", req.ConversationID, "status", status, "error", err)
		http.Error(w, err.Error(), status)
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	records, err := s.files.ListRecords(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"files": records})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Destroy(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
