// Package httpapi exposes the submit/poll surface over HTTP, per
// SPEC_FULL.md §4.5: a gorilla/mux router, an API-key middleware, and
// request-logging, sitting in front of a jobsbackend.Backend.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimina-labs/asyncjobs/internal/jobsbackend"
	"github.com/kimina-labs/asyncjobs/internal/metrics"
	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

var log = slog.Default()

// Server wires a jobsbackend.Backend into an HTTP mux.
type Server struct {
	backend jobsbackend.Backend
	apiKey  string
	metrics *metrics.Collector
	router  *mux.Router
}

// NewServer builds the router. apiKey, when non-empty, is required on every
// request via the X-API-Key header; an empty apiKey disables the check,
// which is only appropriate for local/dev use.
func NewServer(backend jobsbackend.Backend, apiKey string, collector *metrics.Collector) *Server {
	s := &Server{backend: backend, apiKey: apiKey, metrics: collector}
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/api/async/check", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/async/check/", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/async/check/{job_id}", s.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/api/async/check/{job_id}/", s.handlePoll).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "elapsed_ms", time.Since(started).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authMiddleware rejects requests missing a matching X-API-Key header using
// a constant-time comparison, so response latency can't leak how many
// leading bytes of the key were correct.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req asyncjobs.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Normalize()

	log.Info("async submit received", "snippets", len(req.Snippets), "timeout", req.Timeout, "debug", req.Debug, "reuse", req.Reuse)

	resp, err := s.backend.Submit(r.Context(), req)
	if err != nil {
		var backlogErr *jobsbackend.BacklogFullError
		if errors.As(err, &backlogErr) {
			log.Warn("async submit rejected (backlog full)", "error", err)
			if s.metrics != nil {
				s.metrics.RecordBacklogRejection()
			}
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		log.Error("async submit failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "async queue backend is unavailable")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSubmitted()
	}
	log.Info("async submit accepted", "job_id", resp.JobID, "total_snippets", resp.TotalSnippets, "expires_at", resp.ExpiresAt)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	poll, err := s.backend.Poll(r.Context(), jobID)
	if err != nil {
		log.Error("async poll failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "async queue backend is unavailable")
		return
	}
	if poll == nil {
		log.Warn("async poll miss", "job_id", jobID)
		writeError(w, http.StatusNotFound, "async job not found or expired")
		return
	}

	log.Info("async poll", "job_id", poll.JobID, "status", poll.Status, "done", poll.Progress.Done,
		"failed", poll.Progress.Failed, "running", poll.Progress.Running, "total", poll.Progress.Total, "has_results", poll.Results != nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(poll)
}
