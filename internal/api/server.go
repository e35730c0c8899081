// Package api exposes the job endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"book-pipeline/internal/config"
	"book-pipeline/internal/jobs"
	"book-pipeline/internal/logging"
	"book-pipeline/internal/models"
	"book-pipeline/internal/paginate"
	"book-pipeline/internal/ratelimit"
	"book-pipeline/internal/telemetry"
)

// maxBodyBytes bounds a job creation request.
const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg     config.Config
	jobs    *jobs.Coordinator
	limiter ratelimit.Limiter
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg config.Config, coord *jobs.Coordinator, limiter ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    coord,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(passwordGate(s.cfg.AdminPassword))
		r.Get("/", s.handleKinds)
		r.Post("/{kind}", s.handleCreate)
		r.Get("/{kind}", s.handleList)
		r.Get("/{kind}/{id}", s.handleGet)
		r.Get("/{kind}/{id}/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": s.jobs.Kinds()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	input := map[string]any{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be a JSON object")
		return
	}

	if s.limiter != nil {
		tenant := tenantFromRequest(r)
		allowed, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			logging.FromContext(r.Context()).Error("rate limit check failed", "tenant", tenant, "error", err)
			writeError(w, http.StatusInternalServerError, "RATE_LIMIT_ERROR", "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limited")
			return
		}
	}

	job, _, err := s.jobs.Create(r.Context(), kind, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "job_id", job.ID, "kind", kind).Info("job created")
	w.Header().Set("Location", r.URL.Path+"/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	status := r.URL.Query().Get("status")
	if status != "" && !validStatus(status) {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status "+status)
		return
	}

	all, err := s.jobs.List(r.Context(), kind, jobs.Filter{Status: status})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := paginate.Paginate(all, paginate.ParseQuery(r.URL.Query()), jobs.SortKeys.Func())
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.jobs.Events(r.Context(), job.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := paginate.Paginate(events, paginate.ParseQuery(r.URL.Query()), jobs.EventSortKeys.Func())
	writeJSON(w, http.StatusOK, page)
}

// fail maps a coordinator error to a response. Anything unrecognized is a
// storage or internal fault and its detail stays in the log.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "UNKNOWN_KIND", err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func validStatus(status string) bool {
	switch status {
	case models.StatusQueued, models.StatusRunning, models.StatusSucceeded, models.StatusFailed:
		return true
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
