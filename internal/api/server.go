// Package api exposes the planner over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kairos/internal/icloud"
	"kairos/internal/models"
	"kairos/internal/syncer"
)

const maxBodyBytes = 1 << 20

// Planner is the orchestration surface the handlers drive.
type Planner interface {
	Events(ctx context.Context, userID string) ([]models.CalendarEvent, error)
	Plan(ctx context.Context, userID string, tasks []models.TaskRequest, timezone string) (string, error)
	Status(ctx context.Context, userID, jobID string) (models.OptimizationJob, error)
	Commit(ctx context.Context, userID, jobID string, items []models.ScheduledItem) (syncer.CommitReport, error)
}

// Server provides the HTTP API.
type Server struct {
	logger  *slog.Logger
	planner Planner
	auth    Authenticator
	mux     *http.ServeMux
	clock   func() time.Time
}

// NewServer constructs a new Server.
func NewServer(logger *slog.Logger, planner Planner, auth Authenticator) *Server {
	s := &Server{
		logger:  logger,
		planner: planner,
		auth:    auth,
		mux:     http.NewServeMux(),
		clock:   time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /events", s.authed(s.handleEvents))
	s.mux.Handle("POST /optimize", s.authed(s.handleOptimize))
	s.mux.Handle("GET /optimize/status/{job_id}", s.authed(s.handleStatus))
	s.mux.Handle("POST /optimize/{job_id}/commit", s.authed(s.handleCommit))
	s.mux.Handle("GET /optimize/{job_id}/ics", s.authed(s.handleICS))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed wraps a handler with bearer authentication.
func (s *Server) authed(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.auth.Authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kairos"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	events, err := s.planner.Events(r.Context(), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []models.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type optimizeRequest struct {
	Tasks    []models.TaskRequest `json:"tasks"`
	Timezone string               `json:"timezone"`
}

type optimizeResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request, userID string) {
	var req optimizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.planner.Plan(r.Context(), userID, req.Tasks, req.Timezone)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, optimizeResponse{JobID: id, Status: models.StatusProcessing})
}

type statusResponse struct {
	Status   string                 `json:"status"`
	Result   []models.ScheduledItem `json:"result,omitempty"`
	Degraded bool                   `json:"degraded,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Error    *models.JobError       `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID string) {
	job, err := s.planner.Status(r.Context(), userID, r.PathValue("job_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := statusResponse{Status: job.State.Status(), Error: job.Error}
	if job.Result != nil {
		resp.Result = job.Result.Items
		if resp.Result == nil {
			resp.Result = []models.ScheduledItem{}
		}
		resp.Degraded = job.Result.Degraded
		resp.Reason = job.Result.Reason
		resp.Warnings = job.Result.Warnings
	}
	writeJSON(w, http.StatusOK, resp)
}

type commitRequest struct {
	Items []models.ScheduledItem `json:"items"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, userID string) {
	var req commitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.planner.Commit(r.Context(), userID, r.PathValue("job_id"), req.Items)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request, userID string) {
	jobID := r.PathValue("job_id")
	job, err := s.planner.Status(r.Context(), userID, jobID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if job.State != models.JobSucceeded || job.Result == nil {
		writeError(w, http.StatusConflict, "job has not completed")
		return
	}
	loc, err := time.LoadLocation(job.Input.Timezone)
	if err != nil {
		loc = time.UTC
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="kairos-%s.ics"`, jobID))
	if err := icloud.EncodeSchedule(w, jobID, job.Result.Items, loc, s.clock()); err != nil {
		s.logger.Error("Failed to export schedule.", "jobID", jobID, "error", err)
	}
}

// fail maps core errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "reauth_required")
	case errors.Is(err, syncer.ErrNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
	case errors.Is(err, models.ErrProvider):
		s.logger.Warn("Calendar provider error.", "error", err)
		writeError(w, http.StatusBadGateway, "calendar provider error")
	default:
		s.logger.Error("Request failed.", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
