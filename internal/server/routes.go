package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackzampolin/drender/internal/driver"
	"github.com/jackzampolin/drender/internal/state"
	"github.com/jackzampolin/drender/internal/types"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	// Project endpoints
	mux.HandleFunc("POST /api/projects", s.handleProjectRequest)
	mux.HandleFunc("GET /api/projects/{id}", s.handleProjectStatus)

	// Instance health events
	mux.HandleFunc("POST /api/heartbeats", s.handleHeartbeat)
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns basic server health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady returns readiness status.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "starting"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server    string   `json:"server"`
	Projects  []string `json:"projects"`
	Instances int      `json:"instances"`
}

// handleStatus returns detailed control plane status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Server:    "running",
		Projects:  s.store.ProjectIDs(),
		Instances: s.store.InstanceCount(),
	})
}

// handleProjectRequest decodes a ProjectRequest and dispatches on its
// action: START begins a project, STATUS reads one.
func (s *Server) handleProjectRequest(w http.ResponseWriter, r *http.Request) {
	var req types.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case types.ProjectActionStart:
		resp, err := s.driver.StartProject(r.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, state.ErrProjectExists):
				writeError(w, http.StatusConflict, err.Error())
			case errors.Is(err, driver.ErrBrokerMismatch):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusCreated, resp)

	case types.ProjectActionStatus:
		writeJSON(w, http.StatusOK, s.driver.Status(req.ID))

	default:
		writeError(w, http.StatusBadRequest, "action must be START or STATUS")
	}
}

// handleProjectStatus returns a project's status by id. Unknown projects
// yield an empty response.
func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.driver.Status(id))
}

// handleHeartbeat routes an externally submitted instance health event.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb types.InstanceHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if hb.Instance.ID == "" {
		writeError(w, http.StatusBadRequest, "instance id is required")
		return
	}
	if err := s.driver.HandleHeartbeat(&hb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, HealthResponse{Status: "accepted"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
