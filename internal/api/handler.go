// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/health"
	"trainingjobs/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// IdempotencyKeyHeader carries the request token when the body does not.
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	JobID string `json:"jobId,omitempty"`
}

// CreateJob handles POST /v1/jobs.
// A submission failure answers 502 but still names the created job so the
// caller can retry with the same request token.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		if req.RequestToken != "" && req.RequestToken != key {
			h.writeError(w, http.StatusBadRequest, "requestToken and "+IdempotencyKeyHeader+" header disagree")
			return
		}
		req.RequestToken = key
	}

	resp, err := h.svc.StartJob(r.Context(), &req)
	if err != nil {
		if resp != nil && errors.Is(err, apperrors.ErrSubmission) {
			slog.WarnContext(r.Context(), "Job created but not submitted", "jobId", resp.JobID, "error", err)
			h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), JobID: resp.JobID})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.ListJobs(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.svc.GetJobStatus(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// CancelJob handles DELETE /v1/jobs/{jobId}. Cancelling a finished job is
// not an error; the response carries the state either way.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.svc.CancelJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// GetArtifacts handles GET /v1/jobs/{jobId}/artifacts
func (h *Handler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	artifacts, err := h.svc.GetArtifacts(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, artifacts)
}

// PerformanceResponse wraps the performance history.
type PerformanceResponse struct {
	History []job.PerformancePoint `json:"history"`
}

// Performance handles GET /v1/performance
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}

	points, err := h.svc.PerformanceHistory(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PerformanceResponse{History: points})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the store or the runner is unavailable. A degraded
// optional dependency still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// limitParam parses the optional limit query parameter. It writes the error
// response itself and reports false when the value is invalid.
func (h *Handler) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
// Internal causes are logged but not exposed.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	body := errorResponse{Error: err.Error()}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
	}

	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
		if status == http.StatusInternalServerError {
			body = errorResponse{Error: "internal error"}
		}
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, body)
}
