package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/user/listing-crawler/internal/delivery/http/request"
	"github.com/user/listing-crawler/internal/delivery/http/response"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/internal/usecase"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	runs   usecase.RunManager
	checks map[string]HealthCheck
	logger *zap.Logger
}

func NewHandler(runs usecase.RunManager, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runs:   runs,
		checks: checks,
		logger: logger,
	}
}

func (h *Handler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req request.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	run, err := h.runs.Submit(r.Context(), req.ToEntity())
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidRequest) {
			h.writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to submit run", zap.String("query", req.Query), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := response.SubmitRunResponse{
		Status:  "success",
		Message: "Run queued",
		RunID:   run.ID,
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, "Failed to get run", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.NewRunResponse(run))
}

func (h *Handler) HandleGetRecords(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	records, err := h.runs.Records(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, "Failed to get records", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.RecordsResponse{RunID: runID, Count: len(records), Records: records})
}

func (h *Handler) HandleGetFailedJobs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	jobs, err := h.runs.FailedJobs(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, "Failed to get failed jobs", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.NewFailedJobsResponse(runID, jobs))
}

func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		h.writeRunError(w, runID, "Failed to cancel run", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": runID})
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := response.HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeRunError(w http.ResponseWriter, runID, msg string, err error) {
	switch {
	case errors.Is(err, repository.ErrRunNotFound):
		h.writeJSONError(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, usecase.ErrRunFinished), errors.Is(err, usecase.ErrRunNotLocal):
		h.writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(msg, zap.String("run_id", runID), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
