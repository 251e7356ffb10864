package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/orchestrator"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"
	"github.com/Ankesh-007/peft-studio-sub012/core/spec"

	"github.com/gorilla/mux"
)

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	manager *orchestrator.Manager
}

// NewJobHandler creates a new job handler.
func NewJobHandler(manager *orchestrator.Manager) *JobHandler {
	return &JobHandler{manager: manager}
}

// SubmitJobRequest represents the request to submit a job.
type SubmitJobRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	SpecYAML string `json:"spec_yaml"`
}

// SubmitJobResponse represents the response after submitting a job.
type SubmitJobResponse struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitJob handles POST /v1/jobs.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "provider is required")
		return
	}

	cfg, err := spec.ParseTrainingSpec(req.SpecYAML)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SPEC", err.Error())
		return
	}

	job, err := h.manager.SubmitJob(r.Context(), cfg, req.Provider, req.Name, req.SpecYAML)
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitJobResponse{
		ID:        job.ID,
		State:     string(job.State),
		Provider:  job.Provider,
		CreatedAt: job.CreatedAt,
	})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.manager.GetStatus(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /v1/jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repository.ListFilter{
		Provider: r.URL.Query().Get("provider"),
	}
	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		state := models.JobState(stateParam)
		filter.State = &state
	}

	jobs, err := h.manager.ListJobs(filter)
	if err != nil {
		writeJobError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  items,
		"count": len(items),
	})
}

// CancelJob handles POST /v1/jobs/{id}/cancel.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	result, err := h.manager.CancelJob(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        result.State,
		"completed_at": result.CompletedAt,
		"message":      result.Message,
	})
}

// PauseJob handles POST /v1/jobs/{id}/pause.
func (h *JobHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.manager.PauseJob(r.Context(), jobID); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": models.JobStatePaused})
}

// ResumeJob handles POST /v1/jobs/{id}/resume.
func (h *JobHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.manager.ResumeJob(r.Context(), jobID); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": models.JobStateRunning})
}

// DownloadArtifact handles POST /v1/jobs/{id}/artifact.
func (h *JobHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	artifact, err := h.manager.DownloadArtifact(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact_id": artifact.SHA256,
		"path":        artifact.Path,
		"size_bytes":  artifact.SizeBytes,
		"sha256":      artifact.SHA256,
		"created_at":  artifact.CreatedAt,
		"metadata": map[string]interface{}{
			"job_id": jobID,
		},
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events.
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.manager.GetJobEvents(jobID, limit)
	if err != nil {
		writeJobError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(events))
	for _, event := range events {
		item := map[string]interface{}{
			"id":       event.ID,
			"at":       event.At,
			"to_state": event.ToState,
			"reason":   event.Reason,
		}
		if event.FromState != nil {
			item["from_state"] = *event.FromState
		}
		if event.MetaJSON != nil {
			item["meta"] = event.MetaJSON
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": items})
}

// ListProviders handles GET /v1/providers.
func (h *JobHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.manager.Providers(),
	})
}

func jobResponse(job *models.Job) map[string]interface{} {
	response := map[string]interface{}{
		"id":              job.ID,
		"name":            job.Name,
		"state":           job.State,
		"provider":        job.Provider,
		"provider_job_id": job.ProviderJobID,
		"config": map[string]interface{}{
			"base_model":    job.Config.BaseModel,
			"dataset":       job.Config.DatasetURI,
			"algorithm":     job.Config.Algorithm,
			"epochs":        job.Config.Hyperparameters.Epochs,
			"batch_size":    job.Config.Hyperparameters.BatchSize,
			"learning_rate": job.Config.Hyperparameters.LearningRate,
			"total_steps":   job.Config.Hyperparameters.TotalSteps,
		},
		"milestones": job.Milestones,
		"timestamps": map[string]interface{}{
			"created_at":   job.CreatedAt,
			"started_at":   job.StartedAt,
			"completed_at": job.CompletedAt,
		},
	}

	if len(job.MetricHistory) > 0 {
		last := job.MetricHistory[len(job.MetricHistory)-1]
		response["current_metrics"] = map[string]interface{}{
			"step":      last.Step,
			"loss":      last.Loss,
			"eval_loss": last.EvalLoss,
			"epoch":     last.Epoch,
		}
	}
	if job.Artifact != nil {
		response["artifact"] = map[string]interface{}{
			"path":       job.Artifact.Path,
			"size_bytes": job.Artifact.SizeBytes,
			"sha256":     job.Artifact.SHA256,
			"created_at": job.Artifact.CreatedAt,
		}
	}
	if job.Quality != nil {
		response["quality"] = job.Quality
	}
	if job.FailureCause != "" {
		response["failure_cause"] = job.FailureCause
	}
	return response
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case oerrors.IsValidation(err):
		writeError(w, http.StatusBadRequest, "INVALID_SPEC", err.Error())
	case oerrors.IsConnectorNotFound(err):
		writeError(w, http.StatusBadRequest, "CONNECTOR_NOT_FOUND", err.Error())
	case oerrors.IsJobNotFound(err):
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
	case oerrors.IsIntegrity(err):
		writeError(w, http.StatusBadGateway, "INTEGRITY_ERROR", err.Error())
	case oerrors.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
