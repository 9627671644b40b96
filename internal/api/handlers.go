package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/ledger"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/pipeline"
)

// JobRunner is the part of pipeline.Runner the API drives.
type JobRunner interface {
	Submit(ctx context.Context, job domain.Job, progress domain.ProgressFunc) *pipeline.Handle
	Get(id string) (*pipeline.Handle, bool)
}

// JobHandler serves job submission, status and cancellation.
type JobHandler struct {
	base   context.Context // jobs outlive the request that created them
	runner JobRunner
	ledger *ledger.Ledger
	logger *observability.Logger
}

// NewJobHandler creates a job handler. ledger may be nil.
func NewJobHandler(base context.Context, runner JobRunner, l *ledger.Ledger, logger *observability.Logger) *JobHandler {
	return &JobHandler{base: base, runner: runner, ledger: l, logger: logger}
}

// SubmitRequestDTO is the body of POST /jobs.
type SubmitRequestDTO struct {
	Input    string   `json:"input"`
	Mode     string   `json:"mode,omitempty"`
	Output   string   `json:"output,omitempty"`
	Formats  []string `json:"formats,omitempty"`
	DPI      int      `json:"dpi,omitempty"`
	Compress bool     `json:"compress,omitempty"`
}

// ProgressDTO mirrors domain.ProgressEvent.
type ProgressDTO struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// JobDTO is the job representation returned by the API.
type JobDTO struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Progress *ProgressDTO      `json:"progress,omitempty"`
	Result   *domain.JobResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Submit handles POST /jobs.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Input == "" {
		h.writeError(w, http.StatusBadRequest, "input is required", "")
		return
	}
	switch domain.InputMode(req.Mode) {
	case "", domain.ModeSingle, domain.ModeFolder, domain.ModePDF:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid mode", req.Mode)
		return
	}
	if req.DPI < 0 {
		h.writeError(w, http.StatusBadRequest, "dpi must not be negative", "")
		return
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Input:      req.Input,
		Mode:       domain.InputMode(req.Mode),
		OutputRoot: req.Output,
		DPI:        req.DPI,
		Compress:   req.Compress,
	}
	for _, f := range req.Formats {
		format := domain.OutputFormat(f)
		if format != domain.FormatPDF && format != domain.FormatHOCR {
			h.writeError(w, http.StatusBadRequest, "invalid format", f)
			return
		}
		job.Formats = append(job.Formats, format)
	}

	handle := h.runner.Submit(h.base, job, nil)
	h.logger.Info().Str("job_id", handle.ID).Str("input", req.Input).Msg("job submitted")

	w.Header().Set("Location", "/api/v1/jobs/"+handle.ID)
	h.writeJSON(w, http.StatusAccepted, JobDTO{ID: handle.ID, Status: handle.Status()})
}

// Get handles GET /jobs/{id}. Jobs no longer held by the runner are looked
// up in the ledger.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if handle, ok := h.runner.Get(id); ok {
		h.writeJSON(w, http.StatusOK, handleDTO(handle))
		return
	}

	if h.ledger != nil {
		run, err := h.ledger.Get(r.Context(), id)
		switch {
		case err == nil:
			failures, _ := h.ledger.Failures(r.Context(), id)
			h.writeJSON(w, http.StatusOK, JobDTO{ID: id, Status: string(run.Status), Result: &domain.JobResult{
				JobID:     run.JobID,
				Status:    run.Status,
				Processed: run.Processed,
				Failed:    run.Failed,
				Total:     run.Total,
				Outputs:   run.Outputs,
				Failures:  failures,
				Session:   run.Session,
				StartedAt: run.StartedAt,
				Duration:  run.Duration,
			}})
			return
		case !errors.Is(err, ledger.ErrNotFound):
			h.logger.Error().Err(err).Str("job_id", id).Msg("ledger lookup failed")
			h.writeError(w, http.StatusInternalServerError, "ledger lookup failed", err.Error())
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "job not found", id)
}

// Cancel handles DELETE /jobs/{id}. Finished jobs known only to the ledger
// answer 409 like live ones.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, ok := h.runner.Get(id)
	if !ok {
		if h.ledger != nil {
			if run, err := h.ledger.Get(r.Context(), id); err == nil {
				h.writeError(w, http.StatusConflict, "job already finished", string(run.Status))
				return
			}
		}
		h.writeError(w, http.StatusNotFound, "job not found", id)
		return
	}
	select {
	case <-handle.Done():
		h.writeError(w, http.StatusConflict, "job already finished", handle.Status())
		return
	default:
	}

	handle.Cancel()
	h.logger.Info().Str("job_id", id).Msg("job cancellation requested")
	h.writeJSON(w, http.StatusAccepted, JobDTO{ID: id, Status: "cancelling"})
}

// List handles GET /jobs, newest first, from the ledger.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.writeError(w, http.StatusNotImplemented, "ledger disabled", "")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	runs, err := h.ledger.Runs(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ledger query failed", err.Error())
		return
	}
	out := make([]JobDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, JobDTO{ID: run.JobID, Status: string(run.Status), Result: &domain.JobResult{
			JobID:     run.JobID,
			Status:    run.Status,
			Processed: run.Processed,
			Failed:    run.Failed,
			Total:     run.Total,
			Session:   run.Session,
			StartedAt: run.StartedAt,
			Duration:  run.Duration,
		}})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func handleDTO(handle *pipeline.Handle) JobDTO {
	ev := handle.Progress()
	dto := JobDTO{
		ID:       handle.ID,
		Status:   handle.Status(),
		Progress: &ProgressDTO{Completed: ev.Completed, Total: ev.Total, Percent: ev.Percent},
	}
	if res, err := handle.Result(); res != nil {
		dto.Result = res
		if err != nil {
			dto.Error = err.Error()
		}
	}
	return dto
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("write response")
	}
}

func (h *JobHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
