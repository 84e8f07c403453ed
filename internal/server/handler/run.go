package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// RunService starts (or resumes) an orchestrator run.
type RunService interface {
	Run(ctx context.Context, date, trigger string) (domain.RunRecord, error)
}

// RunHandler serves orchestration runs.
type RunHandler struct {
	orchestrator RunService
	runs         domain.RunStore
	logger       *slog.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(orchestrator RunService, runs domain.RunStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{orchestrator: orchestrator, runs: runs, logger: logger}
}

type runDTO struct {
	RunID      string               `json:"run_id"`
	StrategyID string               `json:"strategy_id"`
	RunDate    string               `json:"run_date"`
	Trigger    string               `json:"trigger"`
	Outcome    domain.RunOutcome    `json:"outcome"`
	Stages     []domain.StageResult `json:"stages"`
	Report     json.RawMessage      `json:"report,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	EndedAt    *time.Time           `json:"ended_at,omitempty"`
}

func toRunDTO(r domain.RunRecord) runDTO {
	return runDTO{
		RunID:      r.RunID,
		StrategyID: r.StrategyID,
		RunDate:    r.RunDate,
		Trigger:    r.Trigger,
		Outcome:    r.Outcome,
		Stages:     r.Stages,
		Report:     r.Report,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
	}
}

type startRunRequest struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today UTC
}

// Start launches a manual run. Re-invocation with the same date converges on
// the same run record.
// POST /api/v1/orchestration/runs
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.Body != nil {
		// An empty body starts a run for today.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	rec, err := h.orchestrator.Run(r.Context(), req.Date, "manual")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: run failed",
			slog.String("run_id", rec.RunID), slog.String("error", err.Error()))
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(rec))
}

// Get returns one run record by id.
// GET /api/v1/orchestration/runs/{run_id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "run_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}

	rec, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(rec))
}

// List returns recent runs.
// GET /api/v1/orchestration/runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, rec := range runs {
		out = append(out, toRunDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}
