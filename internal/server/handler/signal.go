package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/model"
	"github.com/quantops/tradectl/internal/signal"
)

// SignalService generates signal sets.
type SignalService interface {
	Generate(ctx context.Context, req signal.Request) (domain.SignalSet, error)
}

// ModelService is the slice of the registry the handlers need.
type ModelService interface {
	Current() (*model.Model, error)
	Poll(ctx context.Context) (model.ReloadResult, error)
	LoadFailures() int64
}

// SignalHandler serves signal generation and model registry endpoints.
type SignalHandler struct {
	signals  SignalService
	registry ModelService
	logger   *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals SignalService, registry ModelService, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{signals: signals, registry: registry, logger: logger}
}

// Generate scores a universe with the current model.
// POST /api/v1/signals/generate
func (h *SignalHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req signal.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AsOfDate == "" {
		writeError(w, http.StatusBadRequest, "as_of_date is required")
		return
	}

	set, err := h.signals.Generate(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// modelInfoResponse describes the loaded model.
type modelInfoResponse struct {
	StrategyID   string `json:"strategy_id"`
	Version      string `json:"version"`
	Family       string `json:"family"`
	ModelPath    string `json:"model_path"`
	Fingerprint  string `json:"fingerprint"`
	LoadFailures int64  `json:"load_failures"`
}

// ModelInfo returns the loaded model's identity, or 503 when none is loaded.
// GET /api/v1/model/info
func (h *SignalHandler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	m, err := h.registry.Current()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, modelInfoResponse{
		StrategyID:   m.Meta.StrategyID,
		Version:      m.Meta.Version,
		Family:       string(m.Meta.Family),
		ModelPath:    m.Meta.ModelPath,
		Fingerprint:  m.Fingerprint,
		LoadFailures: h.registry.LoadFailures(),
	})
}

// Reload forces an immediate registry poll.
// POST /api/v1/model/reload
func (h *SignalHandler) Reload(w http.ResponseWriter, r *http.Request) {
	res, err := h.registry.Poll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: model reload failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
