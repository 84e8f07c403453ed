package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
)

// HealthHandler serves liveness plus a dependency snapshot: circuit state,
// reconciled gates, and model load status.
type HealthHandler struct {
	breaker   *circuit.Breaker
	gates     domain.GateStore
	registry  ModelService
	services  []string
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. breaker, gates and registry may be
// nil for services that do not carry them.
func NewHealthHandler(breaker *circuit.Breaker, gates domain.GateStore, registry ModelService, services []string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		breaker:   breaker,
		gates:     gates,
		registry:  registry,
		services:  services,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

type healthResponse struct {
	Status        string          `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64           `json:"uptime_seconds"`
	Circuit       string          `json:"circuit,omitempty"`
	Gates         map[string]bool `json:"gates,omitempty"`
	ModelVersion  string          `json:"model_version,omitempty"`
	ModelLoaded   *bool           `json:"model_loaded,omitempty"`
}

// Check reports process health and dependency state.
// GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	if h.breaker != nil {
		rec, err := h.breaker.State(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Circuit = "unreadable"
		} else {
			resp.Circuit = string(rec.State)
		}
	}

	if h.gates != nil {
		resp.Gates = make(map[string]bool, len(h.services))
		for _, svc := range h.services {
			ok, err := h.gates.IsSet(r.Context(), svc)
			if err != nil {
				h.logger.ErrorContext(r.Context(), "health: gate read failed",
					slog.String("service", svc), slog.String("error", err.Error()))
				resp.Status = "degraded"
			}
			resp.Gates[svc] = ok
		}
	}

	if h.registry != nil {
		loaded := true
		if m, err := h.registry.Current(); err != nil {
			loaded = false
			resp.Status = "degraded"
		} else {
			resp.ModelVersion = m.Version()
		}
		resp.ModelLoaded = &loaded
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
