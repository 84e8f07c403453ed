package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
)

// CircuitHandler serves circuit breaker state and transitions.
type CircuitHandler struct {
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// NewCircuitHandler creates a CircuitHandler.
func NewCircuitHandler(breaker *circuit.Breaker, logger *slog.Logger) *CircuitHandler {
	return &CircuitHandler{breaker: breaker, logger: logger}
}

type circuitStateResponse struct {
	Record          domain.CircuitRecord `json:"record"`
	ReadFailureSeen bool                 `json:"read_failure_seen"`
}

// State returns the current breaker record.
// GET /api/v1/circuit
func (h *CircuitHandler) State(w http.ResponseWriter, r *http.Request) {
	rec, err := h.breaker.State(r.Context())
	if err != nil {
		// An unreadable coordination store reads as tripped to callers.
		writeJSON(w, http.StatusServiceUnavailable, circuitStateResponse{
			Record:          domain.CircuitRecord{State: domain.CircuitTripped},
			ReadFailureSeen: true,
		})
		return
	}
	writeJSON(w, http.StatusOK, circuitStateResponse{
		Record:          rec,
		ReadFailureSeen: h.breaker.ReadFailureSeen(),
	})
}

type tripRequest struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// Trip forces the breaker to TRIPPED.
// POST /api/v1/circuit/trip
func (h *CircuitHandler) Trip(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.breaker.Trip(r.Context(), domain.TripReasonManual, req.Reason+" "+req.Details, actorFrom(r)); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.State(w, r)
}

// Reset requests the TRIPPED to QUIET_PERIOD transition.
// POST /api/v1/circuit/reset
func (h *CircuitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.breaker.RequestReset(r.Context(), actorFrom(r)); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.State(w, r)
}

// Reopen moves QUIET_PERIOD to OPEN once the cool-down has elapsed.
// POST /api/v1/circuit/reopen
func (h *CircuitHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	if err := h.breaker.Reopen(r.Context(), actorFrom(r)); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.State(w, r)
}
