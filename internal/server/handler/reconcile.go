package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// ReconcileService runs one reconciliation pass on demand.
type ReconcileService interface {
	Reconcile(ctx context.Context, trigger string) (domain.ReconcileSnapshot, error)
}

// ReconcileHandler serves reconciliation status and manual runs.
type ReconcileHandler struct {
	reconciler ReconcileService
	snapshots  domain.SnapshotStore
	gates      domain.GateStore
	services   []string
	logger     *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler. services lists the gate
// names reported in status.
func NewReconcileHandler(reconciler ReconcileService, snapshots domain.SnapshotStore, gates domain.GateStore, services []string, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconciler: reconciler,
		snapshots:  snapshots,
		gates:      gates,
		services:   services,
		logger:     logger,
	}
}

type snapshotDTO struct {
	ID          int64           `json:"id"`
	Trigger     string          `json:"trigger"`
	BrokerOpen  int             `json:"broker_open"`
	StoreOpen   int             `json:"store_open"`
	Diffs       json.RawMessage `json:"diffs"`
	Actions     json.RawMessage `json:"actions"`
	Outcome     string          `json:"outcome"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

func toSnapshotDTO(s domain.ReconcileSnapshot) snapshotDTO {
	return snapshotDTO{
		ID:          s.ID,
		Trigger:     s.Trigger,
		BrokerOpen:  s.BrokerOpen,
		StoreOpen:   s.StoreOpen,
		Diffs:       s.Diffs,
		Actions:     s.Actions,
		Outcome:     s.Outcome,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

type reconcileStatusResponse struct {
	Gates    map[string]bool `json:"gates"`
	Snapshot *snapshotDTO    `json:"last_snapshot,omitempty"`
}

// Status reports the per-service gates and the latest snapshot.
// GET /api/v1/reconciliation/status
func (h *ReconcileHandler) Status(w http.ResponseWriter, r *http.Request) {
	gates := make(map[string]bool, len(h.services))
	for _, svc := range h.services {
		ok, err := h.gates.IsSet(r.Context(), svc)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: gate read failed",
				slog.String("service", svc), slog.String("error", err.Error()))
		}
		gates[svc] = ok
	}

	resp := reconcileStatusResponse{Gates: gates}
	snap, err := h.snapshots.Latest(r.Context())
	switch {
	case err == nil:
		dto := toSnapshotDTO(snap)
		resp.Snapshot = &dto
	case errors.Is(err, domain.ErrNotFound):
		// No pass recorded yet.
	default:
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Run triggers a manual reconciliation pass and returns its snapshot.
// POST /api/v1/reconciliation/run
func (h *ReconcileHandler) Run(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reconciler.Reconcile(r.Context(), "manual")
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}
