package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// PositionHandler serves position queries.
type PositionHandler struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type positionDTO struct {
	Symbol        string    `json:"symbol"`
	Qty           string    `json:"qty"`
	AvgEntryPrice string    `json:"avg_entry_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type listPositionsResponse struct {
	Positions []positionDTO `json:"positions"`
}

// List returns all current positions.
// GET /api/v1/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionDTO{
			Symbol:        p.Symbol,
			Qty:           p.Qty.String(),
			AvgEntryPrice: p.AvgEntryPrice.String(),
			UpdatedAt:     p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}
