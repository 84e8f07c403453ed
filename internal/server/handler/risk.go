package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/risk"
)

// PlanService turns target weights into an order plan.
type PlanService interface {
	Plan(ctx context.Context, req risk.PlanRequest) (risk.Plan, error)
}

// RiskHandler serves the risk planning endpoint.
type RiskHandler struct {
	planner PlanService
	logger  *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(planner PlanService, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{planner: planner, logger: logger}
}

// planRequest is the wire shape of a planning call. Marks and portfolio value
// travel as strings to keep exact decimals.
type planRequest struct {
	StrategyID     string             `json:"strategy_id"`
	Weights        map[string]float64 `json:"weights"`
	Marks          map[string]string  `json:"marks"`
	PortfolioValue string             `json:"portfolio_value"`
}

type plannedOrderDTO struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Qty      string `json:"qty"`
	Type     string `json:"order_type"`
	Reducing bool   `json:"reducing"`
}

type planResponse struct {
	Orders     []plannedOrderDTO `json:"orders"`
	Rejections []risk.Rejection  `json:"rejections"`
}

// Plan computes an order plan for the given target weights.
// POST /api/v1/risk/plan
func (h *RiskHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pv, err := decimal.NewFromString(req.PortfolioValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid portfolio_value: "+req.PortfolioValue)
		return
	}
	marks := make(map[string]decimal.Decimal, len(req.Marks))
	for sym, v := range req.Marks {
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid mark for "+sym+": "+v)
			return
		}
		marks[sym] = d
	}

	plan, err := h.planner.Plan(r.Context(), risk.PlanRequest{
		StrategyID:     req.StrategyID,
		Weights:        domain.TargetWeights(req.Weights),
		Marks:          marks,
		PortfolioValue: pv,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := planResponse{
		Orders:     make([]plannedOrderDTO, 0, len(plan.Orders)),
		Rejections: plan.Rejections,
	}
	if resp.Rejections == nil {
		resp.Rejections = []risk.Rejection{}
	}
	for _, o := range plan.Orders {
		resp.Orders = append(resp.Orders, plannedOrderDTO{
			Symbol:   o.Symbol,
			Side:     string(o.Side),
			Qty:      o.Qty.String(),
			Type:     string(o.Type),
			Reducing: o.Reducing,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
