package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
)

// OrderService is the slice of the execution gateway the order handler needs.
type OrderService interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (domain.SubmitResult, error)
	Cancel(ctx context.Context, clientOrderID, actor string) error
}

// OrderHandler serves the order endpoints.
type OrderHandler struct {
	gateway OrderService
	orders  domain.OrderStore
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(gateway OrderService, orders domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{gateway: gateway, orders: orders, logger: logger}
}

// orderDTO is the wire shape of an order. Decimals travel as strings to keep
// exact values across JSON.
type orderDTO struct {
	ClientOrderID string     `json:"client_order_id"`
	StrategyID    string     `json:"strategy_id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Qty           string     `json:"qty"`
	Type          string     `json:"order_type"`
	LimitPrice    string     `json:"limit_price,omitempty"`
	TimeInForce   string     `json:"time_in_force"`
	Status        string     `json:"status"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	FilledQty     string     `json:"filled_qty"`
	AvgFillPrice  string     `json:"avg_fill_price"`
	Source        string     `json:"source,omitempty"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	TerminalAt    *time.Time `json:"terminal_at,omitempty"`
}

func toOrderDTO(o domain.Order) orderDTO {
	dto := orderDTO{
		ClientOrderID: o.ClientOrderID,
		StrategyID:    o.StrategyID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Qty:           o.Qty.String(),
		Type:          string(o.Type),
		TimeInForce:   string(o.TimeInForce),
		Status:        string(o.Status),
		BrokerOrderID: o.BrokerOrderID,
		FilledQty:     o.FilledQty.String(),
		AvgFillPrice:  o.AvgFillPrice.String(),
		Source:        o.Source,
		RejectReason:  o.RejectReason,
		CreatedAt:     o.CreatedAt,
		SubmittedAt:   o.SubmittedAt,
		TerminalAt:    o.TerminalAt,
	}
	if o.LimitPrice != nil {
		dto.LimitPrice = o.LimitPrice.String()
	}
	return dto
}

// fillDTO is the wire shape of one fill.
type fillDTO struct {
	FillID   string    `json:"fill_id"`
	Qty      string    `json:"qty"`
	Price    string    `json:"price"`
	FillTime time.Time `json:"fill_time"`
}

func toFillDTOs(fills []domain.Fill) []fillDTO {
	out := make([]fillDTO, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillDTO{
			FillID:   f.FillID,
			Qty:      f.Qty.String(),
			Price:    f.Price.String(),
			FillTime: f.FillTime,
		})
	}
	return out
}

// submitResponse wraps a submission result.
type submitResponse struct {
	Order       orderDTO `json:"order"`
	DuplicateOK bool     `json:"duplicate_ok"`
}

// Submit places an order through the idempotent gateway.
// POST /api/v1/orders
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req execution.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		req.Source = "api:" + actorFrom(r)
	}

	res, err := h.gateway.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.DuplicateOK {
		// Retries of the same intent return the existing record.
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Order: toOrderDTO(res.Order), DuplicateOK: res.DuplicateOK})
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []orderDTO `json:"orders"`
}

// List returns orders, open ones by default.
// GET /api/v1/orders?open=true&limit=50&offset=0
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		orders []domain.Order
		err    error
	)
	if r.URL.Query().Get("open") == "false" {
		orders, err = h.orders.List(r.Context(), parseListOpts(r))
	} else {
		orders, err = h.orders.ListOpen(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	out := make([]orderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: out})
}

// Get returns one order with its fills.
// GET /api/v1/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	o, err := h.orders.GetByClientOrderID(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	fills, err := h.orders.FillsForOrder(r.Context(), o.ClientOrderID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Order orderDTO  `json:"order"`
		Fills []fillDTO `json:"fills"`
	}{toOrderDTO(o), toFillDTOs(fills)})
}

// Cancel requests cancellation of one order.
// POST /api/v1/orders/{id}/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.gateway.Cancel(r.Context(), id, actorFrom(r)); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("client_order_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "cancel_requested",
		"client_order_id": id,
	})
}
