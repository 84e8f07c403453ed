package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	SubmittedAt   time.Time
}

// BrokerPosition is the broker's view of a holding.
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal // signed
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
}

// BrokerAccount carries account-level metadata.
type BrokerAccount struct {
	PortfolioValue decimal.Decimal
	BuyingPower    decimal.Decimal
	Currency       string
	MarketOpen     bool
}

// SubmitRequest is the outbound order payload. The broker deduplicates on
// ClientOrderID and reports retries of the same id via ErrDuplicateOrder
// semantics (duplicate indicator, HTTP 409 on the wire).
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    *decimal.Decimal
	TimeInForce   TimeInForce
}

// BrokerClient is the outbound broker surface. Implementations must return a
// *Error of kind broker_error_retriable for timeouts/5xx and
// broker_error_permanent for other 4xx, so callers can apply the retry
// policy uniformly.
type BrokerClient interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (BrokerOrder, error)
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	Account(ctx context.Context) (BrokerAccount, error)
}

// WebhookEventType enumerates the broker callback events.
type WebhookEventType string

const (
	WebhookOrderAccepted WebhookEventType = "order_accepted"
	WebhookOrderFill     WebhookEventType = "fill"
	WebhookOrderCanceled WebhookEventType = "order_canceled"
	WebhookOrderRejected WebhookEventType = "order_rejected"
	WebhookOrderExpired  WebhookEventType = "order_expired"
)

// WebhookEvent is one broker callback. Fill fields are set only for fill
// events. Replays of the same EventID (or FillID) must be no-ops.
type WebhookEvent struct {
	EventID       string           `json:"event_id"`
	Type          WebhookEventType `json:"type"`
	BrokerOrderID string           `json:"broker_order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	FillID        string           `json:"fill_id,omitempty"`
	FillQty       decimal.Decimal  `json:"fill_qty,omitempty"`
	FillPrice     decimal.Decimal  `json:"fill_price,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}
