package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the pricing mode of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the broker time-in-force policy.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// OrderStatus tracks the order lifecycle. Valid transitions form a DAG:
//
//	new → submitted → accepted → partially_filled → filled
//	                           ↘ filled | canceled | rejected | expired
//
// filled, canceled, rejected and expired are terminal. partially_filled may
// self-loop as additional fills arrive.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// orderTransitions enumerates the legal edges of the status DAG.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew: {
		OrderStatusSubmitted, OrderStatusAccepted, OrderStatusRejected,
		OrderStatusCanceled, OrderStatusExpired,
	},
	OrderStatusSubmitted: {
		OrderStatusAccepted, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusAccepted: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled,
		OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled,
		OrderStatusExpired,
	},
}

// CanTransition reports whether moving from s to next is a legal edge of the
// order status DAG. Transitions out of terminal states are never legal; a
// repeat of the current status (other than partially_filled) is not a
// transition and returns false.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order represents the full lifecycle of a broker order. ClientOrderID is the
// deterministic identity of the trading intent (see ids.ClientOrderID): two
// submissions of the same intent on the same day share one row forever.
type Order struct {
	ClientOrderID string // primary key, ≤24 chars
	StrategyID    string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    *decimal.Decimal // nil for market orders
	TimeInForce   TimeInForce
	Status        OrderStatus
	BrokerOrderID string // assigned by the broker once accepted
	ParentOrderID string // set when the order is a slice of a parent
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Source        string // submitter: orchestrator run, sweeper, reconciler, manual
	RejectReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SubmittedAt   *time.Time
	TerminalAt    *time.Time
}

// Notional returns the absolute notional value of the order at the given
// reference price. The limit price, when present, takes precedence.
func (o Order) Notional(refPrice decimal.Decimal) decimal.Decimal {
	px := refPrice
	if o.LimitPrice != nil {
		px = *o.LimitPrice
	}
	return o.Qty.Mul(px).Abs()
}

// SignedQty returns the position delta the order produces when fully filled:
// positive for buys, negative for sells.
func (o Order) SignedQty() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Qty.Neg()
	}
	return o.Qty
}

// SubmitResult is returned by the execution gateway for a submission attempt.
// DuplicateOK is set when the call was absorbed by an earlier identical
// submission; Order is the stored record, not a new broker order.
type SubmitResult struct {
	Order       Order
	DuplicateOK bool
}
