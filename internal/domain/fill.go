package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is an immutable execution event reported by the broker. Fills are
// append-only; applying one updates exactly one order and one position in the
// same database transaction.
type Fill struct {
	FillID        string // broker-assigned, unique
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	Price         decimal.Decimal
	FillTime      time.Time
}
