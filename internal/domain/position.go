package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-symbol aggregated holding for the account. Qty is
// signed: positive for long, negative for short. Positions are written only
// by fill ingestion in the execution gateway, or by the reconciler under an
// explicit heal.
type Position struct {
	Symbol        string // primary key per account
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UpdatedAt     time.Time
}

// IsFlat reports whether the position holds no exposure.
func (p Position) IsFlat() bool {
	return p.Qty.IsZero()
}

// Notional returns the absolute exposure at the given mark price.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(mark).Abs()
}

// Reduces reports whether an order with the given side and quantity strictly
// reduces abs(Qty). A flat position cannot be reduced, and an order larger
// than the position would flip through zero into new exposure, so it does not
// qualify either.
func (p Position) Reduces(side OrderSide, qty decimal.Decimal) bool {
	if p.Qty.IsZero() || qty.IsZero() || qty.IsNegative() {
		return false
	}
	if p.Qty.IsPositive() && side == OrderSideSell {
		return qty.LessThanOrEqual(p.Qty)
	}
	if p.Qty.IsNegative() && side == OrderSideBuy {
		return qty.LessThanOrEqual(p.Qty.Neg())
	}
	return false
}

// ApplyFill folds a fill into the position and returns the updated copy.
// Increasing fills move the volume-weighted average entry price; reducing
// fills leave it unchanged until the position flips sign, at which point the
// fill price becomes the new basis.
func (p Position) ApplyFill(side OrderSide, qty, price decimal.Decimal) Position {
	delta := qty
	if side == OrderSideSell {
		delta = qty.Neg()
	}
	newQty := p.Qty.Add(delta)

	out := p
	out.Qty = newQty

	switch {
	case newQty.IsZero():
		out.AvgEntryPrice = decimal.Zero
	case p.Qty.IsZero() || p.Qty.Sign() != newQty.Sign():
		// Opened flat or flipped sign: basis resets to the fill price.
		out.AvgEntryPrice = price
	case p.Qty.Sign() == delta.Sign():
		// Same-direction add: volume-weighted average.
		oldNotional := p.Qty.Abs().Mul(p.AvgEntryPrice)
		addNotional := qty.Mul(price)
		out.AvgEntryPrice = oldNotional.Add(addNotional).Div(newQty.Abs())
	}
	return out
}
