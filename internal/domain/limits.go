package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits are the operative pre-trade limits for a strategy. A row with
// StrategyID "" holds the global limits; per-strategy rows override field by
// field where set.
type RiskLimits struct {
	StrategyID        string
	MaxPosPerSymbol   decimal.Decimal // cap on abs(position + order qty)
	MaxTotalNotional  decimal.Decimal // cap on gross exposure incl. planned orders
	DailyLossLimit    decimal.Decimal // positive number: max tolerated loss today
	Blacklist         []string        // symbols that must never trade
	LotSize           decimal.Decimal // broker lot; quantities truncate to it
	UpdatedAt         time.Time
}

// Blacklisted reports whether the symbol is on the blacklist.
func (l RiskLimits) Blacklisted(symbol string) bool {
	for _, s := range l.Blacklist {
		if s == symbol {
			return true
		}
	}
	return false
}

// TruncateToLot floors qty to a whole multiple of the lot size. Quantities
// are never rounded up.
func (l RiskLimits) TruncateToLot(qty decimal.Decimal) decimal.Decimal {
	if l.LotSize.IsZero() || l.LotSize.IsNegative() {
		return qty
	}
	lots := qty.Div(l.LotSize).Floor()
	return lots.Mul(l.LotSize)
}
