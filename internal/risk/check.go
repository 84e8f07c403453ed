package risk

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// CheckOrder runs the pre-trade checks for a single ad-hoc order, outside a
// planning pass. The execution gateway calls it before touching the broker.
// Reducing orders skip the daily-loss gate; the circuit breaker gate lives in
// the gateway itself so its error carries the breaker state.
func (p *Planner) CheckOrder(ctx context.Context, o domain.Order) error {
	limits, err := p.effectiveLimits(ctx, o.StrategyID)
	if err != nil {
		return err
	}

	pos, err := p.positions.Get(ctx, o.Symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Wrap(domain.KindStorage, "load position", err)
	}
	reducing := pos.Reduces(o.Side, o.Qty)

	// Exiting a blacklisted holding stays possible; only new exposure is
	// blocked.
	if !reducing && limits.Blacklisted(o.Symbol) {
		return domain.RiskError(domain.RiskReasonBlacklist, o.Symbol+" is blacklisted")
	}

	resulting := pos.Qty.Add(o.SignedQty()).Abs()
	if !limits.MaxPosPerSymbol.IsZero() && resulting.GreaterThan(limits.MaxPosPerSymbol) {
		return domain.RiskError(domain.RiskReasonPerSymbolCap,
			"resulting position "+resulting.String()+" exceeds cap "+limits.MaxPosPerSymbol.String())
	}

	if !reducing && !limits.MaxTotalNotional.IsZero() {
		if err := p.checkTotalNotional(ctx, o, pos, limits); err != nil {
			return err
		}
	}

	if !reducing && !limits.DailyLossLimit.IsZero() {
		realized, err := p.pnl.RealizedToday(ctx)
		if err != nil {
			return domain.Wrap(domain.KindStorage, "load realized pnl", err)
		}
		if realized.LessThan(limits.DailyLossLimit.Neg()) {
			return domain.RiskError(domain.RiskReasonDailyLoss, "daily loss limit breached")
		}
	}
	return nil
}

// checkTotalNotional gates new exposure against the gross-notional cap.
// Outside a planning pass there are no mark prices, so the order's limit
// price serves as the reference, falling back to the held position's average
// entry. A market order on a flat book has no reference at all and passes;
// the cap is enforced again at the next reconciliation.
func (p *Planner) checkTotalNotional(ctx context.Context, o domain.Order, pos domain.Position, limits domain.RiskLimits) error {
	ref := decimal.Zero
	switch {
	case o.LimitPrice != nil && !o.LimitPrice.IsZero():
		ref = *o.LimitPrice
	case !pos.IsFlat():
		ref = pos.AvgEntryPrice
	default:
		return nil
	}

	all, err := p.positions.List(ctx)
	if err != nil {
		return domain.Wrap(domain.KindStorage, "list positions", err)
	}
	exposure := decimal.Zero
	for _, held := range all {
		exposure = exposure.Add(held.Notional(held.AvgEntryPrice))
	}

	total := exposure.Add(o.Qty.Mul(ref).Abs())
	if total.GreaterThan(limits.MaxTotalNotional) {
		return domain.RiskError(domain.RiskReasonTotalNotional,
			"gross exposure "+total.String()+" exceeds cap "+limits.MaxTotalNotional.String())
	}
	return nil
}
