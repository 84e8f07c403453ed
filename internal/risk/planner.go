// Package risk translates target weights into a concrete order plan under
// the operative limits and the circuit breaker state. Every rejected order
// leaves a trace with a stable reason code.
package risk

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
)

// PlanRequest carries the inputs to one planning pass. Marks supplies the
// reference price per symbol; symbols without a mark cannot be sized and are
// rejected.
type PlanRequest struct {
	StrategyID     string
	Weights        domain.TargetWeights
	Marks          map[string]decimal.Decimal
	PortfolioValue decimal.Decimal
}

// Rejection records one order the planner dropped, with the reason code from
// the risk taxonomy.
type Rejection struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// PlannedOrder is one order the plan wants submitted. Quantities are already
// truncated to the lot size.
type PlannedOrder struct {
	Symbol   string
	Side     domain.OrderSide
	Qty      decimal.Decimal
	Type     domain.OrderType
	Reducing bool
}

// Plan is the planner output: orders in submission order (reducing orders
// first, then alphabetical) plus the rejection trace.
type Plan struct {
	Orders     []PlannedOrder
	Rejections []Rejection
}

// Planner applies the pre-trade checks.
type Planner struct {
	positions domain.PositionStore
	limits    domain.LimitsStore
	pnl       domain.PnLStore
	breaker   *circuit.Breaker
	log       *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(positions domain.PositionStore, limits domain.LimitsStore, pnl domain.PnLStore, breaker *circuit.Breaker, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{positions: positions, limits: limits, pnl: pnl, breaker: breaker, log: log}
}

// EffectiveLimits merges the global limits row with the per-strategy row,
// field by field where the override is set.
func EffectiveLimits(global, override domain.RiskLimits) domain.RiskLimits {
	out := global
	if !override.MaxPosPerSymbol.IsZero() {
		out.MaxPosPerSymbol = override.MaxPosPerSymbol
	}
	if !override.MaxTotalNotional.IsZero() {
		out.MaxTotalNotional = override.MaxTotalNotional
	}
	if !override.DailyLossLimit.IsZero() {
		out.DailyLossLimit = override.DailyLossLimit
	}
	if len(override.Blacklist) > 0 {
		out.Blacklist = append(append([]string{}, global.Blacklist...), override.Blacklist...)
	}
	if !override.LotSize.IsZero() {
		out.LotSize = override.LotSize
	}
	return out
}

func (p *Planner) effectiveLimits(ctx context.Context, strategyID string) (domain.RiskLimits, error) {
	global, err := p.limits.Get(ctx, "")
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.RiskLimits{}, domain.Wrap(domain.KindStorage, "load global limits", err)
	}
	if strategyID == "" {
		return global, nil
	}
	override, err := p.limits.Get(ctx, strategyID)
	if errors.Is(err, domain.ErrNotFound) {
		return global, nil
	}
	if err != nil {
		return domain.RiskLimits{}, domain.Wrap(domain.KindStorage, "load strategy limits", err)
	}
	return EffectiveLimits(global, override), nil
}

// candidate is an order being evaluated, before checks.
type candidate struct {
	symbol   string
	side     domain.OrderSide
	qty      decimal.Decimal
	current  decimal.Decimal // signed position before the order
	reducing bool
}

// Plan runs the checks in the fixed order: circuit breaker, blacklist,
// per-symbol cap, total notional, daily loss. Reducing orders bypass the
// entry gates (circuit breaker, daily loss) and never add planned exposure.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	limits, err := p.effectiveLimits(ctx, req.StrategyID)
	if err != nil {
		return Plan{}, err
	}

	record, err := p.breaker.State(ctx)
	if err != nil {
		// Unreadable breaker denies entries outright.
		return Plan{}, domain.Wrap(domain.KindCircuitTripped, "circuit state unreadable", err)
	}
	entriesAllowed := record.AllowsEntry()

	positions, err := p.positions.List(ctx)
	if err != nil {
		return Plan{}, domain.Wrap(domain.KindStorage, "load positions", err)
	}
	posBySymbol := make(map[string]domain.Position, len(positions))
	for _, pos := range positions {
		posBySymbol[pos.Symbol] = pos
	}

	lossBreached := false
	if !limits.DailyLossLimit.IsZero() {
		realized, err := p.pnl.RealizedToday(ctx)
		if err != nil {
			return Plan{}, domain.Wrap(domain.KindStorage, "load realized pnl", err)
		}
		lossBreached = realized.LessThan(limits.DailyLossLimit.Neg())
	}

	existingExposure := decimal.Zero
	for _, pos := range positions {
		if mark, ok := req.Marks[pos.Symbol]; ok {
			existingExposure = existingExposure.Add(pos.Notional(mark))
		}
	}

	candidates, rejections := p.size(req, limits, posBySymbol)

	// Reducing orders first so exposure frees up before entries consume the
	// notional budget.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].reducing != candidates[j].reducing {
			return candidates[i].reducing
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	plan := Plan{Rejections: rejections}
	plannedNotional := decimal.Zero

	for _, c := range candidates {
		mark := req.Marks[c.symbol]

		if !c.reducing {
			if !entriesAllowed {
				plan.Rejections = append(plan.Rejections, Rejection{
					Symbol: c.symbol, Reason: "circuit_breaker",
					Detail: "entries blocked in state " + string(record.State),
				})
				continue
			}
			if lossBreached {
				plan.Rejections = append(plan.Rejections, Rejection{
					Symbol: c.symbol, Reason: domain.RiskReasonDailyLoss,
					Detail: "daily loss limit breached",
				})
				continue
			}
		}

		if limits.Blacklisted(c.symbol) {
			plan.Rejections = append(plan.Rejections, Rejection{
				Symbol: c.symbol, Reason: domain.RiskReasonBlacklist,
			})
			continue
		}

		signed := c.qty
		if c.side == domain.OrderSideSell {
			signed = signed.Neg()
		}
		resulting := c.current.Add(signed).Abs()
		if !limits.MaxPosPerSymbol.IsZero() && resulting.GreaterThan(limits.MaxPosPerSymbol) {
			plan.Rejections = append(plan.Rejections, Rejection{
				Symbol: c.symbol, Reason: domain.RiskReasonPerSymbolCap,
				Detail: "resulting position " + resulting.String() + " exceeds cap " + limits.MaxPosPerSymbol.String(),
			})
			continue
		}

		if !c.reducing {
			notional := c.qty.Mul(mark).Abs()
			total := existingExposure.Add(plannedNotional).Add(notional)
			if !limits.MaxTotalNotional.IsZero() && total.GreaterThan(limits.MaxTotalNotional) {
				plan.Rejections = append(plan.Rejections, Rejection{
					Symbol: c.symbol, Reason: domain.RiskReasonTotalNotional,
					Detail: "gross exposure " + total.String() + " exceeds cap " + limits.MaxTotalNotional.String(),
				})
				continue
			}
			plannedNotional = plannedNotional.Add(notional)
		}

		plan.Orders = append(plan.Orders, PlannedOrder{
			Symbol:   c.symbol,
			Side:     c.side,
			Qty:      c.qty,
			Type:     domain.OrderTypeMarket,
			Reducing: c.reducing,
		})
	}

	p.log.Info("risk plan computed",
		"strategy", req.StrategyID,
		"orders", len(plan.Orders),
		"rejections", len(plan.Rejections))
	return plan, nil
}

// size turns target weights into candidate orders. Held symbols absent from
// the weights target zero (flatten). Quantities truncate to the lot size and
// zero-qty candidates are dropped silently.
func (p *Planner) size(req PlanRequest, limits domain.RiskLimits, positions map[string]domain.Position) ([]candidate, []Rejection) {
	targets := make(map[string]float64, len(req.Weights))
	for sym, w := range req.Weights {
		targets[sym] = w
	}
	for sym := range positions {
		if _, ok := targets[sym]; !ok {
			targets[sym] = 0
		}
	}

	var (
		candidates []candidate
		rejections []Rejection
	)
	for sym, weight := range targets {
		mark, ok := req.Marks[sym]
		if !ok || mark.IsZero() {
			rejections = append(rejections, Rejection{
				Symbol: sym, Reason: "no_mark", Detail: "no reference price",
			})
			continue
		}

		current := positions[sym].Qty
		desired := req.PortfolioValue.Mul(decimal.NewFromFloat(weight)).Div(mark)
		delta := desired.Sub(current)
		if delta.IsZero() {
			continue
		}

		side := domain.OrderSideBuy
		if delta.IsNegative() {
			side = domain.OrderSideSell
		}
		qty := limits.TruncateToLot(delta.Abs())
		if qty.IsZero() {
			continue
		}

		candidates = append(candidates, candidate{
			symbol:   sym,
			side:     side,
			qty:      qty,
			current:  current,
			reducing: positions[sym].Reduces(side, qty),
		})
	}
	return candidates, rejections
}
