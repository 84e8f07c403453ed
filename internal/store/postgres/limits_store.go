package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// LimitsStore implements domain.LimitsStore. The row with strategy_id ''
// holds the global limits.
type LimitsStore struct {
	pool *pgxpool.Pool
}

// NewLimitsStore creates a new LimitsStore backed by the given pool.
func NewLimitsStore(pool *pgxpool.Pool) *LimitsStore {
	return &LimitsStore{pool: pool}
}

// Get retrieves the limits row for a strategy. Pass "" for the global row.
func (s *LimitsStore) Get(ctx context.Context, strategyID string) (domain.RiskLimits, error) {
	var (
		l                              domain.RiskLimits
		perSymbol, notional, loss, lot string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT strategy_id, max_pos_per_symbol::text, max_total_notional::text,
		       daily_loss_limit::text, blacklist, lot_size::text, updated_at
		FROM risk_limits WHERE strategy_id = $1`, strategyID,
	).Scan(&l.StrategyID, &perSymbol, &notional, &loss, &l.Blacklist, &lot, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskLimits{}, domain.ErrNotFound
		}
		return domain.RiskLimits{}, fmt.Errorf("postgres: get risk limits %q: %w", strategyID, err)
	}

	if l.MaxPosPerSymbol, err = decimal.NewFromString(perSymbol); err != nil {
		return domain.RiskLimits{}, fmt.Errorf("parse max_pos_per_symbol %q: %w", perSymbol, err)
	}
	if l.MaxTotalNotional, err = decimal.NewFromString(notional); err != nil {
		return domain.RiskLimits{}, fmt.Errorf("parse max_total_notional %q: %w", notional, err)
	}
	if l.DailyLossLimit, err = decimal.NewFromString(loss); err != nil {
		return domain.RiskLimits{}, fmt.Errorf("parse daily_loss_limit %q: %w", loss, err)
	}
	if l.LotSize, err = decimal.NewFromString(lot); err != nil {
		return domain.RiskLimits{}, fmt.Errorf("parse lot_size %q: %w", lot, err)
	}
	return l, nil
}

// Upsert writes a limits row.
func (s *LimitsStore) Upsert(ctx context.Context, l domain.RiskLimits) error {
	blacklist := l.Blacklist
	if blacklist == nil {
		blacklist = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_limits (strategy_id, max_pos_per_symbol, max_total_notional,
		                         daily_loss_limit, blacklist, lot_size, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6::numeric, NOW())
		ON CONFLICT (strategy_id) DO UPDATE
		SET max_pos_per_symbol = EXCLUDED.max_pos_per_symbol,
		    max_total_notional = EXCLUDED.max_total_notional,
		    daily_loss_limit = EXCLUDED.daily_loss_limit,
		    blacklist = EXCLUDED.blacklist,
		    lot_size = EXCLUDED.lot_size,
		    updated_at = NOW()`,
		l.StrategyID, l.MaxPosPerSymbol.String(), l.MaxTotalNotional.String(),
		l.DailyLossLimit.String(), blacklist, l.LotSize.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert risk limits %q: %w", l.StrategyID, err)
	}
	return nil
}

var _ domain.LimitsStore = (*LimitsStore)(nil)
