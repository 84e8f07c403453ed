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

// PositionStore implements domain.PositionStore. Regular position writes
// happen inside OrderStore.ApplyFill; this type covers reads and the
// reconciler's heal path.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

func scanPosition(sc rowScanner) (domain.Position, error) {
	var p domain.Position
	var qty, avg string
	if err := sc.Scan(&p.Symbol, &qty, &avg, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	var err error
	if p.Qty, err = decimal.NewFromString(qty); err != nil {
		return domain.Position{}, fmt.Errorf("parse position qty %q: %w", qty, err)
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return domain.Position{}, fmt.Errorf("parse position avg %q: %w", avg, err)
	}
	return p, nil
}

// Get retrieves the position for a symbol.
func (s *PositionStore) Get(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT symbol, qty::text, avg_entry_price::text, updated_at
		 FROM positions WHERE symbol = $1`, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}
	return p, nil
}

// List returns all position rows, including flat ones not yet cleaned up.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, qty::text, avg_entry_price::text, updated_at
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Heal force-writes a position to broker truth.
func (s *PositionStore) Heal(ctx context.Context, p domain.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, NOW())
		ON CONFLICT (symbol) DO UPDATE
		SET qty = EXCLUDED.qty, avg_entry_price = EXCLUDED.avg_entry_price, updated_at = NOW()`,
		p.Symbol, p.Qty.String(), p.AvgEntryPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: heal position %s: %w", p.Symbol, err)
	}
	return nil
}

// Delete removes a flat position row.
func (s *PositionStore) Delete(ctx context.Context, symbol string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", symbol, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
