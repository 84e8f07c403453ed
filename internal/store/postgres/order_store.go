package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// OrderStore implements domain.OrderStore and domain.PnLStore using
// PostgreSQL. The orders row is the serialization point for a client order
// id: only the transaction that inserts the row proceeds to the broker, and
// fills lock the row before touching the position.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderCols = `client_order_id, strategy_id, symbol, side, qty::text,
	order_type, limit_price::text, time_in_force, status,
	COALESCE(broker_order_id, ''), COALESCE(parent_order_id, ''),
	filled_qty::text, avg_fill_price::text, source, reject_reason,
	created_at, updated_at, submitted_at, terminal_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc rowScanner) (domain.Order, error) {
	var (
		o                        domain.Order
		side, otype, tif, status string
		qty, filled, avg         string
		limitPrice               *string
	)

	err := sc.Scan(
		&o.ClientOrderID, &o.StrategyID, &o.Symbol, &side, &qty,
		&otype, &limitPrice, &tif, &status,
		&o.BrokerOrderID, &o.ParentOrderID,
		&filled, &avg, &o.Source, &o.RejectReason,
		&o.CreatedAt, &o.UpdatedAt, &o.SubmittedAt, &o.TerminalAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(otype)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)

	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return domain.Order{}, fmt.Errorf("parse qty %q: %w", qty, err)
	}
	if o.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return domain.Order{}, fmt.Errorf("parse filled_qty %q: %w", filled, err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return domain.Order{}, fmt.Errorf("parse avg_fill_price %q: %w", avg, err)
	}
	if limitPrice != nil {
		lp, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse limit_price %q: %w", *limitPrice, err)
		}
		o.LimitPrice = &lp
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// InsertIfAbsent inserts the order using ON CONFLICT DO NOTHING and reads the
// row back. The inserted flag tells the caller whether it owns the broker
// call for this client order id.
func (s *OrderStore) InsertIfAbsent(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	const query = `
		INSERT INTO orders (
			client_order_id, strategy_id, symbol, side, qty, order_type,
			limit_price, time_in_force, status, parent_order_id, source,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7::numeric, $8, $9, NULLIF($10, ''), $11,
			NOW(), NOW()
		)
		ON CONFLICT (client_order_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		o.ClientOrderID, o.StrategyID, o.Symbol, string(o.Side), o.Qty.String(),
		string(o.Type), nullableDecimal(o.LimitPrice), string(o.TimeInForce),
		string(domain.OrderStatusNew), o.ParentOrderID, o.Source,
	)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("postgres: insert order %s: %w", o.ClientOrderID, err)
	}

	stored, err := s.GetByClientOrderID(ctx, o.ClientOrderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetByClientOrderID retrieves a single order by its deterministic id.
func (s *OrderStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE client_order_id = $1`, clientOrderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// GetByBrokerOrderID retrieves an order by the broker-assigned id.
func (s *OrderStore) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE broker_order_id = $1`, brokerOrderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by broker id %s: %w", brokerOrderID, err)
	}
	return o, nil
}

// MarkSubmitted transitions new→submitted/accepted and records the broker id.
func (s *OrderStore) MarkSubmitted(ctx context.Context, clientOrderID, brokerOrderID string, status domain.OrderStatus) error {
	const query = `
		UPDATE orders
		SET status = $1, broker_order_id = $2, submitted_at = NOW(), updated_at = NOW()
		WHERE client_order_id = $3 AND terminal_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, string(status), brokerOrderID, clientOrderID)
	if err != nil {
		return fmt.Errorf("postgres: mark submitted %s: %w", clientOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus applies a non-fill status transition under the DAG rules.
// Terminal rows are never modified; an illegal transition returns a
// validation error.
func (s *OrderStore) UpdateStatus(ctx context.Context, clientOrderID string, status domain.OrderStatus, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE client_order_id = $1 FOR UPDATE`, clientOrderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock order %s: %w", clientOrderID, err)
	}

	if o.Status == status {
		// Duplicate event; nothing to do.
		return tx.Commit(ctx)
	}
	if !o.Status.CanTransition(status) {
		return domain.Ef(domain.KindValidation,
			"illegal order transition %s→%s for %s", o.Status, status, clientOrderID)
	}

	terminal := ""
	if status.IsTerminal() {
		terminal = ", terminal_at = NOW()"
	}
	query := `UPDATE orders SET status = $1, updated_at = NOW()` + terminal
	args := []any{string(status)}
	if reason != "" {
		query += `, reject_reason = $3`
		args = append(args, clientOrderID, reason)
	} else {
		args = append(args, clientOrderID)
	}
	query += ` WHERE client_order_id = $2`

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: update status %s: %w", clientOrderID, err)
	}
	return tx.Commit(ctx)
}

// ApplyFill records a fill and updates the order and position in a single
// transaction. Replayed fill ids are no-ops returning ErrAlreadyExists.
func (s *OrderStore) ApplyFill(ctx context.Context, fill domain.Fill) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin fill tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Append the fill; a duplicate id means the event was already applied.
	tag, err := tx.Exec(ctx, `
		INSERT INTO fills (fill_id, client_order_id, symbol, side, qty, price, fill_time)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)
		ON CONFLICT (fill_id) DO NOTHING`,
		fill.FillID, fill.ClientOrderID, fill.Symbol, string(fill.Side),
		fill.Qty.String(), fill.Price.String(), fill.FillTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.FillID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}

	// 2. Lock and update the order's fill accounting.
	row := tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE client_order_id = $1 FOR UPDATE`,
		fill.ClientOrderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock order %s: %w", fill.ClientOrderID, err)
	}
	if o.Status.IsTerminal() && o.Status != domain.OrderStatusFilled {
		return domain.Ef(domain.KindValidation,
			"fill %s arrived for terminal order %s (%s)", fill.FillID, o.ClientOrderID, o.Status)
	}

	newFilled := o.FilledQty.Add(fill.Qty)
	if newFilled.GreaterThan(o.Qty) {
		return domain.Ef(domain.KindValidation,
			"fill %s overfills order %s: %s > %s", fill.FillID, o.ClientOrderID, newFilled, o.Qty)
	}
	// Volume-weighted average fill price.
	prevNotional := o.FilledQty.Mul(o.AvgFillPrice)
	newAvg := prevNotional.Add(fill.Qty.Mul(fill.Price)).Div(newFilled)

	status := domain.OrderStatusPartiallyFilled
	terminal := ""
	if newFilled.Equal(o.Qty) {
		status = domain.OrderStatusFilled
		terminal = ", terminal_at = NOW()"
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET filled_qty = $1::numeric, avg_fill_price = $2::numeric,
		    status = $3, updated_at = NOW()`+terminal+`
		WHERE client_order_id = $4`,
		newFilled.String(), newAvg.String(), string(status), o.ClientOrderID,
	); err != nil {
		return fmt.Errorf("postgres: update order fill accounting %s: %w", o.ClientOrderID, err)
	}

	// 3. Fold the fill into the symbol position inside the same transaction.
	pos := domain.Position{Symbol: fill.Symbol}
	var qty, avg string
	err = tx.QueryRow(ctx,
		`SELECT qty::text, avg_entry_price::text FROM positions WHERE symbol = $1 FOR UPDATE`,
		fill.Symbol).Scan(&qty, &avg)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First exposure in the symbol.
	case err != nil:
		return fmt.Errorf("postgres: lock position %s: %w", fill.Symbol, err)
	default:
		if pos.Qty, err = decimal.NewFromString(qty); err != nil {
			return fmt.Errorf("parse position qty %q: %w", qty, err)
		}
		if pos.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
			return fmt.Errorf("parse position avg %q: %w", avg, err)
		}
	}

	updated := pos.ApplyFill(fill.Side, fill.Qty, fill.Price)
	if _, err := tx.Exec(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, NOW())
		ON CONFLICT (symbol) DO UPDATE
		SET qty = EXCLUDED.qty, avg_entry_price = EXCLUDED.avg_entry_price, updated_at = NOW()`,
		fill.Symbol, updated.Qty.String(), updated.AvgEntryPrice.String(),
	); err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", fill.Symbol, err)
	}

	return tx.Commit(ctx)
}

// ListOpen returns all non-terminal orders.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE terminal_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListStale returns non-terminal orders created before the cutoff.
func (s *OrderStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE terminal_at IS NULL AND created_at < $1
		 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale orders: %w", err)
	}
	return orders, nil
}

// List returns orders with pagination and optional time filtering.
func (s *OrderStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

const fillCols = `fill_id, client_order_id, symbol, side, qty::text, price::text, fill_time`

func scanFills(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, qty, price string
		if err := rows.Scan(&f.FillID, &f.ClientOrderID, &f.Symbol, &side, &qty, &price, &f.FillTime); err != nil {
			return nil, err
		}
		f.Side = domain.OrderSide(side)
		var err error
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse fill qty %q: %w", qty, err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse fill price %q: %w", price, err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// FillsForOrder lists the fills recorded for one order.
func (s *OrderStore) FillsForOrder(ctx context.Context, clientOrderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillCols+` FROM fills WHERE client_order_id = $1 ORDER BY fill_time`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: fills for order %s: %w", clientOrderID, err)
	}
	defer rows.Close()
	return scanFills(rows)
}

// FillsSince lists fills executed at or after the given time.
func (s *OrderStore) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillCols+` FROM fills WHERE fill_time >= $1 ORDER BY fill_time`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: fills since %s: %w", since, err)
	}
	defer rows.Close()
	return scanFills(rows)
}

// RealizedToday returns the net cash flow from fills since UTC midnight:
// sell proceeds minus buy cost.
func (s *OrderStore) RealizedToday(ctx context.Context) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN side = 'sell' THEN qty * price ELSE -(qty * price) END
		), 0)::text
		FROM fills
		WHERE fill_time >= date_trunc('day', NOW() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: realized today: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse realized %q: %w", sum, err)
	}
	return d, nil
}

// Compile-time interface checks.
var (
	_ domain.OrderStore = (*OrderStore)(nil)
	_ domain.PnLStore   = (*OrderStore)(nil)
)
