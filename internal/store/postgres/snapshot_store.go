package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantops/tradectl/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore on reconcile_snapshots.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotCols = `id, trigger, broker_open, store_open, diffs, actions, outcome, started_at, completed_at`

func scanSnapshot(sc rowScanner) (domain.ReconcileSnapshot, error) {
	var snap domain.ReconcileSnapshot
	err := sc.Scan(&snap.ID, &snap.Trigger, &snap.BrokerOpen, &snap.StoreOpen,
		&snap.Diffs, &snap.Actions, &snap.Outcome, &snap.StartedAt, &snap.CompletedAt)
	return snap, err
}

// Insert appends one reconciliation snapshot and returns its id.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.ReconcileSnapshot) (int64, error) {
	diffs := snap.Diffs
	if diffs == nil {
		diffs = []byte("[]")
	}
	actions := snap.Actions
	if actions == nil {
		actions = []byte("[]")
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reconcile_snapshots (trigger, broker_open, store_open, diffs, actions, outcome, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		snap.Trigger, snap.BrokerOpen, snap.StoreOpen, diffs, actions,
		snap.Outcome, snap.StartedAt, snap.CompletedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert reconcile snapshot: %w", err)
	}
	return id, nil
}

// List returns snapshots newest first.
func (s *SnapshotStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconcileSnapshot, error) {
	query := `SELECT ` + snapshotCols + ` FROM reconcile_snapshots WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND started_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY started_at DESC"
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
		return nil, fmt.Errorf("postgres: list reconcile snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.ReconcileSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reconcile snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Latest returns the most recent snapshot.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.ReconcileSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM reconcile_snapshots ORDER BY completed_at DESC LIMIT 1`)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReconcileSnapshot{}, domain.ErrNotFound
		}
		return domain.ReconcileSnapshot{}, fmt.Errorf("postgres: latest reconcile snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
