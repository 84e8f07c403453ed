package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantops/tradectl/internal/domain"
)

// ModelStore implements domain.ModelStore on the model_registry table. The
// partial unique index on (strategy_id) WHERE status = 'active' makes "at most
// one active version" a database invariant.
type ModelStore struct {
	pool *pgxpool.Pool
}

// NewModelStore creates a new ModelStore backed by the given pool.
func NewModelStore(pool *pgxpool.Pool) *ModelStore {
	return &ModelStore{pool: pool}
}

const modelCols = `strategy_id, version, family, status, model_path,
	metrics, hyperparams, created_at, activated_at, deactivated_at`

func scanModel(sc rowScanner) (domain.ModelMetadata, error) {
	var (
		m               domain.ModelMetadata
		family, status  string
		metrics, hypers []byte
	)
	err := sc.Scan(
		&m.StrategyID, &m.Version, &family, &status, &m.ModelPath,
		&metrics, &hypers, &m.CreatedAt, &m.ActivatedAt, &m.DeactivatedAt,
	)
	if err != nil {
		return domain.ModelMetadata{}, err
	}
	m.Family = domain.ModelFamily(family)
	m.Status = domain.ModelStatus(status)
	if err := json.Unmarshal(metrics, &m.PerformanceMetrics); err != nil {
		return domain.ModelMetadata{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(hypers, &m.Hyperparams); err != nil {
		return domain.ModelMetadata{}, fmt.Errorf("unmarshal hyperparams: %w", err)
	}
	return m, nil
}

// GetActive returns the single active version for the strategy.
func (s *ModelStore) GetActive(ctx context.Context, strategyID string) (domain.ModelMetadata, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelCols+` FROM model_registry
		 WHERE strategy_id = $1 AND status = 'active'`, strategyID)

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ModelMetadata{}, domain.ErrNotFound
		}
		return domain.ModelMetadata{}, fmt.Errorf("postgres: get active model %s: %w", strategyID, err)
	}
	return m, nil
}

// Get returns one registry row by strategy and version.
func (s *ModelStore) Get(ctx context.Context, strategyID, version string) (domain.ModelMetadata, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelCols+` FROM model_registry
		 WHERE strategy_id = $1 AND version = $2`, strategyID, version)

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ModelMetadata{}, domain.ErrNotFound
		}
		return domain.ModelMetadata{}, fmt.Errorf("postgres: get model %s/%s: %w", strategyID, version, err)
	}
	return m, nil
}

// Create inserts a new registry row in staging status.
func (s *ModelStore) Create(ctx context.Context, m domain.ModelMetadata) error {
	metrics, err := json.Marshal(m.PerformanceMetrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	hypers, err := json.Marshal(m.Hyperparams)
	if err != nil {
		return fmt.Errorf("marshal hyperparams: %w", err)
	}

	status := m.Status
	if status == "" {
		status = domain.ModelStatusStaging
	}
	family := m.Family
	if family == "" {
		family = domain.ModelFamilyLinear
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO model_registry (strategy_id, version, family, status, model_path, metrics, hyperparams)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (strategy_id, version) DO NOTHING`,
		m.StrategyID, m.Version, string(family), string(status), m.ModelPath, metrics, hypers,
	)
	if err != nil {
		return fmt.Errorf("postgres: create model %s/%s: %w", m.StrategyID, m.Version, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Activate deactivates the strategy's current active row and activates the
// given version in one transaction. The partial unique index rejects any race
// that would leave two rows active.
func (s *ModelStore) Activate(ctx context.Context, strategyID, version string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin activate tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE model_registry
		SET status = 'inactive', deactivated_at = NOW()
		WHERE strategy_id = $1 AND status = 'active'`, strategyID,
	); err != nil {
		return fmt.Errorf("postgres: deactivate current model %s: %w", strategyID, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE model_registry
		SET status = 'active', activated_at = NOW(), deactivated_at = NULL
		WHERE strategy_id = $1 AND version = $2`, strategyID, version)
	if err != nil {
		return fmt.Errorf("postgres: activate model %s/%s: %w", strategyID, version, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit(ctx)
}

// List returns all versions for a strategy, newest first.
func (s *ModelStore) List(ctx context.Context, strategyID string) ([]domain.ModelMetadata, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelCols+` FROM model_registry
		 WHERE strategy_id = $1 ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models %s: %w", strategyID, err)
	}
	defer rows.Close()

	var models []domain.ModelMetadata
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

var _ domain.ModelStore = (*ModelStore)(nil)
