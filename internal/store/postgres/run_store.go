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

// RunStore implements domain.RunStore. The deterministic run id makes every
// write an upsert, so re-invoking a run is safe at the storage layer.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runCols = `run_id, strategy_id, run_date::text, trigger, outcome, stages, report, started_at, ended_at`

func scanRun(sc rowScanner) (domain.RunRecord, error) {
	var (
		r       domain.RunRecord
		outcome string
		stages  []byte
	)
	err := sc.Scan(
		&r.RunID, &r.StrategyID, &r.RunDate, &r.Trigger, &outcome,
		&stages, &r.Report, &r.StartedAt, &r.EndedAt,
	)
	if err != nil {
		return domain.RunRecord{}, err
	}
	r.Outcome = domain.RunOutcome(outcome)
	if err := json.Unmarshal(stages, &r.Stages); err != nil {
		return domain.RunRecord{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	return r, nil
}

// CreateIfAbsent inserts a pending run and reads it back. created is false
// when the run id already existed, which signals the caller to resume.
func (s *RunStore) CreateIfAbsent(ctx context.Context, r domain.RunRecord) (domain.RunRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orchestration_runs (run_id, strategy_id, run_date, trigger, outcome, stages)
		VALUES ($1, $2, $3::date, $4, 'pending', '[]')
		ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.StrategyID, r.RunDate, r.Trigger,
	)
	if err != nil {
		return domain.RunRecord{}, false, fmt.Errorf("postgres: create run %s: %w", r.RunID, err)
	}

	stored, err := s.Get(ctx, r.RunID)
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// Get retrieves a run record by id.
func (s *RunStore) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM orchestration_runs WHERE run_id = $1`, runID)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RunRecord{}, domain.ErrNotFound
		}
		return domain.RunRecord{}, fmt.Errorf("postgres: get run %s: %w", runID, err)
	}
	return r, nil
}

// UpsertStage replaces or appends the given stage result in the run's stages
// array. The read-modify-write runs under a row lock so concurrent stage
// writers cannot clobber each other.
func (s *RunStore) UpsertStage(ctx context.Context, runID string, stage domain.StageResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin stage tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT stages FROM orchestration_runs WHERE run_id = $1 FOR UPDATE`, runID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock run %s: %w", runID, err)
	}

	var stages []domain.StageResult
	if err := json.Unmarshal(raw, &stages); err != nil {
		return fmt.Errorf("unmarshal stages: %w", err)
	}

	replaced := false
	for i, st := range stages {
		if st.Stage == stage.Stage {
			stages[i] = stage
			replaced = true
			break
		}
	}
	if !replaced {
		stages = append(stages, stage)
	}

	out, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orchestration_runs SET stages = $1 WHERE run_id = $2`, out, runID,
	); err != nil {
		return fmt.Errorf("postgres: update stages %s: %w", runID, err)
	}
	return tx.Commit(ctx)
}

// Finish records the run's terminal outcome and report payload.
func (s *RunStore) Finish(ctx context.Context, runID string, outcome domain.RunOutcome, report json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestration_runs
		SET outcome = $1, report = $2, ended_at = NOW()
		WHERE run_id = $3`,
		string(outcome), report, runID,
	)
	if err != nil {
		return fmt.Errorf("postgres: finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns run records newest first.
func (s *RunStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RunRecord, error) {
	query := `SELECT ` + runCols + ` FROM orchestration_runs WHERE 1=1`
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
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

var _ domain.RunStore = (*RunStore)(nil)
