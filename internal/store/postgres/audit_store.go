package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantops/tradectl/internal/domain"
)

// AuditStore implements domain.AuditStore. Append-only: the application never
// updates or deletes audit rows.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one audit event.
func (s *AuditStore) Log(ctx context.Context, ev domain.AuditEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	var ip *string
	if ev.IPAddress != "" {
		ip = &ev.IPAddress
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (event_type, actor, action, outcome, details, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventType, ev.Actor, ev.Action, ev.Outcome, raw, ip,
	); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", ev.EventType, err)
	}
	return nil
}

// List returns audit events newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEvent, error) {
	query := `SELECT id, ts, event_type, actor, action, outcome, details, COALESCE(ip_address, '')
		FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY ts DESC"
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
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.Actor,
			&ev.Action, &ev.Outcome, &raw, &ev.IPAddress); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

var _ domain.AuditStore = (*AuditStore)(nil)
