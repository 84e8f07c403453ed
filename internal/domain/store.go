package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and fills. Orders are exclusively owned by the
// execution gateway; the reconciler writes only under an explicit heal.
type OrderStore interface {
	// InsertIfAbsent inserts the order keyed on ClientOrderID using
	// ON CONFLICT DO NOTHING and reads the row back. inserted is false when a
	// row already existed; the returned order is the stored record either way.
	// Only the inserter proceeds to the broker call.
	InsertIfAbsent(ctx context.Context, o Order) (stored Order, inserted bool, err error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (Order, error)
	GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (Order, error)
	// MarkSubmitted transitions new→submitted/accepted and records the broker id.
	MarkSubmitted(ctx context.Context, clientOrderID, brokerOrderID string, status OrderStatus) error
	// UpdateStatus applies a non-fill status transition. Terminal statuses set
	// terminal_at. Illegal transitions return a validation Error.
	UpdateStatus(ctx context.Context, clientOrderID string, status OrderStatus, reason string) error
	// ApplyFill records the fill, updates the order's filled qty/avg price and
	// status, and upserts the symbol position, all in one transaction.
	// A duplicate fill id is a no-op returning ErrAlreadyExists.
	ApplyFill(ctx context.Context, fill Fill) error
	ListOpen(ctx context.Context) ([]Order, error)
	// ListStale returns non-terminal orders created before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]Order, error)
	List(ctx context.Context, opts ListOpts) ([]Order, error)
	FillsForOrder(ctx context.Context, clientOrderID string) ([]Fill, error)
	// FillsSince lists fills executed at or after the given time.
	FillsSince(ctx context.Context, since time.Time) ([]Fill, error)
}

// PositionStore persists aggregated positions.
type PositionStore interface {
	Get(ctx context.Context, symbol string) (Position, error)
	List(ctx context.Context) ([]Position, error)
	// Heal force-writes a position to broker truth. Reconciler only.
	Heal(ctx context.Context, p Position) error
	// Delete removes a flat position row. Reconciler only.
	Delete(ctx context.Context, symbol string) error
}

// ModelStore is the model registry. Training systems create rows; the signal
// service reads them.
type ModelStore interface {
	GetActive(ctx context.Context, strategyID string) (ModelMetadata, error)
	Get(ctx context.Context, strategyID, version string) (ModelMetadata, error)
	Create(ctx context.Context, m ModelMetadata) error
	// Activate deactivates the currently active row for the strategy and
	// activates the given version in a single transaction.
	Activate(ctx context.Context, strategyID, version string) error
	List(ctx context.Context, strategyID string) ([]ModelMetadata, error)
}

// RunStore persists orchestrator run records. All writes are upserts keyed on
// run id, so re-invocations are idempotent.
type RunStore interface {
	// CreateIfAbsent inserts a pending run and reads it back; created is false
	// when the run id already existed.
	CreateIfAbsent(ctx context.Context, r RunRecord) (stored RunRecord, created bool, err error)
	Get(ctx context.Context, runID string) (RunRecord, error)
	UpsertStage(ctx context.Context, runID string, stage StageResult) error
	Finish(ctx context.Context, runID string, outcome RunOutcome, report json.RawMessage) error
	List(ctx context.Context, opts ListOpts) ([]RunRecord, error)
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, ev AuditEvent) error
	List(ctx context.Context, opts ListOpts) ([]AuditEvent, error)
}

// LimitsStore persists risk limits. Strategy "" is the global row.
type LimitsStore interface {
	Get(ctx context.Context, strategyID string) (RiskLimits, error)
	Upsert(ctx context.Context, l RiskLimits) error
}

// ReconcileSnapshot captures one reconciliation pass: what the broker said,
// what we had, and what was done about the difference.
type ReconcileSnapshot struct {
	ID          int64
	Trigger     string // "boot" or "interval" or "manual"
	BrokerOpen  int    // open orders at broker
	StoreOpen   int    // non-terminal orders in the store
	Diffs       json.RawMessage
	Actions     json.RawMessage
	Outcome     string // "clean", "healed", "failed"
	StartedAt   time.Time
	CompletedAt time.Time
}

// SnapshotStore persists reconciliation snapshots.
type SnapshotStore interface {
	Insert(ctx context.Context, s ReconcileSnapshot) (int64, error)
	List(ctx context.Context, opts ListOpts) ([]ReconcileSnapshot, error)
	Latest(ctx context.Context) (ReconcileSnapshot, error)
}

// PnLStore aggregates realized and notional P&L from fills and positions.
// Implemented alongside the order store; split out so report code depends on
// the minimum surface.
type PnLStore interface {
	// RealizedToday returns the sum of realized P&L from fills since the UTC
	// midnight boundary.
	RealizedToday(ctx context.Context) (decimal.Decimal, error)
}
