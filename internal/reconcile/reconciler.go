// Package reconcile keeps the durable store honest against broker truth. It
// runs before any service accepts write traffic (the reconciled gate) and on
// a fixed interval thereafter, healing drift and recording every pass as a
// snapshot.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/retry"
)

// Config holds the reconciler knobs.
type Config struct {
	// Interval is the steady-state reconcile cadence.
	Interval time.Duration
	// GracePeriod protects freshly created orders from being declared
	// missing while their broker call is still in flight.
	GracePeriod time.Duration
	// StaleAfter is the age past which a non-terminal order is cancelled.
	StaleAfter time.Duration
	// PositionThreshold is the absolute qty difference above which a
	// position is healed to broker truth.
	PositionThreshold decimal.Decimal
	// Services lists the gate names this reconciler controls.
	Services []string
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:          3 * time.Minute,
		GracePeriod:       time.Minute,
		StaleAfter:        15 * time.Minute,
		PositionThreshold: decimal.RequireFromString("0.0001"),
		Services:          []string{"execution", "signal"},
	}
}

// Diff is one observed discrepancy between the stores.
type Diff struct {
	Kind          string `json:"kind"` // "missing_at_broker", "missing_in_store", "stale_order", "position_drift"
	ClientOrderID string `json:"client_order_id,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Action is one heal the reconciler performed.
type Action struct {
	Kind   string `json:"kind"` // "mark_canceled", "shadow_ingest", "cancel_stale", "heal_position"
	Target string `json:"target"`
	Error  string `json:"error,omitempty"`
}

// Reconciler diffs the durable store against the broker and heals.
type Reconciler struct {
	broker    domain.BrokerClient
	orders    domain.OrderStore
	positions domain.PositionStore
	snapshots domain.SnapshotStore
	audit     domain.AuditStore
	gates     domain.GateStore
	cfg       Config
	log       *slog.Logger
}

// New creates a Reconciler.
func New(
	brokerClient domain.BrokerClient,
	orders domain.OrderStore,
	positions domain.PositionStore,
	snapshots domain.SnapshotStore,
	audit domain.AuditStore,
	gates domain.GateStore,
	cfg Config,
	log *slog.Logger,
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		broker:    brokerClient,
		orders:    orders,
		positions: positions,
		snapshots: snapshots,
		audit:     audit,
		gates:     gates,
		cfg:       cfg,
		log:       log,
	}
}

// Run performs the boot reconcile (retrying with backoff until it succeeds)
// and then reconciles on the interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	err := retry.Loop.Do(ctx, func() error {
		_, err := r.Reconcile(ctx, "boot")
		if err != nil {
			r.log.Error("boot reconcile failed, retrying", "err", err)
			return domain.Wrap(domain.KindStorage, "boot reconcile", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx, "interval"); err != nil {
				r.log.Error("interval reconcile failed", "err", err)
			}
		}
	}
}

// Reconcile executes one pass. On failure the gates stay unset so services
// refuse write traffic; on success they are (re)set. Repeated passes over a
// clean state are no-ops.
func (r *Reconciler) Reconcile(ctx context.Context, trigger string) (domain.ReconcileSnapshot, error) {
	started := time.Now().UTC()
	log := r.log.With("trigger", trigger)

	brokerOpen, err := r.broker.OpenOrders(ctx)
	if err != nil {
		r.clearGates(ctx)
		return domain.ReconcileSnapshot{}, domain.Wrap(domain.KindBrokerRetriable, "fetch broker open orders", err)
	}
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		r.clearGates(ctx)
		return domain.ReconcileSnapshot{}, domain.Wrap(domain.KindBrokerRetriable, "fetch broker positions", err)
	}

	storeOpen, err := r.orders.ListOpen(ctx)
	if err != nil {
		r.clearGates(ctx)
		return domain.ReconcileSnapshot{}, domain.Wrap(domain.KindStorage, "list open orders", err)
	}

	var (
		diffs   []Diff
		actions []Action
	)

	brokerByID := make(map[string]domain.BrokerOrder, len(brokerOpen))
	for _, bo := range brokerOpen {
		brokerByID[bo.BrokerOrderID] = bo
	}
	storeByBrokerID := make(map[string]domain.Order, len(storeOpen))
	for _, o := range storeOpen {
		if o.BrokerOrderID != "" {
			storeByBrokerID[o.BrokerOrderID] = o
		}
	}

	// Orders we think are open but the broker no longer has.
	for _, o := range storeOpen {
		if time.Since(o.CreatedAt) < r.cfg.GracePeriod {
			continue
		}
		if o.BrokerOrderID != "" {
			if _, ok := brokerByID[o.BrokerOrderID]; ok {
				continue
			}
			// Could have gone terminal broker-side; check before declaring it
			// missing.
			if bo, err := r.broker.GetOrder(ctx, o.BrokerOrderID); err == nil && !bo.Status.IsTerminal() {
				continue
			}
		}
		diffs = append(diffs, Diff{
			Kind: "missing_at_broker", ClientOrderID: o.ClientOrderID,
			BrokerOrderID: o.BrokerOrderID,
		})
		act := Action{Kind: "mark_canceled", Target: o.ClientOrderID}
		if err := r.orders.UpdateStatus(ctx, o.ClientOrderID, domain.OrderStatusCanceled, "reconcile_missing"); err != nil {
			act.Error = err.Error()
			log.Error("reconcile: mark canceled failed", "client_order_id", o.ClientOrderID, "err", err)
		}
		actions = append(actions, act)
	}

	// Orders the broker has that we never recorded: ingest a shadow row.
	for _, bo := range brokerOpen {
		if _, ok := storeByBrokerID[bo.BrokerOrderID]; ok {
			continue
		}
		if bo.ClientOrderID != "" {
			if _, err := r.orders.GetByClientOrderID(ctx, bo.ClientOrderID); err == nil {
				continue
			} else if !errors.Is(err, domain.ErrNotFound) {
				continue
			}
		}
		diffs = append(diffs, Diff{
			Kind: "missing_in_store", BrokerOrderID: bo.BrokerOrderID, Symbol: bo.Symbol,
		})
		actions = append(actions, r.ingestShadow(ctx, bo, log))
	}

	// Non-terminal orders past the staleness threshold.
	for _, o := range storeOpen {
		if o.Status.IsTerminal() || time.Since(o.CreatedAt) < r.cfg.StaleAfter || o.BrokerOrderID == "" {
			continue
		}
		if _, ok := brokerByID[o.BrokerOrderID]; !ok {
			continue
		}
		diffs = append(diffs, Diff{
			Kind: "stale_order", ClientOrderID: o.ClientOrderID,
			Detail: "open for " + time.Since(o.CreatedAt).Round(time.Second).String(),
		})
		act := Action{Kind: "cancel_stale", Target: o.ClientOrderID}
		if err := r.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			act.Error = err.Error()
		}
		actions = append(actions, act)
	}

	// Position drift beyond the threshold heals to broker truth.
	posDiffs, posActions := r.reconcilePositions(ctx, brokerPositions, log)
	diffs = append(diffs, posDiffs...)
	actions = append(actions, posActions...)

	outcome := "clean"
	if len(actions) > 0 {
		outcome = "healed"
	}

	r.setGates(ctx)

	snap := domain.ReconcileSnapshot{
		Trigger:     trigger,
		BrokerOpen:  len(brokerOpen),
		StoreOpen:   len(storeOpen),
		Diffs:       mustJSON(diffs),
		Actions:     mustJSON(actions),
		Outcome:     outcome,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if id, err := r.snapshots.Insert(ctx, snap); err != nil {
		log.Error("snapshot insert failed", "err", err)
	} else {
		snap.ID = id
	}

	log.Info("reconcile pass complete",
		"outcome", outcome, "diffs", len(diffs), "actions", len(actions),
		"broker_open", len(brokerOpen), "store_open", len(storeOpen))
	return snap, nil
}

func (r *Reconciler) ingestShadow(ctx context.Context, bo domain.BrokerOrder, log *slog.Logger) Action {
	act := Action{Kind: "shadow_ingest", Target: bo.BrokerOrderID}

	clientID := bo.ClientOrderID
	if clientID == "" {
		// Best effort: derive a stable id from the broker id so repeated
		// ingests of the same order collapse.
		clientID = "shadow-" + bo.BrokerOrderID
		if len(clientID) > 24 {
			clientID = clientID[:24]
		}
	}

	shadow := domain.Order{
		ClientOrderID: clientID,
		StrategyID:    "unknown",
		Symbol:        bo.Symbol,
		Side:          bo.Side,
		Qty:           bo.Qty,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		Source:        "reconciled_ingest",
	}
	_, inserted, err := r.orders.InsertIfAbsent(ctx, shadow)
	if err != nil {
		act.Error = err.Error()
		return act
	}
	if inserted {
		status := bo.Status
		if status == "" || status == domain.OrderStatusNew {
			status = domain.OrderStatusAccepted
		}
		if err := r.orders.MarkSubmitted(ctx, clientID, bo.BrokerOrderID, status); err != nil {
			act.Error = err.Error()
		}
		r.auditHeal(ctx, "shadow_ingest", bo.BrokerOrderID)
		log.Warn("shadow order ingested", "broker_order_id", bo.BrokerOrderID, "symbol", bo.Symbol)
	}
	return act
}

func (r *Reconciler) reconcilePositions(ctx context.Context, brokerPositions []domain.BrokerPosition, log *slog.Logger) ([]Diff, []Action) {
	var (
		diffs   []Diff
		actions []Action
	)

	stored, err := r.positions.List(ctx)
	if err != nil {
		log.Error("list positions failed", "err", err)
		return diffs, actions
	}
	storedBySymbol := make(map[string]domain.Position, len(stored))
	for _, p := range stored {
		storedBySymbol[p.Symbol] = p
	}

	seen := map[string]bool{}
	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true
		cur := storedBySymbol[bp.Symbol]
		drift := cur.Qty.Sub(bp.Qty).Abs()
		if drift.LessThanOrEqual(r.cfg.PositionThreshold) {
			continue
		}
		diffs = append(diffs, Diff{
			Kind: "position_drift", Symbol: bp.Symbol,
			Detail: "store " + cur.Qty.String() + " vs broker " + bp.Qty.String(),
		})
		act := Action{Kind: "heal_position", Target: bp.Symbol}
		if err := r.positions.Heal(ctx, domain.Position{
			Symbol:        bp.Symbol,
			Qty:           bp.Qty,
			AvgEntryPrice: bp.AvgEntryPrice,
		}); err != nil {
			act.Error = err.Error()
		} else {
			r.auditHeal(ctx, "position", bp.Symbol)
		}
		actions = append(actions, act)
	}

	// Positions we hold that the broker reports flat.
	for _, p := range stored {
		if seen[p.Symbol] || p.Qty.Abs().LessThanOrEqual(r.cfg.PositionThreshold) {
			continue
		}
		diffs = append(diffs, Diff{
			Kind: "position_drift", Symbol: p.Symbol,
			Detail: "store " + p.Qty.String() + " vs broker flat",
		})
		act := Action{Kind: "heal_position", Target: p.Symbol}
		if err := r.positions.Delete(ctx, p.Symbol); err != nil {
			act.Error = err.Error()
		} else {
			r.auditHeal(ctx, "position", p.Symbol)
		}
		actions = append(actions, act)
	}
	return diffs, actions
}

func (r *Reconciler) setGates(ctx context.Context) {
	for _, svc := range r.cfg.Services {
		if err := r.gates.Set(ctx, svc); err != nil {
			r.log.Error("set reconciled gate failed", "service", svc, "err", err)
		}
	}
}

func (r *Reconciler) clearGates(ctx context.Context) {
	for _, svc := range r.cfg.Services {
		if err := r.gates.Clear(ctx, svc); err != nil {
			r.log.Error("clear reconciled gate failed", "service", svc, "err", err)
		}
	}
}

func (r *Reconciler) auditHeal(ctx context.Context, kind, target string) {
	if err := r.audit.Log(ctx, domain.AuditEvent{
		EventType: domain.AuditReconcileHeal,
		Actor:     "reconciler",
		Action:    kind + ":" + target,
		Outcome:   "ok",
	}); err != nil {
		r.log.Warn("audit write failed", "err", err)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("[]")
	}
	if raw == nil || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}
