// Package execution is the order path: idempotent submission to the broker,
// webhook ingestion, the stale-order sweeper, and the guarded destructive
// operations (cancel-all, flatten-all).
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/ids"
	"github.com/quantops/tradectl/internal/retry"
)

// RiskChecker is the pre-trade check the gateway runs before any broker call.
type RiskChecker interface {
	CheckOrder(ctx context.Context, o domain.Order) error
}

// SubmitRequest is one submission of trading intent. The gateway derives the
// client order id; callers never supply one.
type SubmitRequest struct {
	StrategyID  string              `json:"strategy_id"`
	Symbol      string              `json:"symbol"`
	Side        domain.OrderSide    `json:"side"`
	Qty         decimal.Decimal     `json:"qty"`
	Type        domain.OrderType    `json:"order_type"`
	LimitPrice  *decimal.Decimal    `json:"limit_price,omitempty"`
	TimeInForce domain.TimeInForce  `json:"time_in_force,omitempty"`
	Source      string              `json:"source,omitempty"`
}

func (r SubmitRequest) validate() error {
	switch {
	case r.Symbol == "":
		return domain.E(domain.KindValidation, "symbol is required")
	case r.Side != domain.OrderSideBuy && r.Side != domain.OrderSideSell:
		return domain.Ef(domain.KindValidation, "invalid side %q", r.Side)
	case r.Qty.IsZero() || r.Qty.IsNegative():
		return domain.E(domain.KindValidation, "qty must be positive")
	case r.Type != domain.OrderTypeMarket && r.Type != domain.OrderTypeLimit:
		return domain.Ef(domain.KindValidation, "invalid order type %q", r.Type)
	case r.Type == domain.OrderTypeLimit && r.LimitPrice == nil:
		return domain.E(domain.KindValidation, "limit order requires limit_price")
	case r.StrategyID == "":
		return domain.E(domain.KindValidation, "strategy_id is required")
	}
	return nil
}

// Config holds the gateway knobs.
type Config struct {
	// LockTTL bounds how long the per-order submission lock may be held.
	LockTTL time.Duration
	// StaleAfter is the age past which a non-terminal order is swept.
	StaleAfter time.Duration
	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		LockTTL:       30 * time.Second,
		StaleAfter:    15 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// Gateway owns the order path. All writes to the orders table flow through
// it; the reconciler is the only other writer, and only under a heal.
type Gateway struct {
	orders    domain.OrderStore
	positions domain.PositionStore
	audit     domain.AuditStore
	broker    domain.BrokerClient
	breaker   *circuit.Breaker
	risk      RiskChecker
	locks     domain.LockManager
	bus       domain.SignalBus
	cfg       Config
	log       *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(
	orders domain.OrderStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	brokerClient domain.BrokerClient,
	breaker *circuit.Breaker,
	risk RiskChecker,
	locks domain.LockManager,
	bus domain.SignalBus,
	cfg Config,
	log *slog.Logger,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		orders:    orders,
		positions: positions,
		audit:     audit,
		broker:    brokerClient,
		breaker:   breaker,
		risk:      risk,
		locks:     locks,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

// Submit runs the idempotent submission protocol. Retries of the same intent
// on the same UTC date converge on one order row and at most one broker order.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (domain.SubmitResult, error) {
	if err := req.validate(); err != nil {
		return domain.SubmitResult{}, err
	}

	date := time.Now().UTC().Format("2006-01-02")
	clientOrderID := ids.ClientOrderID(req.Symbol, req.Side, req.Qty, req.LimitPrice, req.StrategyID, date)
	log := g.log.With("client_order_id", clientOrderID, "symbol", req.Symbol, "side", req.Side)

	order := domain.Order{
		ClientOrderID: clientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Source:        req.Source,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TimeInForceDay
	}

	// Circuit gate: entries blocked unless the order strictly reduces the
	// current position.
	record, err := g.breaker.State(ctx)
	if err != nil {
		return domain.SubmitResult{}, domain.Wrap(domain.KindCircuitTripped, "circuit state unreadable", err)
	}
	if !record.AllowsEntry() {
		pos, perr := g.positions.Get(ctx, req.Symbol)
		if perr != nil && !errors.Is(perr, domain.ErrNotFound) {
			return domain.SubmitResult{}, domain.Wrap(domain.KindStorage, "load position", perr)
		}
		if !pos.Reduces(req.Side, req.Qty) {
			return domain.SubmitResult{}, domain.Ef(domain.KindCircuitTripped,
				"circuit breaker is %s and order does not reduce exposure", record.State)
		}
	}

	if err := g.risk.CheckOrder(ctx, order); err != nil {
		return domain.SubmitResult{}, err
	}

	// One broker call in flight per client order id.
	release, err := g.locks.Acquire(ctx, "lock:order:"+clientOrderID, g.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SubmitResult{}, domain.Ef(domain.KindValidation,
				"submission for %s already in flight", clientOrderID)
		}
		return domain.SubmitResult{}, domain.Wrap(domain.KindStorage, "acquire submit lock", err)
	}
	defer release()

	stored, inserted, err := g.orders.InsertIfAbsent(ctx, order)
	if err != nil {
		return domain.SubmitResult{}, domain.Wrap(domain.KindStorage, "insert order", err)
	}

	if !inserted {
		// Terminal rows and rows that already reached the broker are returned
		// as-is; only a row stuck before its broker call proceeds.
		if stored.Status.IsTerminal() || stored.BrokerOrderID != "" {
			log.Info("submission absorbed by existing order", "status", stored.Status)
			return domain.SubmitResult{Order: stored, DuplicateOK: true}, nil
		}
	}

	brokerOrder, err := retry.DoValue(ctx, retry.BrokerSubmit, func() (domain.BrokerOrder, error) {
		return g.broker.SubmitOrder(ctx, domain.SubmitRequest{
			ClientOrderID: clientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Qty:           req.Qty,
			Type:          req.Type,
			LimitPrice:    req.LimitPrice,
			TimeInForce:   order.TimeInForce,
		})
	})
	if err != nil {
		if rerr := g.breaker.RecordBrokerError(ctx); rerr != nil {
			log.Warn("broker error trip failed", "err", rerr)
		}
		if domain.KindOf(err) == domain.KindBrokerPermanent {
			// The rejection is part of the order's history; the row stays.
			if uerr := g.orders.UpdateStatus(ctx, clientOrderID, domain.OrderStatusRejected, err.Error()); uerr != nil {
				log.Error("mark rejected failed", "err", uerr)
			}
			g.auditOrder(ctx, order, "error", err.Error())
		}
		return domain.SubmitResult{}, err
	}
	g.breaker.RecordBrokerSuccess()

	status := domain.OrderStatusSubmitted
	if brokerOrder.Status == domain.OrderStatusAccepted {
		status = domain.OrderStatusAccepted
	}
	if err := g.orders.MarkSubmitted(ctx, clientOrderID, brokerOrder.BrokerOrderID, status); err != nil {
		return domain.SubmitResult{}, domain.Wrap(domain.KindStorage, "mark submitted", err)
	}

	final, err := g.orders.GetByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return domain.SubmitResult{}, domain.Wrap(domain.KindStorage, "read back order", err)
	}

	log.Info("order submitted", "broker_order_id", brokerOrder.BrokerOrderID, "status", status)
	g.auditOrder(ctx, final, "ok", "")
	g.announce(ctx, domain.ChannelOrders, final)

	return domain.SubmitResult{Order: final, DuplicateOK: !inserted}, nil
}

// Cancel requests cancellation of one order by client order id.
func (g *Gateway) Cancel(ctx context.Context, clientOrderID, actor string) error {
	o, err := g.orders.GetByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return nil
	}
	if o.BrokerOrderID == "" {
		// Never reached the broker; close it locally.
		return g.orders.UpdateStatus(ctx, clientOrderID, domain.OrderStatusCanceled, "canceled before submission")
	}

	if err := g.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	g.audit.Log(ctx, domain.AuditEvent{
		EventType: domain.AuditOrderCancel,
		Actor:     actor,
		Action:    clientOrderID,
		Outcome:   "ok",
	})
	return nil
}

func (g *Gateway) auditOrder(ctx context.Context, o domain.Order, outcome, detail string) {
	ev := domain.AuditEvent{
		EventType: domain.AuditOrderSubmit,
		Actor:     o.Source,
		Action:    o.ClientOrderID,
		Outcome:   outcome,
		Details: map[string]any{
			"symbol": o.Symbol,
			"side":   o.Side,
			"qty":    o.Qty.String(),
		},
	}
	if detail != "" {
		ev.Details["error"] = detail
	}
	if err := g.audit.Log(ctx, ev); err != nil {
		g.log.Warn("audit write failed", "err", err)
	}
}

func (g *Gateway) announce(ctx context.Context, channel string, payload any) {
	if g.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, channel, raw); err != nil {
		g.log.Warn("event publish failed", "channel", channel, "err", err)
	}
}
