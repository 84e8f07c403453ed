package execution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/quantops/tradectl/internal/domain"
)

// Ingestor applies broker webhook events to the durable store. Every event is
// idempotent: replays of the same fill id or an already-applied transition
// are no-ops.
type Ingestor struct {
	orders domain.OrderStore
	bus    domain.SignalBus
	log    *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(orders domain.OrderStore, bus domain.SignalBus, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{orders: orders, bus: bus, log: log}
}

// eventStatus maps webhook event types to the order status they imply.
var eventStatus = map[domain.WebhookEventType]domain.OrderStatus{
	domain.WebhookOrderAccepted: domain.OrderStatusAccepted,
	domain.WebhookOrderCanceled: domain.OrderStatusCanceled,
	domain.WebhookOrderRejected: domain.OrderStatusRejected,
	domain.WebhookOrderExpired:  domain.OrderStatusExpired,
}

// Apply processes one verified webhook event. Lookup is by broker order id
// with a fallback to client order id.
func (i *Ingestor) Apply(ctx context.Context, ev domain.WebhookEvent) error {
	order, err := i.find(ctx, ev)
	if err != nil {
		return err
	}
	log := i.log.With("event_id", ev.EventID, "type", ev.Type, "client_order_id", order.ClientOrderID)

	if ev.Type == domain.WebhookOrderFill {
		return i.applyFill(ctx, order, ev, log)
	}

	status, ok := eventStatus[ev.Type]
	if !ok {
		return domain.Ef(domain.KindValidation, "unknown webhook event type %q", ev.Type)
	}

	if order.Status == status || order.Status.IsTerminal() {
		// Replay or late delivery after a terminal transition.
		log.Debug("webhook event is a no-op", "status", order.Status)
		return nil
	}
	if !order.Status.CanTransition(status) {
		// Out-of-order delivery, e.g. accepted arriving after a fill. Not an
		// error worth redelivering.
		log.Warn("webhook event ignored, illegal transition",
			"from", order.Status, "to", status)
		return nil
	}

	if err := i.orders.UpdateStatus(ctx, order.ClientOrderID, status, ev.Reason); err != nil {
		return err
	}
	log.Info("order transitioned", "from", order.Status, "to", status)
	i.publish(ctx, domain.ChannelOrders, ev)
	return nil
}

func (i *Ingestor) applyFill(ctx context.Context, order domain.Order, ev domain.WebhookEvent, log *slog.Logger) error {
	if ev.FillID == "" || ev.FillQty.IsZero() {
		return domain.E(domain.KindValidation, "fill event missing fill_id or qty")
	}

	fill := domain.Fill{
		FillID:        ev.FillID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           ev.FillQty,
		Price:         ev.FillPrice,
		FillTime:      ev.Timestamp,
	}

	err := i.orders.ApplyFill(ctx, fill)
	if errors.Is(err, domain.ErrAlreadyExists) {
		log.Debug("duplicate fill ignored", "fill_id", ev.FillID)
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("fill applied",
		"fill_id", ev.FillID, "qty", ev.FillQty.String(), "price", ev.FillPrice.String())
	i.publish(ctx, domain.ChannelFills, ev)
	return nil
}

func (i *Ingestor) find(ctx context.Context, ev domain.WebhookEvent) (domain.Order, error) {
	if ev.BrokerOrderID != "" {
		o, err := i.orders.GetByBrokerOrderID(ctx, ev.BrokerOrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, err
		}
	}
	if ev.ClientOrderID != "" {
		return i.orders.GetByClientOrderID(ctx, ev.ClientOrderID)
	}
	return domain.Order{}, domain.ErrNotFound
}

func (i *Ingestor) publish(ctx context.Context, channel string, ev domain.WebhookEvent) {
	if i.bus == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := i.bus.Publish(ctx, channel, raw); err != nil {
		i.log.Warn("webhook event publish failed", "channel", channel, "err", err)
	}
	// Pub/sub delivery is fire-and-forget; the stream keeps a replayable
	// record for consumers that were not subscribed at the time.
	if err := i.bus.StreamAppend(ctx, domain.StreamEvents, raw); err != nil {
		i.log.Warn("webhook event stream append failed", "stream", domain.StreamEvents, "err", err)
	}
}
