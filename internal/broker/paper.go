package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// Paper is an in-memory broker used when DRY_RUN is set and in tests. It
// deduplicates on client order id like the live API, fills market orders
// immediately at the marked price, and leaves limit orders open until the
// mark crosses the limit. Fill events are delivered to the registered sink,
// mirroring the live webhook path.
type Paper struct {
	mu        sync.Mutex
	orders    map[string]*domain.BrokerOrder // by broker order id
	byClient  map[string]string              // client order id -> broker order id
	positions map[string]domain.BrokerPosition
	marks     map[string]decimal.Decimal
	limits    map[string]decimal.Decimal // limit price by broker order id
	cash      decimal.Decimal
	sink      func(domain.WebhookEvent)
}

// NewPaper creates a paper broker with the given starting cash.
func NewPaper(cash decimal.Decimal) *Paper {
	return &Paper{
		orders:    make(map[string]*domain.BrokerOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]domain.BrokerPosition),
		marks:     make(map[string]decimal.Decimal),
		limits:    make(map[string]decimal.Decimal),
		cash:      cash,
	}
}

// OnEvent registers the sink that receives fill and lifecycle events. The
// execution gateway wires its webhook ingestion here in dry-run mode.
func (p *Paper) OnEvent(sink func(domain.WebhookEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SetMark sets the simulated market price for a symbol and fills any resting
// limit orders the new mark satisfies.
func (p *Paper) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price

	for _, o := range p.orders {
		if o.Symbol != symbol || o.Status.IsTerminal() {
			continue
		}
		p.tryFillLocked(o)
	}
}

func (p *Paper) emitLocked(ev domain.WebhookEvent) {
	if p.sink == nil {
		return
	}
	sink := p.sink
	// Deliver outside the lock so the sink can call back into the broker.
	go sink(ev)
}

// tryFillLocked fills the order completely when the mark allows it.
func (p *Paper) tryFillLocked(o *domain.BrokerOrder) {
	mark, ok := p.marks[o.Symbol]
	if !ok {
		return
	}
	price := mark

	if lim, limited := p.limits[o.BrokerOrderID]; limited {
		crossed := (o.Side == domain.OrderSideBuy && mark.LessThanOrEqual(lim)) ||
			(o.Side == domain.OrderSideSell && mark.GreaterThanOrEqual(lim))
		if !crossed {
			return
		}
		price = lim
	}

	o.FilledQty = o.Qty
	o.AvgFillPrice = price
	o.Status = domain.OrderStatusFilled

	pos := p.positions[o.Symbol]
	pos.Symbol = o.Symbol
	delta := o.Qty
	if o.Side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	pos.Qty = pos.Qty.Add(delta)
	pos.AvgEntryPrice = price
	pos.MarketValue = pos.Qty.Mul(price)
	if pos.Qty.IsZero() {
		delete(p.positions, o.Symbol)
	} else {
		p.positions[o.Symbol] = pos
	}
	p.cash = p.cash.Sub(delta.Mul(price))

	p.emitLocked(domain.WebhookEvent{
		EventID:       uuid.NewString(),
		Type:          domain.WebhookOrderFill,
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FillID:        uuid.NewString(),
		FillQty:       o.Qty,
		FillPrice:     price,
		Timestamp:     time.Now().UTC(),
	})
}

// SubmitOrder accepts the order, deduplicating on client order id.
func (p *Paper) SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bid, ok := p.byClient[req.ClientOrderID]; ok {
		return *p.orders[bid], nil
	}

	o := &domain.BrokerOrder{
		BrokerOrderID: uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Status:        domain.OrderStatusAccepted,
		SubmittedAt:   time.Now().UTC(),
	}
	p.orders[o.BrokerOrderID] = o
	p.byClient[req.ClientOrderID] = o.BrokerOrderID
	if req.Type == domain.OrderTypeLimit && req.LimitPrice != nil {
		p.limits[o.BrokerOrderID] = *req.LimitPrice
	}

	p.emitLocked(domain.WebhookEvent{
		EventID:       uuid.NewString(),
		Type:          domain.WebhookOrderAccepted,
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Timestamp:     o.SubmittedAt,
	})

	p.tryFillLocked(o)
	return *o, nil
}

// CancelOrder cancels a resting order. Terminal orders cancel as a no-op.
func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = domain.OrderStatusCanceled
	p.emitLocked(domain.WebhookEvent{
		EventID:       uuid.NewString(),
		Type:          domain.WebhookOrderCanceled,
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// GetOrder returns the broker's view of one order.
func (p *Paper) GetOrder(ctx context.Context, brokerOrderID string) (domain.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return domain.BrokerOrder{}, domain.ErrNotFound
	}
	return *o, nil
}

// OpenOrders lists non-terminal orders.
func (p *Paper) OpenOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []domain.BrokerOrder
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			open = append(open, *o)
		}
	}
	return open, nil
}

// Positions lists current holdings.
func (p *Paper) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// Account reports the simulated account.
func (p *Paper) Account(ctx context.Context) (domain.BrokerAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.cash
	for _, pos := range p.positions {
		value = value.Add(pos.MarketValue)
	}
	return domain.BrokerAccount{
		PortfolioValue: value,
		BuyingPower:    p.cash,
		Currency:       "USD",
		MarketOpen:     true,
	}, nil
}

func (p *Paper) String() string {
	return fmt.Sprintf("paper broker (%d orders)", len(p.orders))
}

var _ domain.BrokerClient = (*Paper)(nil)
