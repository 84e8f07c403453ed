package execution

import (
	"context"
	"sync"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// memOrders is an in-memory domain.OrderStore with the same idempotency
// semantics as the PostgreSQL implementation.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	fills  map[string]domain.Fill
	pos    *memPositions
}

func newMemOrders(pos *memPositions) *memOrders {
	return &memOrders{
		orders: map[string]*domain.Order{},
		fills:  map[string]domain.Fill{},
		pos:    pos,
	}
}

func (m *memOrders) InsertIfAbsent(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[o.ClientOrderID]; ok {
		return *existing, false, nil
	}
	o.Status = domain.OrderStatusNew
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ClientOrderID] = &o
	return o, true, nil
}

func (m *memOrders) GetByClientOrderID(ctx context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *o, nil
}

func (m *memOrders) GetByBrokerOrderID(ctx context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BrokerOrderID == id {
			return *o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (m *memOrders) MarkSubmitted(ctx context.Context, id, brokerID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	o.BrokerOrderID = brokerID
	now := time.Now()
	o.SubmittedAt = &now
	return nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status == status {
		return nil
	}
	if !o.Status.CanTransition(status) {
		return domain.Ef(domain.KindValidation, "illegal transition %s→%s", o.Status, status)
	}
	o.Status = status
	o.RejectReason = reason
	if status.IsTerminal() {
		now := time.Now()
		o.TerminalAt = &now
	}
	return nil
}

func (m *memOrders) ApplyFill(ctx context.Context, fill domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fills[fill.FillID]; ok {
		return domain.ErrAlreadyExists
	}
	o, ok := m.orders[fill.ClientOrderID]
	if !ok {
		return domain.ErrNotFound
	}

	m.fills[fill.FillID] = fill
	newFilled := o.FilledQty.Add(fill.Qty)
	prev := o.FilledQty.Mul(o.AvgFillPrice)
	o.AvgFillPrice = prev.Add(fill.Qty.Mul(fill.Price)).Div(newFilled)
	o.FilledQty = newFilled
	if newFilled.Equal(o.Qty) {
		o.Status = domain.OrderStatusFilled
		now := time.Now()
		o.TerminalAt = &now
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}

	m.pos.apply(fill)
	return nil
}

func (m *memOrders) ListOpen(ctx context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *memOrders) FillsForOrder(ctx context.Context, id string) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fill
	for _, f := range m.fills {
		if f.ClientOrderID == id {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memOrders) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fill
	for _, f := range m.fills {
		if !f.FillTime.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

type memPositions struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{rows: map[string]domain.Position{}}
}

func (m *memPositions) apply(fill domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.rows[fill.Symbol]
	pos.Symbol = fill.Symbol
	updated := pos.ApplyFill(fill.Side, fill.Qty, fill.Price)
	if updated.IsFlat() {
		delete(m.rows, fill.Symbol)
		return
	}
	m.rows[fill.Symbol] = updated
}

func (m *memPositions) Get(ctx context.Context, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) List(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPositions) Heal(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.Symbol] = p
	return nil
}

func (m *memPositions) Delete(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, symbol)
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAudit) Log(ctx context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Timestamp = time.Now()
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent{}, m.events...), nil
}

func (m *memAudit) byType(eventType string) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// memLocks implements domain.LockManager in memory.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: map[string]bool{}}
}

func (m *memLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.held, key)
		})
	}, nil
}

// memLimiter allows the first Limit calls per key, ignoring the window.
type memLimiter struct {
	mu    sync.Mutex
	count map[string]int
}

func newMemLimiter() *memLimiter {
	return &memLimiter{count: map[string]int{}}
}

func (m *memLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count[key]++
	return m.count[key] <= limit, nil
}

// allowAllRisk passes every order.
type allowAllRisk struct{}

func (allowAllRisk) CheckOrder(ctx context.Context, o domain.Order) error { return nil }

// denyRisk rejects every order with the given reason.
type denyRisk struct{ reason string }

func (d denyRisk) CheckOrder(ctx context.Context, o domain.Order) error {
	return domain.RiskError(d.reason, "denied")
}
