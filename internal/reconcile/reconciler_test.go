package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/domain"
)

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newMemOrders() *memOrders { return &memOrders{orders: map[string]*domain.Order{}} }

func (m *memOrders) seed(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().Add(-5 * time.Minute)
	}
	m.orders[o.ClientOrderID] = &o
}

func (m *memOrders) InsertIfAbsent(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[o.ClientOrderID]; ok {
		return *existing, false, nil
	}
	o.Status = domain.OrderStatusNew
	o.CreatedAt = time.Now()
	m.orders[o.ClientOrderID] = &o
	return o, true, nil
}

func (m *memOrders) GetByClientOrderID(ctx context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		return *o, nil
	}
	return domain.Order{}, domain.ErrNotFound
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
	o.BrokerOrderID = brokerID
	o.Status = status
	return nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	o.RejectReason = reason
	return nil
}

func (m *memOrders) ApplyFill(ctx context.Context, fill domain.Fill) error { return nil }

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
	return nil, nil
}
func (m *memOrders) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}
func (m *memOrders) FillsForOrder(ctx context.Context, id string) ([]domain.Fill, error) {
	return nil, nil
}
func (m *memOrders) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	return nil, nil
}

type memPositions struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newMemPositions() *memPositions { return &memPositions{rows: map[string]domain.Position{}} }

func (m *memPositions) Get(ctx context.Context, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
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

type memSnapshots struct {
	mu   sync.Mutex
	rows []domain.ReconcileSnapshot
}

func (m *memSnapshots) Insert(ctx context.Context, s domain.ReconcileSnapshot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, s)
	return s.ID, nil
}
func (m *memSnapshots) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconcileSnapshot, error) {
	return m.rows, nil
}
func (m *memSnapshots) Latest(ctx context.Context) (domain.ReconcileSnapshot, error) {
	if len(m.rows) == 0 {
		return domain.ReconcileSnapshot{}, domain.ErrNotFound
	}
	return m.rows[len(m.rows)-1], nil
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAudit) Log(ctx context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}
func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEvent, error) {
	return m.events, nil
}

type memGates struct {
	mu  sync.Mutex
	set map[string]bool
}

func newMemGates() *memGates { return &memGates{set: map[string]bool{}} }

func (m *memGates) Set(ctx context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set[service] = true
	return nil
}
func (m *memGates) Clear(ctx context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.set, service)
	return nil
}
func (m *memGates) IsSet(ctx context.Context, service string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set[service], nil
}

type fakeBroker struct {
	open      []domain.BrokerOrder
	positions []domain.BrokerPosition
	cancels   []string
	openErr   error
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, nil
}
func (b *fakeBroker) CancelOrder(ctx context.Context, id string) error {
	b.cancels = append(b.cancels, id)
	return nil
}
func (b *fakeBroker) GetOrder(ctx context.Context, id string) (domain.BrokerOrder, error) {
	for _, o := range b.open {
		if o.BrokerOrderID == id {
			return o, nil
		}
	}
	return domain.BrokerOrder{}, domain.ErrNotFound
}
func (b *fakeBroker) OpenOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	return b.open, b.openErr
}
func (b *fakeBroker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return b.positions, nil
}
func (b *fakeBroker) Account(ctx context.Context) (domain.BrokerAccount, error) {
	return domain.BrokerAccount{}, nil
}

type env struct {
	r      *Reconciler
	broker *fakeBroker
	orders *memOrders
	pos    *memPositions
	snaps  *memSnapshots
	gates  *memGates
	audit  *memAudit
}

func newEnv() *env {
	b := &fakeBroker{}
	orders := newMemOrders()
	pos := newMemPositions()
	snaps := &memSnapshots{}
	audit := &memAudit{}
	gates := newMemGates()
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Minute
	r := New(b, orders, pos, snaps, audit, gates, cfg, nil)
	return &env{r: r, broker: b, orders: orders, pos: pos, snaps: snaps, gates: gates, audit: audit}
}

func TestReconcileCleanSetsGates(t *testing.T) {
	e := newEnv()
	snap, err := e.r.Reconcile(context.Background(), "boot")
	require.NoError(t, err)
	assert.Equal(t, "clean", snap.Outcome)

	for _, svc := range e.r.cfg.Services {
		ok, _ := e.gates.IsSet(context.Background(), svc)
		assert.True(t, ok, svc)
	}
	assert.Len(t, e.snaps.rows, 1)
}

func TestReconcileBrokerFailureKeepsGatesUnset(t *testing.T) {
	e := newEnv()
	e.broker.openErr = assert.AnError

	_, err := e.r.Reconcile(context.Background(), "boot")
	require.Error(t, err)

	ok, _ := e.gates.IsSet(context.Background(), "execution")
	assert.False(t, ok)
	assert.Empty(t, e.snaps.rows, "a failed pass records no snapshot")
}

func TestReconcileMarksMissingOrdersCanceled(t *testing.T) {
	e := newEnv()
	e.orders.seed(domain.Order{
		ClientOrderID: "ord1",
		BrokerOrderID: "B-gone",
		Symbol:        "AAA",
		Status:        domain.OrderStatusAccepted,
		CreatedAt:     time.Now().Add(-10 * time.Minute),
	})

	snap, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Equal(t, "healed", snap.Outcome)

	o, _ := e.orders.GetByClientOrderID(context.Background(), "ord1")
	assert.Equal(t, domain.OrderStatusCanceled, o.Status)
	assert.Equal(t, "reconcile_missing", o.RejectReason)
}

func TestReconcileGracePeriodProtectsFreshOrders(t *testing.T) {
	e := newEnv()
	e.orders.seed(domain.Order{
		ClientOrderID: "fresh",
		Symbol:        "AAA",
		Status:        domain.OrderStatusNew,
		CreatedAt:     time.Now(),
	})

	snap, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Equal(t, "clean", snap.Outcome)

	o, _ := e.orders.GetByClientOrderID(context.Background(), "fresh")
	assert.Equal(t, domain.OrderStatusNew, o.Status)
}

func TestReconcileIngestsShadowOrders(t *testing.T) {
	e := newEnv()
	e.broker.open = []domain.BrokerOrder{{
		BrokerOrderID: "B-1",
		ClientOrderID: "unknownclientid0000000ab",
		Symbol:        "AAA",
		Side:          domain.OrderSideBuy,
		Qty:           decimal.NewFromInt(5),
		Status:        domain.OrderStatusAccepted,
	}}

	snap, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Equal(t, "healed", snap.Outcome)

	o, err := e.orders.GetByClientOrderID(context.Background(), "unknownclientid0000000ab")
	require.NoError(t, err)
	assert.Equal(t, "reconciled_ingest", o.Source)
	assert.Equal(t, "B-1", o.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)

	// Repeating the pass is idempotent.
	snap, err = e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Equal(t, "clean", snap.Outcome)
}

func TestReconcileCancelsStaleOrders(t *testing.T) {
	e := newEnv()
	e.broker.open = []domain.BrokerOrder{{
		BrokerOrderID: "B-stale",
		ClientOrderID: "stale1",
		Symbol:        "AAA",
		Side:          domain.OrderSideBuy,
		Qty:           decimal.NewFromInt(5),
		Status:        domain.OrderStatusAccepted,
	}}
	e.orders.seed(domain.Order{
		ClientOrderID: "stale1",
		BrokerOrderID: "B-stale",
		Symbol:        "AAA",
		Status:        domain.OrderStatusAccepted,
		CreatedAt:     time.Now().Add(-30 * time.Minute),
	})

	_, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Contains(t, e.broker.cancels, "B-stale")
}

func TestReconcileHealsPositionDrift(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.pos.Heal(context.Background(), domain.Position{
		Symbol: "AAA", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(100),
	}))
	e.broker.positions = []domain.BrokerPosition{{
		Symbol: "AAA", Qty: decimal.NewFromInt(7), AvgEntryPrice: decimal.NewFromInt(99),
	}}

	snap, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)
	assert.Equal(t, "healed", snap.Outcome)

	p, err := e.pos.Get(context.Background(), "AAA")
	require.NoError(t, err)
	assert.True(t, p.Qty.Equal(decimal.NewFromInt(7)), "healed to broker truth")

	require.NotEmpty(t, e.audit.events)
	assert.Equal(t, domain.AuditReconcileHeal, e.audit.events[len(e.audit.events)-1].EventType)
}

func TestReconcileRemovesPhantomPositions(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.pos.Heal(context.Background(), domain.Position{
		Symbol: "GONE", Qty: decimal.NewFromInt(3), AvgEntryPrice: decimal.NewFromInt(50),
	}))

	_, err := e.r.Reconcile(context.Background(), "interval")
	require.NoError(t, err)

	_, err = e.pos.Get(context.Background(), "GONE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
