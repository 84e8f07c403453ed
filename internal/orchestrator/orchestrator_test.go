package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/broker"
	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
	"github.com/quantops/tradectl/internal/model"
	"github.com/quantops/tradectl/internal/risk"
	"github.com/quantops/tradectl/internal/signal"
)

type memRuns struct {
	mu   sync.Mutex
	rows map[string]*domain.RunRecord
}

func newMemRuns() *memRuns { return &memRuns{rows: map[string]*domain.RunRecord{}} }

func (m *memRuns) CreateIfAbsent(ctx context.Context, r domain.RunRecord) (domain.RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[r.RunID]; ok {
		return *existing, false, nil
	}
	m.rows[r.RunID] = &r
	return r, true, nil
}

func (m *memRuns) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[runID]
	if !ok {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	return *r, nil
}

func (m *memRuns) UpsertStage(ctx context.Context, runID string, stage domain.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[runID]
	if !ok {
		return domain.ErrNotFound
	}
	for i, s := range r.Stages {
		if s.Stage == stage.Stage {
			r.Stages[i] = stage
			return nil
		}
	}
	r.Stages = append(r.Stages, stage)
	return nil
}

func (m *memRuns) Finish(ctx context.Context, runID string, outcome domain.RunOutcome, report json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Outcome = outcome
	r.Report = report
	now := time.Now().UTC()
	r.EndedAt = &now
	return nil
}

func (m *memRuns) List(ctx context.Context, opts domain.ListOpts) ([]domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RunRecord
	for _, r := range m.rows {
		out = append(out, *r)
	}
	return out, nil
}

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	fills  map[string]domain.Fill
	pos    *memPositions
}

func newMemOrders(pos *memPositions) *memOrders {
	return &memOrders{orders: map[string]*domain.Order{}, fills: map[string]domain.Fill{}, pos: pos}
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
	o.BrokerOrderID = brokerID
	// A fill event may have landed before the submit call returned; never
	// regress a terminal row.
	if !o.Status.IsTerminal() && o.Status != domain.OrderStatusPartiallyFilled {
		o.Status = status
	}
	return nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status == status || o.Status.IsTerminal() {
		return nil
	}
	o.Status = status
	o.RejectReason = reason
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
	return nil, nil
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
	m.events = append(m.events, ev)
	return nil
}
func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEvent, error) {
	return nil, nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: map[string]bool{}} }

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

type memGates struct {
	mu  sync.Mutex
	set map[string]bool
}

func (m *memGates) Set(ctx context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		m.set = map[string]bool{}
	}
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

type fakeCircuitStore struct {
	mu     sync.Mutex
	record domain.CircuitRecord
}

func newFakeCircuitStore() *fakeCircuitStore {
	return &fakeCircuitStore{record: domain.CircuitRecord{State: domain.CircuitOpen}}
}

func (s *fakeCircuitStore) Read(ctx context.Context) (domain.CircuitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, nil
}
func (s *fakeCircuitStore) CompareAndSet(ctx context.Context, expect domain.CircuitState, next domain.CircuitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.State != expect {
		return domain.ErrCASConflict
	}
	s.record = next
	return nil
}
func (s *fakeCircuitStore) ResetTripCount(ctx context.Context) error { return nil }

type noLimits struct{}

func (noLimits) Get(ctx context.Context, strategyID string) (domain.RiskLimits, error) {
	return domain.RiskLimits{}, domain.ErrNotFound
}
func (noLimits) Upsert(ctx context.Context, l domain.RiskLimits) error { return nil }

type fixedPnL struct{ realized decimal.Decimal }

func (p fixedPnL) RealizedToday(ctx context.Context) (decimal.Decimal, error) {
	return p.realized, nil
}

type staticMarks map[string]decimal.Decimal

func (s staticMarks) Marks(ctx context.Context, symbols []string, date string) (map[string]decimal.Decimal, error) {
	return s, nil
}

type orchEnv struct {
	orch   *Orchestrator
	runs   *memRuns
	orders *memOrders
	pos    *memPositions
	gates  *memGates
	paper  *broker.Paper
}

var testUniverse = []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"}

func newOrchEnv(t *testing.T) *orchEnv {
	t.Helper()
	ctx := context.Background()

	artifact, err := json.Marshal(model.Artifact{
		Family:    domain.ModelFamilyLinear,
		Weights:   map[string]float64{"momentum": 1.0},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, artifact, 0o600))

	modelStore := &staticModelStore{meta: domain.ModelMetadata{
		StrategyID: "alpha", Version: "v1", ModelPath: "file://" + path,
	}}
	registry := model.NewRegistry(modelStore, &model.ArtifactLoader{}, nil, "alpha", time.Minute, nil)
	_, err = registry.Poll(ctx)
	require.NoError(t, err)

	features := signal.FeatureFunc(func(ctx context.Context, symbols []string, date string) (map[string]signal.FeatureVector, error) {
		out := map[string]signal.FeatureVector{}
		for i, sym := range symbols {
			out[sym] = signal.FeatureVector{"momentum": float64(i)}
		}
		return out, nil
	})
	generator := signal.NewGenerator(registry, features, signal.Config{MinUniverse: 3, TopN: 1}, nil)

	pos := newMemPositions()
	orders := newMemOrders(pos)
	audit := &memAudit{}
	circuitStore := newFakeCircuitStore()
	breaker := circuit.New(circuitStore, nil, audit, circuit.DefaultConfig(), nil)
	planner := risk.NewPlanner(pos, noLimits{}, fixedPnL{}, breaker, nil)

	paper := broker.NewPaper(decimal.NewFromInt(100000))
	for _, sym := range testUniverse {
		paper.SetMark(sym, decimal.NewFromInt(100))
	}

	gateway := execution.NewGateway(orders, pos, audit, paper, breaker, planner,
		newMemLocks(), nil, execution.DefaultConfig(), nil)

	ingestor := execution.NewIngestor(orders, nil, nil)
	paper.OnEvent(func(ev domain.WebhookEvent) {
		_ = ingestor.Apply(context.Background(), ev)
	})

	gates := &memGates{}
	require.NoError(t, gates.Set(ctx, "execution"))

	runs := newMemRuns()
	marks := staticMarks{}
	for _, sym := range testUniverse {
		marks[sym] = decimal.NewFromInt(100)
	}

	cfg := Config{
		StrategyID:        "alpha",
		Universe:          testUniverse,
		FillDeadline:      2 * time.Second,
		PollInterval:      10 * time.Millisecond,
		SubmitParallelism: 2,
	}
	orch := New(runs, orders, pos, fixedPnL{}, paper, breaker, gates,
		generator, planner, gateway, marks, nil, cfg, nil)

	return &orchEnv{orch: orch, runs: runs, orders: orders, pos: pos, gates: gates, paper: paper}
}

type staticModelStore struct{ meta domain.ModelMetadata }

func (s *staticModelStore) GetActive(ctx context.Context, strategyID string) (domain.ModelMetadata, error) {
	return s.meta, nil
}
func (s *staticModelStore) Get(ctx context.Context, strategyID, version string) (domain.ModelMetadata, error) {
	return domain.ModelMetadata{}, domain.ErrNotFound
}
func (s *staticModelStore) Create(ctx context.Context, m domain.ModelMetadata) error { return nil }
func (s *staticModelStore) Activate(ctx context.Context, strategyID, version string) error {
	return nil
}
func (s *staticModelStore) List(ctx context.Context, strategyID string) ([]domain.ModelMetadata, error) {
	return nil, nil
}

func TestRunHappyPath(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()

	rec, err := e.orch.Run(ctx, "2026-01-05", "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.RunOutcomeSuccess, rec.Outcome)

	// One long and one short at TopN=1.
	orders, _ := e.orders.List(ctx, domain.ListOpts{})
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, domain.OrderStatusFilled, o.Status)
		assert.Equal(t, "orchestrator", o.Source)
	}

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Report, &rep))
	assert.Equal(t, 2, rep.OrdersSubmitted)
	assert.Equal(t, 2, rep.OrdersFilled)
	assert.Equal(t, 0, rep.OrdersOpen)
	assert.Equal(t, "2026-01-05", rep.Date)
}

func TestRunRecordsAllStages(t *testing.T) {
	e := newOrchEnv(t)

	rec, err := e.orch.Run(context.Background(), "2026-01-05", "manual")
	require.NoError(t, err)

	require.Len(t, rec.Stages, len(domain.RunStages))
	for i, stage := range domain.RunStages {
		assert.Equal(t, stage, rec.Stages[i].Stage)
		assert.True(t, rec.Stages[i].Ok, string(stage))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()

	first, err := e.orch.Run(ctx, "2026-01-05", "manual")
	require.NoError(t, err)
	require.Equal(t, domain.RunOutcomeSuccess, first.Outcome)

	second, err := e.orch.Run(ctx, "2026-01-05", "manual")
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	// Re-invocation must not duplicate orders.
	orders, _ := e.orders.List(ctx, domain.ListOpts{})
	assert.Len(t, orders, 2)
}

func TestRunDistinctTriggersAreDistinctRuns(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()

	a, err := e.orch.Run(ctx, "2026-01-05", "manual")
	require.NoError(t, err)
	b, err := e.orch.Run(ctx, "2026-01-05", "scheduled")
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)

	// The orders themselves still converge: same intent, same client ids.
	orders, _ := e.orders.List(ctx, domain.ListOpts{})
	assert.Len(t, orders, 2)
}

func TestRunFailsWhenGateUnset(t *testing.T) {
	e := newOrchEnv(t)
	ctx := context.Background()
	require.NoError(t, e.gates.Clear(ctx, "execution"))

	rec, err := e.orch.Run(ctx, "2026-01-05", "manual")
	require.Error(t, err)
	assert.Equal(t, domain.KindReconcilerNotReady, domain.KindOf(err))
	assert.Equal(t, domain.RunOutcomeFailed, rec.Outcome)
	require.NotEmpty(t, rec.Stages)
	assert.False(t, rec.Stages[0].Ok)
}

func TestFileMarkSource(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`{"AAA": "101.5", "BBB": "7"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-01-05.json"), raw, 0o600))

	src := FileMarkSource{Dir: dir}
	marks, err := src.Marks(context.Background(), []string{"AAA", "BBB", "CCC"}, "2026-01-05")
	require.NoError(t, err)
	assert.True(t, marks["AAA"].Equal(decimal.RequireFromString("101.5")))
	assert.True(t, marks["BBB"].Equal(decimal.NewFromInt(7)))
	_, ok := marks["CCC"]
	assert.False(t, ok)

	marks, err = src.Marks(context.Background(), []string{"AAA"}, "2026-01-06")
	require.NoError(t, err)
	assert.Empty(t, marks)
}
