package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/crypto"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
	"github.com/quantops/tradectl/internal/model"
	"github.com/quantops/tradectl/internal/risk"
	"github.com/quantops/tradectl/internal/signal"
)

var testLogger = slog.New(slog.DiscardHandler)

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// --- order handler ---

type fakeOrderService struct {
	submitRes domain.SubmitResult
	submitErr error
	canceled  []string
}

func (f *fakeOrderService) Submit(ctx context.Context, req execution.SubmitRequest) (domain.SubmitResult, error) {
	if f.submitErr != nil {
		return domain.SubmitResult{}, f.submitErr
	}
	return f.submitRes, nil
}

func (f *fakeOrderService) Cancel(ctx context.Context, clientOrderID, actor string) error {
	f.canceled = append(f.canceled, clientOrderID)
	return nil
}

// fakeOrderStore backs the read-side endpoints with a static order list.
type fakeOrderStore struct {
	orders []domain.Order
	fills  []domain.Fill
}

func (f *fakeOrderStore) InsertIfAbsent(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	return o, true, nil
}

func (f *fakeOrderStore) GetByClientOrderID(ctx context.Context, id string) (domain.Order, error) {
	for _, o := range f.orders {
		if o.ClientOrderID == id {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrderStore) GetByBrokerOrderID(ctx context.Context, id string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrderStore) MarkSubmitted(ctx context.Context, id, brokerID string, st domain.OrderStatus) error {
	return nil
}

func (f *fakeOrderStore) UpdateStatus(ctx context.Context, id string, st domain.OrderStatus, reason string) error {
	return nil
}

func (f *fakeOrderStore) ApplyFill(ctx context.Context, fill domain.Fill) error { return nil }

func (f *fakeOrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	var open []domain.Order
	for _, o := range f.orders {
		if !o.Status.IsTerminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (f *fakeOrderStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeOrderStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	return f.orders, nil
}

func (f *fakeOrderStore) FillsForOrder(ctx context.Context, clientOrderID string) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, fill := range f.fills {
		if fill.ClientOrderID == clientOrderID {
			out = append(out, fill)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	return f.fills, nil
}

func sampleOrder(id string, status domain.OrderStatus) domain.Order {
	px := decimal.NewFromInt(101)
	return domain.Order{
		ClientOrderID: id,
		StrategyID:    "alpha-1",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Qty:           decimal.NewFromInt(10),
		Type:          domain.OrderTypeLimit,
		LimitPrice:    &px,
		TimeInForce:   domain.TimeInForceDay,
		Status:        status,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestOrderSubmitCreated(t *testing.T) {
	svc := &fakeOrderService{submitRes: domain.SubmitResult{Order: sampleOrder("abc123", domain.OrderStatusSubmitted)}}
	h := NewOrderHandler(svc, &fakeOrderStore{}, testLogger)

	w := doJSON(t, h.Submit, http.MethodPost, "/api/v1/orders", map[string]any{
		"strategy_id": "alpha-1",
		"symbol":      "AAPL",
		"side":        "buy",
		"qty":         "10",
		"order_type":  "limit",
		"limit_price": "101",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp submitResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "abc123", resp.Order.ClientOrderID)
	assert.Equal(t, "10", resp.Order.Qty)
	assert.Equal(t, "101", resp.Order.LimitPrice)
	assert.False(t, resp.DuplicateOK)
}

func TestOrderSubmitDuplicateReturns200(t *testing.T) {
	svc := &fakeOrderService{submitRes: domain.SubmitResult{
		Order:       sampleOrder("abc123", domain.OrderStatusSubmitted),
		DuplicateOK: true,
	}}
	h := NewOrderHandler(svc, &fakeOrderStore{}, testLogger)

	w := doJSON(t, h.Submit, http.MethodPost, "/api/v1/orders", map[string]any{"symbol": "AAPL"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp submitResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.DuplicateOK)
}

func TestOrderSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{domain.E(domain.KindValidation, "qty must be positive"), http.StatusBadRequest, "validation_error"},
		{domain.E(domain.KindCircuitTripped, "breaker is tripped"), http.StatusConflict, "circuit_breaker_tripped"},
		{domain.E(domain.KindRiskViolation, "per-symbol cap"), http.StatusConflict, "risk_violation"},
		{domain.E(domain.KindBrokerRetriable, "broker timeout"), http.StatusGatewayTimeout, "broker_error_retriable"},
		{domain.E(domain.KindBrokerPermanent, "rejected"), http.StatusBadGateway, "broker_error_permanent"},
		{domain.E(domain.KindReconcilerNotReady, "gate unset"), http.StatusServiceUnavailable, "reconciler_not_ready"},
		{fmt.Errorf("plain failure"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewOrderHandler(&fakeOrderService{submitErr: tc.err}, &fakeOrderStore{}, testLogger)
			w := doJSON(t, h.Submit, http.MethodPost, "/api/v1/orders", map[string]any{"symbol": "AAPL"})
			require.Equal(t, tc.want, w.Code)

			var body errorBody
			decodeBody(t, w, &body)
			assert.Equal(t, tc.code, body.Error)
		})
	}
}

func TestOrderListOpenByDefault(t *testing.T) {
	store := &fakeOrderStore{orders: []domain.Order{
		sampleOrder("open-1", domain.OrderStatusSubmitted),
		sampleOrder("done-1", domain.OrderStatusFilled),
	}}
	h := NewOrderHandler(&fakeOrderService{}, store, testLogger)

	w := doJSON(t, h.List, http.MethodGet, "/api/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listOrdersResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "open-1", resp.Orders[0].ClientOrderID)

	w = doJSON(t, h.List, http.MethodGet, "/api/v1/orders?open=false", nil)
	decodeBody(t, w, &resp)
	assert.Len(t, resp.Orders, 2)
}

func TestOrderGetNotFound(t *testing.T) {
	h := NewOrderHandler(&fakeOrderService{}, &fakeOrderStore{}, testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope", nil)
	req.SetPathValue("id", "nope")
	w := httptest.NewRecorder()
	h.Get(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var body errorBody
	decodeBody(t, w, &body)
	assert.Equal(t, "not_found", body.Error)
}

func TestOrderGetIncludesFills(t *testing.T) {
	store := &fakeOrderStore{
		orders: []domain.Order{sampleOrder("abc123", domain.OrderStatusPartiallyFilled)},
		fills: []domain.Fill{
			{FillID: "f1", ClientOrderID: "abc123", Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), FillTime: time.Now().UTC()},
			{FillID: "f2", ClientOrderID: "other", Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(99), FillTime: time.Now().UTC()},
		},
	}
	h := NewOrderHandler(&fakeOrderService{}, store, testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/abc123", nil)
	req.SetPathValue("id", "abc123")
	w := httptest.NewRecorder()
	h.Get(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Order orderDTO  `json:"order"`
		Fills []fillDTO `json:"fills"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "abc123", resp.Order.ClientOrderID)
	require.Len(t, resp.Fills, 1, "only the order's own fills are returned")
	assert.Equal(t, "f1", resp.Fills[0].FillID)
	assert.Equal(t, "4", resp.Fills[0].Qty)
	assert.Equal(t, "100", resp.Fills[0].Price)
}

func TestOrderCancel(t *testing.T) {
	svc := &fakeOrderService{}
	h := NewOrderHandler(svc, &fakeOrderStore{}, testLogger)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/abc123/cancel", nil)
	req.SetPathValue("id", "abc123")
	w := httptest.NewRecorder()
	h.Cancel(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc123"}, svc.canceled)
}

// --- signal / model handlers ---

type fakeSignalService struct {
	set domain.SignalSet
	err error
}

func (f *fakeSignalService) Generate(ctx context.Context, req signal.Request) (domain.SignalSet, error) {
	return f.set, f.err
}

type fakeModelService struct {
	model    *model.Model
	err      error
	poll     model.ReloadResult
	pollErr  error
	failures int64
}

func (f *fakeModelService) Current() (*model.Model, error) { return f.model, f.err }
func (f *fakeModelService) Poll(ctx context.Context) (model.ReloadResult, error) {
	return f.poll, f.pollErr
}
func (f *fakeModelService) LoadFailures() int64 { return f.failures }

func loadedModel() *model.Model {
	return &model.Model{
		Meta: domain.ModelMetadata{
			StrategyID: "alpha-1",
			Version:    "v12",
			Family:     domain.ModelFamilyLinear,
			ModelPath:  "file:///models/v12.json",
		},
		Fingerprint: "deadbeef",
	}
}

func TestSignalGenerateRequiresDate(t *testing.T) {
	h := NewSignalHandler(&fakeSignalService{}, &fakeModelService{}, testLogger)

	w := doJSON(t, h.Generate, http.MethodPost, "/api/v1/signals/generate", map[string]any{
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalGenerateModelNotLoaded(t *testing.T) {
	svc := &fakeSignalService{err: domain.E(domain.KindModelNotLoaded, "no model loaded")}
	h := NewSignalHandler(svc, &fakeModelService{}, testLogger)

	w := doJSON(t, h.Generate, http.MethodPost, "/api/v1/signals/generate", map[string]any{
		"symbols":    []string{"AAPL"},
		"as_of_date": "2025-06-02",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body errorBody
	decodeBody(t, w, &body)
	assert.Equal(t, "model_not_loaded", body.Error)
}

func TestModelInfo(t *testing.T) {
	reg := &fakeModelService{model: loadedModel(), failures: 2}
	h := NewSignalHandler(&fakeSignalService{}, reg, testLogger)

	w := doJSON(t, h.ModelInfo, http.MethodGet, "/api/v1/model/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp modelInfoResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "v12", resp.Version)
	assert.Equal(t, "deadbeef", resp.Fingerprint)
	assert.Equal(t, int64(2), resp.LoadFailures)
}

func TestModelReload(t *testing.T) {
	reg := &fakeModelService{poll: model.ReloadResult{Reloaded: true, PreviousVersion: "v11", CurrentVersion: "v12"}}
	h := NewSignalHandler(&fakeSignalService{}, reg, testLogger)

	w := doJSON(t, h.Reload, http.MethodPost, "/api/v1/model/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.ReloadResult
	decodeBody(t, w, &resp)
	assert.True(t, resp.Reloaded)
	assert.Equal(t, "v12", resp.CurrentVersion)
}

// --- risk handler ---

type fakePlanService struct {
	plan risk.Plan
	err  error
	got  risk.PlanRequest
}

func (f *fakePlanService) Plan(ctx context.Context, req risk.PlanRequest) (risk.Plan, error) {
	f.got = req
	return f.plan, f.err
}

func TestRiskPlan(t *testing.T) {
	svc := &fakePlanService{plan: risk.Plan{
		Orders: []risk.PlannedOrder{{
			Symbol: "AAPL",
			Side:   domain.OrderSideBuy,
			Qty:    decimal.NewFromInt(40),
			Type:   domain.OrderTypeMarket,
		}},
		Rejections: []risk.Rejection{{Symbol: "TSLA", Reason: domain.RiskReasonBlacklist}},
	}}
	h := NewRiskHandler(svc, testLogger)

	w := doJSON(t, h.Plan, http.MethodPost, "/api/v1/risk/plan", map[string]any{
		"strategy_id":     "alpha-1",
		"weights":         map[string]float64{"AAPL": 0.04, "TSLA": 0.02},
		"marks":           map[string]string{"AAPL": "100.50", "TSLA": "250"},
		"portfolio_value": "100000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp planResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "40", resp.Orders[0].Qty)
	require.Len(t, resp.Rejections, 1)
	assert.Equal(t, domain.RiskReasonBlacklist, resp.Rejections[0].Reason)

	assert.True(t, svc.got.PortfolioValue.Equal(decimal.NewFromInt(100000)))
	assert.True(t, svc.got.Marks["AAPL"].Equal(decimal.RequireFromString("100.50")))
}

func TestRiskPlanRejectsBadDecimal(t *testing.T) {
	h := NewRiskHandler(&fakePlanService{}, testLogger)

	w := doJSON(t, h.Plan, http.MethodPost, "/api/v1/risk/plan", map[string]any{
		"marks":           map[string]string{"AAPL": "not-a-number"},
		"portfolio_value": "100000",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- circuit handler ---

type memCircuitStore struct {
	mu  sync.Mutex
	rec domain.CircuitRecord
	err error
}

func (s *memCircuitStore) Read(ctx context.Context) (domain.CircuitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.CircuitRecord{}, s.err
	}
	return s.rec, nil
}

func (s *memCircuitStore) CompareAndSet(ctx context.Context, expect domain.CircuitState, next domain.CircuitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State != expect {
		return domain.ErrCASConflict
	}
	s.rec = next
	return nil
}

func (s *memCircuitStore) ResetTripCount(ctx context.Context) error { return nil }

func newCircuitHandler(store *memCircuitStore) *CircuitHandler {
	cfg := circuit.DefaultConfig()
	cfg.Cooldown = 0
	b := circuit.New(store, nil, nil, cfg, testLogger)
	return NewCircuitHandler(b, testLogger)
}

func TestCircuitTripResetReopen(t *testing.T) {
	store := &memCircuitStore{rec: domain.CircuitRecord{State: domain.CircuitOpen}}
	h := newCircuitHandler(store)

	w := doJSON(t, h.Trip, http.MethodPost, "/api/v1/circuit/trip", map[string]string{
		"reason": "fat finger",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp circuitStateResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, domain.CircuitTripped, resp.Record.State)

	w = doJSON(t, h.Reset, http.MethodPost, "/api/v1/circuit/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, domain.CircuitQuietPeriod, resp.Record.State)

	w = doJSON(t, h.Reopen, http.MethodPost, "/api/v1/circuit/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, domain.CircuitOpen, resp.Record.State)
}

func TestCircuitTripRequiresReason(t *testing.T) {
	h := newCircuitHandler(&memCircuitStore{rec: domain.CircuitRecord{State: domain.CircuitOpen}})

	w := doJSON(t, h.Trip, http.MethodPost, "/api/v1/circuit/trip", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCircuitStateReadFailureReadsAsTripped(t *testing.T) {
	store := &memCircuitStore{err: fmt.Errorf("redis down")}
	h := newCircuitHandler(store)

	w := doJSON(t, h.State, http.MethodGet, "/api/v1/circuit", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp circuitStateResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, domain.CircuitTripped, resp.Record.State)
	assert.True(t, resp.ReadFailureSeen)
}

// --- admin handler ---

type fakeDestructive struct {
	killErr error
	calls   []string
}

func (f *fakeDestructive) CancelAll(ctx context.Context, req execution.DestructiveRequest) (int, error) {
	f.calls = append(f.calls, "cancel_all")
	return 3, nil
}

func (f *fakeDestructive) FlattenAll(ctx context.Context, req execution.DestructiveRequest) (int, error) {
	f.calls = append(f.calls, "flatten_all")
	return 2, nil
}

func (f *fakeDestructive) KillSwitch(ctx context.Context, req execution.DestructiveRequest) error {
	f.calls = append(f.calls, "kill_switch")
	return f.killErr
}

func TestAdminCancelAll(t *testing.T) {
	svc := &fakeDestructive{}
	h := NewAdminHandler(svc, testLogger)

	w := doJSON(t, h.CancelAll, http.MethodPost, "/api/v1/admin/cancel-all", map[string]string{
		"actor":         "ops",
		"reason":        "deploy rollback",
		"step_up_token": "tok",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decodeBody(t, w, &resp)
	assert.Equal(t, float64(3), resp["canceled"])
	assert.Equal(t, []string{"cancel_all"}, svc.calls)
}

func TestAdminKillSwitchStepUpRejected(t *testing.T) {
	svc := &fakeDestructive{killErr: domain.E(domain.KindAuth, "step-up token rejected")}
	h := NewAdminHandler(svc, testLogger)

	w := doJSON(t, h.KillSwitch, http.MethodPost, "/api/v1/admin/kill-switch", map[string]string{
		"actor":  "ops",
		"reason": "bad day",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	var body errorBody
	decodeBody(t, w, &body)
	assert.Equal(t, "auth_error", body.Error)
}

// --- webhook handler ---

type recordingIngestor struct {
	events []domain.WebhookEvent
	err    error
}

func (f *recordingIngestor) Apply(ctx context.Context, ev domain.WebhookEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func webhookBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(domain.WebhookEvent{
		EventID:       "evt-1",
		Type:          domain.WebhookOrderFill,
		ClientOrderID: "abc123",
		FillID:        "fill-1",
		FillQty:       decimal.NewFromInt(5),
		FillPrice:     decimal.NewFromInt(100),
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return b
}

func TestWebhookAcceptsSignedDelivery(t *testing.T) {
	ing := &recordingIngestor{}
	h := NewWebhookHandler(ing, "whsec", 5*time.Minute, testLogger)

	body := webhookBody(t)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/broker", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", crypto.SignWebhook("whsec", string(body), ts))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ing.events, 1)
	assert.Equal(t, "evt-1", ing.events[0].EventID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ing := &recordingIngestor{}
	h := NewWebhookHandler(ing, "whsec", 5*time.Minute, testLogger)

	body := webhookBody(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/broker", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Signature", strings.Repeat("0", 64))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, ing.events)
}

func TestWebhookUnknownOrderReturns404(t *testing.T) {
	ing := &recordingIngestor{err: domain.ErrNotFound}
	h := NewWebhookHandler(ing, "", 0, testLogger)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/broker", bytes.NewReader(webhookBody(t)))
	w := httptest.NewRecorder()
	h.Receive(w, req)

	// 404 asks the broker to redeliver after the reconciler catches up.
	require.Equal(t, http.StatusNotFound, w.Code)
}

// --- events handler ---

type fakeEventStream struct {
	msgs    []domain.StreamMessage
	err     error
	gotLast string
	gotN    int
}

func (f *fakeEventStream) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	f.gotLast = lastID
	f.gotN = count
	return f.msgs, f.err
}

func TestEventsListReturnsStreamEntries(t *testing.T) {
	stream := &fakeEventStream{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"event_id":"evt-1"}`)},
		{ID: "2-0", Payload: []byte(`{"event_id":"evt-2"}`)},
	}}
	h := NewEventsHandler(stream, testLogger)

	w := doJSON(t, h.List, http.MethodGet, "/api/v1/events?after=0-0&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listEventsResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "1-0", resp.Events[0].ID)
	assert.Contains(t, string(resp.Events[0].Event), "evt-1")
	assert.Equal(t, "2-0", resp.LastID)

	assert.Equal(t, "0-0", stream.gotLast)
	assert.Equal(t, 10, stream.gotN)
}

func TestEventsListDefaultsAndBadLimit(t *testing.T) {
	stream := &fakeEventStream{}
	h := NewEventsHandler(stream, testLogger)

	w := doJSON(t, h.List, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", stream.gotLast)
	assert.Equal(t, 100, stream.gotN)

	w = doJSON(t, h.List, http.MethodGet, "/api/v1/events?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- health handler ---

type fakeGates struct {
	set map[string]bool
	err error
}

func (f *fakeGates) Set(ctx context.Context, service string) error   { return nil }
func (f *fakeGates) Clear(ctx context.Context, service string) error { return nil }
func (f *fakeGates) IsSet(ctx context.Context, service string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.set[service], nil
}

func TestHealthOK(t *testing.T) {
	reg := &fakeModelService{model: loadedModel()}
	gates := &fakeGates{set: map[string]bool{"execution": true}}
	h := NewHealthHandler(nil, gates, reg, []string{"execution"}, testLogger)

	w := doJSON(t, h.Check, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "v12", resp.ModelVersion)
	assert.True(t, resp.Gates["execution"])
}

func TestHealthDegradedWhenModelMissing(t *testing.T) {
	reg := &fakeModelService{err: domain.E(domain.KindModelNotLoaded, "no model loaded")}
	h := NewHealthHandler(nil, nil, reg, nil, testLogger)

	w := doJSON(t, h.Check, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp healthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.ModelLoaded)
	assert.False(t, *resp.ModelLoaded)
}

// --- run handler ---

type fakeRunService struct {
	rec domain.RunRecord
	err error
}

func (f *fakeRunService) Run(ctx context.Context, date, trigger string) (domain.RunRecord, error) {
	return f.rec, f.err
}

type fakeRunStore struct {
	recs map[string]domain.RunRecord
}

func (f *fakeRunStore) CreateIfAbsent(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, bool, error) {
	return rec, true, nil
}
func (f *fakeRunStore) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	rec, ok := f.recs[runID]
	if !ok {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	return rec, nil
}
func (f *fakeRunStore) UpsertStage(ctx context.Context, runID string, stage domain.StageResult) error {
	return nil
}
func (f *fakeRunStore) Finish(ctx context.Context, runID string, outcome domain.RunOutcome, report json.RawMessage) error {
	return nil
}
func (f *fakeRunStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RunRecord, error) {
	var out []domain.RunRecord
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out, nil
}

func TestRunStartEmptyBody(t *testing.T) {
	svc := &fakeRunService{rec: domain.RunRecord{RunID: "run-1", Outcome: domain.RunOutcomeSuccess}}
	h := NewRunHandler(svc, &fakeRunStore{}, testLogger)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestration/runs", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	h.Start(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp runDTO
	decodeBody(t, w, &resp)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, domain.RunOutcomeSuccess, resp.Outcome)
}

func TestRunGet(t *testing.T) {
	store := &fakeRunStore{recs: map[string]domain.RunRecord{
		"run-1": {RunID: "run-1", Outcome: domain.RunOutcomePartial},
	}}
	h := NewRunHandler(&fakeRunService{}, store, testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestration/runs/run-1", nil)
	req.SetPathValue("run_id", "run-1")
	w := httptest.NewRecorder()
	h.Get(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp runDTO
	decodeBody(t, w, &resp)
	assert.Equal(t, domain.RunOutcomePartial, resp.Outcome)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orchestration/runs/ghost", nil)
	req.SetPathValue("run_id", "ghost")
	w = httptest.NewRecorder()
	h.Get(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
