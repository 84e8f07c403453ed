package circuit

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

// memCircuitStore is an in-memory domain.CircuitStore with real CAS
// semantics, standing in for the Redis implementation.
type memCircuitStore struct {
	mu   sync.Mutex
	rec  *domain.CircuitRecord
	fail bool
}

func (m *memCircuitStore) Read(ctx context.Context) (domain.CircuitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return domain.CircuitRecord{}, assert.AnError
	}
	if m.rec == nil {
		return domain.CircuitRecord{State: domain.CircuitOpen}, nil
	}
	return *m.rec, nil
}

func (m *memCircuitStore) CompareAndSet(ctx context.Context, expect domain.CircuitState, next domain.CircuitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := domain.CircuitOpen
	if m.rec != nil {
		cur = m.rec.State
	}
	if cur != expect {
		return domain.ErrCASConflict
	}
	m.rec = &next
	return nil
}

func (m *memCircuitStore) ResetTripCount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		m.rec.TripCountToday = 0
	}
	return nil
}

func newTestBreaker(store domain.CircuitStore, cfg Config) *Breaker {
	return New(store, nil, nil, cfg, nil)
}

func TestTripFromOpen(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "operator trip", "alice"))

	rec, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitTripped, rec.State)
	assert.Equal(t, domain.TripReasonManual, rec.TripReason)
	assert.Equal(t, 1, rec.TripCountToday)
	assert.False(t, rec.AllowsEntry())
}

func TestTripWhileTrippedIsNoop(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonDrawdown, "dd", "monitor"))
	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "again", "bob"))

	rec, err := b.State(ctx)
	require.NoError(t, err)
	// Second trip did not overwrite the first or bump the counter.
	assert.Equal(t, domain.TripReasonDrawdown, rec.TripReason)
	assert.Equal(t, 1, rec.TripCountToday)
}

func TestResetRequiresTripped(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	err := b.RequestReset(ctx, "alice")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestFullCycle(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "", "alice"))
	require.NoError(t, b.RequestReset(ctx, "alice"))

	rec, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitQuietPeriod, rec.State)
	assert.False(t, rec.AllowsEntry())

	require.NoError(t, b.Reopen(ctx, "alice"))
	rec, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, rec.State)
	assert.True(t, rec.AllowsEntry())
	// Trip counter survives the reopen.
	assert.Equal(t, 1, rec.TripCountToday)
}

func TestReopenBlockedDuringCooldown(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "", "alice"))
	require.NoError(t, b.RequestReset(ctx, "alice"))

	err := b.Reopen(ctx, "alice")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestMaybeReopenAfterCooldown(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.Cooldown = time.Millisecond
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "", "alice"))
	require.NoError(t, b.RequestReset(ctx, "alice"))
	time.Sleep(5 * time.Millisecond)

	b.maybeReopen(ctx)

	rec, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, rec.State)
	assert.Equal(t, "auto", rec.ResetBy)
}

func TestMaybeReopenHoldsDuringCooldown(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "", "alice"))
	require.NoError(t, b.RequestReset(ctx, "alice"))

	b.maybeReopen(ctx)

	rec, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitQuietPeriod, rec.State)
}

func TestMaybeReopenIgnoresRetrip(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.Cooldown = time.Millisecond
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.Trip(ctx, domain.TripReasonManual, "", "alice"))
	require.NoError(t, b.RequestReset(ctx, "alice"))
	time.Sleep(5 * time.Millisecond)
	// A new trip during the quiet period wins; the loop must not reopen.
	require.NoError(t, b.Trip(ctx, domain.TripReasonDrawdown, "dd", "monitor"))

	b.maybeReopen(ctx)

	rec, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitTripped, rec.State)
}

func TestDrawdownTrip(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	// Above threshold: no trip.
	require.NoError(t, b.CheckDrawdown(ctx, decimal.NewFromFloat(-0.02)))
	rec, _ := b.State(ctx)
	assert.Equal(t, domain.CircuitOpen, rec.State)

	// At threshold: trips.
	require.NoError(t, b.CheckDrawdown(ctx, decimal.NewFromFloat(-0.05)))
	rec, _ = b.State(ctx)
	assert.Equal(t, domain.CircuitTripped, rec.State)
	assert.Equal(t, domain.TripReasonDrawdown, rec.TripReason)
}

func TestStalenessTrip(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.CheckStaleness(ctx, time.Now().Add(-5*time.Minute)))
	rec, _ := b.State(ctx)
	assert.Equal(t, domain.CircuitOpen, rec.State)

	require.NoError(t, b.CheckStaleness(ctx, time.Now().Add(-45*time.Minute)))
	rec, _ = b.State(ctx)
	assert.Equal(t, domain.CircuitTripped, rec.State)
}

func TestBrokerErrorStreak(t *testing.T) {
	store := &memCircuitStore{}
	cfg := DefaultConfig()
	cfg.BrokerErrorThreshold = 3
	b := newTestBreaker(store, cfg)
	ctx := context.Background()

	require.NoError(t, b.RecordBrokerError(ctx))
	require.NoError(t, b.RecordBrokerError(ctx))
	b.RecordBrokerSuccess()
	require.NoError(t, b.RecordBrokerError(ctx))
	require.NoError(t, b.RecordBrokerError(ctx))

	rec, _ := b.State(ctx)
	assert.Equal(t, domain.CircuitOpen, rec.State, "streak was broken by a success")

	require.NoError(t, b.RecordBrokerError(ctx))
	rec, _ = b.State(ctx)
	assert.Equal(t, domain.CircuitTripped, rec.State)
}

func TestReadFailureSentinel(t *testing.T) {
	store := &memCircuitStore{}
	b := newTestBreaker(store, DefaultConfig())
	ctx := context.Background()

	_, err := b.State(ctx)
	require.NoError(t, err)
	assert.False(t, b.ReadFailureSeen())

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()

	_, err = b.State(ctx)
	require.Error(t, err)
	assert.True(t, b.ReadFailureSeen())

	allowed, err := b.AllowsEntry(ctx)
	require.Error(t, err)
	assert.False(t, allowed)

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	_, err = b.State(ctx)
	require.NoError(t, err)
	assert.False(t, b.ReadFailureSeen())
}
