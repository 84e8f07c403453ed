// Package circuit implements the shared circuit breaker: a singleton record
// in the coordination store with three states (OPEN, TRIPPED, QUIET_PERIOD)
// and compare-and-set transitions. Every service reads the same record, so a
// trip anywhere blocks entries everywhere within one polling interval.
package circuit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantops/tradectl/internal/domain"
)

// Config holds the trip thresholds and the reopen cool-down.
type Config struct {
	// DrawdownThreshold is the portfolio drawdown fraction (negative) at or
	// below which the breaker trips, e.g. -0.05.
	DrawdownThreshold decimal.Decimal
	// BrokerErrorThreshold is the count of consecutive broker failures that
	// trips the breaker.
	BrokerErrorThreshold int
	// StalenessMax is the maximum tolerated market-data age.
	StalenessMax time.Duration
	// Cooldown is how long QUIET_PERIOD must hold before reopening.
	Cooldown time.Duration
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		DrawdownThreshold:    decimal.NewFromFloat(-0.05),
		BrokerErrorThreshold: 5,
		StalenessMax:         30 * time.Minute,
		Cooldown:             10 * time.Minute,
	}
}

// Breaker drives the state machine over a domain.CircuitStore. It also keeps
// the read-failure sentinel: when the coordination store cannot be read the
// sentinel is set and callers must treat the breaker as TRIPPED.
type Breaker struct {
	store domain.CircuitStore
	bus   domain.SignalBus
	audit domain.AuditStore
	cfg   Config
	log   *slog.Logger

	readFailed      atomic.Bool
	brokerErrStreak atomic.Int64
}

// New creates a Breaker. bus and audit may be nil in tests.
func New(store domain.CircuitStore, bus domain.SignalBus, audit domain.AuditStore, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{store: store, bus: bus, audit: audit, cfg: cfg, log: log}
}

// State reads the current record. Read failures set the sentinel; any
// successful read clears it.
func (b *Breaker) State(ctx context.Context) (domain.CircuitRecord, error) {
	rec, err := b.store.Read(ctx)
	if err != nil {
		b.readFailed.Store(true)
		return domain.CircuitRecord{}, err
	}
	b.readFailed.Store(false)
	return rec, nil
}

// ReadFailureSeen reports the sentinel: true while the last read of the
// breaker record failed. Exposed on the status endpoint for alerting.
func (b *Breaker) ReadFailureSeen() bool {
	return b.readFailed.Load()
}

// AllowsEntry reports whether risk-increasing orders may proceed. An
// unreadable coordination store denies entry.
func (b *Breaker) AllowsEntry(ctx context.Context) (bool, error) {
	rec, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return rec.AllowsEntry(), nil
}

// casRetries bounds the read-CAS-retry loop on transitions. Concurrent trips
// converge quickly; anything still conflicting after this is surfaced.
const casRetries = 3

// Trip forces the breaker to TRIPPED from any state. Concurrent trips lose
// safely: a loser re-reads, sees TRIPPED, and returns without error.
func (b *Breaker) Trip(ctx context.Context, reason domain.TripReason, details, actor string) error {
	for i := 0; i < casRetries; i++ {
		rec, err := b.State(ctx)
		if err != nil {
			return err
		}
		if rec.State == domain.CircuitTripped {
			return nil
		}

		now := time.Now().UTC()
		next := domain.CircuitRecord{
			State:          domain.CircuitTripped,
			TrippedAt:      &now,
			TripReason:     reason,
			TripDetails:    details,
			TripCountToday: rec.TripCountToday + 1,
		}

		err = b.store.CompareAndSet(ctx, rec.State, next)
		if err == nil {
			b.log.Warn("circuit tripped",
				"reason", reason, "details", details, "actor", actor,
				"trip_count_today", next.TripCountToday)
			b.announce(ctx, next)
			b.auditLog(ctx, domain.AuditCircuitTrip, actor, string(reason), details)
			return nil
		}
		if err != domain.ErrCASConflict {
			return err
		}
	}
	return domain.ErrCASConflict
}

// RequestReset moves TRIPPED to QUIET_PERIOD. The caller supplies the manual
// approval identity; only one concurrent reset wins the CAS.
func (b *Breaker) RequestReset(ctx context.Context, actor string) error {
	rec, err := b.State(ctx)
	if err != nil {
		return err
	}
	if rec.State != domain.CircuitTripped {
		return domain.Ef(domain.KindValidation, "reset requested in state %s", rec.State)
	}

	now := time.Now().UTC()
	next := rec
	next.State = domain.CircuitQuietPeriod
	next.QuietSince = &now
	next.ResetBy = actor

	if err := b.store.CompareAndSet(ctx, domain.CircuitTripped, next); err != nil {
		return err
	}
	b.log.Info("circuit entering quiet period", "actor", actor, "cooldown", b.cfg.Cooldown)
	b.announce(ctx, next)
	b.auditLog(ctx, domain.AuditCircuitReset, actor, "quiet_period", "")
	return nil
}

// Reopen moves QUIET_PERIOD to OPEN once the cool-down has elapsed. Called by
// callers who have verified all-clear conditions still hold.
func (b *Breaker) Reopen(ctx context.Context, actor string) error {
	rec, err := b.State(ctx)
	if err != nil {
		return err
	}
	if rec.State != domain.CircuitQuietPeriod {
		return domain.Ef(domain.KindValidation, "reopen requested in state %s", rec.State)
	}
	if rec.QuietSince != nil {
		if remaining := b.cfg.Cooldown - time.Since(*rec.QuietSince); remaining > 0 {
			return domain.Ef(domain.KindValidation, "cool-down has %s remaining", remaining.Round(time.Second))
		}
	}

	now := time.Now().UTC()
	next := domain.CircuitRecord{
		State:          domain.CircuitOpen,
		ResetAt:        &now,
		ResetBy:        actor,
		TripCountToday: rec.TripCountToday,
	}

	if err := b.store.CompareAndSet(ctx, domain.CircuitQuietPeriod, next); err != nil {
		return err
	}
	b.brokerErrStreak.Store(0)
	b.log.Info("circuit reopened", "actor", actor)
	b.announce(ctx, next)
	b.auditLog(ctx, domain.AuditCircuitReset, actor, "open", "")
	return nil
}

// reopenPollInterval is how often the background loop checks whether a quiet
// period has run out its cool-down.
const reopenPollInterval = 30 * time.Second

// Run polls for an elapsed quiet period and reopens automatically. The
// all-clear holds by construction: any condition that re-fired during the
// cool-down would have tripped the record back to TRIPPED, and the CAS from
// QUIET_PERIOD then fails. Blocks until ctx is canceled.
func (b *Breaker) Run(ctx context.Context) error {
	ticker := time.NewTicker(reopenPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.maybeReopen(ctx)
		}
	}
}

func (b *Breaker) maybeReopen(ctx context.Context) {
	rec, err := b.State(ctx)
	if err != nil {
		b.log.Warn("circuit read failed in reopen loop", "err", err)
		return
	}
	if rec.State != domain.CircuitQuietPeriod || rec.QuietSince == nil {
		return
	}
	if time.Since(*rec.QuietSince) < b.cfg.Cooldown {
		return
	}
	if err := b.Reopen(ctx, "auto"); err != nil && err != domain.ErrCASConflict {
		b.log.Warn("automatic reopen failed", "err", err)
	}
}

// CheckDrawdown trips the breaker when drawdown breaches the threshold.
// drawdown is a signed fraction (losses negative).
func (b *Breaker) CheckDrawdown(ctx context.Context, drawdown decimal.Decimal) error {
	if drawdown.GreaterThan(b.cfg.DrawdownThreshold) {
		return nil
	}
	return b.Trip(ctx, domain.TripReasonDrawdown,
		"portfolio drawdown "+drawdown.StringFixed(4), "monitor")
}

// CheckStaleness trips the breaker when the market data timestamp is older
// than the configured maximum.
func (b *Breaker) CheckStaleness(ctx context.Context, lastData time.Time) error {
	age := time.Since(lastData)
	if age <= b.cfg.StalenessMax {
		return nil
	}
	return b.Trip(ctx, domain.TripReasonStaleData,
		"market data is "+age.Round(time.Second).String()+" old", "monitor")
}

// RecordBrokerError counts a broker failure. A streak at the configured
// threshold trips the breaker.
func (b *Breaker) RecordBrokerError(ctx context.Context) error {
	streak := b.brokerErrStreak.Add(1)
	if b.cfg.BrokerErrorThreshold <= 0 || streak < int64(b.cfg.BrokerErrorThreshold) {
		return nil
	}
	return b.Trip(ctx, domain.TripReasonBrokerError,
		"consecutive broker errors", "monitor")
}

// RecordBrokerSuccess clears the broker error streak.
func (b *Breaker) RecordBrokerSuccess() {
	b.brokerErrStreak.Store(0)
}

// ResetTripCount zeroes trip_count_today. Scheduled at UTC midnight.
func (b *Breaker) ResetTripCount(ctx context.Context) error {
	return b.store.ResetTripCount(ctx)
}

func (b *Breaker) announce(ctx context.Context, rec domain.CircuitRecord) {
	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, domain.ChannelCircuit, payload); err != nil {
		b.log.Warn("circuit event publish failed", "err", err)
	}
}

func (b *Breaker) auditLog(ctx context.Context, eventType, actor, action, details string) {
	if b.audit == nil {
		return
	}
	ev := domain.AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Action:    action,
		Outcome:   "ok",
	}
	if details != "" {
		ev.Details = map[string]any{"details": details}
	}
	if err := b.audit.Log(ctx, ev); err != nil {
		b.log.Warn("audit write failed", "event", eventType, "err", err)
	}
}
