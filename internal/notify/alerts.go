package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quantops/tradectl/internal/domain"
)

// Alert event types, usable in the notifier's event filter.
const (
	EventCircuit = "circuit"
	EventRun     = "run"
)

// Alerter bridges control-plane events from the signal bus to operator
// notifications. It listens on the circuit and run channels and forwards
// the transitions an operator has to act on: breaker trips and runs that
// did not succeed.
type Alerter struct {
	notifier *Notifier
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewAlerter creates an Alerter over the given bus.
func NewAlerter(notifier *Notifier, bus domain.SignalBus, logger *slog.Logger) *Alerter {
	return &Alerter{
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "alerter")),
	}
}

// Run consumes bus events until the context is cancelled. It should be called
// in a goroutine alongside the other background loops.
func (a *Alerter) Run(ctx context.Context) error {
	circuitCh, err := a.bus.Subscribe(ctx, domain.ChannelCircuit)
	if err != nil {
		return fmt.Errorf("alerter: subscribe %s: %w", domain.ChannelCircuit, err)
	}
	runCh, err := a.bus.Subscribe(ctx, domain.ChannelRuns)
	if err != nil {
		return fmt.Errorf("alerter: subscribe %s: %w", domain.ChannelRuns, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-circuitCh:
			if !ok {
				return fmt.Errorf("alerter: circuit subscription closed")
			}
			a.onCircuitEvent(ctx, data)
		case data, ok := <-runCh:
			if !ok {
				return fmt.Errorf("alerter: run subscription closed")
			}
			a.onRunEvent(ctx, data)
		}
	}
}

func (a *Alerter) onCircuitEvent(ctx context.Context, data []byte) {
	var rec domain.CircuitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		a.logger.WarnContext(ctx, "bad circuit event", slog.String("error", err.Error()))
		return
	}

	var title, msg string
	switch rec.State {
	case domain.CircuitTripped:
		title = "Circuit breaker TRIPPED"
		msg = fmt.Sprintf("reason: %s\n%s\ntrips today: %d", rec.TripReason, rec.TripDetails, rec.TripCountToday)
	case domain.CircuitQuietPeriod:
		title = "Circuit breaker entering quiet period"
		msg = fmt.Sprintf("reset by: %s", rec.ResetBy)
	case domain.CircuitOpen:
		title = "Circuit breaker reopened"
		msg = "entries allowed again"
	default:
		return
	}

	if err := a.notifier.Notify(ctx, EventCircuit, title, msg); err != nil {
		a.logger.ErrorContext(ctx, "circuit alert failed", slog.String("error", err.Error()))
	}
}

// runEvent mirrors the payload the orchestrator publishes on the run channel.
type runEvent struct {
	RunID   string            `json:"run_id"`
	Date    string            `json:"date"`
	Outcome domain.RunOutcome `json:"outcome"`
}

func (a *Alerter) onRunEvent(ctx context.Context, data []byte) {
	var ev runEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.WarnContext(ctx, "bad run event", slog.String("error", err.Error()))
		return
	}

	// Successful and still-pending runs are routine; only surface the rest.
	switch ev.Outcome {
	case domain.RunOutcomeFailed, domain.RunOutcomePartial:
	default:
		return
	}

	title := fmt.Sprintf("Run %s: %s", ev.Outcome, ev.RunID)
	msg := fmt.Sprintf("date: %s\ncheck /api/v1/orchestration/runs/%s for the stage trail", ev.Date, ev.RunID)
	if err := a.notifier.Notify(ctx, EventRun, title, msg); err != nil {
		a.logger.ErrorContext(ctx, "run alert failed", slog.String("error", err.Error()))
	}
}
