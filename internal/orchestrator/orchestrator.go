// Package orchestrator drives the daily pipeline: health check, signal
// generation, risk planning, order submission, fill await, and the P&L
// report. Run ids are deterministic over (date, strategy, trigger), so a
// crashed or re-invoked run resumes the same record instead of duplicating
// work.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
	"github.com/quantops/tradectl/internal/ids"
	"github.com/quantops/tradectl/internal/risk"
	"github.com/quantops/tradectl/internal/signal"
)

// MarkSource supplies reference prices for sizing. The file implementation
// reads <dir>/<date>.json holding {"SYM": "123.45", ...}.
type MarkSource interface {
	Marks(ctx context.Context, symbols []string, date string) (map[string]decimal.Decimal, error)
}

// FileMarkSource reads marks from per-date JSON files.
type FileMarkSource struct {
	Dir string
}

func (s FileMarkSource) Marks(ctx context.Context, symbols []string, date string) (map[string]decimal.Decimal, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir, date+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]decimal.Decimal{}, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindStorage, "read marks file", err)
	}
	var all map[string]string
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, domain.Wrap(domain.KindStorage, "parse marks file", err)
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if v, ok := all[sym]; ok {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, domain.Ef(domain.KindStorage, "bad mark for %s: %q", sym, v)
			}
			out[sym] = d
		}
	}
	return out, nil
}

// Config holds the orchestrator knobs.
type Config struct {
	StrategyID string
	// Universe is the symbol list scored each run.
	Universe []string
	// FillDeadline bounds how long the fills stage waits for submitted orders
	// to go terminal before declaring the run partial.
	FillDeadline time.Duration
	// PollInterval is the fill await polling cadence.
	PollInterval time.Duration
	// SubmitParallelism bounds concurrent broker submissions.
	SubmitParallelism int
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		StrategyID:        "alpha",
		FillDeadline:      2 * time.Minute,
		PollInterval:      5 * time.Second,
		SubmitParallelism: 4,
	}
}

// Report is the run's P&L summary, persisted on the run record.
type Report struct {
	RunID           string           `json:"run_id"`
	Date            string           `json:"date"`
	RealizedPnL     string           `json:"realized_pnl"`
	PortfolioValue  string           `json:"portfolio_value"`
	OrdersSubmitted int              `json:"orders_submitted"`
	OrdersFilled    int              `json:"orders_filled"`
	OrdersOpen      int              `json:"orders_open"`
	Rejections      []risk.Rejection `json:"rejections,omitempty"`
	Positions       []ReportPosition `json:"positions"`
}

// ReportPosition is one holding in the report.
type ReportPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	runs      domain.RunStore
	orders    domain.OrderStore
	positions domain.PositionStore
	pnl       domain.PnLStore
	broker    domain.BrokerClient
	breaker   *circuit.Breaker
	gates     domain.GateStore
	generator *signal.Generator
	planner   *risk.Planner
	gateway   *execution.Gateway
	marks     MarkSource
	bus       domain.SignalBus
	cfg       Config
	log       *slog.Logger
}

// New creates an Orchestrator.
func New(
	runs domain.RunStore,
	orders domain.OrderStore,
	positions domain.PositionStore,
	pnl domain.PnLStore,
	brokerClient domain.BrokerClient,
	breaker *circuit.Breaker,
	gates domain.GateStore,
	generator *signal.Generator,
	planner *risk.Planner,
	gateway *execution.Gateway,
	marks MarkSource,
	bus domain.SignalBus,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		runs:      runs,
		orders:    orders,
		positions: positions,
		pnl:       pnl,
		broker:    brokerClient,
		breaker:   breaker,
		gates:     gates,
		generator: generator,
		planner:   planner,
		gateway:   gateway,
		marks:     marks,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

// runState carries intermediate outputs between stages. Computation stages
// rebuild it on resume; side-effecting stages are idempotent downstream.
type runState struct {
	date      string
	signals   domain.SignalSet
	plan      risk.Plan
	marks     map[string]decimal.Decimal
	portfolio decimal.Decimal
	submitted []string // client order ids placed this run
}

// Run executes (or resumes) the pipeline for the given UTC date and trigger.
// Re-invocation with the same inputs converges on the same run record and, via
// deterministic client order ids, the same orders.
func (o *Orchestrator) Run(ctx context.Context, date, trigger string) (domain.RunRecord, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	runID := ids.RunID(date, o.cfg.StrategyID, trigger)
	log := o.log.With("run_id", runID, "date", date, "trigger", trigger)

	rec, created, err := o.runs.CreateIfAbsent(ctx, domain.RunRecord{
		RunID:      runID,
		StrategyID: o.cfg.StrategyID,
		RunDate:    date,
		Trigger:    trigger,
		Outcome:    domain.RunOutcomePending,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.RunRecord{}, domain.Wrap(domain.KindStorage, "create run", err)
	}
	if rec.Outcome.IsTerminal() {
		log.Info("run already finished", "outcome", rec.Outcome)
		return rec, nil
	}
	if created {
		log.Info("run started")
	} else {
		log.Info("resuming run", "stages_done", len(rec.Stages))
	}
	o.announceRun(ctx, rec)

	st := &runState{date: date}

	type stageFn struct {
		stage domain.RunStage
		fn    func(context.Context, *runState) error
		// rerun stages always execute on resume because later stages need
		// their in-memory output; their side effects are idempotent.
		rerun bool
	}
	stages := []stageFn{
		{domain.StageHealth, o.stageHealth, true},
		{domain.StageSignals, o.stageSignals, true},
		{domain.StageRisk, o.stageRisk, true},
		{domain.StageSubmit, o.stageSubmit, true},
		{domain.StageFills, o.stageFills, false},
		{domain.StageReport, o.stageReport, false},
	}

	for _, s := range stages {
		if rec.StageDone(s.stage) && !s.rerun {
			continue
		}
		if err := o.runStage(ctx, runID, s.stage, st, s.fn); err != nil {
			log.Error("stage failed", "stage", s.stage, "err", err)
			o.finish(ctx, runID, domain.RunOutcomeFailed, nil)
			final, _ := o.runs.Get(ctx, runID)
			o.announceRun(ctx, final)
			return final, err
		}
	}

	outcome := domain.RunOutcomeSuccess
	if len(st.plan.Rejections) > 0 || o.openCount(ctx, st) > 0 {
		outcome = domain.RunOutcomePartial
	}

	report, err := o.buildReport(ctx, runID, st)
	if err != nil {
		log.Warn("report build failed", "err", err)
	}
	o.finish(ctx, runID, outcome, report)

	final, err := o.runs.Get(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, domain.Wrap(domain.KindStorage, "read back run", err)
	}
	log.Info("run finished", "outcome", final.Outcome)
	o.announceRun(ctx, final)
	return final, nil
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, stage domain.RunStage, st *runState, fn func(context.Context, *runState) error) error {
	started := time.Now().UTC()
	err := fn(ctx, st)
	ended := time.Now().UTC()
	result := domain.StageResult{
		Stage:     stage,
		Ok:        err == nil,
		StartedAt: started,
		EndedAt:   &ended,
	}
	if err != nil {
		result.Error = err.Error()
	}
	if uerr := o.runs.UpsertStage(ctx, runID, result); uerr != nil {
		o.log.Error("record stage failed", "stage", stage, "err", uerr)
	}
	return err
}

// stageHealth verifies the run's preconditions: the execution gate is set,
// the circuit state is readable, and the broker answers.
func (o *Orchestrator) stageHealth(ctx context.Context, st *runState) error {
	ok, err := o.gates.IsSet(ctx, "execution")
	if err != nil {
		return domain.Wrap(domain.KindStorage, "read reconciled gate", err)
	}
	if !ok {
		return domain.E(domain.KindReconcilerNotReady, "execution gate unset, reconcile has not completed")
	}
	if _, err := o.breaker.State(ctx); err != nil {
		return err
	}
	account, err := o.broker.Account(ctx)
	if err != nil {
		return domain.Wrap(domain.KindBrokerRetriable, "broker account check", err)
	}
	st.portfolio = account.PortfolioValue
	return nil
}

func (o *Orchestrator) stageSignals(ctx context.Context, st *runState) error {
	set, err := o.generator.Generate(ctx, signal.Request{
		Symbols:    o.cfg.Universe,
		AsOfDate:   st.date,
		StrategyID: o.cfg.StrategyID,
	})
	if err != nil {
		return err
	}
	st.signals = set
	return nil
}

func (o *Orchestrator) stageRisk(ctx context.Context, st *runState) error {
	marks, err := o.marks.Marks(ctx, o.cfg.Universe, st.date)
	if err != nil {
		return err
	}
	st.marks = marks

	plan, err := o.planner.Plan(ctx, risk.PlanRequest{
		StrategyID:     o.cfg.StrategyID,
		Weights:        signal.Weights(st.signals),
		Marks:          marks,
		PortfolioValue: st.portfolio,
	})
	if err != nil {
		return err
	}
	st.plan = plan
	return nil
}

// stageSubmit places the planned orders. Submission is idempotent on the
// derived client order id, so a resumed run re-submitting the same plan is
// absorbed by the gateway.
func (o *Orchestrator) stageSubmit(ctx context.Context, st *runState) error {
	if len(st.plan.Orders) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		submitted []string
		failures  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SubmitParallelism)

	for _, po := range st.plan.Orders {
		g.Go(func() error {
			res, err := o.gateway.Submit(gctx, execution.SubmitRequest{
				StrategyID: o.cfg.StrategyID,
				Symbol:     po.Symbol,
				Side:       po.Side,
				Qty:        po.Qty,
				Type:       po.Type,
				Source:     "orchestrator",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				o.log.Error("submit failed", "symbol", po.Symbol, "err", err)
				return nil
			}
			submitted = append(submitted, res.Order.ClientOrderID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.submitted = submitted
	if failures > 0 && len(submitted) == 0 {
		return domain.Ef(domain.KindBrokerRetriable, "all %d submissions failed", failures)
	}
	if failures > 0 {
		st.plan.Rejections = append(st.plan.Rejections, risk.Rejection{
			Reason: "submit_failed", Detail: "see audit log",
		})
	}
	return nil
}

// stageFills waits for the submitted orders to reach a terminal state, up to
// the deadline. Orders still open at the deadline make the run partial but
// not failed; the sweeper and reconciler own them from here.
func (o *Orchestrator) stageFills(ctx context.Context, st *runState) error {
	if len(st.submitted) == 0 {
		return nil
	}
	deadline := time.Now().Add(o.cfg.FillDeadline)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.openCount(ctx, st) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			o.log.Warn("fill deadline reached with open orders", "open", o.openCount(ctx, st))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) stageReport(ctx context.Context, st *runState) error {
	// The report itself is assembled in buildReport after the outcome is
	// known; this stage exists so resumed runs can tell the await completed.
	return nil
}

func (o *Orchestrator) openCount(ctx context.Context, st *runState) int {
	var open int
	for _, id := range st.submitted {
		ord, err := o.orders.GetByClientOrderID(ctx, id)
		if err != nil {
			continue
		}
		if !ord.Status.IsTerminal() {
			open++
		}
	}
	return open
}

func (o *Orchestrator) buildReport(ctx context.Context, runID string, st *runState) (json.RawMessage, error) {
	realized, err := o.pnl.RealizedToday(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := o.positions.List(ctx)
	if err != nil {
		return nil, err
	}

	var filled int
	for _, id := range st.submitted {
		ord, err := o.orders.GetByClientOrderID(ctx, id)
		if err == nil && ord.Status == domain.OrderStatusFilled {
			filled++
		}
	}

	rep := Report{
		RunID:           runID,
		Date:            st.date,
		RealizedPnL:     realized.String(),
		PortfolioValue:  st.portfolio.String(),
		OrdersSubmitted: len(st.submitted),
		OrdersFilled:    filled,
		OrdersOpen:      o.openCount(ctx, st),
		Rejections:      st.plan.Rejections,
	}
	for _, p := range positions {
		rep.Positions = append(rep.Positions, ReportPosition{
			Symbol:        p.Symbol,
			Qty:           p.Qty.String(),
			AvgEntryPrice: p.AvgEntryPrice.String(),
		})
	}
	return json.Marshal(rep)
}

func (o *Orchestrator) finish(ctx context.Context, runID string, outcome domain.RunOutcome, report json.RawMessage) {
	if err := o.runs.Finish(ctx, runID, outcome, report); err != nil {
		o.log.Error("finish run failed", "run_id", runID, "err", err)
	}
}

func (o *Orchestrator) announceRun(ctx context.Context, rec domain.RunRecord) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"run_id":  rec.RunID,
		"date":    rec.RunDate,
		"outcome": rec.Outcome,
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, domain.ChannelRuns, payload); err != nil {
		o.log.Warn("run event publish failed", "err", err)
	}
}
