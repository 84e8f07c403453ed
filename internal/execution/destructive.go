package execution

import (
	"context"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// DestructiveRequest carries the evidence required for cancel-all and
// flatten-all: a substantive reason, the acting user, and step-up auth proof.
type DestructiveRequest struct {
	Actor       string `json:"actor"`
	Reason      string `json:"reason"`
	StepUpToken string `json:"step_up_token"`
	IPAddress   string `json:"-"`
}

// Guard enforces the preconditions shared by all destructive operations.
type Guard struct {
	limiter domain.RateLimiter
	// VerifyStepUp checks the caller's step-up evidence. Wired to the auth
	// layer; tests stub it.
	VerifyStepUp func(ctx context.Context, actor, token string) error
	// MinReasonLen is the minimum accepted reason length.
	MinReasonLen int
	// Window and Limit bound destructive calls per actor, e.g. 1 per 5 min.
	Limit  int
	Window time.Duration
}

// NewGuard creates a Guard with the production defaults.
func NewGuard(limiter domain.RateLimiter, verify func(ctx context.Context, actor, token string) error) *Guard {
	return &Guard{
		limiter:      limiter,
		VerifyStepUp: verify,
		MinReasonLen: 10,
		Limit:        1,
		Window:       5 * time.Minute,
	}
}

func (gd *Guard) check(ctx context.Context, op string, req DestructiveRequest) error {
	if len(req.Reason) < gd.MinReasonLen {
		return domain.Ef(domain.KindValidation,
			"reason must be at least %d characters", gd.MinReasonLen)
	}
	if gd.VerifyStepUp != nil {
		if err := gd.VerifyStepUp(ctx, req.Actor, req.StepUpToken); err != nil {
			return domain.Wrap(domain.KindAuth, "step-up verification failed", err)
		}
	}
	allowed, err := gd.limiter.Allow(ctx, "ratelimit:"+op+":"+req.Actor, gd.Limit, gd.Window)
	if err != nil {
		return domain.Wrap(domain.KindStorage, "rate limit check failed", err)
	}
	if !allowed {
		return domain.Ef(domain.KindRateLimited, "%s is rate limited for %s", op, req.Actor)
	}
	return nil
}

// CancelAll cancels every non-terminal order. Returns the number of cancel
// requests issued.
func (g *Gateway) CancelAll(ctx context.Context, guard *Guard, req DestructiveRequest) (int, error) {
	if err := guard.check(ctx, "cancel_all", req); err != nil {
		g.auditDestructive(ctx, domain.AuditCancelAll, req, "error", err.Error())
		return 0, err
	}
	g.auditDestructive(ctx, domain.AuditCancelAll, req, "requested", "")

	open, err := g.orders.ListOpen(ctx)
	if err != nil {
		return 0, domain.Wrap(domain.KindStorage, "list open orders", err)
	}

	canceled := 0
	var lastErr error
	for _, o := range open {
		if err := g.Cancel(ctx, o.ClientOrderID, req.Actor); err != nil {
			g.log.Error("cancel-all: cancel failed", "client_order_id", o.ClientOrderID, "err", err)
			lastErr = err
			continue
		}
		canceled++
	}

	outcome := "ok"
	if lastErr != nil {
		outcome = "partial"
	}
	g.auditDestructive(ctx, domain.AuditCancelAll, req, outcome, "")
	g.log.Warn("cancel-all executed", "actor", req.Actor, "canceled", canceled, "of", len(open))
	return canceled, lastErr
}

// FlattenAll cancels all open orders, then submits reducing market orders to
// bring every position to zero. Returns the number of flatten orders placed.
func (g *Gateway) FlattenAll(ctx context.Context, guard *Guard, req DestructiveRequest) (int, error) {
	if err := guard.check(ctx, "flatten_all", req); err != nil {
		g.auditDestructive(ctx, domain.AuditFlattenAll, req, "error", err.Error())
		return 0, err
	}
	g.auditDestructive(ctx, domain.AuditFlattenAll, req, "requested", "")

	// Open orders first so fills do not race the flatten quantities.
	open, err := g.orders.ListOpen(ctx)
	if err != nil {
		return 0, domain.Wrap(domain.KindStorage, "list open orders", err)
	}
	for _, o := range open {
		if err := g.Cancel(ctx, o.ClientOrderID, req.Actor); err != nil {
			g.log.Error("flatten-all: cancel failed", "client_order_id", o.ClientOrderID, "err", err)
		}
	}

	positions, err := g.positions.List(ctx)
	if err != nil {
		return 0, domain.Wrap(domain.KindStorage, "list positions", err)
	}

	placed := 0
	var lastErr error
	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		side := domain.OrderSideSell
		if pos.Qty.IsNegative() {
			side = domain.OrderSideBuy
		}
		_, err := g.Submit(ctx, SubmitRequest{
			StrategyID: "flatten",
			Symbol:     pos.Symbol,
			Side:       side,
			Qty:        pos.Qty.Abs(),
			Type:       domain.OrderTypeMarket,
			Source:     "flatten_all:" + req.Actor,
		})
		if err != nil {
			g.log.Error("flatten-all: submit failed", "symbol", pos.Symbol, "err", err)
			lastErr = err
			continue
		}
		placed++
	}

	outcome := "ok"
	if lastErr != nil {
		outcome = "partial"
	}
	g.auditDestructive(ctx, domain.AuditFlattenAll, req, outcome, "")
	g.log.Warn("flatten-all executed", "actor", req.Actor, "orders_placed", placed)
	return placed, lastErr
}

// KillSwitch trips the circuit breaker, cancels all open orders, and flattens
// every position. The breaker trip happens first so nothing new slips in
// while the teardown runs.
func (g *Gateway) KillSwitch(ctx context.Context, guard *Guard, req DestructiveRequest) error {
	if err := guard.check(ctx, "kill_switch", req); err != nil {
		g.auditDestructive(ctx, domain.AuditKillSwitch, req, "error", err.Error())
		return err
	}

	if err := g.breaker.Trip(ctx, domain.TripReasonManual, "kill switch: "+req.Reason, req.Actor); err != nil {
		g.auditDestructive(ctx, domain.AuditKillSwitch, req, "error", err.Error())
		return err
	}
	g.auditDestructive(ctx, domain.AuditKillSwitch, req, "requested", "")

	open, err := g.orders.ListOpen(ctx)
	if err != nil {
		return domain.Wrap(domain.KindStorage, "list open orders", err)
	}
	for _, o := range open {
		if err := g.Cancel(ctx, o.ClientOrderID, req.Actor); err != nil {
			g.log.Error("kill switch: cancel failed", "client_order_id", o.ClientOrderID, "err", err)
		}
	}

	positions, err := g.positions.List(ctx)
	if err != nil {
		return domain.Wrap(domain.KindStorage, "list positions", err)
	}
	var lastErr error
	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		side := domain.OrderSideSell
		if pos.Qty.IsNegative() {
			side = domain.OrderSideBuy
		}
		// These reduce exposure, so they pass the tripped breaker.
		if _, err := g.Submit(ctx, SubmitRequest{
			StrategyID: "kill_switch",
			Symbol:     pos.Symbol,
			Side:       side,
			Qty:        pos.Qty.Abs(),
			Type:       domain.OrderTypeMarket,
			Source:     "kill_switch:" + req.Actor,
		}); err != nil {
			g.log.Error("kill switch: flatten failed", "symbol", pos.Symbol, "err", err)
			lastErr = err
		}
	}

	outcome := "ok"
	if lastErr != nil {
		outcome = "partial"
	}
	g.auditDestructive(ctx, domain.AuditKillSwitch, req, outcome, "")
	g.log.Warn("kill switch executed", "actor", req.Actor, "reason", req.Reason)
	return lastErr
}

func (g *Gateway) auditDestructive(ctx context.Context, eventType string, req DestructiveRequest, outcome, detail string) {
	ev := domain.AuditEvent{
		EventType: eventType,
		Actor:     req.Actor,
		Action:    req.Reason,
		Outcome:   outcome,
		IPAddress: req.IPAddress,
	}
	if detail != "" {
		ev.Details = map[string]any{"error": detail}
	}
	if err := g.audit.Log(ctx, ev); err != nil {
		g.log.Warn("audit write failed", "event", eventType, "err", err)
	}
}
