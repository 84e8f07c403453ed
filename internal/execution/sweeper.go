package execution

import (
	"context"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// SweepStale cancels non-terminal orders older than the configured staleness
// threshold. Cancels are idempotent on the broker side, so repeat sweeps of
// the same order are safe. Returns the count of orders swept.
func (g *Gateway) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-g.cfg.StaleAfter)
	stale, err := g.orders.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, o := range stale {
		if err := g.Cancel(ctx, o.ClientOrderID, "sweeper"); err != nil {
			g.log.Error("stale sweep cancel failed",
				"client_order_id", o.ClientOrderID, "age", time.Since(o.CreatedAt), "err", err)
			continue
		}
		g.log.Warn("stale order swept",
			"client_order_id", o.ClientOrderID,
			"status", o.Status,
			"age", time.Since(o.CreatedAt).Round(time.Second))
		swept++
	}

	if swept > 0 {
		if err := g.audit.Log(ctx, domain.AuditEvent{
			EventType: domain.AuditReconcileSweep,
			Actor:     "sweeper",
			Outcome:   "ok",
			Details:   map[string]any{"swept": swept},
		}); err != nil {
			g.log.Warn("audit write failed", "err", err)
		}
	}
	return swept, nil
}

// RunSweeper runs SweepStale on the configured interval until ctx is
// canceled.
func (g *Gateway) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.SweepStale(ctx); err != nil {
				g.log.Error("stale sweep failed", "err", err)
			}
		}
	}
}
