package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/quantops/tradectl/internal/config"
	"github.com/quantops/tradectl/internal/server"
	"github.com/quantops/tradectl/internal/server/handler"
	"github.com/quantops/tradectl/internal/server/ws"
)

// surfaces selects which handler groups a mode exposes over HTTP. The health
// endpoint is always registered.
type surfaces struct {
	signals   bool
	risk      bool
	execution bool
	reconcile bool
	runs      bool
}

func allSurfaces() surfaces {
	return surfaces{signals: true, risk: true, execution: true, reconcile: true, runs: true}
}

// buildHandlers assembles the handler set for the enabled surfaces. Nil
// entries are skipped at route registration.
func buildHandlers(cfg *config.Config, deps *Dependencies, s surfaces, logger *slog.Logger) server.Handlers {
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Breaker, deps.Gates, deps.Registry,
			cfg.Reconcile.Services, logger),
		Circuit: handler.NewCircuitHandler(deps.Breaker, logger),
	}
	if s.signals {
		h.Signals = handler.NewSignalHandler(deps.Generator, deps.Registry, logger)
	}
	if s.risk {
		h.Risk = handler.NewRiskHandler(deps.Planner, logger)
	}
	if s.execution {
		h.Orders = handler.NewOrderHandler(deps.Gateway, deps.Orders, logger)
		h.Positions = handler.NewPositionHandler(deps.Positions, logger)
		h.Admin = handler.NewAdminHandler(handler.GuardedGateway{
			Gateway: deps.Gateway,
			Guard:   deps.Guard,
		}, logger)
		h.Webhook = handler.NewWebhookHandler(deps.Ingestor,
			cfg.Broker.WebhookSecret, cfg.Broker.WebhookMaxSkew.Duration, logger)
		h.Events = handler.NewEventsHandler(deps.Bus, logger)
	}
	if s.reconcile {
		h.Reconcile = handler.NewReconcileHandler(deps.Reconciler, deps.Snapshots,
			deps.Gates, cfg.Reconcile.Services, logger)
	}
	if s.runs {
		h.Runs = handler.NewRunHandler(deps.Orchestrator, deps.Runs, logger)
	}
	return h
}

// startServer builds the HTTP server for the given surfaces and runs it on
// the group. Shutdown is driven by group context cancellation.
func startServer(ctx context.Context, g *errgroup.Group, cfg *config.Config, deps *Dependencies, s surfaces, logger *slog.Logger) {
	if !cfg.Server.Enabled {
		return
	}

	hub := ws.NewHub(deps.Bus, logger, ws.Config{
		Mode:       cfg.Mode,
		StrategyID: cfg.Model.StrategyID,
		StartedAt:  time.Now().UTC(),
	})
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:              cfg.Server.Port,
		CORSOrigins:       cfg.Server.CORSOrigins,
		APIKey:            cfg.Server.APIKey,
		RateLimiter:       deps.Limiter,
		RateLimit:         cfg.Server.RateLimit,
		RateLimitWindow:   cfg.Server.RateLimitWindow.Duration,
		RateLimitFailOpen: cfg.Server.RateLimitFailOpen,
	}, buildHandlers(cfg, deps, s, logger), hub, logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// SignalMode serves model info and signal generation only.
func (a *App) SignalMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Registry.Run(ctx) })
	startServer(ctx, g, a.cfg, deps, surfaces{signals: true}, a.logger)
	return g.Wait()
}

// RiskMode serves risk planning only.
func (a *App) RiskMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	startServer(ctx, g, a.cfg, deps, surfaces{risk: true}, a.logger)
	return g.Wait()
}

// ExecutionMode serves the order path: submission, webhooks, destructive
// operations, and the stale-order sweeper.
func (a *App) ExecutionMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Gateway.RunSweeper(ctx) })
	g.Go(func() error { return deps.Alerter.Run(ctx) })
	g.Go(func() error { return deps.Breaker.Run(ctx) })
	startServer(ctx, g, a.cfg, deps, surfaces{execution: true}, a.logger)
	return g.Wait()
}

// ReconcileMode runs the reconciler loop and its status surface.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Reconciler.Run(ctx) })
	g.Go(func() error { return deps.Breaker.Run(ctx) })
	startServer(ctx, g, a.cfg, deps, surfaces{reconcile: true}, a.logger)
	return g.Wait()
}

// OrchestrateMode runs the daily pipeline on its cron schedule plus the runs
// API for manual triggers.
func (a *App) OrchestrateMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Registry.Run(ctx) })
	g.Go(func() error { return deps.Breaker.Run(ctx) })
	g.Go(func() error { return a.runCron(ctx, deps, false) })
	startServer(ctx, g, a.cfg, deps, surfaces{signals: true, risk: true, runs: true}, a.logger)
	return g.Wait()
}

// FullMode runs every subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Registry.Run(ctx) })
	g.Go(func() error { return deps.Reconciler.Run(ctx) })
	g.Go(func() error { return deps.Gateway.RunSweeper(ctx) })
	g.Go(func() error { return deps.Alerter.Run(ctx) })
	g.Go(func() error { return deps.Breaker.Run(ctx) })
	g.Go(func() error { return a.runCron(ctx, deps, true) })
	startServer(ctx, g, a.cfg, deps, allSurfaces(), a.logger)
	return g.Wait()
}

// runCron schedules the recurring jobs: the orchestrated daily run, the
// UTC-midnight trip-count reset, and (when enabled) the archive upload of the
// previous day. It blocks until ctx is canceled.
func (a *App) runCron(ctx context.Context, deps *Dependencies, withMaintenance bool) error {
	c := cron.New(cron.WithLocation(time.UTC))

	if a.cfg.Orchestrator.Cron != "" {
		_, err := c.AddFunc(a.cfg.Orchestrator.Cron, func() {
			date := time.Now().UTC().Format("2006-01-02")
			if _, err := deps.Orchestrator.Run(ctx, date, "scheduled"); err != nil {
				a.logger.Error("scheduled run failed", "date", date, "err", err)
			}
		})
		if err != nil {
			return err
		}
	}

	if withMaintenance {
		if _, err := c.AddFunc("0 0 * * *", func() {
			if err := deps.Breaker.ResetTripCount(ctx); err != nil {
				a.logger.Error("trip count reset failed", "err", err)
			}
		}); err != nil {
			return err
		}

		if a.cfg.Archive.Enabled && deps.Archiver != nil {
			if _, err := c.AddFunc(a.cfg.Archive.Cron, func() {
				day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
				n, err := deps.Archiver.ArchiveDay(ctx, day)
				if err != nil {
					a.logger.Error("archive failed", "date", day, "err", err)
					return
				}
				a.logger.Info("archive complete", "date", day, "records", n)
			}); err != nil {
				return err
			}
		}
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}
