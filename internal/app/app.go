// Package app wires configuration into the dependency graph and runs the
// selected mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quantops/tradectl/internal/config"
)

// App is the composed application.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates an App from validated configuration.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg, logger: newLogger(cfg.LogLevel)}
}

// Logger exposes the application logger for callers that log around Run.
func (a *App) Logger() *slog.Logger { return a.logger }

// Run wires dependencies and blocks in the configured mode until ctx is
// canceled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting",
		"mode", a.cfg.Mode,
		"dry_run", a.cfg.DryRun,
		"paper", a.cfg.Broker.Paper,
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch a.cfg.Mode {
	case "signal":
		return a.SignalMode(ctx, deps)
	case "risk":
		return a.RiskMode(ctx, deps)
	case "execution":
		return a.ExecutionMode(ctx, deps)
	case "reconcile":
		return a.ReconcileMode(ctx, deps)
	case "orchestrate":
		return a.OrchestrateMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
