// Command tradectl is the trading control plane entry point. With no
// subcommand it runs the configured mode as a long-lived process; the
// subcommands are one-shot operator actions against the same wiring.
//
// Exit codes: 0 success, 1 dependency failure, 2 orchestration failure,
// 3 configuration error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantops/tradectl/internal/app"
	"github.com/quantops/tradectl/internal/config"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
	"github.com/quantops/tradectl/internal/store/postgres"
)

const (
	exitOK            = 0
	exitDependency    = 1
	exitOrchestration = 2
	exitConfig        = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tradectl", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rest := fs.Args()
	if len(rest) == 0 {
		return serve(ctx, cfg)
	}

	switch rest[0] {
	case "status":
		return status(ctx, cfg)
	case "circuit-trip":
		return circuitTrip(ctx, cfg, rest[1:])
	case "kill-switch":
		return killSwitch(ctx, cfg, rest[1:])
	case "paper-run":
		return paperRun(ctx, cfg, rest[1:])
	case "migrate":
		return migrate(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", rest[0])
		fmt.Fprintln(os.Stderr, "usage: tradectl [-config path] [status|circuit-trip|kill-switch|paper-run|migrate]")
		return exitConfig
	}
}

// serve runs the configured mode until interrupted.
func serve(ctx context.Context, cfg *config.Config) int {
	application := app.New(cfg)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitDependency
	}
	return exitOK
}

// wireFor brings up the dependency graph for a one-shot command.
func wireFor(ctx context.Context, cfg *config.Config) (*app.Dependencies, func(), int) {
	application := app.New(cfg)
	deps, cleanup, err := app.Wire(ctx, cfg, application.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire: %v\n", err)
		return nil, nil, exitDependency
	}
	return deps, cleanup, exitOK
}

// status prints the circuit record, gate states, and model version as JSON.
func status(ctx context.Context, cfg *config.Config) int {
	deps, cleanup, code := wireFor(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer cleanup()

	record, err := deps.Breaker.State(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "circuit state: %v\n", err)
		return exitDependency
	}

	gates := make(map[string]bool, len(cfg.Reconcile.Services))
	for _, svc := range cfg.Reconcile.Services {
		set, err := deps.Gates.IsSet(ctx, svc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate %s: %v\n", svc, err)
			return exitDependency
		}
		gates[svc] = set
	}

	out := struct {
		Circuit      domain.CircuitRecord `json:"circuit"`
		Gates        map[string]bool      `json:"gates"`
		ModelVersion string               `json:"model_version,omitempty"`
	}{Circuit: record, Gates: gates}
	if m, err := deps.Registry.Current(); err == nil {
		out.ModelVersion = m.Meta.Version
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return exitDependency
	}
	return exitOK
}

// circuitTrip manually trips the breaker.
func circuitTrip(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("circuit-trip", flag.ContinueOnError)
	reason := fs.String("reason", "", "why the breaker is being tripped (required)")
	actor := fs.String("actor", "cli", "who is tripping the breaker")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *reason == "" {
		fmt.Fprintln(os.Stderr, "circuit-trip: -reason is required")
		return exitConfig
	}

	deps, cleanup, code := wireFor(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer cleanup()

	if err := deps.Breaker.Trip(ctx, domain.TripReasonManual, *reason, *actor); err != nil {
		fmt.Fprintf(os.Stderr, "trip: %v\n", err)
		return exitDependency
	}
	fmt.Println("circuit breaker tripped")
	return exitOK
}

// killSwitch trips the breaker, cancels all open orders, and flattens all
// positions. The step-up token comes from configuration since the caller
// already holds the config file.
func killSwitch(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("kill-switch", flag.ContinueOnError)
	reason := fs.String("reason", "", "why the kill switch is being thrown (required)")
	actor := fs.String("actor", "cli", "who is throwing the kill switch")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *reason == "" {
		fmt.Fprintln(os.Stderr, "kill-switch: -reason is required")
		return exitConfig
	}

	deps, cleanup, code := wireFor(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer cleanup()

	req := execution.DestructiveRequest{
		Actor:       *actor,
		Reason:      *reason,
		StepUpToken: cfg.Execution.StepUpToken,
	}
	if err := deps.Gateway.KillSwitch(ctx, deps.Guard, req); err != nil {
		fmt.Fprintf(os.Stderr, "kill switch: %v\n", err)
		return exitDependency
	}
	fmt.Println("kill switch engaged: breaker tripped, orders canceled, positions flattened")
	return exitOK
}

// paperRun executes one orchestrated run against the paper broker and exits
// with the run outcome.
func paperRun(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("paper-run", flag.ContinueOnError)
	date := fs.String("date", time.Now().UTC().Format("2006-01-02"), "UTC run date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	// Force the simulator regardless of configuration.
	cfg.Broker.Paper = true
	cfg.DryRun = true

	deps, cleanup, code := wireFor(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer cleanup()

	rec, err := deps.Orchestrator.Run(ctx, *date, "cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitOrchestration
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rec)

	if rec.Outcome != domain.RunOutcomeSuccess {
		return exitOrchestration
	}
	return exitOK
}

// migrate applies pending schema migrations and exits. Only the database is
// touched, so a down coordination store does not block schema changes.
func migrate(ctx context.Context, cfg *config.Config) int {
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return exitDependency
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return exitDependency
	}
	fmt.Println("migrations applied")
	return exitOK
}
