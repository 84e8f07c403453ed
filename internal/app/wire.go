package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/quantops/tradectl/internal/blob/s3"
	"github.com/quantops/tradectl/internal/broker"
	cacheredis "github.com/quantops/tradectl/internal/cache/redis"
	"github.com/quantops/tradectl/internal/circuit"
	"github.com/quantops/tradectl/internal/config"
	"github.com/quantops/tradectl/internal/crypto"
	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/execution"
	"github.com/quantops/tradectl/internal/model"
	"github.com/quantops/tradectl/internal/notify"
	"github.com/quantops/tradectl/internal/orchestrator"
	"github.com/quantops/tradectl/internal/reconcile"
	"github.com/quantops/tradectl/internal/risk"
	"github.com/quantops/tradectl/internal/server/middleware"
	"github.com/quantops/tradectl/internal/signal"
	"github.com/quantops/tradectl/internal/store/postgres"
)

// Dependencies bundles everything a mode can run on. Wire builds the full
// set; modes pick the pieces they need.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *cacheredis.Client
	Blob     *s3blob.Client

	Orders    domain.OrderStore
	Positions domain.PositionStore
	Limits    domain.LimitsStore
	Models    domain.ModelStore
	Audit     domain.AuditStore
	Runs      domain.RunStore
	Snapshots domain.SnapshotStore
	PnL       domain.PnLStore

	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Gates   domain.GateStore

	BlobReader domain.BlobReader
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	Broker       domain.BrokerClient
	Breaker      *circuit.Breaker
	Registry     *model.Registry
	Generator    *signal.Generator
	Planner      *risk.Planner
	Gateway      *execution.Gateway
	Guard        *execution.Guard
	Ingestor     *execution.Ingestor
	Reconciler   *reconcile.Reconciler
	Orchestrator *orchestrator.Orchestrator
	Notifier     *notify.Notifier
	Alerter      *notify.Alerter
}

// Wire constructs the dependency graph from configuration. It returns the
// dependencies, a cleanup function that closes everything in reverse order,
// and an error if any subsystem fails to come up.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// ── PostgreSQL ──
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
		cleanup()
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	closers = append(closers, pg.Close)
	deps.Postgres = pg

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	pool := pg.Pool()
	orderStore := postgres.NewOrderStore(pool)
	deps.Orders = orderStore
	deps.PnL = orderStore
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Limits = postgres.NewLimitsStore(pool)
	deps.Models = postgres.NewModelStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Runs = postgres.NewRunStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool)

	// ── Redis ──
	rc, err := cacheredis.New(ctx, cacheredis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc

	deps.Limiter = cacheredis.NewRateLimiter(rc, cfg.Server.RateLimitFailOpen)
	deps.Locks = cacheredis.NewLockManager(rc)
	deps.Bus = cacheredis.NewSignalBus(rc)
	deps.Gates = cacheredis.NewGateStore(rc)
	circuitStore := cacheredis.NewCircuitStore(rc)

	// ── S3 ──
	if cfg.S3.Enabled {
		bc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("s3: %w", err)
		}
		closers = append(closers, func() { _ = bc.Close() })
		deps.Blob = bc
		deps.BlobReader = s3blob.NewReader(bc)
		deps.BlobWriter = s3blob.NewWriter(bc)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Snapshots, deps.Runs, deps.Orders, deps.Audit, logger)
	}

	// ── Notifications ──
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Alerter = notify.NewAlerter(deps.Notifier, deps.Bus, logger)

	// ── Circuit breaker ──
	deps.Breaker = circuit.New(circuitStore, deps.Bus, deps.Audit, circuit.Config{
		DrawdownThreshold:    decimal.NewFromFloat(cfg.Circuit.DrawdownThreshold),
		BrokerErrorThreshold: cfg.Circuit.BrokerErrorThreshold,
		StalenessMax:         cfg.Circuit.StalenessMax.Duration,
		Cooldown:             cfg.Circuit.Cooldown.Duration,
	}, logger)

	// ── Broker ──
	deps.Ingestor = execution.NewIngestor(deps.Orders, deps.Bus, logger)
	brokerClient, err := buildBroker(cfg, deps.Ingestor, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Broker = brokerClient

	// ── Model registry and signal generation ──
	loader := &model.ArtifactLoader{Blobs: deps.BlobReader}
	deps.Registry = model.NewRegistry(deps.Models, loader, deps.Bus,
		cfg.Model.StrategyID, cfg.Model.PollInterval.Duration, logger)
	deps.Generator = signal.NewGenerator(deps.Registry,
		&signal.FileFeatureSource{Dir: cfg.Signal.FeaturesDir},
		signal.Config{MinUniverse: cfg.Signal.MinUniverse, TopN: cfg.Signal.TopN},
		logger)

	// ── Risk planning ──
	deps.Planner = risk.NewPlanner(deps.Positions, deps.Limits, deps.PnL, deps.Breaker, logger)

	// ── Execution ──
	deps.Gateway = execution.NewGateway(deps.Orders, deps.Positions, deps.Audit,
		deps.Broker, deps.Breaker, deps.Planner, deps.Locks, deps.Bus,
		execution.Config{
			LockTTL:       cfg.Execution.LockTTL.Duration,
			StaleAfter:    cfg.Execution.StaleAfter.Duration,
			SweepInterval: cfg.Execution.SweepInterval.Duration,
		}, logger)
	deps.Guard = execution.NewGuard(deps.Limiter,
		middleware.StaticStepUpVerifier(cfg.Execution.StepUpToken))

	// ── Reconciliation ──
	deps.Reconciler = reconcile.New(deps.Broker, deps.Orders, deps.Positions,
		deps.Snapshots, deps.Audit, deps.Gates, reconcile.Config{
			Interval:          cfg.Reconcile.Interval.Duration,
			GracePeriod:       cfg.Reconcile.GracePeriod.Duration,
			StaleAfter:        cfg.Reconcile.StaleAfter.Duration,
			PositionThreshold: decimal.NewFromFloat(cfg.Reconcile.PositionThreshold),
			Services:          cfg.Reconcile.Services,
		}, logger)

	// ── Orchestration ──
	deps.Orchestrator = orchestrator.New(deps.Runs, deps.Orders, deps.Positions,
		deps.PnL, deps.Broker, deps.Breaker, deps.Gates, deps.Generator,
		deps.Planner, deps.Gateway,
		orchestrator.FileMarkSource{Dir: cfg.Orchestrator.MarksDir},
		deps.Bus, orchestrator.Config{
			StrategyID:        cfg.Model.StrategyID,
			Universe:          cfg.Orchestrator.Universe,
			FillDeadline:      cfg.Orchestrator.FillDeadline.Duration,
			PollInterval:      cfg.Orchestrator.PollInterval.Duration,
			SubmitParallelism: cfg.Orchestrator.SubmitParallelism,
		}, logger)

	return deps, cleanup, nil
}

// buildBroker selects the paper simulator or the signed REST client. Paper
// fills are fed straight back through the webhook ingestor so the order
// lifecycle is identical in both setups.
func buildBroker(cfg *config.Config, ingestor *execution.Ingestor, logger *slog.Logger) (domain.BrokerClient, error) {
	if cfg.Broker.Paper {
		paper := broker.NewPaper(decimal.NewFromFloat(cfg.Broker.PaperCash))
		paper.OnEvent(func(ev domain.WebhookEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ingestor.Apply(ctx, ev); err != nil {
				logger.Error("paper event apply failed", "event", ev.Type, "err", err)
			}
		})
		return paper, nil
	}

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     cfg.Broker.APISecret,
		EncryptedPath: cfg.Broker.EncryptedSecretPath,
		Password:      cfg.Broker.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("broker secret: %w", err)
	}
	return broker.NewRESTClient(broker.RESTConfig{
		BaseURL: cfg.Broker.BaseURL,
		Auth:    crypto.HMACAuth{Key: cfg.Broker.APIKey, Secret: secret},
		Timeout: cfg.Broker.Timeout.Duration,
	}), nil
}
