// Package config defines the top-level configuration for the trading control
// plane and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECTL_* environment variables.
type Config struct {
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Broker       BrokerConfig       `toml:"broker"`
	Model        ModelConfig        `toml:"model"`
	Signal       SignalConfig       `toml:"signal"`
	Circuit      CircuitConfig      `toml:"circuit"`
	Execution    ExecutionConfig    `toml:"execution"`
	Reconcile    ReconcileConfig    `toml:"reconcile"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Archive      ArchiveConfig      `toml:"archive"`
	Mode         string             `toml:"mode"`
	DryRun       bool               `toml:"dry_run"`
	LogLevel     string             `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. Either DSN or the
// discrete fields may be used.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the coordination store.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for model artifacts
// and archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BrokerConfig holds broker API parameters. When Paper is true, orders are
// filled by the in-process simulator and no REST client is built.
type BrokerConfig struct {
	Paper     bool     `toml:"paper"`
	PaperCash float64  `toml:"paper_cash"`
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`

	// EncryptedSecretPath and SecretPassword let operators keep the API
	// secret in an encrypted file instead of plaintext config.
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	// WebhookSecret verifies inbound broker callbacks. Empty disables
	// verification, which Validate only allows in dry-run mode.
	WebhookSecret  string   `toml:"webhook_secret"`
	WebhookMaxSkew duration `toml:"webhook_max_skew"`
}

// ModelConfig holds model registry parameters.
type ModelConfig struct {
	StrategyID   string   `toml:"strategy_id"`
	PollInterval duration `toml:"poll_interval"`
}

// SignalConfig holds signal generation parameters.
type SignalConfig struct {
	MinUniverse int    `toml:"min_universe"`
	TopN        int    `toml:"top_n"`
	FeaturesDir string `toml:"features_dir"`
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	DrawdownThreshold    float64  `toml:"drawdown_threshold"`
	BrokerErrorThreshold int      `toml:"broker_error_threshold"`
	StalenessMax         duration `toml:"staleness_max"`
	Cooldown             duration `toml:"cooldown"`
}

// ExecutionConfig holds order gateway parameters.
type ExecutionConfig struct {
	LockTTL       duration `toml:"lock_ttl"`
	StaleAfter    duration `toml:"stale_after"`
	SweepInterval duration `toml:"sweep_interval"`

	// StepUpToken authorizes destructive operations (cancel-all,
	// flatten-all, kill-switch). Distinct from the API key.
	StepUpToken string `toml:"step_up_token"`
}

// ReconcileConfig holds reconciler parameters.
type ReconcileConfig struct {
	Interval          duration `toml:"interval"`
	GracePeriod       duration `toml:"grace_period"`
	StaleAfter        duration `toml:"stale_after"`
	PositionThreshold float64  `toml:"position_threshold"`
	Services          []string `toml:"services"`
}

// OrchestratorConfig holds daily run parameters.
type OrchestratorConfig struct {
	Universe          []string `toml:"universe"`
	MarksDir          string   `toml:"marks_dir"`
	FillDeadline      duration `toml:"fill_deadline"`
	PollInterval      duration `toml:"poll_interval"`
	SubmitParallelism int      `toml:"submit_parallelism"`
	// Cron is the schedule for automatic daily runs, empty disables.
	Cron string `toml:"cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	RateLimit         int      `toml:"rate_limit"`
	RateLimitWindow   duration `toml:"rate_limit_window"`
	RateLimitFailOpen bool     `toml:"rate_limit_fail_open"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig holds the snapshot archival schedule.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
	// Cron is the upload schedule; the job archives the previous UTC day.
	Cron string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Dry-run is on by default: reaching a live broker requires an explicit
// opt-out.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "tradectl",
			User:         "tradectl",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Broker: BrokerConfig{
			Paper:          true,
			PaperCash:      100_000,
			Timeout:        duration{10 * time.Second},
			WebhookMaxSkew: duration{5 * time.Minute},
		},
		Model: ModelConfig{
			StrategyID:   "default",
			PollInterval: duration{60 * time.Second},
		},
		Signal: SignalConfig{
			MinUniverse: 6,
			TopN:        3,
			FeaturesDir: "data/features",
		},
		Circuit: CircuitConfig{
			DrawdownThreshold:    -0.05,
			BrokerErrorThreshold: 5,
			StalenessMax:         duration{5 * time.Minute},
			Cooldown:             duration{15 * time.Minute},
		},
		Execution: ExecutionConfig{
			LockTTL:       duration{30 * time.Second},
			StaleAfter:    duration{24 * time.Hour},
			SweepInterval: duration{time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval:          duration{5 * time.Minute},
			GracePeriod:       duration{2 * time.Minute},
			StaleAfter:        duration{24 * time.Hour},
			PositionThreshold: 0,
			Services:          []string{"execution"},
		},
		Orchestrator: OrchestratorConfig{
			MarksDir:          "data/marks",
			FillDeadline:      duration{2 * time.Minute},
			PollInterval:      duration{5 * time.Second},
			SubmitParallelism: 4,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Cron: "30 0 * * *", // 00:30 UTC, after the midnight trip-count reset
		},
		Mode:     "full",
		DryRun:   true,
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":        true,
	"signal":      true,
	"risk":        true,
	"execution":   true,
	"reconcile":   true,
	"orchestrate": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var problems []string

	if !validModes[c.Mode] {
		problems = append(problems, fmt.Sprintf("mode: unknown mode %q", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		problems = append(problems, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}

	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
		problems = append(problems, "postgres: dsn or host/database/user is required")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis: addr is required")
	}

	if !c.Broker.Paper {
		if c.DryRun {
			problems = append(problems, "broker: live broker requires dry_run = false to be explicit; set broker.paper = true for simulation")
		}
		if c.Broker.BaseURL == "" {
			problems = append(problems, "broker: base_url is required for a live broker")
		}
		if c.Broker.APIKey == "" {
			problems = append(problems, "broker: api_key is required for a live broker")
		}
		if c.Broker.APISecret == "" && c.Broker.EncryptedSecretPath == "" {
			problems = append(problems, "broker: api_secret or encrypted_secret_path is required for a live broker")
		}
		if c.Broker.WebhookSecret == "" {
			problems = append(problems, "broker: webhook_secret is required for a live broker")
		}
		if c.Execution.StepUpToken == "" {
			problems = append(problems, "execution: step_up_token is required for a live broker")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			problems = append(problems, "s3: bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			problems = append(problems, "s3: region is required when s3 is enabled")
		}
	}

	if c.Model.StrategyID == "" {
		problems = append(problems, "model: strategy_id is required")
	}
	if c.Model.PollInterval.Duration <= 0 {
		problems = append(problems, "model: poll_interval must be positive")
	}

	if c.Signal.TopN <= 0 {
		problems = append(problems, "signal: top_n must be positive")
	}
	if c.Signal.MinUniverse < 2*c.Signal.TopN {
		problems = append(problems, "signal: min_universe must be at least twice top_n")
	}

	if c.Circuit.DrawdownThreshold >= 0 {
		problems = append(problems, "circuit: drawdown_threshold must be negative")
	}
	if c.Circuit.BrokerErrorThreshold <= 0 {
		problems = append(problems, "circuit: broker_error_threshold must be positive")
	}
	if c.Circuit.Cooldown.Duration <= 0 {
		problems = append(problems, "circuit: cooldown must be positive")
	}

	if c.Execution.LockTTL.Duration <= 0 {
		problems = append(problems, "execution: lock_ttl must be positive")
	}
	if c.Reconcile.Interval.Duration <= 0 {
		problems = append(problems, "reconcile: interval must be positive")
	}
	if c.Reconcile.GracePeriod.Duration <= 0 {
		problems = append(problems, "reconcile: grace_period must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
