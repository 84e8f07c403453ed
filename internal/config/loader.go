package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECTL_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADECTL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADECTL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADECTL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADECTL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADECTL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADECTL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADECTL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADECTL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADECTL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADECTL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADECTL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADECTL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADECTL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADECTL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADECTL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADECTL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADECTL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADECTL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADECTL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADECTL_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADECTL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADECTL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADECTL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADECTL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADECTL_S3_FORCE_PATH_STYLE")

	// ── Broker ──
	setBool(&cfg.Broker.Paper, "TRADECTL_BROKER_PAPER")
	setFloat64(&cfg.Broker.PaperCash, "TRADECTL_BROKER_PAPER_CASH")
	setStr(&cfg.Broker.BaseURL, "TRADECTL_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "TRADECTL_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "TRADECTL_BROKER_API_SECRET")
	setDuration(&cfg.Broker.Timeout, "TRADECTL_BROKER_TIMEOUT")
	setStr(&cfg.Broker.EncryptedSecretPath, "TRADECTL_BROKER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Broker.SecretPassword, "TRADECTL_BROKER_SECRET_PASSWORD")
	setStr(&cfg.Broker.WebhookSecret, "TRADECTL_BROKER_WEBHOOK_SECRET")
	setDuration(&cfg.Broker.WebhookMaxSkew, "TRADECTL_BROKER_WEBHOOK_MAX_SKEW")

	// ── Model ──
	setStr(&cfg.Model.StrategyID, "TRADECTL_MODEL_STRATEGY_ID")
	setDuration(&cfg.Model.PollInterval, "TRADECTL_MODEL_POLL_INTERVAL")

	// ── Signal ──
	setInt(&cfg.Signal.MinUniverse, "TRADECTL_SIGNAL_MIN_UNIVERSE")
	setInt(&cfg.Signal.TopN, "TRADECTL_SIGNAL_TOP_N")
	setStr(&cfg.Signal.FeaturesDir, "TRADECTL_SIGNAL_FEATURES_DIR")

	// ── Circuit ──
	setFloat64(&cfg.Circuit.DrawdownThreshold, "TRADECTL_CIRCUIT_DRAWDOWN_THRESHOLD")
	setInt(&cfg.Circuit.BrokerErrorThreshold, "TRADECTL_CIRCUIT_BROKER_ERROR_THRESHOLD")
	setDuration(&cfg.Circuit.StalenessMax, "TRADECTL_CIRCUIT_STALENESS_MAX")
	setDuration(&cfg.Circuit.Cooldown, "TRADECTL_CIRCUIT_COOLDOWN")

	// ── Execution ──
	setDuration(&cfg.Execution.LockTTL, "TRADECTL_EXECUTION_LOCK_TTL")
	setDuration(&cfg.Execution.StaleAfter, "TRADECTL_EXECUTION_STALE_AFTER")
	setDuration(&cfg.Execution.SweepInterval, "TRADECTL_EXECUTION_SWEEP_INTERVAL")
	setStr(&cfg.Execution.StepUpToken, "TRADECTL_EXECUTION_STEP_UP_TOKEN")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "TRADECTL_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.GracePeriod, "TRADECTL_RECONCILE_GRACE_PERIOD")
	setDuration(&cfg.Reconcile.StaleAfter, "TRADECTL_RECONCILE_STALE_AFTER")
	setFloat64(&cfg.Reconcile.PositionThreshold, "TRADECTL_RECONCILE_POSITION_THRESHOLD")
	setStringSlice(&cfg.Reconcile.Services, "TRADECTL_RECONCILE_SERVICES")

	// ── Orchestrator ──
	setStringSlice(&cfg.Orchestrator.Universe, "TRADECTL_ORCHESTRATOR_UNIVERSE")
	setStr(&cfg.Orchestrator.MarksDir, "TRADECTL_ORCHESTRATOR_MARKS_DIR")
	setDuration(&cfg.Orchestrator.FillDeadline, "TRADECTL_ORCHESTRATOR_FILL_DEADLINE")
	setDuration(&cfg.Orchestrator.PollInterval, "TRADECTL_ORCHESTRATOR_POLL_INTERVAL")
	setInt(&cfg.Orchestrator.SubmitParallelism, "TRADECTL_ORCHESTRATOR_SUBMIT_PARALLELISM")
	setStr(&cfg.Orchestrator.Cron, "TRADECTL_ORCHESTRATOR_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADECTL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADECTL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADECTL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRADECTL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TRADECTL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "TRADECTL_SERVER_RATE_LIMIT_WINDOW")
	setBool(&cfg.Server.RateLimitFailOpen, "TRADECTL_SERVER_RATE_LIMIT_FAIL_OPEN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADECTL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADECTL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADECTL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADECTL_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADECTL_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "TRADECTL_ARCHIVE_CRON")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADECTL_MODE")
	setBool(&cfg.DryRun, "TRADECTL_DRY_RUN")
	setStr(&cfg.LogLevel, "TRADECTL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
