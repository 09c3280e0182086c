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
// built-in defaults, applies FANPULSE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
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

// applyEnvOverrides reads well-known FANPULSE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "FANPULSE_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "FANPULSE_STORE_SQLITE_PATH")
	setBool(&cfg.Store.RunMigrations, "FANPULSE_STORE_RUN_MIGRATIONS")
	setStr(&cfg.Store.Postgres.DSN, "FANPULSE_POSTGRES_DSN")
	setStr(&cfg.Store.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Store.Postgres.Host, "FANPULSE_POSTGRES_HOST")
	setInt(&cfg.Store.Postgres.Port, "FANPULSE_POSTGRES_PORT")
	setStr(&cfg.Store.Postgres.Database, "FANPULSE_POSTGRES_DATABASE")
	setStr(&cfg.Store.Postgres.User, "FANPULSE_POSTGRES_USER")
	setStr(&cfg.Store.Postgres.Password, "FANPULSE_POSTGRES_PASSWORD")
	setStr(&cfg.Store.Postgres.SSLMode, "FANPULSE_POSTGRES_SSL_MODE")
	setInt(&cfg.Store.Postgres.PoolMaxConns, "FANPULSE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Store.Postgres.PoolMinConns, "FANPULSE_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Store.Postgres.StatementTimeout, "FANPULSE_POSTGRES_STATEMENT_TIMEOUT")
	setDuration(&cfg.Store.Postgres.LockTimeout, "FANPULSE_POSTGRES_LOCK_TIMEOUT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FANPULSE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FANPULSE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FANPULSE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FANPULSE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FANPULSE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FANPULSE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "FANPULSE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FANPULSE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FANPULSE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FANPULSE_S3_REGION")
	setStr(&cfg.S3.Bucket, "FANPULSE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "FANPULSE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "FANPULSE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FANPULSE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FANPULSE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FANPULSE_S3_FORCE_PATH_STYLE")

	// ── Market ──
	setInt(&cfg.Market.MaxActivePerMatch, "FANPULSE_MARKET_MAX_ACTIVE_PER_MATCH")
	setInt(&cfg.Market.BetCapPerUser, "FANPULSE_MARKET_BET_CAP_PER_USER")
	setDuration(&cfg.Market.MaxWindow, "FANPULSE_MARKET_MAX_WINDOW")
	setDuration(&cfg.Market.LiveStateTTL, "FANPULSE_MARKET_LIVE_STATE_TTL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.Interval, "FANPULSE_SCHEDULER_INTERVAL")
	setDuration(&cfg.Scheduler.Grace, "FANPULSE_SCHEDULER_GRACE")
	setInt(&cfg.Scheduler.Workers, "FANPULSE_SCHEDULER_WORKERS")

	// ── Reward ──
	setStr(&cfg.Reward.Secret, "FANPULSE_REWARD_SECRET")
	setStr(&cfg.Reward.SecretFile, "FANPULSE_REWARD_SECRET_FILE")
	setStr(&cfg.Reward.SecretPassword, "FANPULSE_REWARD_SECRET_PASSWORD")
	setInt(&cfg.Reward.MaxAttempts, "FANPULSE_REWARD_MAX_ATTEMPTS")

	// ── Ranking ──
	setInt64(&cfg.Ranking.CommentWeight, "FANPULSE_RANKING_COMMENT_WEIGHT")
	setInt64(&cfg.Ranking.UpvoteWeight, "FANPULSE_RANKING_UPVOTE_WEIGHT")
	setStringSlice(&cfg.Ranking.RewardAmounts, "FANPULSE_RANKING_REWARD_AMOUNTS")
	setDuration(&cfg.Ranking.Interval, "FANPULSE_RANKING_INTERVAL")
	setDuration(&cfg.Ranking.FinalizeAfter, "FANPULSE_RANKING_FINALIZE_AFTER")

	// ── Disburse ──
	setBool(&cfg.Disburse.Enabled, "FANPULSE_DISBURSE_ENABLED")
	setDuration(&cfg.Disburse.Interval, "FANPULSE_DISBURSE_INTERVAL")
	setInt(&cfg.Disburse.BatchSize, "FANPULSE_DISBURSE_BATCH_SIZE")
	setDuration(&cfg.Disburse.RetryAfter, "FANPULSE_DISBURSE_RETRY_AFTER")

	// ── Collaborators ──
	setStr(&cfg.Executor.BaseURL, "FANPULSE_EXECUTOR_BASE_URL")
	setStr(&cfg.Executor.APIKey, "FANPULSE_EXECUTOR_API_KEY")
	setStr(&cfg.Executor.APISecret, "FANPULSE_EXECUTOR_API_SECRET")
	setFloat64(&cfg.Executor.RatePerSec, "FANPULSE_EXECUTOR_RATE_PER_SEC")
	setStr(&cfg.Feed.BaseURL, "FANPULSE_FEED_BASE_URL")
	setStr(&cfg.Feed.APIKey, "FANPULSE_FEED_API_KEY")
	setStr(&cfg.Feed.APISecret, "FANPULSE_FEED_API_SECRET")
	setDuration(&cfg.Feed.CacheTTL, "FANPULSE_FEED_CACHE_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "FANPULSE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FANPULSE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "FANPULSE_SERVER_ADMIN_API_KEY")
	setInt(&cfg.Server.BetRateLimit, "FANPULSE_SERVER_BET_RATE_LIMIT")
	setDuration(&cfg.Server.BetRateWindow, "FANPULSE_SERVER_BET_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "FANPULSE_MODE")
	setStr(&cfg.LogLevel, "FANPULSE_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
