// Package config defines the fanpulse configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/resolver"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FANPULSE_* environment variables.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Market    MarketConfig    `toml:"market"`
	Resolver  ResolverConfig  `toml:"resolver"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Reward    RewardConfig    `toml:"reward"`
	Ranking   RankingConfig   `toml:"ranking"`
	Disburse  DisburseConfig  `toml:"disburse"`
	Executor  RemoteConfig    `toml:"executor"`
	Feed      FeedConfig      `toml:"feed"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Driver        string         `toml:"driver"`
	SQLitePath    string         `toml:"sqlite_path"`
	RunMigrations bool           `toml:"run_migrations"`
	Postgres      PostgresConfig `toml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`

	StatementTimeout duration `toml:"statement_timeout"`
	LockTimeout      duration `toml:"lock_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters. Archiving is
// skipped when Enabled is false.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MarketConfig holds the market engine policy.
type MarketConfig struct {
	MaxActivePerMatch int      `toml:"max_active_per_match"`
	BetCapPerUser     int      `toml:"bet_cap_per_user"`
	MaxWindow         duration `toml:"max_window"`
	LiveStateTTL      duration `toml:"live_state_ttl"`
	PayoutScale       int      `toml:"payout_scale"`
}

// ResolverConfig overrides the built-in question patterns.
type ResolverConfig struct {
	Patterns       []resolver.Pattern `toml:"patterns"`
	TeamQualifiers []string           `toml:"team_qualifiers"`
	YesLabels      []string           `toml:"yes_labels"`
	NoLabels       []string           `toml:"no_labels"`
}

// SchedulerConfig controls the settlement scheduler.
type SchedulerConfig struct {
	Interval    duration `toml:"interval"`
	Grace       duration `toml:"grace"`
	Workers     int      `toml:"workers"`
	QueueSize   int      `toml:"queue_size"`
	BatchSize   int      `toml:"batch_size"`
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff duration `toml:"base_backoff"`
	MaxBackoff  duration `toml:"max_backoff"`
}

// RewardConfig holds the claim-signing secret and retry policy. Either
// Secret or SecretFile (a sealed secret) must be set.
type RewardConfig struct {
	Secret         string `toml:"secret"`
	SecretFile     string `toml:"secret_file"`
	SecretPassword string `toml:"secret_password"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// RankingConfig holds the daily leaderboard parameters.
type RankingConfig struct {
	CommentWeight int64    `toml:"comment_weight"`
	UpvoteWeight  int64    `toml:"upvote_weight"`
	RewardAmounts []string `toml:"reward_amounts"`
	// Interval is how often worker mode recomputes the leaderboards of today
	// and of yesterday until yesterday is final.
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
	// FinalizeAfter is how long past midnight UTC late activity may still
	// land on the previous day. Rewards of a date are paid only afterwards.
	FinalizeAfter duration `toml:"finalize_after"`
}

// DisburseConfig controls the payout worker.
type DisburseConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	LockTTL   duration `toml:"lock_ttl"`
	// RetryAfter spaces transfer attempts of one daily reward.
	RetryAfter duration `toml:"retry_after"`
}

// RemoteConfig describes an HTTP collaborator.
type RemoteConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
	MaxRetries int      `toml:"max_retries"`
}

// FeedConfig describes the sports-data proxy.
type FeedConfig struct {
	RemoteConfig
	CacheTTL duration `toml:"cache_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	AdminAPIKey   string   `toml:"admin_api_key"`
	BetRateLimit  int      `toml:"bet_rate_limit"`
	BetRateWindow duration `toml:"bet_rate_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:        "postgres",
			SQLitePath:    "fanpulse.db",
			RunMigrations: true,
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				Database:     "fanpulse",
				User:         "postgres",
				SSLMode:      "disable",
				PoolMaxConns: 10,
				PoolMinConns: 2,

				StatementTimeout: duration{30 * time.Second},
				LockTimeout:      duration{10 * time.Second},
			},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "fanpulse:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fanpulse-archive",
			ForcePathStyle: true,
		},
		Market: MarketConfig{
			MaxActivePerMatch: 3,
			BetCapPerUser:     1,
			MaxWindow:         duration{2 * time.Hour},
			LiveStateTTL:      duration{3 * time.Second},
			PayoutScale:       8,
		},
		Scheduler: SchedulerConfig{
			Interval:    duration{15 * time.Second},
			Grace:       duration{10 * time.Second},
			Workers:     4,
			QueueSize:   64,
			BatchSize:   100,
			MaxRetries:  3,
			BaseBackoff: duration{200 * time.Millisecond},
			MaxBackoff:  duration{5 * time.Second},
		},
		Reward: RewardConfig{
			MaxAttempts: 5,
		},
		Ranking: RankingConfig{
			CommentWeight: 1,
			UpvoteWeight:  2,
			RewardAmounts: []string{"100", "50", "25"},
			Interval:      duration{time.Hour},
			LockTTL:       duration{5 * time.Minute},
			FinalizeAfter: duration{time.Hour},
		},
		Disburse: DisburseConfig{
			Enabled:    true,
			Interval:   duration{30 * time.Second},
			BatchSize:  50,
			LockTTL:    duration{2 * time.Minute},
			RetryAfter: duration{5 * time.Minute},
		},
		Executor: RemoteConfig{
			BaseURL:    "http://localhost:8090",
			Timeout:    duration{15 * time.Second},
			RatePerSec: 10,
			Burst:      5,
			MaxRetries: 3,
		},
		Feed: FeedConfig{
			RemoteConfig: RemoteConfig{
				BaseURL:    "http://localhost:8091",
				Timeout:    duration{5 * time.Second},
				RatePerSec: 50,
				Burst:      20,
				MaxRetries: 2,
			},
			CacheTTL: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"*"},
			BetRateLimit:  10,
			BetRateWindow: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
	"rank":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RewardAmounts parses Ranking.RewardAmounts.
func (c *Config) RewardAmounts() ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(c.Ranking.RewardAmounts))
	for i, s := range c.Ranking.RewardAmounts {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("ranking: reward_amounts[%d] %q: %w", i, s, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("ranking: reward_amounts[%d] must be > 0", i)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full, rank)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
		pg := c.Store.Postgres
		if strings.TrimSpace(pg.DSN) == "" {
			if pg.Host == "" {
				errs = append(errs, "store.postgres: host must not be empty (or set store.postgres.dsn)")
			}
			if pg.Port <= 0 || pg.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store.postgres: port must be 1-65535, got %d", pg.Port))
			}
			if pg.Database == "" {
				errs = append(errs, "store.postgres: database must not be empty")
			}
		}
		if pg.PoolMaxConns < 1 {
			errs = append(errs, "store.postgres: pool_max_conns must be >= 1")
		}
		if pg.PoolMinConns < 0 || pg.PoolMinConns > pg.PoolMaxConns {
			errs = append(errs, "store.postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
		if pg.StatementTimeout.Duration < 0 || pg.LockTimeout.Duration < 0 {
			errs = append(errs, "store.postgres: statement_timeout and lock_timeout must be >= 0")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Market
	if c.Market.MaxActivePerMatch < 1 {
		errs = append(errs, "market: max_active_per_match must be >= 1")
	}
	if c.Market.BetCapPerUser < 1 {
		errs = append(errs, "market: bet_cap_per_user must be >= 1")
	}
	if c.Market.MaxWindow.Duration <= 0 {
		errs = append(errs, "market: max_window must be > 0")
	}
	if c.Market.LiveStateTTL.Duration <= 0 {
		errs = append(errs, "market: live_state_ttl must be > 0")
	}
	if c.Market.PayoutScale < 0 || c.Market.PayoutScale > 18 {
		errs = append(errs, "market: payout_scale must be in [0, 18]")
	}

	// Scheduler
	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be > 0")
	}
	if c.Scheduler.Grace.Duration < 0 {
		errs = append(errs, "scheduler: grace must be >= 0")
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler: workers must be >= 1")
	}

	// Reward
	if mode != "rank" {
		if c.Reward.Secret == "" && c.Reward.SecretFile == "" {
			errs = append(errs, "reward: either secret or secret_file must be set")
		}
		if c.Reward.SecretFile != "" && c.Reward.SecretPassword == "" {
			errs = append(errs, "reward: secret_password is required when secret_file is set")
		}
	}
	if c.Reward.MaxAttempts < 1 {
		errs = append(errs, "reward: max_attempts must be >= 1")
	}

	// Ranking
	if c.Ranking.CommentWeight < 0 || c.Ranking.UpvoteWeight < 0 {
		errs = append(errs, "ranking: weights must be >= 0")
	}
	if _, err := c.RewardAmounts(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Ranking.Interval.Duration <= 0 {
		errs = append(errs, "ranking: interval must be > 0")
	}
	if c.Ranking.FinalizeAfter.Duration < 0 || c.Ranking.FinalizeAfter.Duration >= 24*time.Hour {
		errs = append(errs, "ranking: finalize_after must be in [0, 24h)")
	}
	if c.Disburse.Enabled && c.Disburse.Interval.Duration <= 0 {
		errs = append(errs, "disburse: interval must be > 0")
	}

	// Collaborators
	if (mode == "worker" || mode == "full") && c.Disburse.Enabled && c.Executor.BaseURL == "" {
		errs = append(errs, "executor: base_url must not be empty when disbursement is enabled")
	}
	if mode != "rank" && c.Feed.BaseURL == "" {
		errs = append(errs, "feed: base_url must not be empty")
	}

	// Server
	if mode == "api" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.BetRateLimit < 0 {
			errs = append(errs, "server: bet_rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
