package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/fanpulse/internal/blob/s3"
	"github.com/alanyoungcy/fanpulse/internal/cache/redis"
	"github.com/alanyoungcy/fanpulse/internal/config"
	"github.com/alanyoungcy/fanpulse/internal/crypto"
	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/market"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
	"github.com/alanyoungcy/fanpulse/internal/platform/executor"
	"github.com/alanyoungcy/fanpulse/internal/platform/rest"
	"github.com/alanyoungcy/fanpulse/internal/platform/sportsfeed"
	"github.com/alanyoungcy/fanpulse/internal/ranking"
	"github.com/alanyoungcy/fanpulse/internal/resolver"
	"github.com/alanyoungcy/fanpulse/internal/reward"
	"github.com/alanyoungcy/fanpulse/internal/server/handler"
	"github.com/alanyoungcy/fanpulse/internal/store/postgres"
	"github.com/alanyoungcy/fanpulse/internal/store/sqlite"
)

// archiveMultipartSize is the part size used for leaderboard uploads.
const archiveMultipartSize = 8 << 20

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Store
	Ledger   domain.Ledger
	Pingers  map[string]handler.Pinger
	Resolver *resolver.Resolver

	// Redis-backed infrastructure
	LiveCache   domain.LiveStateCache
	EventCache  domain.EventCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil when S3 is disabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Collaborators
	Feed     domain.EventFeed
	Executor domain.PaymentExecutor

	// Engines
	Metrics *metrics.Metrics
	Markets *market.Engine
	Rewards *reward.Service // nil in rank mode
	Ranking *ranking.Engine
}

// needsSigner reports whether mode signs or pays claims.
func needsSigner(mode string) bool {
	return mode != "rank"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics: metrics.New(),
		Pingers: make(map[string]handler.Pinger),
	}

	// --- Ledger ---
	ledger, pinger, closeLedger, err := openLedger(ctx, cfg.Store)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeLedger)
	deps.Ledger = ledger
	deps.Pingers["ledger"] = pinger

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Pingers["redis"] = redisClient

	deps.LiveCache = redis.NewLiveStateCache(redisClient)
	deps.EventCache = redis.NewEventCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 leaderboard archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client, cfg.S3.Prefix, archiveMultipartSize)
		deps.BlobReader = s3blob.NewReader(s3Client, cfg.S3.Prefix)
	}

	// --- Collaborators ---
	feedCfg := remoteConfig(cfg.Feed.RemoteConfig)
	deps.Feed = sportsfeed.NewCachedFeed(
		sportsfeed.New(feedCfg, logger), deps.EventCache, cfg.Feed.CacheTTL.Duration, logger,
	)
	deps.Executor = executor.New(remoteConfig(cfg.Executor), logger)

	// --- Engines ---
	deps.Resolver = resolver.New(resolver.Config{
		Patterns:       cfg.Resolver.Patterns,
		TeamQualifiers: cfg.Resolver.TeamQualifiers,
		YesLabels:      cfg.Resolver.YesLabels,
		NoLabels:       cfg.Resolver.NoLabels,
	})

	deps.Markets = market.NewEngine(ledger, deps.LiveCache, deps.SignalBus, market.Config{
		MaxActivePerMatch: cfg.Market.MaxActivePerMatch,
		BetCapPerUser:     cfg.Market.BetCapPerUser,
		MaxWindow:         cfg.Market.MaxWindow.Duration,
		LiveStateTTL:      cfg.Market.LiveStateTTL.Duration,
		PayoutScale:       int32(cfg.Market.PayoutScale),
	}, logger).WithMetrics(deps.Metrics)

	amounts, err := cfg.RewardAmounts()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Ranking = ranking.NewEngine(ledger, deps.LockManager, deps.BlobWriter, deps.SignalBus, ranking.Config{
		CommentWeight: cfg.Ranking.CommentWeight,
		UpvoteWeight:  cfg.Ranking.UpvoteWeight,
		RewardAmounts: amounts,
		LockTTL:       cfg.Ranking.LockTTL.Duration,
	}, logger).WithMetrics(deps.Metrics)

	if needsSigner(mode) {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:        cfg.Reward.Secret,
			SealedPath: cfg.Reward.SecretFile,
			Password:   cfg.Reward.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: reward secret: %w", err))
		}
		signer, err := crypto.NewClaimSigner(secret)
		if err != nil {
			return fail(fmt.Errorf("wire: claim signer: %w", err))
		}
		deps.Rewards = reward.NewService(ledger, signer, deps.SignalBus, reward.Config{
			MaxAttempts: cfg.Reward.MaxAttempts,
		}, logger).WithMetrics(deps.Metrics)
	}

	return deps, cleanup, nil
}

// ledgerHandle is what both store backends expose besides domain.Ledger.
type ledgerHandle interface {
	domain.Ledger
	Ping(ctx context.Context) error
	Close() error
}

// openLedger opens the configured store backend.
func openLedger(ctx context.Context, cfg config.StoreConfig) (domain.Ledger, handler.Pinger, func(), error) {
	var l ledgerHandle
	switch cfg.Driver {
	case "sqlite":
		sl, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		l = sl
	case "postgres":
		pg := cfg.Postgres
		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      pg.DSN,
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
			MaxConns: pg.PoolMaxConns,
			MinConns: pg.PoolMinConns,

			StatementTimeout: pg.StatementTimeout.Duration,
			LockTimeout:      pg.LockTimeout.Duration,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := client.RunMigrations(ctx); err != nil {
				client.Close()
				return nil, nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		l = postgres.NewLedger(client)
	default:
		return nil, nil, nil, fmt.Errorf("wire: unknown store driver %q", cfg.Driver)
	}
	return l, l, func() { _ = l.Close() }, nil
}

func remoteConfig(rc config.RemoteConfig) rest.Config {
	out := rest.Config{
		BaseURL:    rc.BaseURL,
		Timeout:    rc.Timeout.Duration,
		RatePerSec: rc.RatePerSec,
		Burst:      rc.Burst,
		MaxRetries: rc.MaxRetries,
	}
	if rc.APIKey != "" {
		out.Auth = &crypto.HMACAuth{Key: rc.APIKey, Secret: rc.APISecret}
	}
	return out
}
