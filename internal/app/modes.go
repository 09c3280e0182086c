package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fanpulse/internal/disburse"
	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/ranking"
	"github.com/alanyoungcy/fanpulse/internal/scheduler"
	"github.com/alanyoungcy/fanpulse/internal/server"
	"github.com/alanyoungcy/fanpulse/internal/server/handler"
	"github.com/alanyoungcy/fanpulse/internal/server/ws"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// APIMode serves HTTP and WebSocket traffic only. Settlement triggers from
// live-state reads are dropped; a worker process polls instead.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps, nil)
	return g.Wait()
}

// WorkerMode runs the settlement scheduler, the disbursement worker and the
// periodic ranking loop.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, a.newScheduler(deps))
	return g.Wait()
}

// FullMode runs the API and every worker in one process; live-state reads
// trigger the in-process scheduler.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	sched := a.newScheduler(deps)
	a.startWorkers(ctx, g, deps, sched)
	a.startAPI(ctx, g, deps, sched)
	return g.Wait()
}

// RankMode computes one date's leaderboard and exits.
func (a *App) RankMode(ctx context.Context, deps *Dependencies) error {
	date := a.rankDate
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format(domain.DateLayout)
	}
	res, err := deps.Ranking.Run(ctx, date)
	if err != nil {
		return fmt.Errorf("app: rank %s: %w", date, err)
	}
	a.logger.InfoContext(ctx, "leaderboard computed",
		slog.String("date", res.Date),
		slog.Int("users", len(res.Scores)),
		slog.Int("rewards", len(res.Rewards)),
	)
	return nil
}

func (a *App) newScheduler(deps *Dependencies) *scheduler.Scheduler {
	c := a.cfg.Scheduler
	return scheduler.New(deps.Ledger, deps.Feed, deps.Resolver, deps.Markets, scheduler.Config{
		Interval:    c.Interval.Duration,
		Grace:       c.Grace.Duration,
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		BatchSize:   c.BatchSize,
		MaxRetries:  c.MaxRetries,
		BaseBackoff: c.BaseBackoff.Duration,
		MaxBackoff:  c.MaxBackoff.Duration,
	}, a.logger).WithMetrics(deps.Metrics)
}

func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies, trigger handler.SettlementTrigger) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Pingers, a.logger),
		Markets:     handler.NewMarketHandler(deps.Markets, trigger, a.logger),
		Rewards:     handler.NewRewardHandler(deps.Rewards, a.logger),
		Leaderboard: handler.NewLeaderboardHandler(deps.Ranking, deps.BlobReader, a.logger),
		Metrics:     deps.Metrics.Handler(),
	}
	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		AdminAPIKey:   a.cfg.Server.AdminAPIKey,
		BetRateLimit:  a.cfg.Server.BetRateLimit,
		BetRateWindow: a.cfg.Server.BetRateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, sched *scheduler.Scheduler) {
	g.Go(func() error {
		return ignoreCanceled(sched.Run(ctx))
	})

	if a.cfg.Disburse.Enabled {
		worker := disburse.New(deps.Ledger, deps.Rewards, deps.Executor, disburse.Config{
			Interval:      a.cfg.Disburse.Interval.Duration,
			BatchSize:     a.cfg.Disburse.BatchSize,
			LockTTL:       a.cfg.Disburse.LockTTL.Duration,
			FinalizeAfter: a.cfg.Ranking.FinalizeAfter.Duration,
			RetryAfter:    a.cfg.Disburse.RetryAfter.Duration,
		}, a.logger).WithLocks(deps.LockManager).WithMetrics(deps.Metrics)
		g.Go(func() error {
			return ignoreCanceled(worker.Run(ctx))
		})
	}

	g.Go(func() error {
		return ignoreCanceled(a.rankLoop(ctx, deps.Ranking, a.cfg.Ranking.Interval.Duration, a.cfg.Ranking.FinalizeAfter.Duration))
	})
}

// rankLoop recomputes today's leaderboard every interval, and yesterday's
// until it is final, so late activity still lands before its payout.
func (a *App) rankLoop(ctx context.Context, engine *ranking.Engine, interval, finalizeAfter time.Duration) error {
	log := a.logger.With(slog.String("component", "rank-loop"))
	run := func() {
		for _, date := range openDates(time.Now(), finalizeAfter) {
			if _, err := engine.Run(ctx, date); err != nil {
				if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, context.Canceled) {
					log.Debug("ranking skipped", slog.String("date", date), slog.String("error", err.Error()))
					continue
				}
				log.Error("ranking failed", slog.String("date", date), slog.String("error", err.Error()))
			}
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}

// openDates returns the ranking dates that can still receive activity at
// now: yesterday while it is not final, then today.
func openDates(now time.Time, finalizeAfter time.Duration) []string {
	now = now.UTC()
	today := now.Format(domain.DateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(domain.DateLayout)
	if yesterday >= domain.FinalizedBefore(now, finalizeAfter) {
		return []string{yesterday, today}
	}
	return []string{today}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
