// Package scheduler settles expired markets, either on a polling cadence or
// on demand when a client asks for a match's live state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
	"github.com/alanyoungcy/fanpulse/internal/resolver"
)

// Settler applies an outcome to a market.
type Settler interface {
	SettleMarket(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementResult, error)
}

// Resolver decides the outcome of a market from its events.
type Resolver interface {
	Resolve(m domain.Market, events []domain.MatchEvent) resolver.Resolution
}

// Config controls polling and retry behaviour.
type Config struct {
	Interval    time.Duration
	Grace       time.Duration
	Workers     int
	QueueSize   int
	BatchSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		Grace:       10 * time.Second,
		Workers:     4,
		QueueSize:   64,
		BatchSize:   100,
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// TaskError is a settlement failure that exhausted its retries.
type TaskError struct {
	Stage    string
	MatchID  string
	MarketID string
	Err      error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("scheduler: %s match=%s market=%s: %v", e.Stage, e.MatchID, e.MarketID, e.Err)
}

func (e TaskError) Unwrap() error { return e.Err }

// Scheduler finds active markets past their expiry, resolves them and
// settles them. It holds no lock of its own: concurrent attempts on the same
// market collapse on the engine's ErrAlreadySettled check.
type Scheduler struct {
	ledger   domain.Ledger
	feed     domain.EventFeed
	resolver Resolver
	settler  Settler
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	tasks chan string
	errs  chan TaskError
}

// New creates a Scheduler.
func New(ledger domain.Ledger, feed domain.EventFeed, res Resolver, settler Settler, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Scheduler{
		ledger:   ledger,
		feed:     feed,
		resolver: res,
		settler:  settler,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      func() time.Time { return time.Now().UTC() },
		tasks:    make(chan string, cfg.QueueSize),
		errs:     make(chan TaskError, cfg.QueueSize),
	}
}

// WithMetrics attaches Prometheus collectors.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Errors exposes task failures. Run drains it; callers that drive SettleDue
// directly may read it themselves.
func (s *Scheduler) Errors() <-chan TaskError {
	return s.errs
}

// Trigger enqueues a settlement pass for one match without blocking. It
// reports false when the queue is full; the next poll covers the match.
func (s *Scheduler) Trigger(matchID string) bool {
	select {
	case s.tasks <- matchID:
		return true
	default:
		s.logger.Warn("settlement queue full, dropping trigger", slog.String("match_id", matchID))
		return false
	}
}

// Run polls every Interval and drains triggered tasks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("workers", s.cfg.Workers),
	)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case matchID := <-s.tasks:
					if _, err := s.SettleDue(ctx, matchID); err != nil && ctx.Err() == nil {
						s.logger.Debug("triggered settlement pass failed",
							slog.String("match_id", matchID),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case te := <-s.errs:
				s.logger.Error("settlement task failed",
					slog.String("stage", te.Stage),
					slog.String("match_id", te.MatchID),
					slog.String("market_id", te.MarketID),
					slog.String("error", te.Err.Error()),
				)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := s.SettleDue(ctx, "")
				if err != nil && ctx.Err() == nil {
					s.logger.Debug("settlement poll failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					s.logger.Info("settlement poll", slog.Int("settled", n))
				}
			}
		}
	})

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// SettleDue settles every due market, optionally restricted to one match,
// and returns how many it settled. Per-market failures are reported on the
// error channel; only a failure to list due markets is returned.
func (s *Scheduler) SettleDue(ctx context.Context, matchID string) (int, error) {
	var due []domain.Market
	err := s.retry(ctx, func() error {
		return s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
			var err error
			due, err = tx.ListDueMarkets(ctx, matchID, s.now().Add(-s.cfg.Grace), s.cfg.BatchSize)
			return err
		})
	})
	if err != nil {
		s.report(TaskError{Stage: "list", MatchID: matchID, Err: err})
		return 0, fmt.Errorf("scheduler: list due markets: %w", err)
	}

	byMatch := make(map[string][]domain.Market)
	var order []string
	for _, m := range due {
		if _, ok := byMatch[m.MatchID]; !ok {
			order = append(order, m.MatchID)
		}
		byMatch[m.MatchID] = append(byMatch[m.MatchID], m)
	}

	settled := 0
	for _, id := range order {
		var events []domain.MatchEvent
		err := s.retry(ctx, func() error {
			var err error
			events, err = s.feed.Events(ctx, id)
			return err
		})
		if err != nil {
			// Markets stay active; a missing feed is not evidence for a refund.
			s.report(TaskError{Stage: "events", MatchID: id, Err: err})
			s.deferMatch(ctx, id)
			continue
		}

		for _, m := range byMatch[id] {
			if s.settleOne(ctx, m, events) {
				settled++
			}
		}
	}
	return settled, nil
}

// deferMatch rotates the due markets of a failing match behind the rest of
// the backlog.
func (s *Scheduler) deferMatch(ctx context.Context, matchID string) {
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.MarkSettleAttempt(ctx, matchID, s.now())
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("record settle attempt",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) settleOne(ctx context.Context, m domain.Market, events []domain.MatchEvent) bool {
	res := s.resolver.Resolve(m, events)
	err := s.retry(ctx, func() error {
		_, err := s.settler.SettleMarket(ctx, m.ID, res.Outcome())
		return err
	})
	switch {
	case err == nil:
		s.logger.Info("market auto-settled",
			slog.String("market_id", m.ID),
			slog.String("resolution", res.String()),
		)
		return true
	case errors.Is(err, domain.ErrAlreadySettled):
		s.logger.Debug("market already settled", slog.String("market_id", m.ID))
	default:
		s.report(TaskError{Stage: "settle", MatchID: m.MatchID, MarketID: m.ID, Err: err})
	}
	return false
}

// retry runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries further attempts have failed. Delays double from BaseBackoff up
// to MaxBackoff.
func (s *Scheduler) retry(ctx context.Context, op func() error) error {
	delay := s.cfg.BaseBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !domain.IsRetryable(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
	}
}

func (s *Scheduler) report(te TaskError) {
	s.metrics.SchedulerError(te.Stage)
	select {
	case s.errs <- te:
	default:
		s.logger.Error("scheduler error channel full",
			slog.String("stage", te.Stage),
			slog.String("error", te.Err.Error()),
		)
	}
}
