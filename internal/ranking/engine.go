// Package ranking runs the daily leaderboard batch and derives the top-N
// token rewards from it.
package ranking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
)

// Config holds the scoring weights and reward table.
type Config struct {
	CommentWeight int64
	UpvoteWeight  int64
	// RewardAmounts[i] is paid to rank i+1.
	RewardAmounts []decimal.Decimal
	LockTTL       time.Duration
	ArchivePrefix string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CommentWeight: 1,
		UpvoteWeight:  2,
		RewardAmounts: []decimal.Decimal{
			decimal.NewFromInt(100),
			decimal.NewFromInt(50),
			decimal.NewFromInt(25),
		},
		LockTTL:       5 * time.Minute,
		ArchivePrefix: "leaderboards",
	}
}

// Result is the outcome of one ranking run.
type Result struct {
	Date    string               `json:"date"`
	Scores  []domain.DailyScore  `json:"scores"`
	Rewards []domain.DailyReward `json:"rewards"`
}

// Engine computes daily scores and reward rows.
type Engine struct {
	ledger  domain.Ledger
	locks   domain.LockManager
	blobs   domain.BlobWriter
	bus     domain.SignalBus
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine. locks, blobs and bus may be nil.
func NewEngine(ledger domain.Ledger, locks domain.LockManager, blobs domain.BlobWriter, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CommentWeight == 0 && cfg.UpvoteWeight == 0 {
		cfg.CommentWeight, cfg.UpvoteWeight = def.CommentWeight, def.UpvoteWeight
	}
	if cfg.RewardAmounts == nil {
		cfg.RewardAmounts = def.RewardAmounts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = def.ArchivePrefix
	}
	return &Engine{
		ledger: ledger,
		locks:  locks,
		blobs:  blobs,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ranking")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches Prometheus collectors.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Score ranks activity rows: score desc, then user id asc. Users scoring
// zero are dropped.
func Score(activity []domain.DailyActivity, commentWeight, upvoteWeight int64) []domain.DailyScore {
	scores := make([]domain.DailyScore, 0, len(activity))
	for _, a := range activity {
		s := commentWeight*a.Comments + upvoteWeight*a.Upvotes
		if s <= 0 {
			continue
		}
		scores = append(scores, domain.DailyScore{UserID: a.UserID, Date: a.Date, Score: s})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].UserID < scores[j].UserID
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}

// Run scores date, replaces its leaderboard and refreshes the pending
// reward rows. Reruns overwrite the leaderboard, but once any reward of the
// date has entered payout the reward table of that date is left as it is.
func (e *Engine) Run(ctx context.Context, date string) (Result, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return Result{}, fmt.Errorf("ranking: run %q: %w", date, err)
	}

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "ranking:"+date, e.cfg.LockTTL)
		if err != nil {
			e.metrics.RankingRun("skipped")
			return Result{}, fmt.Errorf("ranking: run %s: %w", date, err)
		}
		defer unlock()
	}

	res := Result{Date: date}
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		activity, err := tx.ListDailyActivity(ctx, date)
		if err != nil {
			return err
		}
		res.Scores = Score(activity, e.cfg.CommentWeight, e.cfg.UpvoteWeight)
		if err := tx.ReplaceDailyScores(ctx, date, res.Scores); err != nil {
			return err
		}

		existing, err := tx.ListDailyRewards(ctx, date)
		if err != nil {
			return err
		}
		if payoutStarted(existing) {
			res.Rewards = existing
			return nil
		}

		now := e.now()
		n := min(len(res.Scores), len(e.cfg.RewardAmounts))
		for i := 0; i < n; i++ {
			if err := tx.UpsertDailyReward(ctx, domain.DailyReward{
				ID:        uuid.NewString(),
				Date:      date,
				Rank:      i + 1,
				UserID:    res.Scores[i].UserID,
				Amount:    e.cfg.RewardAmounts[i],
				Status:    domain.RewardPending,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.DeletePendingRewards(ctx, date, n+1); err != nil {
			return err
		}
		res.Rewards, err = tx.ListDailyRewards(ctx, date)
		return err
	})
	if err != nil {
		e.metrics.RankingRun("error")
		return Result{}, fmt.Errorf("ranking: run %s: %w", date, err)
	}

	e.metrics.RankingRun("ok")
	e.logger.Info("ranking computed",
		slog.String("date", date),
		slog.Int("users", len(res.Scores)),
		slog.Int("rewards", len(res.Rewards)),
	)
	e.archive(ctx, date, res.Scores)
	e.publish(ctx, res)
	return res, nil
}

func payoutStarted(rewards []domain.DailyReward) bool {
	for _, r := range rewards {
		if r.Status != domain.RewardPending {
			return true
		}
	}
	return false
}

// Leaderboard returns the ranked scores of date. limit <= 0 means all.
func (e *Engine) Leaderboard(ctx context.Context, date string, limit int) ([]domain.DailyScore, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("ranking: leaderboard %q: %w", date, err)
	}
	var out []domain.DailyScore
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListDailyScores(ctx, date, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ranking: leaderboard %s: %w", date, err)
	}
	return out, nil
}

// Rewards returns the reward rows of date.
func (e *Engine) Rewards(ctx context.Context, date string) ([]domain.DailyReward, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("ranking: rewards %q: %w", date, err)
	}
	var out []domain.DailyReward
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListDailyRewards(ctx, date)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ranking: rewards %s: %w", date, err)
	}
	return out, nil
}

// RecordActivity accumulates a user's activity counters for a date.
func (e *Engine) RecordActivity(ctx context.Context, a domain.DailyActivity) error {
	if _, err := domain.ParseDate(a.Date); err != nil {
		return fmt.Errorf("ranking: activity: %w", err)
	}
	if a.UserID == "" || a.Comments < 0 || a.Upvotes < 0 {
		return fmt.Errorf("ranking: activity: %w: user id and non-negative counters required", domain.ErrInvalidActivity)
	}
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.RecordActivity(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("ranking: activity %s: %w", a.UserID, err)
	}
	return nil
}

// ArchivePath is the object key a date's leaderboard is stored under.
func (e *Engine) ArchivePath(date string) string {
	return path.Join(e.cfg.ArchivePrefix, date+".csv")
}

func (e *Engine) archive(ctx context.Context, date string, scores []domain.DailyScore) {
	if e.blobs == nil {
		return
	}
	data, err := gocsv.MarshalBytes(&scores)
	if err != nil {
		e.logger.Error("encode leaderboard csv", slog.String("date", date), slog.String("error", err.Error()))
		return
	}
	if err := e.blobs.Put(ctx, e.ArchivePath(date), bytes.NewReader(data), "text/csv"); err != nil {
		e.logger.Warn("archive leaderboard failed",
			slog.String("date", date),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, res Result) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("marshal ranking result", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelRankings, payload); err != nil {
		e.logger.Warn("publish ranking failed",
			slog.String("date", res.Date),
			slog.String("error", err.Error()),
		)
	}
}
