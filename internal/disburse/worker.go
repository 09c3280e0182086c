// Package disburse hands committed claims and daily rewards to the payment
// executor and records the outcome of each transfer.
package disburse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
)

// ClaimRecorder records the outcome of a claim transfer.
type ClaimRecorder interface {
	RecordDistribution(ctx context.Context, claimID, txHash string) error
	RecordFailure(ctx context.Context, claimID, reason string) (domain.ClaimStatus, error)
}

// Config controls polling.
type Config struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	// FinalizeAfter is how long past midnight UTC a date keeps receiving
	// activity. Its rewards are paid only afterwards.
	FinalizeAfter time.Duration
	// RetryAfter is the minimum gap between transfer attempts of one reward.
	RetryAfter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		BatchSize:     50,
		LockTTL:       2 * time.Minute,
		FinalizeAfter: time.Hour,
		RetryAfter:    5 * time.Minute,
	}
}

// Stats summarises one pass.
type Stats struct {
	Claims  int
	Rewards int
	Failed  int
}

// Worker polls signed claims and pending rewards. No ledger transaction is
// open while the executor is called.
type Worker struct {
	ledger  domain.Ledger
	claims  ClaimRecorder
	exec    domain.PaymentExecutor
	locks   domain.LockManager
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Worker.
func New(ledger domain.Ledger, claims ClaimRecorder, exec domain.PaymentExecutor, cfg Config, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.FinalizeAfter < 0 {
		cfg.FinalizeAfter = 0
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	return &Worker{
		ledger: ledger,
		claims: claims,
		exec:   exec,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "disburse")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLocks makes each pass exclusive across replicas.
func (w *Worker) WithLocks(l domain.LockManager) *Worker {
	w.locks = l
	return w
}

// WithMetrics attaches Prometheus collectors.
func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// WithClock overrides the time source.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("disbursement worker started", slog.Duration("interval", w.cfg.Interval))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
			w.logger.Error("disbursement pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of claims and one batch of rewards. A failed
// transfer is recorded against its item and does not affect the others.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	if w.locks != nil {
		unlock, err := w.locks.Acquire(ctx, "disburse:pass", w.cfg.LockTTL)
		if err != nil {
			return Stats{}, fmt.Errorf("disburse: %w", err)
		}
		defer unlock()
	}

	var (
		claims  []domain.Claim
		rewards []domain.DailyReward
	)
	err := w.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		if claims, err = tx.ListClaimsByStatus(ctx, domain.ClaimSigned, w.cfg.BatchSize); err != nil {
			return err
		}
		now := w.now()
		rewards, err = tx.ListPayableRewards(ctx,
			domain.FinalizedBefore(now, w.cfg.FinalizeAfter), now.Add(-w.cfg.RetryAfter), w.cfg.BatchSize)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("disburse: list: %w", err)
	}

	var st Stats
	for _, c := range claims {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if w.payClaim(ctx, c) {
			st.Claims++
		} else {
			st.Failed++
		}
	}
	for _, r := range rewards {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if w.payReward(ctx, r) {
			st.Rewards++
		} else {
			st.Failed++
		}
	}
	if st.Claims+st.Rewards+st.Failed > 0 {
		w.logger.Info("disbursement pass",
			slog.Int("claims", st.Claims),
			slog.Int("rewards", st.Rewards),
			slog.Int("failed", st.Failed),
		)
	}
	return st, nil
}

func (w *Worker) payClaim(ctx context.Context, c domain.Claim) bool {
	sig := c.SignatureOf()
	hash, err := w.exec.Transfer(ctx, domain.TransferRequest{
		Kind:          domain.TransferClaim,
		Reference:     c.ID,
		UserID:        c.UserID,
		WalletAddress: c.WalletAddress,
		Amount:        c.Amount,
		Signature:     &sig,
	})
	if err == nil {
		err = w.claims.RecordDistribution(ctx, c.ID, hash)
		if err == nil {
			return true
		}
		if domain.IsConflict(err) {
			w.logger.Debug("claim already recorded",
				slog.String("claim_id", c.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	if _, ferr := w.claims.RecordFailure(ctx, c.ID, err.Error()); ferr != nil && !domain.IsConflict(ferr) {
		w.logger.Error("record claim failure",
			slog.String("claim_id", c.ID),
			slog.String("error", ferr.Error()),
		)
	}
	return false
}

// payReward freezes the reward, pays the frozen recipient and amount, and
// records the distribution against that same snapshot.
func (w *Worker) payReward(ctx context.Context, r domain.DailyReward) bool {
	var (
		snap   domain.DailyReward
		wallet string
	)
	now := w.now()
	err := w.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		if snap, err = tx.StartRewardTransfer(ctx, r.ID, now.Add(-w.cfg.RetryAfter), now); err != nil {
			return err
		}
		wallet, err = tx.PrimaryWallet(ctx, snap.UserID)
		return err
	})
	if errors.Is(err, domain.ErrRewardNotPayable) {
		w.logger.Debug("reward taken by another pass", slog.String("reward_id", r.ID))
		return false
	}

	var hash string
	if err == nil {
		hash, err = w.exec.Transfer(ctx, domain.TransferRequest{
			Kind:          domain.TransferDailyReward,
			Reference:     snap.ID,
			UserID:        snap.UserID,
			WalletAddress: wallet,
			Amount:        snap.Amount,
		})
	}
	if err == nil {
		err = w.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
			return tx.MarkRewardDistributed(ctx, snap, hash, w.now())
		})
		if err == nil {
			w.metrics.Distribution(string(domain.TransferDailyReward), "ok")
			w.logger.Info("daily reward distributed",
				slog.String("reward_id", snap.ID),
				slog.String("date", snap.Date),
				slog.Int("rank", snap.Rank),
				slog.String("user_id", snap.UserID),
				slog.String("tx_hash", hash),
			)
			return true
		}
		if domain.IsConflict(err) {
			w.logger.Error("paid reward no longer matches ledger row",
				slog.String("reward_id", snap.ID),
				slog.String("user_id", snap.UserID),
				slog.String("amount", snap.Amount.String()),
				slog.String("tx_hash", hash),
			)
			return false
		}
	}

	w.metrics.Distribution(string(domain.TransferDailyReward), "failed")
	w.logger.Warn("daily reward distribution failed",
		slog.String("reward_id", r.ID),
		slog.String("error", err.Error()),
	)
	ferr := w.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.RecordRewardFailure(ctx, r.ID, err.Error(), w.now())
	})
	if ferr != nil {
		w.logger.Error("record reward failure",
			slog.String("reward_id", r.ID),
			slog.String("error", ferr.Error()),
		)
	}
	return false
}
