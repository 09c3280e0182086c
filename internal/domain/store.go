package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// BalanceEntry is one journal row written by AdjustBalance.
type BalanceEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Delta     decimal.Decimal `json:"delta"`
	Balance   decimal.Decimal `json:"balance"`
	Reason    string          `json:"reason"`
	RefID     string          `json:"ref_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// Balance-journal reasons.
const (
	ReasonBetStake   = "bet_stake"
	ReasonBetPayout  = "bet_payout"
	ReasonBetRefund  = "bet_refund"
	ReasonAdjustment = "adjustment"
)

// Ledger is the durable transactional store. Every operation that mutates
// state, or reads state to decide a money movement, runs inside InTx. If fn
// returns an error the transaction is rolled back and the error returned
// unchanged.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
	Close() error
}

// LedgerTx is the set of operations available inside one transaction.
type LedgerTx interface {
	BalanceTx
	MarketTx
	RewardTx
	RankingTx
}

// BalanceTx is the only path through which user balances change.
type BalanceTx interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// AdjustBalance applies delta and journals it. A delta that would leave
	// the balance below zero fails with ErrInsufficientBalance and writes
	// nothing.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error)
	ListBalanceEntries(ctx context.Context, userID string, opts ListOpts) ([]BalanceEntry, error)
	// BalanceEntryByRef returns the journal row of (user, reason, ref).
	// Non-empty refs are unique per user and reason; AdjustBalance fails with
	// ErrAlreadyExists on a repeat.
	BalanceEntryByRef(ctx context.Context, userID, reason, refID string) (BalanceEntry, error)
}

// MarketTx covers markets, bets, pools and settlements.
type MarketTx interface {
	InsertMarket(ctx context.Context, m Market) error
	GetMarket(ctx context.Context, id string) (Market, error)
	// LockMarket reads the market row and holds a write lock on it until the
	// transaction ends.
	LockMarket(ctx context.Context, id string) (Market, error)
	CountActiveMarkets(ctx context.Context, matchID string) (int, error)
	ListMarketsByMatch(ctx context.Context, matchID string) ([]Market, error)
	// ListDueMarkets returns active markets whose expiry is at or before now,
	// optionally restricted to one match. Markets are ordered by their last
	// failed settle attempt, falling back to expiry, so a match whose feed
	// keeps failing does not hold the head of every batch.
	ListDueMarkets(ctx context.Context, matchID string, now time.Time, limit int) ([]Market, error)
	// MarkSettleAttempt stamps the active markets of a match with a failed
	// settle attempt.
	MarkSettleAttempt(ctx context.Context, matchID string, at time.Time) error
	// FinalizeMarket moves an active market to a terminal status. It fails
	// with ErrAlreadySettled when the market is no longer active.
	FinalizeMarket(ctx context.Context, id string, status MarketStatus, winning *string, at time.Time) error

	InsertBet(ctx context.Context, b Bet) error
	CountOpenBets(ctx context.Context, marketID, userID string) (int, error)
	ListBets(ctx context.Context, marketID string) ([]Bet, error)
	// SettleBet writes the outcome and payout of a pending bet. Settled bets
	// are never rewritten.
	SettleBet(ctx context.Context, betID string, outcome BetOutcome, payout decimal.Decimal, at time.Time) error

	// AddToPool increments the option's total and recounts its distinct
	// participants. Call it after InsertBet.
	AddToPool(ctx context.Context, marketID, option string, amount decimal.Decimal) error
	ListPools(ctx context.Context, marketID string) ([]Pool, error)

	InsertSettlement(ctx context.Context, s Settlement) error
	GetSettlement(ctx context.Context, marketID string) (Settlement, error)
}

// RewardTx covers milestones, user stats, wallets and claims.
type RewardTx interface {
	InsertMilestone(ctx context.Context, m Milestone) error
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	ListMilestones(ctx context.Context, activeOnly bool) ([]Milestone, error)

	GetUserStats(ctx context.Context, userID string) (UserStats, error)
	UpsertUserStats(ctx context.Context, s UserStats) error
	LinkWallet(ctx context.Context, userID, address string, primary bool) error
	WalletLinked(ctx context.Context, userID, address string) (bool, error)
	PrimaryWallet(ctx context.Context, userID string) (string, error)

	// InsertClaim fails with ErrAlreadyClaimed when a claim for the same
	// (user, milestone) pair exists. Uniqueness is enforced by the schema.
	InsertClaim(ctx context.Context, c Claim) error
	HasClaim(ctx context.Context, userID, milestoneID string) (bool, error)
	GetClaim(ctx context.Context, id string) (Claim, error)
	ListClaims(ctx context.Context, userID string) ([]Claim, error)
	ListClaimsByStatus(ctx context.Context, status ClaimStatus, limit int) ([]Claim, error)
	MarkClaimDistributed(ctx context.Context, id, txHash string, at time.Time) error
	RecordClaimFailure(ctx context.Context, id, reason string, status ClaimStatus, at time.Time) error
}

// RankingTx covers daily activity, scores and rewards.
type RankingTx interface {
	RecordActivity(ctx context.Context, a DailyActivity) error
	ListDailyActivity(ctx context.Context, date string) ([]DailyActivity, error)
	// ReplaceDailyScores deletes every score row for date and inserts scores.
	ReplaceDailyScores(ctx context.Context, date string, scores []DailyScore) error
	ListDailyScores(ctx context.Context, date string, limit int) ([]DailyScore, error)

	GetDailyReward(ctx context.Context, date string, rank int) (DailyReward, error)
	UpsertDailyReward(ctx context.Context, r DailyReward) error
	DeletePendingRewards(ctx context.Context, date string, fromRank int) error
	ListDailyRewards(ctx context.Context, date string) ([]DailyReward, error)
	// ListPayableRewards returns rewards of dates strictly before `before`
	// that are pending, or processing with no attempt since retryBefore.
	ListPayableRewards(ctx context.Context, before string, retryBefore time.Time, limit int) ([]DailyReward, error)
	// StartRewardTransfer moves a payable reward to processing and returns
	// the frozen row. It fails with ErrRewardNotPayable otherwise.
	StartRewardTransfer(ctx context.Context, id string, retryBefore, at time.Time) (DailyReward, error)
	// MarkRewardDistributed records the transfer of the frozen row r. It
	// fails with ErrRewardNotPayable unless the stored row is still
	// processing for the same recipient and amount.
	MarkRewardDistributed(ctx context.Context, r DailyReward, txHash string, at time.Time) error
	// RecordRewardFailure bumps the attempt counter of an undistributed
	// reward without changing its status.
	RecordRewardFailure(ctx context.Context, id, reason string, at time.Time) error
}
