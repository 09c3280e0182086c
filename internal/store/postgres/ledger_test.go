package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

func testMarket(id, matchID string, expires time.Time) domain.Market {
	return domain.Market{
		ID:        id,
		MatchID:   matchID,
		Question:  "Will there be a goal?",
		Options:   []string{"Yes", "No"},
		StakeUnit: decimal.NewFromInt(5),
		Status:    domain.MarketActive,
		Context:   domain.MarketContext{Minute: 30, HomeTeam: "Barcelona", AwayTeam: "Madrid"},
		ExpiresAt: expires,
		CreatedAt: expires.Add(-5 * time.Minute),
	}
}

func TestLedger_RollbackOnError(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.AdjustBalance(ctx, "u1", decimal.NewFromInt(10), domain.ReasonAdjustment, ""); err != nil {
			return err
		}
		return domain.ErrUnavailable
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		bal, err := tx.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, bal.IsZero())

		_, err = tx.AdjustBalance(ctx, "u1", decimal.NewFromInt(-1), domain.ReasonBetStake, "b1")
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		return nil
	}))
}

func TestLedger_JournalRefIsUniquePerUser(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.AdjustBalance(ctx, "alice", decimal.NewFromInt(10), domain.ReasonAdjustment, "grant-1")
		return err
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.AdjustBalance(ctx, "alice", decimal.NewFromInt(10), domain.ReasonAdjustment, "grant-1")
		return err
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.AdjustBalance(ctx, "bob", decimal.NewFromInt(10), domain.ReasonAdjustment, "grant-1"); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, "alice", decimal.NewFromInt(1), domain.ReasonAdjustment, ""); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, "alice", decimal.NewFromInt(1), domain.ReasonAdjustment, ""); err != nil {
			return err
		}

		bal, err := tx.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(12)), bal.String())

		e, err := tx.BalanceEntryByRef(ctx, "alice", domain.ReasonAdjustment, "grant-1")
		require.NoError(t, err)
		assert.True(t, e.Delta.Equal(decimal.NewFromInt(10)))

		_, err = tx.BalanceEntryByRef(ctx, "alice", domain.ReasonAdjustment, "grant-2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestLedger_LockMarketHoldsRowLock(t *testing.T) {
	l := newLedger(t, ClientConfig{LockTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	m := testMarket("m1", "match-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error { return tx.InsertMarket(ctx, m) }))

	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- l.InTx(ctx, func(tx domain.LedgerTx) error {
			if _, err := tx.LockMarket(ctx, m.ID); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.LockMarket(ctx, m.ID)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, "55P03", pgCode(err), "lock_not_available")

	// Plain reads are not blocked by the lock.
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.GetMarket(ctx, m.ID)
		return err
	}))

	close(release)
	require.NoError(t, <-held)
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.LockMarket(ctx, m.ID)
		return err
	}))
}

func TestLedger_DueMarketsRotateAfterFailedAttempt(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertMarket(ctx, testMarket("stuck", "stuck-match", base)))
		require.NoError(t, tx.InsertMarket(ctx, testMarket("fresh", "fresh-match", base.Add(time.Minute))))

		due, err := tx.ListDueMarkets(ctx, "", base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "stuck", due[0].ID)

		require.NoError(t, tx.MarkSettleAttempt(ctx, "stuck-match", base.Add(2*time.Minute)))

		due, err = tx.ListDueMarkets(ctx, "", base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "fresh", due[0].ID)

		due, err = tx.ListDueMarkets(ctx, "stuck-match", base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		return nil
	}))
}

func TestLedger_ReplaceDailyScoresCopiesRows(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()
	date := "2026-10-01"

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.ReplaceDailyScores(ctx, date, []domain.DailyScore{
			{UserID: "a", Score: 9, Rank: 1},
			{UserID: "b", Score: 3, Rank: 2},
			{UserID: "c", Score: 1, Rank: 3},
		}))
		require.NoError(t, tx.ReplaceDailyScores(ctx, date, []domain.DailyScore{
			{UserID: "b", Score: 12, Rank: 1},
			{UserID: "a", Score: 9, Rank: 2},
		}))
		require.NoError(t, tx.ReplaceDailyScores(ctx, "2026-10-02", nil))

		scores, err := tx.ListDailyScores(ctx, date, 0)
		require.NoError(t, err)
		require.Len(t, scores, 2)
		assert.Equal(t, domain.DailyScore{UserID: "b", Date: date, Score: 12, Rank: 1}, scores[0])
		assert.Equal(t, "a", scores[1].UserID)
		return nil
	}))
}

func TestLedger_DailyRewardGuards(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()
	now := time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)
	date := "2026-10-01"

	reward := func(id, user string, rank int) domain.DailyReward {
		return domain.DailyReward{
			ID: id, Date: date, Rank: rank, UserID: user, Amount: decimal.NewFromInt(100),
			Status: domain.RewardPending, CreatedAt: now, UpdatedAt: now,
		}
	}

	var frozen domain.DailyReward
	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r1", "alice", 1)))
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r2", "bob", 1)))
		got, err := tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, "r1", got.ID)
		assert.Equal(t, "bob", got.UserID, "pending rows follow reruns")

		frozen, err = tx.StartRewardTransfer(ctx, "r1", now.Add(-time.Minute), now)
		require.NoError(t, err)
		assert.Equal(t, domain.RewardProcessing, frozen.Status)
		_, err = tx.StartRewardTransfer(ctx, "r1", now.Add(-time.Minute), now)
		assert.ErrorIs(t, err, domain.ErrRewardNotPayable)
		return nil
	}))

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		// The ON CONFLICT guard leaves the frozen row alone.
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r3", "carol", 1)))
		require.NoError(t, tx.DeletePendingRewards(ctx, date, 1))
		got, err := tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, "bob", got.UserID)
		assert.Equal(t, domain.RewardProcessing, got.Status)

		require.NoError(t, tx.RecordRewardFailure(ctx, "r1", "timeout", now))
		wrong := frozen
		wrong.UserID = "carol"
		assert.ErrorIs(t, tx.MarkRewardDistributed(ctx, wrong, "0xhash", now), domain.ErrRewardNotPayable)

		require.NoError(t, tx.MarkRewardDistributed(ctx, frozen, "0xhash", now))
		assert.ErrorIs(t, tx.MarkRewardDistributed(ctx, frozen, "0xhash", now), domain.ErrRewardNotPayable)

		got, err = tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.RewardDistributed, got.Status)
		assert.Equal(t, 1, got.Attempts)
		return nil
	}))

	_, err := l.client.pool.Exec(ctx, `
		INSERT INTO daily_rewards (id, day, rank, user_id, amount, status, attempts, last_error, created_at, updated_at)
		VALUES ('bad', $1, 9, 'dave', 1, 'bogus', 0, '', NOW(), NOW())`, date)
	require.Error(t, err)
	assert.Equal(t, "23514", pgCode(err), "check_violation")
}

func TestLedger_PayableRewardsSkipLockedRows(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()
	now := time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		for i, user := range []string{"alice", "bob"} {
			if err := tx.UpsertDailyReward(ctx, domain.DailyReward{
				ID: "r" + user, Date: "2026-10-01", Rank: i + 1, UserID: user, Amount: decimal.NewFromInt(10),
				Status: domain.RewardPending, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	locked := make(chan []domain.DailyReward)
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- l.InTx(ctx, func(tx domain.LedgerTx) error {
			rows, err := tx.ListPayableRewards(ctx, "2026-10-02", now, 1)
			locked <- rows
			if err != nil {
				return err
			}
			<-release
			return nil
		})
	}()
	first := <-locked
	require.Len(t, first, 1)
	assert.Equal(t, "ralice", first[0].ID)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		rows, err := tx.ListPayableRewards(ctx, "2026-10-02", now, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "rbob", rows[0].ID)

		rows, err = tx.ListPayableRewards(ctx, "2026-10-01", now, 10)
		require.NoError(t, err)
		assert.Empty(t, rows, "open dates are not payable")
		return nil
	}))

	close(release)
	require.NoError(t, <-held)
}
