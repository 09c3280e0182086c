package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/store/sqlite"
)

func openLedger(t *testing.T) *sqlite.Ledger {
	t.Helper()
	l, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func makeMarket(id string) domain.Market {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.Market{
		ID:        id,
		MatchID:   "match-1",
		Question:  "Will there be a goal?",
		Options:   []string{"Yes", "No"},
		StakeUnit: decimal.NewFromInt(5),
		Status:    domain.MarketActive,
		Context:   domain.MarketContext{Minute: 30, HomeTeam: "Barcelona", AwayTeam: "Madrid"},
		ExpiresAt: now.Add(5 * time.Minute),
		CreatedAt: now,
	}
}

func TestLedger_AdjustBalanceNeverNegative(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		bal, err := tx.AdjustBalance(ctx, "u1", decimal.NewFromInt(20), domain.ReasonAdjustment, "seed")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(20)))

		_, err = tx.AdjustBalance(ctx, "u1", decimal.NewFromInt(-25), domain.ReasonBetStake, "b1")
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		return nil
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx domain.LedgerTx) error {
		bal, err := tx.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(20)))

		entries, err := tx.ListBalanceEntries(ctx, "u1", domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "seed", entries[0].RefID)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_RollbackOnError(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.AdjustBalance(ctx, "u1", decimal.NewFromInt(10), domain.ReasonAdjustment, ""); err != nil {
			return err
		}
		return domain.ErrUnavailable
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	err = l.InTx(ctx, func(tx domain.LedgerTx) error {
		bal, err := tx.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_MarketLifecycle(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	m := makeMarket("m1")

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertMarket(ctx, m))
		require.NoError(t, tx.InsertBet(ctx, domain.Bet{
			ID: "b1", MarketID: "m1", UserID: "u1", Option: "Yes",
			Stake: decimal.NewFromInt(10), Outcome: domain.BetPending, PlacedAt: m.CreatedAt,
		}))
		return tx.AddToPool(ctx, "m1", "Yes", decimal.NewFromInt(10))
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx domain.LedgerTx) error {
		got, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, m.Options, got.Options)
		assert.Equal(t, "Barcelona", got.Context.HomeTeam)
		assert.True(t, got.ExpiresAt.Equal(m.ExpiresAt))

		pools, err := tx.ListPools(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, pools, 2)
		assert.Equal(t, "Yes", pools[0].Option)
		assert.True(t, pools[0].TotalStaked.Equal(decimal.NewFromInt(10)))
		assert.Equal(t, 1, pools[0].Participants)
		assert.True(t, pools[1].TotalStaked.IsZero())

		n, err := tx.CountOpenBets(ctx, "m1", "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		at := time.Now().UTC()
		require.NoError(t, tx.SettleBet(ctx, "b1", domain.BetWon, decimal.NewFromInt(10), at))
		assert.ErrorIs(t, tx.SettleBet(ctx, "b1", domain.BetLost, decimal.Zero, at), domain.ErrAlreadySettled)

		winner := "Yes"
		require.NoError(t, tx.FinalizeMarket(ctx, "m1", domain.MarketSettled, &winner, at))
		assert.ErrorIs(t, tx.FinalizeMarket(ctx, "m1", domain.MarketRefunded, nil, at), domain.ErrAlreadySettled)
		return nil
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.GetMarket(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		due, err := tx.ListDueMarkets(ctx, "", time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "settled markets are never due")
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_ClaimUniqueness(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertMilestone(ctx, domain.Milestone{
			ID: "ms1", Type: domain.MilestoneTotalComments, Threshold: 10,
			RewardAmount: decimal.NewFromInt(5), Active: true, CreatedAt: now,
		})
	}))

	err := l.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertMilestone(ctx, domain.Milestone{
			ID: "ms2", Type: domain.MilestoneTotalComments, Threshold: 10,
			RewardAmount: decimal.NewFromInt(9), Active: true, CreatedAt: now,
		})
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	claim := func(id string) domain.Claim {
		return domain.Claim{
			ID: id, UserID: "u1", MilestoneID: "ms1", WalletAddress: "0xabc",
			Amount: decimal.NewFromInt(5), Signature: "sig", SignedAt: now,
			Status: domain.ClaimSigned, CreatedAt: now, UpdatedAt: now,
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.InTx(ctx, func(tx domain.LedgerTx) error {
				return tx.InsertClaim(ctx, claim(fmt.Sprintf("c%d", i)))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAlreadyClaimed):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dup)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		claims, err := tx.ListClaims(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, claims, 1)
		return nil
	}))
}

func TestLedger_WalletsAreCaseInsensitive(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	addr := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.LinkWallet(ctx, "u1", addr, true))

		linked, err := tx.WalletLinked(ctx, "u1", "0xabcdef0123456789abcdef0123456789abcdef01")
		require.NoError(t, err)
		assert.True(t, linked)

		linked, err = tx.WalletLinked(ctx, "u2", addr)
		require.NoError(t, err)
		assert.False(t, linked)

		primary, err := tx.PrimaryWallet(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", primary)

		_, err = tx.PrimaryWallet(ctx, "u2")
		assert.ErrorIs(t, err, domain.ErrWalletNotLinked)
		return nil
	}))
}

func TestLedger_DailyRewardTransferFreezesRow(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)
	date := "2026-10-01"

	reward := func(id, user string, amount int64) domain.DailyReward {
		return domain.DailyReward{
			ID: id, Date: date, Rank: 1, UserID: user, Amount: decimal.NewFromInt(amount),
			Status: domain.RewardPending, CreatedAt: now, UpdatedAt: now,
		}
	}

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r1", "alice", 100)))
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r2", "bob", 100)))

		got, err := tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, "r1", got.ID)
		assert.Equal(t, "bob", got.UserID)

		// The date is not final yet.
		payable, err := tx.ListPayableRewards(ctx, date, now, 10)
		require.NoError(t, err)
		assert.Empty(t, payable)

		payable, err = tx.ListPayableRewards(ctx, "2026-10-02", now, 10)
		require.NoError(t, err)
		require.Len(t, payable, 1)

		frozen, err := tx.StartRewardTransfer(ctx, "r1", now.Add(-time.Minute), now)
		require.NoError(t, err)
		assert.Equal(t, domain.RewardProcessing, frozen.Status)
		assert.Equal(t, "bob", frozen.UserID)

		// A second worker cannot take the row until the retry window passes.
		_, err = tx.StartRewardTransfer(ctx, "r1", now.Add(-time.Minute), now)
		assert.ErrorIs(t, err, domain.ErrRewardNotPayable)
		payable, err = tx.ListPayableRewards(ctx, "2026-10-02", now.Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, payable)

		// Reruns leave the frozen row alone.
		require.NoError(t, tx.UpsertDailyReward(ctx, reward("r3", "carol", 100)))
		got, err = tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, "bob", got.UserID)
		require.NoError(t, tx.DeletePendingRewards(ctx, date, 1))
		_, err = tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)

		require.NoError(t, tx.RecordRewardFailure(ctx, "r1", "timeout", now))
		got, err = tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.RewardProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts)

		// The distribution must match the snapshot that was sent.
		wrong := frozen
		wrong.UserID = "carol"
		assert.ErrorIs(t, tx.MarkRewardDistributed(ctx, wrong, "0xhash", now), domain.ErrRewardNotPayable)
		wrong = frozen
		wrong.Amount = decimal.NewFromInt(50)
		assert.ErrorIs(t, tx.MarkRewardDistributed(ctx, wrong, "0xhash", now), domain.ErrRewardNotPayable)

		require.NoError(t, tx.MarkRewardDistributed(ctx, frozen, "0xhash", now))
		assert.ErrorIs(t, tx.MarkRewardDistributed(ctx, frozen, "0xhash", now), domain.ErrRewardNotPayable)

		got, err = tx.GetDailyReward(ctx, date, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.RewardDistributed, got.Status)
		require.NotNil(t, got.TxHash)
		assert.Equal(t, "0xhash", *got.TxHash)

		payable, err = tx.ListPayableRewards(ctx, "2026-10-02", now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, payable)
		return nil
	}))
}

func TestLedger_StaleTransferIsRetried(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.UpsertDailyReward(ctx, domain.DailyReward{
			ID: "r1", Date: "2026-10-01", Rank: 1, UserID: "alice", Amount: decimal.NewFromInt(100),
			Status: domain.RewardPending, CreatedAt: start, UpdatedAt: start,
		}))
		_, err := tx.StartRewardTransfer(ctx, "r1", start.Add(-time.Minute), start)
		require.NoError(t, err)

		later := start.Add(10 * time.Minute)
		payable, err := tx.ListPayableRewards(ctx, "2026-10-02", later.Add(-5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, payable, 1)

		again, err := tx.StartRewardTransfer(ctx, "r1", later.Add(-5*time.Minute), later)
		require.NoError(t, err)
		assert.Equal(t, "alice", again.UserID)
		return nil
	}))
}

func TestLedger_JournalRefIsUniquePerUser(t *testing.T) {
	l := openLedger(t)
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
		// Same ref for another user or without a ref is fine.
		if _, err := tx.AdjustBalance(ctx, "bob", decimal.NewFromInt(10), domain.ReasonAdjustment, "grant-1"); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := tx.AdjustBalance(ctx, "alice", decimal.NewFromInt(1), domain.ReasonAdjustment, ""); err != nil {
				return err
			}
		}

		bal, err := tx.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.NewFromInt(12)), bal.String())

		e, err := tx.BalanceEntryByRef(ctx, "alice", domain.ReasonAdjustment, "grant-1")
		require.NoError(t, err)
		assert.True(t, e.Delta.Equal(decimal.NewFromInt(10)))
		assert.True(t, e.Balance.Equal(decimal.NewFromInt(10)))

		_, err = tx.BalanceEntryByRef(ctx, "alice", domain.ReasonAdjustment, "grant-2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestLedger_DueMarketsRotateAfterFailedAttempt(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	expiry := func(m domain.Market, at time.Time) domain.Market {
		m.ExpiresAt = at
		return m
	}
	base := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)
	stuck := makeMarket("stuck")
	stuck.MatchID = "stuck-match"
	fresh := makeMarket("fresh")
	fresh.MatchID = "fresh-match"

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertMarket(ctx, expiry(stuck, base)))
		require.NoError(t, tx.InsertMarket(ctx, expiry(fresh, base.Add(time.Minute))))

		due, err := tx.ListDueMarkets(ctx, "", base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "stuck", due[0].ID)

		require.NoError(t, tx.MarkSettleAttempt(ctx, "stuck-match", base.Add(2*time.Minute)))

		due, err = tx.ListDueMarkets(ctx, "", base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "fresh", due[0].ID)
		return nil
	}))
}

func TestLedger_ReplaceDailyScores(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	date := "2026-10-01"

	require.NoError(t, l.InTx(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.ReplaceDailyScores(ctx, date, []domain.DailyScore{
			{UserID: "a", Score: 9, Rank: 1},
			{UserID: "b", Score: 3, Rank: 2},
		}))
		require.NoError(t, tx.ReplaceDailyScores(ctx, date, []domain.DailyScore{
			{UserID: "b", Score: 12, Rank: 1},
		}))

		scores, err := tx.ListDailyScores(ctx, date, 0)
		require.NoError(t, err)
		require.Len(t, scores, 1)
		assert.Equal(t, "b", scores[0].UserID)
		assert.Equal(t, date, scores[0].Date)
		return nil
	}))
}
