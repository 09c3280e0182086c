package market_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/market"
	"github.com/alanyoungcy/fanpulse/internal/store/sqlite"
)

type memCache struct {
	mu          sync.Mutex
	states      map[string]domain.LiveState
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{states: make(map[string]domain.LiveState)}
}

func (c *memCache) SetLiveState(_ context.Context, s domain.LiveState, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.MatchID] = s
	return nil
}

func (c *memCache) GetLiveState(_ context.Context, matchID string) (domain.LiveState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[matchID]
	if !ok {
		return domain.LiveState{}, domain.ErrNotFound
	}
	return s, nil
}

func (c *memCache) InvalidateLiveState(_ context.Context, matchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, matchID)
	c.invalidated = append(c.invalidated, matchID)
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte), streams: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fixture struct {
	ledger *sqlite.Ledger
	engine *market.Engine
	cache  *memCache
	bus    *memBus
	now    time.Time
	seq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	f := &fixture{
		ledger: l,
		cache:  newMemCache(),
		bus:    newMemBus(),
		now:    time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = market.NewEngine(l, f.cache, f.bus, market.DefaultConfig(), logger).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	f.seq++
	_, created, err := f.engine.Credit(context.Background(), userID, decimal.NewFromInt(amount), fmt.Sprintf("seed-%d", f.seq))
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	require.NoError(t, f.ledger.InTx(context.Background(), func(tx domain.LedgerTx) error {
		var err error
		bal, err = tx.Balance(context.Background(), userID)
		return err
	}))
	return bal
}

func (f *fixture) createMarket(t *testing.T, matchID string) domain.Market {
	t.Helper()
	m, err := f.engine.CreateMarket(context.Background(), market.CreateMarketParams{
		MatchID:   matchID,
		Question:  "Which team scores next?",
		Options:   []string{"A", "B"},
		StakeUnit: decimal.NewFromInt(5),
		Window:    5 * time.Minute,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMarket_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		options []string
		want    error
	}{
		{"single option", []string{"Yes"}, domain.ErrInvalidOptions},
		{"duplicate labels", []string{"Yes", " yes "}, domain.ErrInvalidOptions},
		{"empty label", []string{"Yes", "  "}, domain.ErrInvalidOptions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateMarket(ctx, market.CreateMarketParams{
				MatchID: "m", Question: "Goal?", Options: tc.options,
				StakeUnit: decimal.NewFromInt(1), Window: time.Minute,
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.engine.CreateMarket(ctx, market.CreateMarketParams{
		MatchID: "m", Question: "", Options: []string{"Yes", "No"},
		StakeUnit: decimal.Zero, Window: time.Minute,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidMarket)
	assert.True(t, domain.IsValidation(err))
}

func TestCreateMarket_ActiveCap(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.createMarket(t, "match-1")
	}
	_, err := f.engine.CreateMarket(context.Background(), market.CreateMarketParams{
		MatchID: "match-1", Question: "Corner?", Options: []string{"Yes", "No"},
		StakeUnit: decimal.NewFromInt(1), Window: time.Minute,
	})
	assert.ErrorIs(t, err, domain.ErrTooManyActiveMarkets)

	// Other matches are unaffected.
	f.createMarket(t, "match-2")
}

func TestPlaceBet_DebitsAndPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, "match-1")
	f.fund(t, "u1", 20)

	b, err := f.engine.PlaceBet(ctx, m.ID, "u1", "a", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "A", b.Option, "labels are canonicalised")
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(10)))

	view, err := f.engine.Market(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", view.Pools[0].TotalStaked)
	assert.Equal(t, 1, view.Pools[0].Participants)
	assert.Equal(t, "0", view.Pools[1].TotalStaked)
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, "match-1")
	f.fund(t, "u1", 20)
	f.fund(t, "poor", 5)

	_, err := f.engine.PlaceBet(ctx, m.ID, "u1", "C", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(7))
	assert.ErrorIs(t, err, domain.ErrInvalidStake)

	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidStake)

	_, err = f.engine.PlaceBet(ctx, m.ID, "poor", "A", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, f.balance(t, "poor").Equal(decimal.NewFromInt(5)), "rejected bet leaves balance untouched")

	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "B", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrBetLimitReached)

	_, err = f.engine.PlaceBet(ctx, "missing", "u1", "A", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.now = f.now.Add(6 * time.Minute)
	_, err = f.engine.PlaceBet(ctx, m.ID, "poor", "A", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrMarketNotActive)
}

func placeScenario(t *testing.T, f *fixture) domain.Market {
	t.Helper()
	ctx := context.Background()
	m := f.createMarket(t, "match-1")
	for _, u := range []string{"u1", "u2", "u3"} {
		f.fund(t, u, 100)
	}
	_, err := f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(10))
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	_, err = f.engine.PlaceBet(ctx, m.ID, "u2", "A", decimal.NewFromInt(5))
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	_, err = f.engine.PlaceBet(ctx, m.ID, "u3", "B", decimal.NewFromInt(15))
	require.NoError(t, err)
	return m
}

func TestSettleMarket_ProportionalPayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := placeScenario(t, f)

	res, err := f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
	require.NoError(t, err)

	assert.Equal(t, domain.MarketSettled, res.Status)
	require.NotNil(t, res.WinningOption)
	assert.Equal(t, "A", *res.WinningOption)
	assert.True(t, res.TotalPayout().Equal(decimal.NewFromInt(30)))

	payouts := map[string]string{}
	for _, b := range res.Bets {
		payouts[b.UserID] = b.Payout.String()
	}
	assert.Equal(t, map[string]string{"u1": "20", "u2": "10", "u3": "0"}, payouts)

	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(110)))
	assert.True(t, f.balance(t, "u2").Equal(decimal.NewFromInt(105)))
	assert.True(t, f.balance(t, "u3").Equal(decimal.NewFromInt(85)))

	s, err := f.engine.Settlement(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.BetCount)
	assert.True(t, s.LosingPool.Equal(decimal.NewFromInt(15)))
}

func TestSettleMarket_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := placeScenario(t, f)

	res, err := f.engine.SettleMarket(ctx, m.ID, domain.RefundOutcome("unresolvable"))
	require.NoError(t, err)

	assert.Equal(t, domain.MarketRefunded, res.Status)
	assert.Equal(t, "unresolvable", res.RefundReason)
	want := map[string]int64{"u1": 10, "u2": 5, "u3": 15}
	for _, b := range res.Bets {
		assert.Equal(t, domain.BetRefunded, b.Outcome)
		assert.True(t, b.Payout.Equal(decimal.NewFromInt(want[b.UserID])), b.UserID)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		assert.True(t, f.balance(t, u).Equal(decimal.NewFromInt(100)), u)
	}
}

func TestSettleMarket_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := placeScenario(t, f)

	_, err := f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
	require.NoError(t, err)

	_, err = f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("B"))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = f.engine.SettleMarket(ctx, m.ID, domain.RefundOutcome(""))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.True(t, domain.IsConflict(err))

	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(110)))
	assert.True(t, f.balance(t, "u3").Equal(decimal.NewFromInt(85)))
	assert.Len(t, f.bus.published[domain.ChannelSettlements], 1)
}

func TestSettleMarket_ConcurrentAttemptsCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := placeScenario(t, f)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		conflict int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				settled++
			} else if errors.Is(err, domain.ErrAlreadySettled) {
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, 9, conflict)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(110)))
}

func TestSettleMarket_RejectsUnknownOption(t *testing.T) {
	f := newFixture(t)
	m := placeScenario(t, f)

	_, err := f.engine.SettleMarket(context.Background(), m.ID, domain.WinningOption("C"))
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	view, err := f.engine.Market(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketActive, view.Status)
}

func TestSettleMarket_PublishesResult(t *testing.T) {
	f := newFixture(t)
	m := placeScenario(t, f)

	_, err := f.engine.SettleMarket(context.Background(), m.ID, domain.WinningOption("B"))
	require.NoError(t, err)

	require.Len(t, f.bus.published[domain.ChannelSettlements], 1)
	require.Len(t, f.bus.streams[market.SettlementStream], 1)

	var got domain.SettlementResult
	require.NoError(t, json.Unmarshal(f.bus.published[domain.ChannelSettlements][0], &got))
	assert.Equal(t, m.ID, got.MarketID)
	assert.Contains(t, f.cache.invalidated, "match-1")
}

// Bets racing a settlement are either included in it or rejected; none is
// left pending and value is conserved.
func TestPlaceBet_RacingSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, "match-1")

	const users = 20
	for i := 0; i < users; i++ {
		f.fund(t, fmt.Sprintf("u%d", i), 50)
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opt := "A"
			if i%2 == 1 {
				opt = "B"
			}
			_, err := f.engine.PlaceBet(ctx, m.ID, fmt.Sprintf("u%d", i), opt, decimal.NewFromInt(10))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrMarketNotActive)
			}
		}(i)
		if i == users/2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	total := decimal.Zero
	for i := 0; i < users; i++ {
		total = total.Add(f.balance(t, fmt.Sprintf("u%d", i)))
	}
	assert.True(t, total.Equal(decimal.NewFromInt(50*users)), "no value created or destroyed: %s", total)

	require.NoError(t, f.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		bets, err := tx.ListBets(ctx, m.ID)
		require.NoError(t, err)
		for _, b := range bets {
			assert.NotEqual(t, domain.BetPending, b.Outcome, "bet %s left pending", b.ID)
		}
		return nil
	}))
}

func TestPools_MatchStakes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := placeScenario(t, f)

	require.NoError(t, f.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		pools, err := tx.ListPools(ctx, m.ID)
		require.NoError(t, err)
		bets, err := tx.ListBets(ctx, m.ID)
		require.NoError(t, err)

		poolSum, stakeSum := decimal.Zero, decimal.Zero
		for _, p := range pools {
			poolSum = poolSum.Add(p.TotalStaked)
		}
		for _, b := range bets {
			stakeSum = stakeSum.Add(b.Stake)
		}
		assert.True(t, poolSum.Equal(stakeSum))
		return nil
	}))
}

func TestLiveState_CachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, "match-1")
	f.fund(t, "u1", 50)

	state, err := f.engine.LiveState(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, state.Markets, 1)
	assert.Equal(t, "0", state.Markets[0].Pools[0].TotalStaked)

	_, ok := f.cache.states["match-1"]
	assert.True(t, ok, "live state is cached after a miss")

	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(5))
	require.NoError(t, err)

	state, err = f.engine.LiveState(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, "5", state.Markets[0].Pools[0].TotalStaked)
}

func TestCredit_IdempotentOnRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.engine.Credit(ctx, "u1", decimal.NewFromInt(40), "grant-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.ReasonAdjustment, first.Reason)
	assert.True(t, first.Balance.Equal(decimal.NewFromInt(40)))

	again, created, err := f.engine.Credit(ctx, "u1", decimal.NewFromInt(40), "grant-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(40)), "replay must not credit twice")

	_, _, err = f.engine.Credit(ctx, "u1", decimal.NewFromInt(41), "grant-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	// A fresh deployment can fund a bettor end to end.
	m := f.createMarket(t, "match-1")
	_, err = f.engine.PlaceBet(ctx, m.ID, "u1", "A", decimal.NewFromInt(25))
	require.NoError(t, err)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(15)))
}

func TestCredit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		user   string
		amount decimal.Decimal
		ref    string
	}{
		{"no user", " ", decimal.NewFromInt(1), "r"},
		{"no ref", "u1", decimal.NewFromInt(1), ""},
		{"zero amount", "u1", decimal.Zero, "r"},
		{"negative amount", "u1", decimal.NewFromInt(-3), "r"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.engine.Credit(ctx, tc.user, tc.amount, tc.ref)
			assert.ErrorIs(t, err, domain.ErrInvalidCredit)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

var errInjected = errors.New("injected write failure")

// faultyLedger fails the nth AdjustBalance or SettleBet call issued through
// it. Calls are counted across transactions.
type faultyLedger struct {
	domain.Ledger
	op    string
	nth   int
	calls int
}

func (l *faultyLedger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return l.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, l: l})
	})
}

func (l *faultyLedger) hit(op string) bool {
	if op != l.op {
		return false
	}
	l.calls++
	return l.calls == l.nth
}

type faultyTx struct {
	domain.LedgerTx
	l *faultyLedger
}

func (t *faultyTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if t.l.hit("adjust") {
		return decimal.Zero, errInjected
	}
	return t.LedgerTx.AdjustBalance(ctx, userID, delta, reason, refID)
}

func (t *faultyTx) SettleBet(ctx context.Context, betID string, outcome domain.BetOutcome, payout decimal.Decimal, at time.Time) error {
	if t.l.hit("settle_bet") {
		return errInjected
	}
	return t.LedgerTx.SettleBet(ctx, betID, outcome, payout, at)
}

func TestSettleMarket_FailureRollsBackEverything(t *testing.T) {
	for _, op := range []string{"adjust", "settle_bet"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			m := placeScenario(t, f)

			faulty := &faultyLedger{Ledger: f.ledger, op: op, nth: 2}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			bus := newMemBus()
			engine := market.NewEngine(faulty, nil, bus, market.DefaultConfig(), logger).
				WithClock(func() time.Time { return f.now })

			before := map[string]decimal.Decimal{}
			for _, u := range []string{"u1", "u2", "u3"} {
				before[u] = f.balance(t, u)
			}

			_, err := engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
			require.ErrorIs(t, err, errInjected)
			assert.True(t, domain.IsRetryable(err))

			v, err := f.engine.Market(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.MarketActive, v.Status)
			assert.Nil(t, v.WinningOption)

			require.NoError(t, f.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
				bets, err := tx.ListBets(ctx, m.ID)
				require.NoError(t, err)
				require.Len(t, bets, 3)
				for _, b := range bets {
					assert.Equal(t, domain.BetPending, b.Outcome, "bet %s", b.ID)
				}
				_, err = tx.GetSettlement(ctx, m.ID)
				assert.ErrorIs(t, err, domain.ErrNotFound)
				return nil
			}))
			for u, bal := range before {
				assert.True(t, f.balance(t, u).Equal(bal), "balance of %s changed", u)
			}
			assert.Empty(t, bus.published, "nothing is published for a rolled back settlement")

			// The next attempt goes through.
			res, err := engine.SettleMarket(ctx, m.ID, domain.WinningOption("A"))
			require.NoError(t, err)
			assert.Equal(t, domain.MarketSettled, res.Status)
			assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(110)))
			assert.True(t, f.balance(t, "u2").Equal(decimal.NewFromInt(105)))
			assert.True(t, f.balance(t, "u3").Equal(decimal.NewFromInt(85)))
		})
	}
}
