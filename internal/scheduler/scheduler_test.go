package scheduler_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/market"
	"github.com/alanyoungcy/fanpulse/internal/resolver"
	"github.com/alanyoungcy/fanpulse/internal/scheduler"
	"github.com/alanyoungcy/fanpulse/internal/store/sqlite"
)

type fakeFeed struct {
	mu      sync.Mutex
	events  map[string][]domain.MatchEvent
	err     error
	failing map[string]bool
	calls   atomic.Int32
}

func (f *fakeFeed) Events(_ context.Context, matchID string) ([]domain.MatchEvent, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.failing[matchID] {
		return nil, fmt.Errorf("feed %s: %w", matchID, domain.ErrUnavailable)
	}
	return f.events[matchID], nil
}

var created = time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *sqlite.Ledger
	engine *market.Engine
	feed   *fakeFeed
	sched  *scheduler.Scheduler
	now    atomic.Pointer[time.Time]
}

func newFixture(t *testing.T, cfg scheduler.Config) *fixture {
	t.Helper()
	l, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	f := &fixture{ledger: l, feed: &fakeFeed{events: map[string][]domain.MatchEvent{}}}
	f.setNow(created)
	clock := func() time.Time { return *f.now.Load() }

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = market.NewEngine(l, nil, nil, market.DefaultConfig(), logger).WithClock(clock)
	f.sched = scheduler.New(l, f.feed, resolver.New(resolver.Config{}), f.engine, cfg, logger).WithClock(clock)
	return f
}

func (f *fixture) setNow(t time.Time) { f.now.Store(&t) }

func fastConfig() scheduler.Config {
	return scheduler.Config{
		Interval:    10 * time.Millisecond,
		Grace:       time.Second,
		Workers:     2,
		QueueSize:   8,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
}

func (f *fixture) goalMarket(t *testing.T, matchID string) domain.Market {
	t.Helper()
	ctx := context.Background()
	m, err := f.engine.CreateMarket(ctx, market.CreateMarketParams{
		MatchID: matchID, Question: "Will there be a goal?", Options: []string{"Yes", "No"},
		StakeUnit: decimal.NewFromInt(5), Window: 5 * time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, f.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		for _, u := range []string{"yes-user", "no-user"} {
			if _, err := tx.AdjustBalance(ctx, u+matchID, decimal.NewFromInt(50), domain.ReasonAdjustment, ""); err != nil {
				return err
			}
		}
		return nil
	}))
	_, err = f.engine.PlaceBet(ctx, m.ID, "yes-user"+matchID, "Yes", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, m.ID, "no-user"+matchID, "No", decimal.NewFromInt(10))
	require.NoError(t, err)
	return m
}

func (f *fixture) market(t *testing.T, id string) domain.MarketView {
	t.Helper()
	v, err := f.engine.Market(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestSettleDue_ResolvesFromFeed(t *testing.T) {
	f := newFixture(t, fastConfig())
	m := f.goalMarket(t, "match-1")
	f.feed.events["match-1"] = []domain.MatchEvent{{Type: "goal", Team: "Barcelona", Timestamp: created.Add(time.Minute)}}

	// Not yet past expiry plus grace.
	f.setNow(created.Add(5 * time.Minute))
	n, err := f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.setNow(created.Add(6 * time.Minute))
	n, err = f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v := f.market(t, m.ID)
	assert.Equal(t, domain.MarketSettled, v.Status)
	require.NotNil(t, v.WinningOption)
	assert.Equal(t, "Yes", *v.WinningOption)
}

func TestSettleDue_EmptyFeedRefunds(t *testing.T) {
	f := newFixture(t, fastConfig())
	m := f.goalMarket(t, "match-1")

	f.setNow(created.Add(10 * time.Minute))
	n, err := f.sched.SettleDue(context.Background(), "match-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.MarketRefunded, f.market(t, m.ID).Status)
}

func TestSettleDue_FeedFailureKeepsMarketActive(t *testing.T) {
	f := newFixture(t, fastConfig())
	m := f.goalMarket(t, "match-1")
	f.feed.err = domain.ErrUnavailable

	f.setNow(created.Add(10 * time.Minute))
	n, err := f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(3), f.feed.calls.Load(), "one attempt plus two retries")
	assert.Equal(t, domain.MarketActive, f.market(t, m.ID).Status)

	select {
	case te := <-f.sched.Errors():
		assert.Equal(t, "events", te.Stage)
		assert.ErrorIs(t, te, domain.ErrUnavailable)
	default:
		t.Fatal("expected a task error")
	}
}

func TestSettleDue_FailingMatchDoesNotStarveBacklog(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchSize = 2
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	f.feed.failing = map[string]bool{"stuck": true}

	stuckA := f.goalMarket(t, "stuck")
	f.setNow(created.Add(time.Second))
	stuckB := f.goalMarket(t, "stuck")
	f.setNow(created.Add(2 * time.Second))
	fresh := f.goalMarket(t, "fresh")

	f.setNow(created.Add(10 * time.Minute))
	n, err := f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the first batch is the failing match")

	f.setNow(created.Add(11 * time.Minute))
	n, err = f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.MarketRefunded, f.market(t, fresh.ID).Status)

	for _, id := range []string{stuckA.ID, stuckB.ID} {
		assert.Equal(t, domain.MarketActive, f.market(t, id).Status)
	}

	// Once the feed recovers the deferred markets settle.
	f.feed.mu.Lock()
	delete(f.feed.failing, "stuck")
	f.feed.mu.Unlock()
	n, err = f.sched.SettleDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSettleDue_ConcurrentPassesSettleOnce(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.goalMarket(t, "match-1")
	f.goalMarket(t, "match-2")
	f.setNow(created.Add(10 * time.Minute))

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.sched.SettleDue(context.Background(), "")
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), total.Load())
	assert.Empty(t, f.sched.Errors())
}

func TestTrigger_FullQueueDrops(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg)

	assert.True(t, f.sched.Trigger("match-1"))
	assert.False(t, f.sched.Trigger("match-1"))
}

func TestRun_TriggerSettlesInBackground(t *testing.T) {
	cfg := fastConfig()
	cfg.Interval = time.Hour
	f := newFixture(t, cfg)
	m := f.goalMarket(t, "match-1")
	f.setNow(created.Add(10 * time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	assert.True(t, f.sched.Trigger("match-1"))
	assert.Eventually(t, func() bool {
		return f.market(t, m.ID).Status != domain.MarketActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
