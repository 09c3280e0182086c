// Package market owns the prediction-market lifecycle: creation, bet
// placement, settlement and the live-state read model.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
	"github.com/alanyoungcy/fanpulse/internal/metrics"
)

// SettlementStream is the durable stream settlement results are appended to.
const SettlementStream = "stream:settlements"

// Config holds the engine's policy knobs.
type Config struct {
	MaxActivePerMatch int
	BetCapPerUser     int
	MaxWindow         time.Duration
	LiveStateTTL      time.Duration
	PayoutScale       int32
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxActivePerMatch: 3,
		BetCapPerUser:     1,
		MaxWindow:         2 * time.Hour,
		LiveStateTTL:      3 * time.Second,
		PayoutScale:       8,
	}
}

// CreateMarketParams describes a new market.
type CreateMarketParams struct {
	MatchID   string
	Question  string
	Options   []string
	StakeUnit decimal.Decimal
	Window    time.Duration
	Context   domain.MarketContext
}

// Engine implements the market operations on top of a domain.Ledger.
type Engine struct {
	ledger  domain.Ledger
	cache   domain.LiveStateCache
	bus     domain.SignalBus
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine. The cache and bus are optional.
func NewEngine(ledger domain.Ledger, cache domain.LiveStateCache, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxActivePerMatch <= 0 {
		cfg.MaxActivePerMatch = def.MaxActivePerMatch
	}
	if cfg.BetCapPerUser <= 0 {
		cfg.BetCapPerUser = def.BetCapPerUser
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.LiveStateTTL <= 0 {
		cfg.LiveStateTTL = def.LiveStateTTL
	}
	if cfg.PayoutScale <= 0 {
		cfg.PayoutScale = def.PayoutScale
	}
	return &Engine{
		ledger: ledger,
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "market")),
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

// CreateMarket validates p and stores a new active market. The active-market
// count and the insert share one transaction.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (domain.Market, error) {
	options, err := normalizeOptions(p.Options)
	if err != nil {
		return domain.Market{}, err
	}
	question := strings.TrimSpace(p.Question)
	matchID := strings.TrimSpace(p.MatchID)
	var problems []error
	if matchID == "" {
		problems = append(problems, fmt.Errorf("%w: match id is required", domain.ErrInvalidMarket))
	}
	if question == "" {
		problems = append(problems, fmt.Errorf("%w: question is required", domain.ErrInvalidMarket))
	}
	if !p.StakeUnit.IsPositive() {
		problems = append(problems, fmt.Errorf("%w: stake unit must be positive", domain.ErrInvalidMarket))
	}
	if p.Window <= 0 || p.Window > e.cfg.MaxWindow {
		problems = append(problems, fmt.Errorf("%w: window must be in (0, %s]", domain.ErrInvalidMarket, e.cfg.MaxWindow))
	}
	if err := p.Context.Validate(); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return domain.Market{}, errors.Join(problems...)
	}

	now := e.now()
	m := domain.Market{
		ID:        uuid.NewString(),
		MatchID:   matchID,
		Question:  question,
		Options:   options,
		StakeUnit: p.StakeUnit,
		Status:    domain.MarketActive,
		Context:   p.Context,
		ExpiresAt: now.Add(p.Window),
		CreatedAt: now,
	}

	err = e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		n, err := tx.CountActiveMarkets(ctx, matchID)
		if err != nil {
			return err
		}
		if n >= e.cfg.MaxActivePerMatch {
			return domain.ErrTooManyActiveMarkets
		}
		return tx.InsertMarket(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: create: %w", err)
	}

	e.invalidate(ctx, matchID)
	e.logger.Info("market created",
		slog.String("market_id", m.ID),
		slog.String("match_id", matchID),
		slog.Int("options", len(options)),
	)
	return m, nil
}

// PlaceBet debits the user's balance, inserts the bet and increments the
// option's pool in one transaction. Every check runs against the locked
// market row.
func (e *Engine) PlaceBet(ctx context.Context, marketID, userID, option string, stake decimal.Decimal) (domain.Bet, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Bet{}, fmt.Errorf("market: place bet: %w", domain.ErrUnauthorized)
	}
	if !stake.IsPositive() {
		e.metrics.BetPlaced("rejected")
		return domain.Bet{}, fmt.Errorf("market: place bet: %w: stake must be positive", domain.ErrInvalidStake)
	}

	var (
		bet     domain.Bet
		matchID string
	)
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		now := e.now()
		if !m.AcceptsBets(now) {
			return domain.ErrMarketNotActive
		}
		label, ok := canonicalOption(m, option)
		if !ok {
			return domain.ErrInvalidOption
		}
		if !stake.Mod(m.StakeUnit).IsZero() {
			return fmt.Errorf("%w: stake must be a multiple of %s", domain.ErrInvalidStake, m.StakeUnit)
		}

		open, err := tx.CountOpenBets(ctx, m.ID, userID)
		if err != nil {
			return err
		}
		if open >= e.cfg.BetCapPerUser {
			return domain.ErrBetLimitReached
		}

		bet = domain.Bet{
			ID:       uuid.NewString(),
			MarketID: m.ID,
			UserID:   userID,
			Option:   label,
			Stake:    stake,
			Outcome:  domain.BetPending,
			PlacedAt: now,
		}
		if _, err := tx.AdjustBalance(ctx, userID, stake.Neg(), domain.ReasonBetStake, bet.ID); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}
		matchID = m.MatchID
		return tx.AddToPool(ctx, m.ID, label, stake)
	})
	if err != nil {
		e.metrics.BetPlaced("rejected")
		return domain.Bet{}, fmt.Errorf("market: place bet: %w", err)
	}

	e.metrics.BetPlaced("ok")
	e.invalidate(ctx, matchID)
	return bet, nil
}

// SettleMarket applies outcome to every bet of the market, credits payouts
// and flips the market to its terminal status in one transaction. A market
// that already left the active state yields ErrAlreadySettled and nothing is
// written.
func (e *Engine) SettleMarket(ctx context.Context, marketID string, outcome domain.Outcome) (domain.SettlementResult, error) {
	if !outcome.IsRefund() && strings.TrimSpace(outcome.Option()) == "" {
		return domain.SettlementResult{}, fmt.Errorf("market: settle: %w", domain.ErrInvalidOption)
	}

	start := time.Now()
	var res domain.SettlementResult
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketActive {
			return domain.ErrAlreadySettled
		}
		if !outcome.IsRefund() {
			label, ok := canonicalOption(m, outcome.Option())
			if !ok {
				return domain.ErrInvalidOption
			}
			outcome = domain.WinningOption(label)
		}

		bets, err := tx.ListBets(ctx, m.ID)
		if err != nil {
			return err
		}
		p := computePlan(bets, outcome, e.cfg.PayoutScale)
		at := e.now()

		reason := domain.ReasonBetPayout
		if p.status == domain.MarketRefunded {
			reason = domain.ReasonBetRefund
		}
		for _, r := range p.results {
			if err := tx.SettleBet(ctx, r.BetID, r.Outcome, r.Payout, at); err != nil {
				return err
			}
			if r.Payout.IsPositive() {
				if _, err := tx.AdjustBalance(ctx, r.UserID, r.Payout, reason, r.BetID); err != nil {
					return err
				}
			}
		}

		if err := tx.FinalizeMarket(ctx, m.ID, p.status, p.winning, at); err != nil {
			return err
		}
		if err := tx.InsertSettlement(ctx, domain.Settlement{
			MarketID:      m.ID,
			Status:        p.status,
			WinningOption: p.winning,
			RefundReason:  p.refundReason,
			TotalPool:     p.totalPool,
			WinningPool:   p.winningPool,
			LosingPool:    p.losingPool,
			Residue:       p.residue,
			BetCount:      len(bets),
			SettledAt:     at,
		}); err != nil {
			return err
		}

		res = domain.SettlementResult{
			MarketID:      m.ID,
			MatchID:       m.MatchID,
			Status:        p.status,
			WinningOption: p.winning,
			RefundReason:  p.refundReason,
			TotalPool:     p.totalPool,
			WinningPool:   p.winningPool,
			LosingPool:    p.losingPool,
			Residue:       p.residue,
			Bets:          p.results,
			SettledAt:     at,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			e.metrics.Settlement("duplicate", 0)
		} else if !domain.IsValidation(err) {
			e.metrics.Settlement("error", 0)
		}
		return domain.SettlementResult{}, fmt.Errorf("market: settle %s: %w", marketID, err)
	}

	e.metrics.Settlement(string(res.Status), time.Since(start))
	e.logger.Info("market settled",
		slog.String("market_id", res.MarketID),
		slog.String("status", string(res.Status)),
		slog.String("outcome", outcome.String()),
		slog.Int("bets", len(res.Bets)),
		slog.String("total_pool", res.TotalPool.String()),
		slog.String("residue", res.Residue.String()),
	)
	e.invalidate(ctx, res.MatchID)
	e.publish(ctx, res)
	return res, nil
}

// Market returns one market with its pools.
func (e *Engine) Market(ctx context.Context, marketID string) (domain.MarketView, error) {
	var view domain.MarketView
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		pools, err := tx.ListPools(ctx, m.ID)
		if err != nil {
			return err
		}
		view = toView(m, pools)
		return nil
	})
	if err != nil {
		return domain.MarketView{}, fmt.Errorf("market: get %s: %w", marketID, err)
	}
	return view, nil
}

// Balance returns the user's spendable balance and a page of its journal.
func (e *Engine) Balance(ctx context.Context, userID string, opts domain.ListOpts) (decimal.Decimal, []domain.BalanceEntry, error) {
	var (
		bal     decimal.Decimal
		entries []domain.BalanceEntry
	)
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		if bal, err = tx.Balance(ctx, userID); err != nil {
			return err
		}
		entries, err = tx.ListBalanceEntries(ctx, userID, opts)
		return err
	})
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("market: balance %s: %w", userID, err)
	}
	return bal, entries, nil
}

// Credit adds amount to the user's balance as an adjustment keyed by ref.
// Repeating a ref replays the original entry and reports created=false; a
// repeat with a different amount fails with ErrAlreadyExists.
func (e *Engine) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (entry domain.BalanceEntry, created bool, err error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return domain.BalanceEntry{}, false, fmt.Errorf("market: credit: %w: user is required", domain.ErrInvalidCredit)
	case strings.TrimSpace(ref) == "":
		return domain.BalanceEntry{}, false, fmt.Errorf("market: credit: %w: ref is required", domain.ErrInvalidCredit)
	case !amount.IsPositive():
		return domain.BalanceEntry{}, false, fmt.Errorf("market: credit: %w: amount must be positive", domain.ErrInvalidCredit)
	}

	lookup := func(tx domain.LedgerTx) error {
		var err error
		entry, err = tx.BalanceEntryByRef(ctx, userID, domain.ReasonAdjustment, ref)
		return err
	}
	err = e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		err := lookup(tx)
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, userID, amount, domain.ReasonAdjustment, ref); err != nil {
			return err
		}
		created = true
		return lookup(tx)
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A concurrent credit with the same ref committed first.
		created = false
		err = e.ledger.InTx(ctx, lookup)
	}
	if err != nil {
		return domain.BalanceEntry{}, false, fmt.Errorf("market: credit %s: %w", userID, err)
	}
	if !entry.Delta.Equal(amount) {
		return domain.BalanceEntry{}, false, fmt.Errorf("market: credit %s: %w: ref %q was credited %s",
			userID, domain.ErrAlreadyExists, ref, entry.Delta)
	}
	if created {
		e.logger.Info("balance credited",
			slog.String("user_id", userID),
			slog.String("amount", amount.String()),
			slog.String("ref", ref),
		)
	}
	return entry, created, nil
}

// Settlement returns the persisted settlement snapshot of a market.
func (e *Engine) Settlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	var s domain.Settlement
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		s, err = tx.GetSettlement(ctx, marketID)
		return err
	})
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market: settlement %s: %w", marketID, err)
	}
	return s, nil
}

// LiveState returns the markets and pools of a match, served from the
// live-state cache when fresh.
func (e *Engine) LiveState(ctx context.Context, matchID string) (domain.LiveState, error) {
	if e.cache != nil {
		state, err := e.cache.GetLiveState(ctx, matchID)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("live state cache read failed",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		}
	}

	state := domain.LiveState{MatchID: matchID, Markets: []domain.MarketView{}}
	err := e.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		markets, err := tx.ListMarketsByMatch(ctx, matchID)
		if err != nil {
			return err
		}
		for _, m := range markets {
			pools, err := tx.ListPools(ctx, m.ID)
			if err != nil {
				return err
			}
			state.Markets = append(state.Markets, toView(m, pools))
		}
		return nil
	})
	if err != nil {
		return domain.LiveState{}, fmt.Errorf("market: live state %s: %w", matchID, err)
	}
	state.FetchedAt = e.now()

	if e.cache != nil {
		if err := e.cache.SetLiveState(ctx, state, e.cfg.LiveStateTTL); err != nil {
			e.logger.Warn("live state cache write failed",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		}
	}
	return state, nil
}

func (e *Engine) invalidate(ctx context.Context, matchID string) {
	if e.cache == nil || matchID == "" {
		return
	}
	if err := e.cache.InvalidateLiveState(ctx, matchID); err != nil {
		e.logger.Warn("live state invalidate failed",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, res domain.SettlementResult) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("marshal settlement result", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelSettlements, payload); err != nil {
		e.logger.Warn("publish settlement failed",
			slog.String("market_id", res.MarketID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, SettlementStream, payload); err != nil {
		e.logger.Warn("append settlement stream failed",
			slog.String("market_id", res.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// normalizeOptions trims labels and rejects empty or case-insensitively
// duplicated ones.
func normalizeOptions(in []string) ([]string, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("%w: at least two options are required", domain.ErrInvalidOptions)
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		label := strings.TrimSpace(raw)
		if label == "" {
			return nil, fmt.Errorf("%w: empty option label", domain.ErrInvalidOptions)
		}
		key := strings.ToLower(label)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate option %q", domain.ErrInvalidOptions, label)
		}
		seen[key] = struct{}{}
		out = append(out, label)
	}
	return out, nil
}

// canonicalOption maps a caller-supplied label onto the market's stored
// label, ignoring case and surrounding space.
func canonicalOption(m domain.Market, label string) (string, bool) {
	label = strings.TrimSpace(label)
	for _, o := range m.Options {
		if strings.EqualFold(o, label) {
			return o, true
		}
	}
	return "", false
}

func toView(m domain.Market, pools []domain.Pool) domain.MarketView {
	v := domain.MarketView{
		ID:            m.ID,
		Question:      m.Question,
		Options:       m.Options,
		StakeUnit:     m.StakeUnit.String(),
		Status:        m.Status,
		WinningOption: m.WinningOption,
		ExpiresAt:     m.ExpiresAt,
		Pools:         make([]domain.PoolView, 0, len(pools)),
	}
	for _, p := range pools {
		v.Pools = append(v.Pools, domain.PoolView{
			Option:       p.Option,
			TotalStaked:  p.TotalStaked.String(),
			Participants: p.Participants,
		})
	}
	return v
}
