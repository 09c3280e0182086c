package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a prediction market. Once a
// market leaves MarketActive its status never changes again.
type MarketStatus string

const (
	MarketActive   MarketStatus = "active"
	MarketSettled  MarketStatus = "settled"
	MarketRefunded MarketStatus = "refunded"
)

// MarketContext is the validated snapshot of match state captured when a
// market is created. The resolver reads it; nothing else interprets it.
type MarketContext struct {
	Minute   int               `json:"minute"`
	HomeTeam string            `json:"home_team,omitempty"`
	AwayTeam string            `json:"away_team,omitempty"`
	Score    string            `json:"score,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Validate rejects malformed context payloads before they reach the engine.
func (c MarketContext) Validate() error {
	if c.Minute < 0 || c.Minute > 200 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidMarket, c.Minute)
	}
	for k := range c.Extra {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty context key", ErrInvalidMarket)
		}
	}
	return nil
}

// Market is one micro-prediction question tied to a live match.
type Market struct {
	ID            string
	MatchID       string
	Question      string
	Options       []string
	StakeUnit     decimal.Decimal
	Status        MarketStatus
	WinningOption *string
	Context       MarketContext
	ExpiresAt     time.Time
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// AcceptsBets reports whether the market is open for new stakes at now.
func (m Market) AcceptsBets(now time.Time) bool {
	return m.Status == MarketActive && !now.After(m.ExpiresAt)
}

// BetOutcome is the write-once settlement outcome of a single bet.
type BetOutcome string

const (
	BetPending  BetOutcome = "pending"
	BetWon      BetOutcome = "won"
	BetLost     BetOutcome = "lost"
	BetRefunded BetOutcome = "refunded"
)

// Bet is a single stake on one option of a market.
type Bet struct {
	ID        string
	MarketID  string
	UserID    string
	Option    string
	Stake     decimal.Decimal
	Outcome   BetOutcome
	Payout    *decimal.Decimal
	PlacedAt  time.Time
	SettledAt *time.Time
}

// Pool is the aggregate stake on one option of a market.
type Pool struct {
	MarketID     string
	Option       string
	TotalStaked  decimal.Decimal
	Participants int
}

// Outcome is the decision a settlement applies: either a winning option or a
// refund of every stake.
type Outcome struct {
	option string
	refund bool
	reason string
}

// WinningOption returns an Outcome naming the winning label.
func WinningOption(label string) Outcome {
	return Outcome{option: label}
}

// RefundOutcome returns an Outcome that refunds every bet.
func RefundOutcome(reason string) Outcome {
	if reason == "" {
		reason = "manual"
	}
	return Outcome{refund: true, reason: reason}
}

// IsRefund reports whether the outcome refunds every stake.
func (o Outcome) IsRefund() bool { return o.refund }

// Option returns the winning label; empty for refunds.
func (o Outcome) Option() string { return o.option }

// Reason returns the refund reason; empty for winning outcomes.
func (o Outcome) Reason() string { return o.reason }

func (o Outcome) String() string {
	if o.refund {
		return "refund(" + o.reason + ")"
	}
	return o.option
}

// BetResult is the per-bet line of a settlement.
type BetResult struct {
	BetID   string          `json:"bet_id"`
	UserID  string          `json:"user_id"`
	Option  string          `json:"option"`
	Stake   decimal.Decimal `json:"stake"`
	Payout  decimal.Decimal `json:"payout"`
	Outcome BetOutcome      `json:"outcome"`
}

// SettlementResult is emitted to display and notification layers after a
// settlement commits.
type SettlementResult struct {
	MarketID      string          `json:"market_id"`
	MatchID       string          `json:"match_id"`
	Status        MarketStatus    `json:"status"`
	WinningOption *string         `json:"winning_option,omitempty"`
	RefundReason  string          `json:"refund_reason,omitempty"`
	TotalPool     decimal.Decimal `json:"total_pool"`
	WinningPool   decimal.Decimal `json:"winning_pool"`
	LosingPool    decimal.Decimal `json:"losing_pool"`
	Residue       decimal.Decimal `json:"residue"`
	Bets          []BetResult     `json:"bets"`
	SettledAt     time.Time       `json:"settled_at"`
}

// TotalPayout sums the payouts of every bet in the result.
func (r SettlementResult) TotalPayout() decimal.Decimal {
	total := decimal.Zero
	for _, b := range r.Bets {
		total = total.Add(b.Payout)
	}
	return total
}

// Settlement is the persisted pool snapshot a settlement was computed from.
type Settlement struct {
	MarketID      string
	Status        MarketStatus
	WinningOption *string
	RefundReason  string
	TotalPool     decimal.Decimal
	WinningPool   decimal.Decimal
	LosingPool    decimal.Decimal
	Residue       decimal.Decimal
	BetCount      int
	SettledAt     time.Time
}

// LiveState is the read model served to clients polling a match.
type LiveState struct {
	MatchID   string       `json:"match_id"`
	Markets   []MarketView `json:"markets"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// MarketView is a market together with its pools.
type MarketView struct {
	ID            string       `json:"id"`
	Question      string       `json:"question"`
	Options       []string     `json:"options"`
	StakeUnit     string       `json:"stake_unit"`
	Status        MarketStatus `json:"status"`
	WinningOption *string      `json:"winning_option,omitempty"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Pools         []PoolView   `json:"pools"`
}

// PoolView is the JSON form of a Pool.
type PoolView struct {
	Option       string `json:"option"`
	TotalStaked  string `json:"total_staked"`
	Participants int    `json:"participants"`
}
