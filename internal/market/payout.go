package market

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// RefundNoWinningStake is the refund reason used when nobody backed the
// winning option.
const RefundNoWinningStake = "no_winning_stake"

// plan is the computed outcome of a settlement before it is written.
type plan struct {
	status       domain.MarketStatus
	winning      *string
	refundReason string
	totalPool    decimal.Decimal
	winningPool  decimal.Decimal
	losingPool   decimal.Decimal
	residue      decimal.Decimal
	results      []domain.BetResult
}

// computePlan splits the pool between the bets. Winners get their stake back
// plus a share of the losing pool proportional to their stake, truncated to
// scale decimal places; the truncation residue goes to the largest winning
// stake (earliest placement, then bet id, breaks ties) so the payouts always
// sum to the stakes.
func computePlan(bets []domain.Bet, outcome domain.Outcome, scale int32) plan {
	p := plan{
		totalPool:   decimal.Zero,
		winningPool: decimal.Zero,
		losingPool:  decimal.Zero,
		residue:     decimal.Zero,
	}
	for _, b := range bets {
		p.totalPool = p.totalPool.Add(b.Stake)
		if !outcome.IsRefund() && b.Option == outcome.Option() {
			p.winningPool = p.winningPool.Add(b.Stake)
		}
	}

	if outcome.IsRefund() || p.winningPool.IsZero() {
		p.status = domain.MarketRefunded
		p.refundReason = outcome.Reason()
		if !outcome.IsRefund() {
			p.refundReason = RefundNoWinningStake
		}
		p.winningPool = decimal.Zero
		p.results = make([]domain.BetResult, len(bets))
		for i, b := range bets {
			p.results[i] = result(b, domain.BetRefunded, b.Stake)
		}
		return p
	}

	label := outcome.Option()
	p.status = domain.MarketSettled
	p.winning = &label
	p.losingPool = p.totalPool.Sub(p.winningPool)

	p.results = make([]domain.BetResult, len(bets))
	distributed := decimal.Zero
	var winners []int
	for i, b := range bets {
		if b.Option != label {
			p.results[i] = result(b, domain.BetLost, decimal.Zero)
			continue
		}
		share, _ := p.losingPool.Mul(b.Stake).QuoRem(p.winningPool, scale)
		distributed = distributed.Add(share)
		p.results[i] = result(b, domain.BetWon, b.Stake.Add(share))
		winners = append(winners, i)
	}

	p.residue = p.losingPool.Sub(distributed)
	if p.residue.IsPositive() {
		sort.SliceStable(winners, func(x, y int) bool {
			a, b := bets[winners[x]], bets[winners[y]]
			if c := a.Stake.Cmp(b.Stake); c != 0 {
				return c > 0
			}
			if !a.PlacedAt.Equal(b.PlacedAt) {
				return a.PlacedAt.Before(b.PlacedAt)
			}
			return a.ID < b.ID
		})
		top := winners[0]
		p.results[top].Payout = p.results[top].Payout.Add(p.residue)
	}
	return p
}

func result(b domain.Bet, outcome domain.BetOutcome, payout decimal.Decimal) domain.BetResult {
	return domain.BetResult{
		BetID:   b.ID,
		UserID:  b.UserID,
		Option:  b.Option,
		Stake:   b.Stake,
		Payout:  payout,
		Outcome: outcome,
	}
}
