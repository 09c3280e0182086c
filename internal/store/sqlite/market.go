package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

const marketCols = `id, match_id, question, options, stake_unit, status,
	winning_option, context, expires_at, created_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                domain.Market
		options, mctx    string
		status           string
		winning          sql.NullString
		expires, created int64
		settled          sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.MatchID, &m.Question, &options, &m.StakeUnit, &status,
		&winning, &mctx, &expires, &created, &settled); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal([]byte(options), &m.Options); err != nil {
		return domain.Market{}, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal([]byte(mctx), &m.Context); err != nil {
		return domain.Market{}, fmt.Errorf("decode context: %w", err)
	}
	m.Status = domain.MarketStatus(status)
	m.WinningOption = strPtr(winning)
	m.ExpiresAt = fromMillis(expires)
	m.CreatedAt = fromMillis(created)
	m.SettledAt = timePtr(settled)
	return m, nil
}

func (t *tx) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMarket stores a new market and seeds an empty pool per option.
func (t *tx) InsertMarket(ctx context.Context, m domain.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("sqlite: encode options: %w", err)
	}
	mctx, err := json.Marshal(m.Context)
	if err != nil {
		return fmt.Errorf("sqlite: encode context: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO markets (`+marketCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MatchID, m.Question, string(options), m.StakeUnit.String(), string(m.Status),
		nullStr(m.WinningOption), string(mctx), toMillis(m.ExpiresAt), toMillis(m.CreatedAt),
		nullMillis(m.SettledAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: insert market %s: %w", m.ID, err)
	}

	for _, opt := range m.Options {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO pools (market_id, option, total_staked, participants) VALUES (?, ?, '0', 0)`,
			m.ID, opt,
		); err != nil {
			return fmt.Errorf("sqlite: seed pool %s/%s: %w", m.ID, opt, err)
		}
	}
	return nil
}

// GetMarket reads a market by id.
func (t *tx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

// LockMarket is GetMarket: the single connection already serialises every
// transaction.
func (t *tx) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	return t.GetMarket(ctx, id)
}

// CountActiveMarkets counts the match's markets still in the active state.
func (t *tx) CountActiveMarkets(ctx context.Context, matchID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM markets WHERE match_id = ? AND status = 'active'`, matchID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count active markets %s: %w", matchID, err)
	}
	return n, nil
}

// ListMarketsByMatch returns every market of a match, newest first.
func (t *tx) ListMarketsByMatch(ctx context.Context, matchID string) ([]domain.Market, error) {
	out, err := t.queryMarkets(ctx,
		`SELECT `+marketCols+` FROM markets WHERE match_id = ? ORDER BY created_at DESC, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets by match %s: %w", matchID, err)
	}
	return out, nil
}

// ListDueMarkets returns active markets whose expiry has passed, least
// recently attempted first.
func (t *tx) ListDueMarkets(ctx context.Context, matchID string, now time.Time, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = 'active' AND expires_at <= ?`
	args := []any{toMillis(now)}
	if matchID != "" {
		query += ` AND match_id = ?`
		args = append(args, matchID)
	}
	query += ` ORDER BY COALESCE(last_attempt_at, expires_at), expires_at, id LIMIT ?`
	args = append(args, limit)

	out, err := t.queryMarkets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due markets: %w", err)
	}
	return out, nil
}

// MarkSettleAttempt stamps the active markets of matchID with a failed attempt.
func (t *tx) MarkSettleAttempt(ctx context.Context, matchID string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE markets SET last_attempt_at = ? WHERE match_id = ? AND status = 'active'`, toMillis(at), matchID,
	); err != nil {
		return fmt.Errorf("sqlite: mark settle attempt %s: %w", matchID, err)
	}
	return nil
}

// FinalizeMarket flips an active market to a terminal status.
func (t *tx) FinalizeMarket(ctx context.Context, id string, status domain.MarketStatus, winning *string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE markets SET status = ?, winning_option = ?, settled_at = ?
		WHERE id = ? AND status = 'active'`,
		string(status), nullStr(winning), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finalize market %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: finalize market %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrAlreadySettled
	}
	return nil
}

// InsertBet stores a new pending bet.
func (t *tx) InsertBet(ctx context.Context, b domain.Bet) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO bets (id, market_id, user_id, option, stake, outcome, payout, placed_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		b.ID, b.MarketID, b.UserID, b.Option, b.Stake.String(), string(b.Outcome), toMillis(b.PlacedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: insert bet %s: %w", b.ID, err)
	}
	return nil
}

// CountOpenBets counts the user's pending bets on a market.
func (t *tx) CountOpenBets(ctx context.Context, marketID, userID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bets WHERE market_id = ? AND user_id = ? AND outcome = 'pending'`,
		marketID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count open bets: %w", err)
	}
	return n, nil
}

// ListBets returns every bet of a market in placement order.
func (t *tx) ListBets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, market_id, user_id, option, stake, outcome, payout, placed_at, settled_at
		FROM bets WHERE market_id = ? ORDER BY placed_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		var (
			b       domain.Bet
			outcome string
			payout  decimal.NullDecimal
			placed  int64
			settled sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &b.Option, &b.Stake, &outcome,
			&payout, &placed, &settled); err != nil {
			return nil, fmt.Errorf("sqlite: scan bet: %w", err)
		}
		b.Outcome = domain.BetOutcome(outcome)
		if payout.Valid {
			p := payout.Decimal
			b.Payout = &p
		}
		b.PlacedAt = fromMillis(placed)
		b.SettledAt = timePtr(settled)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SettleBet writes a pending bet's outcome and payout exactly once.
func (t *tx) SettleBet(ctx context.Context, betID string, outcome domain.BetOutcome, payout decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bets SET outcome = ?, payout = ?, settled_at = ?
		WHERE id = ? AND outcome = 'pending'`,
		string(outcome), payout.String(), toMillis(at), betID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: settle bet %s: %w", betID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: settle bet %s: %w", betID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: settle bet %s: %w", betID, domain.ErrAlreadySettled)
	}
	return nil
}

// AddToPool increments an option pool and recounts its participants.
func (t *tx) AddToPool(ctx context.Context, marketID, option string, amount decimal.Decimal) error {
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT total_staked FROM pools WHERE market_id = ? AND option = ?`, marketID, option,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: pool %s/%s: %w", marketID, option, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read pool %s/%s: %w", marketID, option, err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE pools SET
			total_staked = ?,
			participants = (SELECT COUNT(DISTINCT user_id) FROM bets WHERE market_id = ? AND option = ?)
		WHERE market_id = ? AND option = ?`,
		total.Add(amount).String(), marketID, option, marketID, option,
	); err != nil {
		return fmt.Errorf("sqlite: update pool %s/%s: %w", marketID, option, err)
	}
	return nil
}

// ListPools returns the market's pools in option order of creation.
func (t *tx) ListPools(ctx context.Context, marketID string) ([]domain.Pool, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT market_id, option, total_staked, participants
		FROM pools WHERE market_id = ? ORDER BY rowid`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pools %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		var p domain.Pool
		if err := rows.Scan(&p.MarketID, &p.Option, &p.TotalStaked, &p.Participants); err != nil {
			return nil, fmt.Errorf("sqlite: scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertSettlement records the pool snapshot a settlement used.
func (t *tx) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO settlements (market_id, status, winning_option, refund_reason, total_pool,
			winning_pool, losing_pool, residue, bet_count, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.MarketID, string(s.Status), nullStr(s.WinningOption), s.RefundReason,
		s.TotalPool.String(), s.WinningPool.String(), s.LosingPool.String(), s.Residue.String(),
		s.BetCount, toMillis(s.SettledAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadySettled
		}
		return fmt.Errorf("sqlite: insert settlement %s: %w", s.MarketID, err)
	}
	return nil
}

// GetSettlement reads the settlement snapshot of a market.
func (t *tx) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	var (
		s       domain.Settlement
		status  string
		winning sql.NullString
		at      int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT market_id, status, winning_option, refund_reason, total_pool, winning_pool,
			losing_pool, residue, bet_count, settled_at
		FROM settlements WHERE market_id = ?`, marketID,
	).Scan(&s.MarketID, &status, &winning, &s.RefundReason, &s.TotalPool, &s.WinningPool,
		&s.LosingPool, &s.Residue, &s.BetCount, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settlement{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("sqlite: get settlement %s: %w", marketID, err)
	}
	s.Status = domain.MarketStatus(status)
	s.WinningOption = strPtr(winning)
	s.SettledAt = fromMillis(at)
	return s, nil
}
