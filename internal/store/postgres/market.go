package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

const marketCols = `id, match_id, question, options, stake_unit, status,
	winning_option, context, expires_at, created_at, settled_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m      domain.Market
		status string
		mctx   []byte
	)
	if err := row.Scan(&m.ID, &m.MatchID, &m.Question, &m.Options, &m.StakeUnit, &status,
		&m.WinningOption, &mctx, &m.ExpiresAt, &m.CreatedAt, &m.SettledAt); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal(mctx, &m.Context); err != nil {
		return domain.Market{}, fmt.Errorf("decode context: %w", err)
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

func (t *tx) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := t.tx.Query(ctx, query, args...)
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
	mctx, err := json.Marshal(m.Context)
	if err != nil {
		return fmt.Errorf("postgres: encode context: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO markets (`+marketCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.MatchID, m.Question, m.Options, m.StakeUnit, string(m.Status),
		m.WinningOption, mctx, m.ExpiresAt, m.CreatedAt, m.SettledAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}

	batch := &pgx.Batch{}
	for i, opt := range m.Options {
		batch.Queue(`INSERT INTO pools (market_id, option, position) VALUES ($1, $2, $3)`, m.ID, opt, i)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range m.Options {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: seed pools %s: %w", m.ID, err)
		}
	}
	return nil
}

// GetMarket reads a market by id.
func (t *tx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// LockMarket reads a market and holds its row lock until the transaction ends.
func (t *tx) LockMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: lock market %s: %w", id, err)
	}
	return m, nil
}

// CountActiveMarkets counts the match's active markets. It takes a
// transaction-scoped advisory lock on the match so concurrent creators
// serialise on the count.
func (t *tx) CountActiveMarkets(ctx context.Context, matchID string) (int, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "match:"+matchID); err != nil {
		return 0, fmt.Errorf("postgres: lock match %s: %w", matchID, err)
	}
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM markets WHERE match_id = $1 AND status = 'active'`, matchID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active markets %s: %w", matchID, err)
	}
	return n, nil
}

// ListMarketsByMatch returns every market of a match, newest first.
func (t *tx) ListMarketsByMatch(ctx context.Context, matchID string) ([]domain.Market, error) {
	out, err := t.queryMarkets(ctx,
		`SELECT `+marketCols+` FROM markets WHERE match_id = $1 ORDER BY created_at DESC, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by match %s: %w", matchID, err)
	}
	return out, nil
}

// ListDueMarkets returns active markets whose expiry has passed, least
// recently attempted first.
func (t *tx) ListDueMarkets(ctx context.Context, matchID string, now time.Time, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = 'active' AND expires_at <= $1`
	args := []any{now}
	if matchID != "" {
		query += ` AND match_id = $2`
		args = append(args, matchID)
	}
	query += fmt.Sprintf(` ORDER BY COALESCE(last_attempt_at, expires_at), expires_at, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	out, err := t.queryMarkets(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets: %w", err)
	}
	return out, nil
}

// MarkSettleAttempt stamps the active markets of matchID with a failed attempt.
func (t *tx) MarkSettleAttempt(ctx context.Context, matchID string, at time.Time) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE markets SET last_attempt_at = $2 WHERE match_id = $1 AND status = 'active'`, matchID, at,
	); err != nil {
		return fmt.Errorf("postgres: mark settle attempt %s: %w", matchID, err)
	}
	return nil
}

// FinalizeMarket flips an active market to a terminal status.
func (t *tx) FinalizeMarket(ctx context.Context, id string, status domain.MarketStatus, winning *string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE markets SET status = $2, winning_option = $3, settled_at = $4
		WHERE id = $1 AND status = 'active'`,
		id, string(status), winning, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: finalize market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadySettled
	}
	return nil
}

// InsertBet stores a new pending bet.
func (t *tx) InsertBet(ctx context.Context, b domain.Bet) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO bets (id, market_id, user_id, option, stake, outcome, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.MarketID, b.UserID, b.Option, b.Stake, string(b.Outcome), b.PlacedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert bet %s: %w", b.ID, err)
	}
	return nil
}

// CountOpenBets counts the user's pending bets on a market.
func (t *tx) CountOpenBets(ctx context.Context, marketID, userID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM bets WHERE market_id = $1 AND user_id = $2 AND outcome = 'pending'`,
		marketID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open bets: %w", err)
	}
	return n, nil
}

// ListBets returns every bet of a market in placement order.
func (t *tx) ListBets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, market_id, user_id, option, stake, outcome, payout, placed_at, settled_at
		FROM bets WHERE market_id = $1 ORDER BY placed_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		var (
			b       domain.Bet
			outcome string
			payout  decimal.NullDecimal
		)
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &b.Option, &b.Stake, &outcome,
			&payout, &b.PlacedAt, &b.SettledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		b.Outcome = domain.BetOutcome(outcome)
		if payout.Valid {
			p := payout.Decimal
			b.Payout = &p
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SettleBet writes a pending bet's outcome and payout exactly once.
func (t *tx) SettleBet(ctx context.Context, betID string, outcome domain.BetOutcome, payout decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bets SET outcome = $2, payout = $3, settled_at = $4
		WHERE id = $1 AND outcome = 'pending'`,
		betID, string(outcome), payout, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle bet %s: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settle bet %s: %w", betID, domain.ErrAlreadySettled)
	}
	return nil
}

// AddToPool increments an option pool and recounts its participants.
func (t *tx) AddToPool(ctx context.Context, marketID, option string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE pools SET
			total_staked = total_staked + $3,
			participants = (SELECT COUNT(DISTINCT user_id) FROM bets WHERE market_id = $1 AND option = $2)
		WHERE market_id = $1 AND option = $2`,
		marketID, option, amount,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pool %s/%s: %w", marketID, option, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: pool %s/%s: %w", marketID, option, domain.ErrNotFound)
	}
	return nil
}

// ListPools returns the market's pools in option order.
func (t *tx) ListPools(ctx context.Context, marketID string) ([]domain.Pool, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT market_id, option, total_staked, participants
		FROM pools WHERE market_id = $1 ORDER BY position`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		var p domain.Pool
		if err := rows.Scan(&p.MarketID, &p.Option, &p.TotalStaked, &p.Participants); err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertSettlement records the pool snapshot a settlement used.
func (t *tx) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO settlements (market_id, status, winning_option, refund_reason, total_pool,
			winning_pool, losing_pool, residue, bet_count, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.MarketID, string(s.Status), s.WinningOption, s.RefundReason, s.TotalPool,
		s.WinningPool, s.LosingPool, s.Residue, s.BetCount, s.SettledAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadySettled
		}
		return fmt.Errorf("postgres: insert settlement %s: %w", s.MarketID, err)
	}
	return nil
}

// GetSettlement reads the settlement snapshot of a market.
func (t *tx) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	var (
		s      domain.Settlement
		status string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT market_id, status, winning_option, refund_reason, total_pool, winning_pool,
			losing_pool, residue, bet_count, settled_at
		FROM settlements WHERE market_id = $1`, marketID,
	).Scan(&s.MarketID, &status, &s.WinningOption, &s.RefundReason, &s.TotalPool, &s.WinningPool,
		&s.LosingPool, &s.Residue, &s.BetCount, &s.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settlement{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, err)
	}
	s.Status = domain.MarketStatus(status)
	return s, nil
}
