package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// Balance returns the user's spendable balance; unknown users have zero.
func (t *tx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: balance %s: %w", userID, err)
	}
	return bal, nil
}

// AdjustBalance applies delta with a single guarded UPDATE so the balance can
// never go below zero, then journals the movement.
func (t *tx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`, userID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: ensure balance %s: %w", userID, err)
	}

	var next decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		UPDATE balances SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance`,
		userID, delta,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: adjust balance %s: %w", userID, err)
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balance_entries (user_id, delta, balance, reason, ref_id)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, delta, next, reason, refID,
	); err != nil {
		if isUniqueViolation(err) {
			return decimal.Zero, fmt.Errorf("postgres: journal balance %s %s/%s: %w", userID, reason, refID, domain.ErrAlreadyExists)
		}
		return decimal.Zero, fmt.Errorf("postgres: journal balance %s: %w", userID, err)
	}
	return next, nil
}

// ListBalanceEntries returns the user's journal, newest first.
func (t *tx) ListBalanceEntries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, user_id, delta, balance, reason, ref_id, created_at
		FROM balance_entries WHERE user_id = $1
		ORDER BY id DESC LIMIT $2 OFFSET $3`,
		userID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balance entries: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceEntry
	for rows.Next() {
		var e domain.BalanceEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Balance, &e.Reason, &e.RefID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan balance entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BalanceEntryByRef returns the journal row of (user, reason, ref).
func (t *tx) BalanceEntryByRef(ctx context.Context, userID, reason, refID string) (domain.BalanceEntry, error) {
	var e domain.BalanceEntry
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, delta, balance, reason, ref_id, created_at
		FROM balance_entries WHERE user_id = $1 AND reason = $2 AND ref_id = $3`,
		userID, reason, refID,
	).Scan(&e.ID, &e.UserID, &e.Delta, &e.Balance, &e.Reason, &e.RefID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BalanceEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BalanceEntry{}, fmt.Errorf("postgres: balance entry %s %s/%s: %w", userID, reason, refID, err)
	}
	return e, nil
}
