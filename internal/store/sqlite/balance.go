package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// Balance returns the user's spendable balance; unknown users have zero.
func (t *tx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: balance %s: %w", userID, err)
	}
	return bal, nil
}

// AdjustBalance applies delta inside the transaction and journals it.
func (t *tx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	current, err := t.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return current, domain.ErrInsufficientBalance
	}

	now := toMillis(t.now())
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		userID, next.String(), now,
	); err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: adjust balance %s: %w", userID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO balance_entries (user_id, delta, balance, reason, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, delta.String(), next.String(), reason, refID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return decimal.Zero, fmt.Errorf("sqlite: journal balance %s %s/%s: %w", userID, reason, refID, domain.ErrAlreadyExists)
		}
		return decimal.Zero, fmt.Errorf("sqlite: journal balance %s: %w", userID, err)
	}
	return next, nil
}

// ListBalanceEntries returns the user's journal, newest first.
func (t *tx) ListBalanceEntries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, delta, balance, reason, ref_id, created_at
		FROM balance_entries WHERE user_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`,
		userID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list balance entries: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceEntry
	for rows.Next() {
		var e domain.BalanceEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Balance, &e.Reason, &e.RefID, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan balance entry: %w", err)
		}
		e.CreatedAt = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// BalanceEntryByRef returns the journal row of (user, reason, ref).
func (t *tx) BalanceEntryByRef(ctx context.Context, userID, reason, refID string) (domain.BalanceEntry, error) {
	var (
		e  domain.BalanceEntry
		at int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, delta, balance, reason, ref_id, created_at
		FROM balance_entries WHERE user_id = ? AND reason = ? AND ref_id = ?`,
		userID, reason, refID,
	).Scan(&e.ID, &e.UserID, &e.Delta, &e.Balance, &e.Reason, &e.RefID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BalanceEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BalanceEntry{}, fmt.Errorf("sqlite: balance entry %s %s/%s: %w", userID, reason, refID, err)
	}
	e.CreatedAt = fromMillis(at)
	return e, nil
}
