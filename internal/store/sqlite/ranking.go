package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// RecordActivity adds to a user's activity counters for a day.
func (t *tx) RecordActivity(ctx context.Context, a domain.DailyActivity) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, day, comments, upvotes) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			comments = comments + excluded.comments,
			upvotes = upvotes + excluded.upvotes`,
		a.UserID, a.Date, a.Comments, a.Upvotes,
	); err != nil {
		return fmt.Errorf("sqlite: record activity: %w", err)
	}
	return nil
}

// ListDailyActivity returns every user's activity for date.
func (t *tx) ListDailyActivity(ctx context.Context, date string) ([]domain.DailyActivity, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, day, comments, upvotes FROM user_activity WHERE day = ? ORDER BY user_id`, date)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list activity %s: %w", date, err)
	}
	defer rows.Close()

	var out []domain.DailyActivity
	for rows.Next() {
		var a domain.DailyActivity
		if err := rows.Scan(&a.UserID, &a.Date, &a.Comments, &a.Upvotes); err != nil {
			return nil, fmt.Errorf("sqlite: scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReplaceDailyScores overwrites the leaderboard of date.
func (t *tx) ReplaceDailyScores(ctx context.Context, date string, scores []domain.DailyScore) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM daily_scores WHERE day = ?`, date); err != nil {
		return fmt.Errorf("sqlite: clear scores %s: %w", date, err)
	}
	for _, s := range scores {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO daily_scores (user_id, day, score, rank) VALUES (?, ?, ?, ?)`,
			s.UserID, date, s.Score, s.Rank,
		); err != nil {
			return fmt.Errorf("sqlite: insert score %s/%s: %w", s.UserID, date, err)
		}
	}
	return nil
}

// ListDailyScores returns the leaderboard of date ordered by rank.
func (t *tx) ListDailyScores(ctx context.Context, date string, limit int) ([]domain.DailyScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, day, score, rank FROM daily_scores WHERE day = ? ORDER BY rank LIMIT ?`,
		date, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list scores %s: %w", date, err)
	}
	defer rows.Close()

	var out []domain.DailyScore
	for rows.Next() {
		var s domain.DailyScore
		if err := rows.Scan(&s.UserID, &s.Date, &s.Score, &s.Rank); err != nil {
			return nil, fmt.Errorf("sqlite: scan score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const rewardCols = `id, day, rank, user_id, amount, status, tx_hash, attempts, last_error,
	created_at, updated_at`

func scanReward(row rowScanner) (domain.DailyReward, error) {
	var (
		r                domain.DailyReward
		status           string
		txHash           sql.NullString
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Date, &r.Rank, &r.UserID, &r.Amount, &status, &txHash,
		&r.Attempts, &r.LastError, &created, &updated); err != nil {
		return domain.DailyReward{}, err
	}
	r.Status = domain.RewardStatus(status)
	r.TxHash = strPtr(txHash)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func (t *tx) queryRewards(ctx context.Context, query string, args ...any) ([]domain.DailyReward, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyReward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDailyReward reads the reward of (date, rank).
func (t *tx) GetDailyReward(ctx context.Context, date string, rank int) (domain.DailyReward, error) {
	r, err := scanReward(t.tx.QueryRowContext(ctx,
		`SELECT `+rewardCols+` FROM daily_rewards WHERE day = ? AND rank = ?`, date, rank))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DailyReward{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DailyReward{}, fmt.Errorf("sqlite: get reward %s/%d: %w", date, rank, err)
	}
	return r, nil
}

// UpsertDailyReward writes the reward of (date, rank) unless it has already
// been distributed.
func (t *tx) UpsertDailyReward(ctx context.Context, r domain.DailyReward) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_rewards (`+rewardCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day, rank) DO UPDATE SET
			user_id = excluded.user_id,
			amount = excluded.amount,
			attempts = 0,
			last_error = '',
			updated_at = excluded.updated_at
		WHERE daily_rewards.status = 'pending'`,
		r.ID, r.Date, r.Rank, r.UserID, r.Amount.String(), string(r.Status), nullStr(r.TxHash),
		r.Attempts, r.LastError, toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: upsert reward %s/%d: %w", r.Date, r.Rank, err)
	}
	return nil
}

// DeletePendingRewards drops pending rewards of date ranked fromRank or lower.
func (t *tx) DeletePendingRewards(ctx context.Context, date string, fromRank int) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM daily_rewards WHERE day = ? AND rank >= ? AND status = 'pending'`, date, fromRank,
	); err != nil {
		return fmt.Errorf("sqlite: delete pending rewards %s: %w", date, err)
	}
	return nil
}

// ListDailyRewards returns the rewards of date by rank.
func (t *tx) ListDailyRewards(ctx context.Context, date string) ([]domain.DailyReward, error) {
	out, err := t.queryRewards(ctx,
		`SELECT `+rewardCols+` FROM daily_rewards WHERE day = ? ORDER BY rank`, date)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rewards %s: %w", date, err)
	}
	return out, nil
}

// ListPayableRewards returns rewards of finalized dates that are pending,
// or processing and due for a retry, oldest first.
func (t *tx) ListPayableRewards(ctx context.Context, before string, retryBefore time.Time, limit int) ([]domain.DailyReward, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := t.queryRewards(ctx, `
		SELECT `+rewardCols+` FROM daily_rewards
		WHERE day < ?
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < ?))
		ORDER BY day, rank LIMIT ?`, before, toMillis(retryBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list payable rewards: %w", err)
	}
	return out, nil
}

// StartRewardTransfer freezes a payable reward in processing.
func (t *tx) StartRewardTransfer(ctx context.Context, id string, retryBefore, at time.Time) (domain.DailyReward, error) {
	r, err := scanReward(t.tx.QueryRowContext(ctx, `
		UPDATE daily_rewards SET status = 'processing', updated_at = ?
		WHERE id = ?
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < ?))
		RETURNING `+rewardCols,
		toMillis(at), id, toMillis(retryBefore),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DailyReward{}, domain.ErrRewardNotPayable
	}
	if err != nil {
		return domain.DailyReward{}, fmt.Errorf("sqlite: start reward transfer %s: %w", id, err)
	}
	return r, nil
}

// MarkRewardDistributed moves the frozen reward r to distributed.
func (t *tx) MarkRewardDistributed(ctx context.Context, r domain.DailyReward, txHash string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE daily_rewards SET status = 'distributed', tx_hash = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND user_id = ? AND amount = ?`,
		txHash, toMillis(at), r.ID, r.UserID, r.Amount.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark reward distributed %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark reward distributed %s: %w", r.ID, err)
	}
	if n == 0 {
		return domain.ErrRewardNotPayable
	}
	return nil
}

// RecordRewardFailure bumps the attempt counter of an undistributed reward.
func (t *tx) RecordRewardFailure(ctx context.Context, id, reason string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE daily_rewards SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		reason, toMillis(at), id,
	); err != nil {
		return fmt.Errorf("sqlite: record reward failure %s: %w", id, err)
	}
	return nil
}
