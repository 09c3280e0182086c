package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// RecordActivity adds to a user's activity counters for a day.
func (t *tx) RecordActivity(ctx context.Context, a domain.DailyActivity) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO user_activity (user_id, day, comments, upvotes) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, day) DO UPDATE SET
			comments = user_activity.comments + EXCLUDED.comments,
			upvotes  = user_activity.upvotes + EXCLUDED.upvotes`,
		a.UserID, a.Date, a.Comments, a.Upvotes,
	); err != nil {
		return fmt.Errorf("postgres: record activity: %w", err)
	}
	return nil
}

// ListDailyActivity returns every user's activity for date.
func (t *tx) ListDailyActivity(ctx context.Context, date string) ([]domain.DailyActivity, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, day, comments, upvotes FROM user_activity WHERE day = $1 ORDER BY user_id`, date)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activity %s: %w", date, err)
	}
	defer rows.Close()

	var out []domain.DailyActivity
	for rows.Next() {
		var a domain.DailyActivity
		if err := rows.Scan(&a.UserID, &a.Date, &a.Comments, &a.Upvotes); err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReplaceDailyScores overwrites the leaderboard of date.
func (t *tx) ReplaceDailyScores(ctx context.Context, date string, scores []domain.DailyScore) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM daily_scores WHERE day = $1`, date); err != nil {
		return fmt.Errorf("postgres: clear scores %s: %w", date, err)
	}
	if len(scores) == 0 {
		return nil
	}

	rows := make([][]any, len(scores))
	for i, s := range scores {
		rows[i] = []any{s.UserID, date, s.Score, s.Rank}
	}
	if _, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"daily_scores"},
		[]string{"user_id", "day", "score", "rank"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("postgres: copy scores %s: %w", date, err)
	}
	return nil
}

// ListDailyScores returns the leaderboard of date ordered by rank.
func (t *tx) ListDailyScores(ctx context.Context, date string, limit int) ([]domain.DailyScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, day, score, rank FROM daily_scores WHERE day = $1 ORDER BY rank LIMIT $2`,
		date, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scores %s: %w", date, err)
	}
	defer rows.Close()

	var out []domain.DailyScore
	for rows.Next() {
		var s domain.DailyScore
		if err := rows.Scan(&s.UserID, &s.Date, &s.Score, &s.Rank); err != nil {
			return nil, fmt.Errorf("postgres: scan score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const rewardCols = `id, day, rank, user_id, amount, status, tx_hash, attempts, last_error,
	created_at, updated_at`

func scanReward(row pgx.Row) (domain.DailyReward, error) {
	var (
		r      domain.DailyReward
		status string
	)
	if err := row.Scan(&r.ID, &r.Date, &r.Rank, &r.UserID, &r.Amount, &status, &r.TxHash,
		&r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.DailyReward{}, err
	}
	r.Status = domain.RewardStatus(status)
	return r, nil
}

func (t *tx) queryRewards(ctx context.Context, query string, args ...any) ([]domain.DailyReward, error) {
	rows, err := t.tx.Query(ctx, query, args...)
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
	r, err := scanReward(t.tx.QueryRow(ctx,
		`SELECT `+rewardCols+` FROM daily_rewards WHERE day = $1 AND rank = $2`, date, rank))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DailyReward{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DailyReward{}, fmt.Errorf("postgres: get reward %s/%d: %w", date, rank, err)
	}
	return r, nil
}

// UpsertDailyReward writes the reward of (date, rank) unless it has already
// been distributed.
func (t *tx) UpsertDailyReward(ctx context.Context, r domain.DailyReward) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO daily_rewards (`+rewardCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (day, rank) DO UPDATE SET
			user_id    = EXCLUDED.user_id,
			amount     = EXCLUDED.amount,
			attempts   = 0,
			last_error = '',
			updated_at = EXCLUDED.updated_at
		WHERE daily_rewards.status = 'pending'`,
		r.ID, r.Date, r.Rank, r.UserID, r.Amount, string(r.Status), r.TxHash,
		r.Attempts, r.LastError, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert reward %s/%d: %w", r.Date, r.Rank, err)
	}
	return nil
}

// DeletePendingRewards drops pending rewards of date ranked fromRank or lower.
func (t *tx) DeletePendingRewards(ctx context.Context, date string, fromRank int) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM daily_rewards WHERE day = $1 AND rank >= $2 AND status = 'pending'`, date, fromRank,
	); err != nil {
		return fmt.Errorf("postgres: delete pending rewards %s: %w", date, err)
	}
	return nil
}

// ListDailyRewards returns the rewards of date by rank.
func (t *tx) ListDailyRewards(ctx context.Context, date string) ([]domain.DailyReward, error) {
	out, err := t.queryRewards(ctx,
		`SELECT `+rewardCols+` FROM daily_rewards WHERE day = $1 ORDER BY rank`, date)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rewards %s: %w", date, err)
	}
	return out, nil
}

// ListPayableRewards returns rewards of finalized dates that are pending,
// or processing and due for a retry, oldest first. Rows already locked by
// another disbursement worker are skipped.
func (t *tx) ListPayableRewards(ctx context.Context, before string, retryBefore time.Time, limit int) ([]domain.DailyReward, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := t.queryRewards(ctx, `
		SELECT `+rewardCols+` FROM daily_rewards
		WHERE day < $1
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < $2))
		ORDER BY day, rank LIMIT $3 FOR UPDATE SKIP LOCKED`, before, retryBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payable rewards: %w", err)
	}
	return out, nil
}

// StartRewardTransfer freezes a payable reward in processing.
func (t *tx) StartRewardTransfer(ctx context.Context, id string, retryBefore, at time.Time) (domain.DailyReward, error) {
	r, err := scanReward(t.tx.QueryRow(ctx, `
		UPDATE daily_rewards SET status = 'processing', updated_at = $3
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < $2))
		RETURNING `+rewardCols,
		id, retryBefore, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DailyReward{}, domain.ErrRewardNotPayable
	}
	if err != nil {
		return domain.DailyReward{}, fmt.Errorf("postgres: start reward transfer %s: %w", id, err)
	}
	return r, nil
}

// MarkRewardDistributed moves the frozen reward r to distributed.
func (t *tx) MarkRewardDistributed(ctx context.Context, r domain.DailyReward, txHash string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE daily_rewards SET status = 'distributed', tx_hash = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing' AND user_id = $2 AND amount = $3`,
		r.ID, r.UserID, r.Amount, txHash, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark reward distributed %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRewardNotPayable
	}
	return nil
}

// RecordRewardFailure bumps the attempt counter of an undistributed reward.
func (t *tx) RecordRewardFailure(ctx context.Context, id, reason string, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE daily_rewards SET attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, reason, at,
	); err != nil {
		return fmt.Errorf("postgres: record reward failure %s: %w", id, err)
	}
	return nil
}
