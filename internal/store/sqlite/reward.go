package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// InsertMilestone publishes a new milestone.
func (t *tx) InsertMilestone(ctx context.Context, m domain.Milestone) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO milestones (id, type, threshold, reward_amount, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Type), m.Threshold, m.RewardAmount.String(), boolInt(m.Active), toMillis(m.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: insert milestone: %w", err)
	}
	return nil
}

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var (
		m       domain.Milestone
		mtype   string
		active  int
		created int64
	)
	if err := row.Scan(&m.ID, &mtype, &m.Threshold, &m.RewardAmount, &active, &created); err != nil {
		return domain.Milestone{}, err
	}
	m.Type = domain.MilestoneType(mtype)
	m.Active = active == 1
	m.CreatedAt = fromMillis(created)
	return m, nil
}

// GetMilestone reads one milestone.
func (t *tx) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	m, err := scanMilestone(t.tx.QueryRowContext(ctx,
		`SELECT id, type, threshold, reward_amount, active, created_at FROM milestones WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Milestone{}, domain.ErrMilestoneNotFound
	}
	if err != nil {
		return domain.Milestone{}, fmt.Errorf("sqlite: get milestone %s: %w", id, err)
	}
	return m, nil
}

// ListMilestones returns the catalogue ordered by type and threshold.
func (t *tx) ListMilestones(ctx context.Context, activeOnly bool) ([]domain.Milestone, error) {
	query := `SELECT id, type, threshold, reward_amount, active, created_at FROM milestones`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY type, threshold`

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list milestones: %w", err)
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetUserStats returns the user's metrics; unknown users have zero stats.
func (t *tx) GetUserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	s := domain.UserStats{UserID: userID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT level, total_comments, total_upvotes, streak FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&s.Level, &s.TotalComments, &s.TotalUpvotes, &s.Streak)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("sqlite: get user stats %s: %w", userID, err)
	}
	return s, nil
}

// UpsertUserStats writes the user's metrics.
func (t *tx) UpsertUserStats(ctx context.Context, s domain.UserStats) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, level, total_comments, total_upvotes, streak, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			level = excluded.level,
			total_comments = excluded.total_comments,
			total_upvotes = excluded.total_upvotes,
			streak = excluded.streak,
			updated_at = excluded.updated_at`,
		s.UserID, s.Level, s.TotalComments, s.TotalUpvotes, s.Streak, toMillis(t.now()),
	); err != nil {
		return fmt.Errorf("sqlite: upsert user stats %s: %w", s.UserID, err)
	}
	return nil
}

// LinkWallet associates a wallet with a user. Addresses are stored lower-case.
func (t *tx) LinkWallet(ctx context.Context, userID, address string, primary bool) error {
	addr := strings.ToLower(address)
	if primary {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE user_wallets SET is_primary = 0 WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("sqlite: clear primary wallet: %w", err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, address, is_primary, linked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, address) DO UPDATE SET is_primary = excluded.is_primary`,
		userID, addr, boolInt(primary), toMillis(t.now()),
	); err != nil {
		return fmt.Errorf("sqlite: link wallet: %w", err)
	}
	return nil
}

// WalletLinked reports whether address belongs to the user.
func (t *tx) WalletLinked(ctx context.Context, userID, address string) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_wallets WHERE user_id = ? AND address = ?)`,
		userID, strings.ToLower(address),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: wallet linked: %w", err)
	}
	return exists == 1, nil
}

// PrimaryWallet returns the user's primary wallet, falling back to the most
// recently linked one.
func (t *tx) PrimaryWallet(ctx context.Context, userID string) (string, error) {
	var addr string
	err := t.tx.QueryRowContext(ctx, `
		SELECT address FROM user_wallets WHERE user_id = ?
		ORDER BY is_primary DESC, linked_at DESC LIMIT 1`, userID,
	).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrWalletNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: primary wallet %s: %w", userID, err)
	}
	return addr, nil
}

const claimCols = `id, user_id, milestone_id, wallet_address, amount, signature, signed_at,
	tx_hash, status, attempts, last_error, created_at, updated_at`

func scanClaim(row rowScanner) (domain.Claim, error) {
	var (
		c                        domain.Claim
		status                   string
		txHash                   sql.NullString
		signed, created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.MilestoneID, &c.WalletAddress, &c.Amount, &c.Signature,
		&signed, &txHash, &status, &c.Attempts, &c.LastError, &created, &updated); err != nil {
		return domain.Claim{}, err
	}
	c.SignedAt = fromMillis(signed)
	c.TxHash = strPtr(txHash)
	c.Status = domain.ClaimStatus(status)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// InsertClaim stores a claim; the (user_id, milestone_id) unique index turns
// a concurrent duplicate into ErrAlreadyClaimed.
func (t *tx) InsertClaim(ctx context.Context, c domain.Claim) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO reward_claims (`+claimCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.MilestoneID, c.WalletAddress, c.Amount.String(), c.Signature,
		toMillis(c.SignedAt), nullStr(c.TxHash), string(c.Status), c.Attempts, c.LastError,
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyClaimed
		}
		return fmt.Errorf("sqlite: insert claim: %w", err)
	}
	return nil
}

// HasClaim reports whether the user already claimed milestoneID.
func (t *tx) HasClaim(ctx context.Context, userID, milestoneID string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reward_claims WHERE user_id = ? AND milestone_id = ?`,
		userID, milestoneID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: has claim %s/%s: %w", userID, milestoneID, err)
	}
	return n > 0, nil
}

// GetClaim reads one claim.
func (t *tx) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	c, err := scanClaim(t.tx.QueryRowContext(ctx,
		`SELECT `+claimCols+` FROM reward_claims WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Claim{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Claim{}, fmt.Errorf("sqlite: get claim %s: %w", id, err)
	}
	return c, nil
}

func (t *tx) queryClaims(ctx context.Context, query string, args ...any) ([]domain.Claim, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListClaims returns every claim of a user.
func (t *tx) ListClaims(ctx context.Context, userID string) ([]domain.Claim, error) {
	out, err := t.queryClaims(ctx,
		`SELECT `+claimCols+` FROM reward_claims WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list claims %s: %w", userID, err)
	}
	return out, nil
}

// ListClaimsByStatus returns claims in a status, least recently touched first.
func (t *tx) ListClaimsByStatus(ctx context.Context, status domain.ClaimStatus, limit int) ([]domain.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := t.queryClaims(ctx,
		`SELECT `+claimCols+` FROM reward_claims WHERE status = ? ORDER BY updated_at, id LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list claims by status: %w", err)
	}
	return out, nil
}

// MarkClaimDistributed moves a signed claim to distributed.
func (t *tx) MarkClaimDistributed(ctx context.Context, id, txHash string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reward_claims SET status = 'distributed', tx_hash = ?, updated_at = ?
		WHERE id = ? AND status = 'signed'`,
		txHash, toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark claim distributed %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark claim distributed %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrClaimNotSignable
	}
	return nil
}

// RecordClaimFailure bumps the attempt counter and stores the error.
func (t *tx) RecordClaimFailure(ctx context.Context, id, reason string, status domain.ClaimStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reward_claims SET attempts = attempts + 1, last_error = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = 'signed'`,
		reason, string(status), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record claim failure %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: record claim failure %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrClaimNotSignable
	}
	return nil
}
