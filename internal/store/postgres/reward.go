package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// InsertMilestone publishes a new milestone.
func (t *tx) InsertMilestone(ctx context.Context, m domain.Milestone) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO milestones (id, type, threshold, reward_amount, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, string(m.Type), m.Threshold, m.RewardAmount, m.Active, m.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert milestone: %w", err)
	}
	return nil
}

func scanMilestone(row pgx.Row) (domain.Milestone, error) {
	var (
		m     domain.Milestone
		mtype string
	)
	if err := row.Scan(&m.ID, &mtype, &m.Threshold, &m.RewardAmount, &m.Active, &m.CreatedAt); err != nil {
		return domain.Milestone{}, err
	}
	m.Type = domain.MilestoneType(mtype)
	return m, nil
}

// GetMilestone reads one milestone.
func (t *tx) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	m, err := scanMilestone(t.tx.QueryRow(ctx,
		`SELECT id, type, threshold, reward_amount, active, created_at FROM milestones WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Milestone{}, domain.ErrMilestoneNotFound
	}
	if err != nil {
		return domain.Milestone{}, fmt.Errorf("postgres: get milestone %s: %w", id, err)
	}
	return m, nil
}

// ListMilestones returns the catalogue ordered by type and threshold.
func (t *tx) ListMilestones(ctx context.Context, activeOnly bool) ([]domain.Milestone, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, type, threshold, reward_amount, active, created_at FROM milestones
		WHERE active OR NOT $1
		ORDER BY type, threshold`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("postgres: list milestones: %w", err)
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetUserStats returns the user's metrics; unknown users have zero stats.
func (t *tx) GetUserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	s := domain.UserStats{UserID: userID}
	err := t.tx.QueryRow(ctx, `
		SELECT level, total_comments, total_upvotes, streak FROM user_stats WHERE user_id = $1`, userID,
	).Scan(&s.Level, &s.TotalComments, &s.TotalUpvotes, &s.Streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("postgres: get user stats %s: %w", userID, err)
	}
	return s, nil
}

// UpsertUserStats writes the user's metrics.
func (t *tx) UpsertUserStats(ctx context.Context, s domain.UserStats) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO user_stats (user_id, level, total_comments, total_upvotes, streak, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			level          = EXCLUDED.level,
			total_comments = EXCLUDED.total_comments,
			total_upvotes  = EXCLUDED.total_upvotes,
			streak         = EXCLUDED.streak,
			updated_at     = NOW()`,
		s.UserID, s.Level, s.TotalComments, s.TotalUpvotes, s.Streak,
	); err != nil {
		return fmt.Errorf("postgres: upsert user stats %s: %w", s.UserID, err)
	}
	return nil
}

// LinkWallet associates a wallet with a user. Addresses are stored lower-case.
func (t *tx) LinkWallet(ctx context.Context, userID, address string, primary bool) error {
	if primary {
		if _, err := t.tx.Exec(ctx,
			`UPDATE user_wallets SET is_primary = FALSE WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("postgres: clear primary wallet: %w", err)
		}
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO user_wallets (user_id, address, is_primary) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, address) DO UPDATE SET is_primary = EXCLUDED.is_primary`,
		userID, strings.ToLower(address), primary,
	); err != nil {
		return fmt.Errorf("postgres: link wallet: %w", err)
	}
	return nil
}

// WalletLinked reports whether address belongs to the user.
func (t *tx) WalletLinked(ctx context.Context, userID, address string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_wallets WHERE user_id = $1 AND address = $2)`,
		userID, strings.ToLower(address),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: wallet linked: %w", err)
	}
	return exists, nil
}

// PrimaryWallet returns the user's primary wallet, falling back to the most
// recently linked one.
func (t *tx) PrimaryWallet(ctx context.Context, userID string) (string, error) {
	var addr string
	err := t.tx.QueryRow(ctx, `
		SELECT address FROM user_wallets WHERE user_id = $1
		ORDER BY is_primary DESC, linked_at DESC LIMIT 1`, userID,
	).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrWalletNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("postgres: primary wallet %s: %w", userID, err)
	}
	return addr, nil
}

const claimCols = `id, user_id, milestone_id, wallet_address, amount, signature, signed_at,
	tx_hash, status, attempts, last_error, created_at, updated_at`

func scanClaim(row pgx.Row) (domain.Claim, error) {
	var (
		c      domain.Claim
		status string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.MilestoneID, &c.WalletAddress, &c.Amount, &c.Signature,
		&c.SignedAt, &c.TxHash, &status, &c.Attempts, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Claim{}, err
	}
	c.Status = domain.ClaimStatus(status)
	return c, nil
}

// InsertClaim stores a claim; the (user_id, milestone_id) unique constraint
// turns a concurrent duplicate into ErrAlreadyClaimed.
func (t *tx) InsertClaim(ctx context.Context, c domain.Claim) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO reward_claims (`+claimCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.UserID, c.MilestoneID, c.WalletAddress, c.Amount, c.Signature, c.SignedAt,
		c.TxHash, string(c.Status), c.Attempts, c.LastError, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyClaimed
		}
		return fmt.Errorf("postgres: insert claim: %w", err)
	}
	return nil
}

// HasClaim reports whether the user already claimed milestoneID.
func (t *tx) HasClaim(ctx context.Context, userID, milestoneID string) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reward_claims WHERE user_id = $1 AND milestone_id = $2)`,
		userID, milestoneID,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: has claim %s/%s: %w", userID, milestoneID, err)
	}
	return ok, nil
}

// GetClaim reads one claim and locks its row for the rest of the transaction.
func (t *tx) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	c, err := scanClaim(t.tx.QueryRow(ctx,
		`SELECT `+claimCols+` FROM reward_claims WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Claim{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: get claim %s: %w", id, err)
	}
	return c, nil
}

func (t *tx) queryClaims(ctx context.Context, query string, args ...any) ([]domain.Claim, error) {
	rows, err := t.tx.Query(ctx, query, args...)
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
		`SELECT `+claimCols+` FROM reward_claims WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims %s: %w", userID, err)
	}
	return out, nil
}

// ListClaimsByStatus returns claims in a status, least recently touched first.
func (t *tx) ListClaimsByStatus(ctx context.Context, status domain.ClaimStatus, limit int) ([]domain.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := t.queryClaims(ctx,
		`SELECT `+claimCols+` FROM reward_claims WHERE status = $1 ORDER BY updated_at, id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims by status: %w", err)
	}
	return out, nil
}

// MarkClaimDistributed moves a signed claim to distributed.
func (t *tx) MarkClaimDistributed(ctx context.Context, id, txHash string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reward_claims SET status = 'distributed', tx_hash = $2, updated_at = $3
		WHERE id = $1 AND status = 'signed'`,
		id, txHash, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark claim distributed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimNotSignable
	}
	return nil
}

// RecordClaimFailure bumps the attempt counter and stores the error.
func (t *tx) RecordClaimFailure(ctx context.Context, id, reason string, status domain.ClaimStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reward_claims SET attempts = attempts + 1, last_error = $2, status = $3, updated_at = $4
		WHERE id = $1 AND status = 'signed'`,
		id, reason, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: record claim failure %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimNotSignable
	}
	return nil
}
