package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// Ledger implements domain.Ledger on top of a Client's pool.
type Ledger struct {
	client *Client
}

// NewLedger creates a Ledger backed by client.
func NewLedger(client *Client) *Ledger {
	return &Ledger{client: client}
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through
// LockMarket serialise writers on the same market.
func (l *Ledger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	pgTx, err := l.client.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(&tx{tx: pgTx}); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.pool.Ping(ctx)
}

// Close shuts down the underlying pool.
func (l *Ledger) Close() error {
	l.client.Close()
	return nil
}

// tx implements domain.LedgerTx on a pgx.Tx.
type tx struct {
	tx pgx.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ domain.Ledger   = (*Ledger)(nil)
	_ domain.LedgerTx = (*tx)(nil)
)
