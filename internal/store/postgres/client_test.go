package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLedger connects to FANPULSE_TEST_POSTGRES_DSN, skipping when unset.
// Each test runs against a fresh, migrated schema that is dropped on
// cleanup.
func newLedger(t *testing.T, cfg ClientConfig) *Ledger {
	t.Helper()
	dsn := os.Getenv("FANPULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FANPULSE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	schema := "fanpulse_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg.DSN = withSearchPath(dsn, schema)
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 12
	}
	client, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))
	return NewLedger(client)
}

func withSearchPath(dsn, schema string) string {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&search_path=" + schema
	}
	return dsn + "?search_path=" + schema
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func TestSessionSettings(t *testing.T) {
	assert.Empty(t, sessionSettings(ClientConfig{}))
	assert.Equal(t, []string{
		"SET statement_timeout = 1500",
		"SET lock_timeout = 250",
	}, sessionSettings(ClientConfig{StatementTimeout: 1500 * time.Millisecond, LockTimeout: 250 * time.Millisecond}))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:pw@db:5432/fanpulse?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "fanpulse", User: "app", Password: "pw"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestClient_PooledSessionsCarryTimeouts(t *testing.T) {
	l := newLedger(t, ClientConfig{StatementTimeout: 200 * time.Millisecond, LockTimeout: 300 * time.Millisecond})
	ctx := context.Background()
	pool := l.client.pool

	var v string
	require.NoError(t, pool.QueryRow(ctx, "SHOW statement_timeout").Scan(&v))
	assert.Equal(t, "200ms", v)
	require.NoError(t, pool.QueryRow(ctx, "SHOW lock_timeout").Scan(&v))
	assert.Equal(t, "300ms", v)

	_, err := pool.Exec(ctx, "SELECT pg_sleep(1)")
	require.Error(t, err)
	assert.Equal(t, "57014", pgCode(err), "query_canceled")
}

func TestClient_MigrationsAreIdempotent(t *testing.T) {
	l := newLedger(t, ClientConfig{})
	ctx := context.Background()
	require.NoError(t, l.client.RunMigrations(ctx))

	var n int
	require.NoError(t, l.client.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Equal(t, len(entries), n)
}
