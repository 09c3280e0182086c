package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Reward.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestDefaultsValidateWithSecret(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	err := bare.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reward: either secret or secret_file must be set")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trading"
	cfg.Store.Driver = "mysql"
	cfg.Market.MaxActivePerMatch = 0
	cfg.Ranking.RewardAmounts = []string{"100", "-1"}
	cfg.Ranking.FinalizeAfter.Duration = 25 * time.Hour

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trading"`)
	assert.Contains(t, msg, `unknown driver "mysql"`)
	assert.Contains(t, msg, "max_active_per_match")
	assert.Contains(t, msg, "reward_amounts[1]")
	assert.Contains(t, msg, "finalize_after")
}

func TestRankModeNeedsNoSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "rank"
	cfg.Store.Driver = "sqlite"
	require.NoError(t, cfg.Validate())
}

func TestRewardAmounts(t *testing.T) {
	cfg := Defaults()
	amounts, err := cfg.RewardAmounts()
	require.NoError(t, err)
	require.Len(t, amounts, 3)
	assert.True(t, amounts[0].Equal(decimal.NewFromInt(100)))
	assert.True(t, amounts[2].Equal(decimal.NewFromInt(25)))

	cfg.Ranking.RewardAmounts = []string{"ten"}
	_, err = cfg.RewardAmounts()
	assert.Error(t, err)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fanpulse.toml")
	body := `
mode = "api"

[store]
driver = "sqlite"
sqlite_path = "/tmp/x.db"

[market]
max_window = "45m"

[scheduler]
grace = "3s"

[[resolver.patterns]]
name = "penalty"
keywords = ["penalty", "penalties"]
event_types = ["penalty_awarded"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("FANPULSE_REWARD_SECRET", "env-secret-env-secret-env-secret")
	t.Setenv("FANPULSE_SERVER_PORT", "9191")
	t.Setenv("FANPULSE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FANPULSE_POSTGRES_STATEMENT_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 45*time.Minute, cfg.Market.MaxWindow.Duration)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.Grace.Duration)
	assert.Equal(t, 4, cfg.Scheduler.Workers, "defaults survive a partial file")
	require.Len(t, cfg.Resolver.Patterns, 1)
	assert.Equal(t, []string{"penalty", "penalties"}, cfg.Resolver.Patterns[0].Keywords)
	assert.Equal(t, "env-secret-env-secret-env-secret", cfg.Reward.Secret)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Second, cfg.Store.Postgres.StatementTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Store.Postgres.LockTimeout.Duration)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Postgres.Password = "pg"
	cfg.Executor.APISecret = "exec"
	cfg.Server.AdminAPIKey = "admin"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Reward.Secret)
	assert.Equal(t, "***", red.Store.Postgres.Password)
	assert.Equal(t, "***", red.Executor.APISecret)
	assert.Equal(t, "***", red.Server.AdminAPIKey)
	assert.Empty(t, red.Redis.Password, "empty values stay empty")

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Reward.Secret, "original untouched")
	red.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "*", cfg.Server.CORSOrigins[0])
}
