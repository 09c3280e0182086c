package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Store.Postgres.DSN)
	redact(&out.Store.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Reward.Secret)
	redact(&out.Reward.SecretPassword)
	redact(&out.Executor.APIKey)
	redact(&out.Executor.APISecret)
	redact(&out.Feed.APIKey)
	redact(&out.Feed.APISecret)
	redact(&out.Server.AdminAPIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Ranking.RewardAmounts = append([]string(nil), cfg.Ranking.RewardAmounts...)
	out.Resolver.Patterns = append(out.Resolver.Patterns[:0:0], cfg.Resolver.Patterns...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
