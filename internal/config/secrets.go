package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder. Use this when logging the active configuration so
// secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Operator.PrivateKey)
	redact(&out.Operator.KeyPassword)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.Archive.AccessKey)
	redact(&out.Archive.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the copy.
	if cfg.Feeds != nil {
		out.Feeds = make([]FeedConfig, len(cfg.Feeds))
		copy(out.Feeds, cfg.Feeds)
		for i := range out.Feeds {
			redact(&out.Feeds[i].APIKey)
		}
	}
	if cfg.Pools != nil {
		out.Pools = append([]PoolConfig(nil), cfg.Pools...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
