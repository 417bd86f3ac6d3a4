package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Onchain
	out.Onchain = cfg.Onchain
	redact(&out.Onchain.APIKey)

	// Credentials
	out.Credentials = cfg.Credentials
	redact(&out.Credentials.MasterKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Proxy.ProviderURLs != nil {
		out.Proxy.ProviderURLs = make([]string, len(cfg.Proxy.ProviderURLs))
		copy(out.Proxy.ProviderURLs, cfg.Proxy.ProviderURLs)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Sizing.MinNotional != nil {
		out.Sizing.MinNotional = make(map[string]map[string]float64, len(cfg.Sizing.MinNotional))
		for ex, markets := range cfg.Sizing.MinNotional {
			inner := make(map[string]float64, len(markets))
			for sym, v := range markets {
				inner[sym] = v
			}
			out.Sizing.MinNotional[ex] = inner
		}
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
