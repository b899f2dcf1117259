package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Chain endpoints often embed an API key in the path.
	redact(&out.Chain.RPCURL)

	// Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// Supabase
	redact(&out.Supabase.DSN)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Categories != nil {
		out.Notify.Categories = make([]string, len(cfg.Notify.Categories))
		copy(out.Notify.Categories, cfg.Notify.Categories)
	}
	if cfg.Ledger.DemoPositions != nil {
		out.Ledger.DemoPositions = make([]DemoPosition, len(cfg.Ledger.DemoPositions))
		copy(out.Ledger.DemoPositions, cfg.Ledger.DemoPositions)
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
