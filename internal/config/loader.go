package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEVGUARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEVGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LEVGUARD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LEVGUARD_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.VaultAddress, "LEVGUARD_CHAIN_VAULT_ADDRESS")
	setDuration(&cfg.Chain.ReceiptPoll, "LEVGUARD_CHAIN_RECEIPT_POLL")
	setDuration(&cfg.Chain.ReceiptTimeout, "LEVGUARD_CHAIN_RECEIPT_TIMEOUT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "LEVGUARD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LEVGUARD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LEVGUARD_WALLET_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "LEVGUARD_LEDGER_BACKEND")
	setDuration(&cfg.Ledger.ReconcileInterval, "LEVGUARD_LEDGER_RECONCILE_INTERVAL")
	setInt64(&cfg.Ledger.BorrowAPRBps, "LEVGUARD_LEDGER_BORROW_APR_BP")
	setStr(&cfg.Ledger.SwapDepth, "LEVGUARD_LEDGER_SWAP_DEPTH")
	setInt64(&cfg.Ledger.SlippageBps, "LEVGUARD_LEDGER_SLIPPAGE_BP")

	// ── Price ──
	setStr(&cfg.Price.Source, "LEVGUARD_PRICE_SOURCE")
	setStr(&cfg.Price.Asset, "LEVGUARD_PRICE_ASSET")
	setInt(&cfg.Price.LookbackDays, "LEVGUARD_PRICE_LOOKBACK_DAYS")
	setStr(&cfg.Price.SeedPrice, "LEVGUARD_PRICE_SEED_PRICE")
	setInt64(&cfg.Price.AnnualGrowthBp, "LEVGUARD_PRICE_ANNUAL_GROWTH_BP")
	setDuration(&cfg.Price.RefreshInterval, "LEVGUARD_PRICE_REFRESH_INTERVAL")
	setBool(&cfg.Price.StartAtLatest, "LEVGUARD_PRICE_START_AT_LATEST")

	// ── Health ──
	setDuration(&cfg.Health.CheckInterval, "LEVGUARD_HEALTH_CHECK_INTERVAL")
	setDuration(&cfg.Health.CriticalCooldown, "LEVGUARD_HEALTH_CRITICAL_COOLDOWN")
	setInt(&cfg.Health.Concurrency, "LEVGUARD_HEALTH_CONCURRENCY")

	// ── Harvest ──
	setStr(&cfg.Harvest.Mode, "LEVGUARD_HARVEST_MODE")
	setStr(&cfg.Harvest.DemoCron, "LEVGUARD_HARVEST_DEMO_CRON")
	setStr(&cfg.Harvest.ProductionCron, "LEVGUARD_HARVEST_PRODUCTION_CRON")
	setInt64(&cfg.Harvest.BufferBps, "LEVGUARD_HARVEST_BUFFER_BP")

	// ── Settlement ──
	setStr(&cfg.Settlement.Channel, "LEVGUARD_SETTLEMENT_CHANNEL")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "LEVGUARD_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "LEVGUARD_RETRY_BASE_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "LEVGUARD_RETRY_MULTIPLIER")
	setDuration(&cfg.Retry.MaxDelay, "LEVGUARD_RETRY_MAX_DELAY")

	// ── Lock ──
	setDuration(&cfg.Lock.TTL, "LEVGUARD_LOCK_TTL")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "LEVGUARD_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "LEVGUARD_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "LEVGUARD_SUPABASE_URL") // compatibility alias
	setInt(&cfg.Supabase.PoolMaxConns, "LEVGUARD_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "LEVGUARD_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "LEVGUARD_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LEVGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LEVGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LEVGUARD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEVGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEVGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVGUARD_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEVGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.Stream, "LEVGUARD_NOTIFY_STREAM")
	setStringSlice(&cfg.Notify.Categories, "LEVGUARD_NOTIFY_CATEGORIES")
	setStr(&cfg.Notify.MinSeverity, "LEVGUARD_NOTIFY_MIN_SEVERITY")
	setDuration(&cfg.Notify.Timeout, "LEVGUARD_NOTIFY_TIMEOUT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVGUARD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "LEVGUARD_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEVGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEVGUARD_SERVER_PORT")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVGUARD_MODE")
	setStr(&cfg.LogLevel, "LEVGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
