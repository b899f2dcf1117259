// Package config defines the top-level configuration for the leverage risk
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEVGUARD_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Wallet     WalletConfig     `toml:"wallet"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Price      PriceConfig      `toml:"price"`
	Health     HealthConfig     `toml:"health"`
	Harvest    HarvestConfig    `toml:"harvest"`
	Settlement SettlementConfig `toml:"settlement"`
	Retry      RetryConfig      `toml:"retry"`
	Lock       LockConfig       `toml:"lock"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds the JSON-RPC endpoint and vault contract.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	VaultAddress   string   `toml:"vault_address"`
	ReceiptPoll    duration `toml:"receipt_poll"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
}

// WalletConfig holds the operator key that signs ledger transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig selects the execution ledger backend.
type LedgerConfig struct {
	// Backend is "chain" or "simulated".
	Backend           string         `toml:"backend"`
	ReconcileInterval duration       `toml:"reconcile_interval"`
	BorrowAPRBps      int64          `toml:"borrow_apr_bp"`
	SwapDepth         string         `toml:"swap_depth"`
	SlippageBps       int64          `toml:"slippage_bp"`
	DemoPositions     []DemoPosition `toml:"demo_positions"`
}

// DemoPosition seeds the simulated ledger. Amounts are decimal strings.
type DemoPosition struct {
	Owner      string `toml:"owner"`
	Collateral string `toml:"collateral"`
	Debt       string `toml:"debt"`
}

// PriceConfig controls the collateral price series.
type PriceConfig struct {
	// Source is a CSV path, an s3://bucket/key URL, or empty for the
	// synthetic series.
	Source          string   `toml:"source"`
	Asset           string   `toml:"asset"`
	LookbackDays    int      `toml:"lookback_days"`
	SeedPrice       string   `toml:"seed_price"`
	AnnualGrowthBp  int64    `toml:"annual_growth_bp"`
	RefreshInterval duration `toml:"refresh_interval"`
	StartAtLatest   bool     `toml:"start_at_latest"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	CheckInterval    duration `toml:"check_interval"`
	CriticalCooldown duration `toml:"critical_cooldown"`
	Concurrency      int      `toml:"concurrency"`
}

// HarvestConfig controls the interest harvest keeper.
type HarvestConfig struct {
	// Mode is "demo" or "production" and picks the cron expression.
	Mode           string `toml:"mode"`
	DemoCron       string `toml:"demo_cron"`
	ProductionCron string `toml:"production_cron"`
	BufferBps      int64  `toml:"buffer_bp"`
}

// Cron returns the expression for the configured harvest mode.
func (h HarvestConfig) Cron() string {
	if strings.EqualFold(h.Mode, "production") {
		return h.ProductionCron
	}
	return h.DemoCron
}

// SettlementConfig controls settlement intake.
type SettlementConfig struct {
	Channel string `toml:"channel"`
}

// RetryConfig is the backoff policy shared by every ledger call.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    duration `toml:"max_delay"`
}

// LockConfig controls the per-position lock taken by harvest, liquidation,
// settlement and reconciliation.
type LockConfig struct {
	// TTL must outlive the slowest ledger write, see MinLockTTL.
	TTL duration `toml:"ttl"`
}

// lockSlack covers the mirror update and side effects after a write.
const lockSlack = time.Minute

// MinLockTTL is the longest a retried ledger write can hold a position:
// every attempt waiting out the receipt timeout, plus the backoff between
// attempts and some slack.
func (c *Config) MinLockTTL() time.Duration {
	attempts := max(c.Retry.MaxAttempts, 1)
	return time.Duration(attempts)*c.Chain.ReceiptTimeout.Duration +
		time.Duration(attempts-1)*c.Retry.MaxDelay.Duration +
		lockSlack
}

// SupabaseConfig locates the PostgreSQL audit journal.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials and filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Stream            string   `toml:"stream"`
	Categories        []string `toml:"categories"`
	MinSeverity       string   `toml:"min_severity"`
	Timeout           duration `toml:"timeout"`
}

// ArchiveConfig controls the daily journal and position snapshot export.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:        1,
			ReceiptPoll:    duration{2 * time.Second},
			ReceiptTimeout: duration{3 * time.Minute},
		},
		Ledger: LedgerConfig{
			Backend:           "simulated",
			ReconcileInterval: duration{5 * time.Minute},
			BorrowAPRBps:      800,
			SwapDepth:         "0",
			SlippageBps:       0,
		},
		Price: PriceConfig{
			Asset:           "ETH",
			LookbackDays:    365,
			SeedPrice:       "3000",
			AnnualGrowthBp:  500,
			RefreshInterval: duration{time.Minute},
		},
		Health: HealthConfig{
			CheckInterval:    duration{30 * time.Second},
			CriticalCooldown: duration{4 * time.Hour},
			Concurrency:      8,
		},
		Harvest: HarvestConfig{
			Mode:           "demo",
			DemoCron:       "*/1 * * * *",
			ProductionCron: "0 0 * * *",
			BufferBps:      500,
		},
		Settlement: SettlementConfig{
			Channel: "settlements",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   duration{200 * time.Millisecond},
			Multiplier:  2,
			MaxDelay:    duration{5 * time.Second},
		},
		Lock: LockConfig{
			TTL: duration{15 * time.Minute},
		},
		Supabase: SupabaseConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "levguard",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leverageguard",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			MinSeverity: "info",
			Timeout:     duration{15 * time.Second},
		},
		Archive: ArchiveConfig{
			Cron: "15 0 * * *",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor":    true,
	"harvest":    true,
	"settlement": true,
	"full":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks the configuration for logical errors and returns a
// descriptive error listing every problem found. A nil return means the
// configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("mode: unsupported value %q (valid: monitor, harvest, settlement, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("log_level: unsupported value %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger backend
	switch strings.ToLower(c.Ledger.Backend) {
	case "chain":
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for the chain ledger")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if !common.IsHexAddress(c.Chain.VaultAddress) {
			errs = append(errs, fmt.Sprintf("chain: vault_address %q is not a hex address", c.Chain.VaultAddress))
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: private_key or encrypted_key_path is required for the chain ledger")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	case "simulated":
		if c.Ledger.BorrowAPRBps < 0 {
			errs = append(errs, "ledger: borrow_apr_bp must be >= 0")
		}
		if c.Ledger.SlippageBps < 0 || c.Ledger.SlippageBps >= fixed.BasisPoints {
			errs = append(errs, "ledger: slippage_bp must be in [0, 10000)")
		}
		if _, err := fixed.Parse(c.Ledger.SwapDepth, fixed.CollateralScale); err != nil {
			errs = append(errs, fmt.Sprintf("ledger: swap_depth: %v", err))
		}
		for i, p := range c.Ledger.DemoPositions {
			if _, err := fixed.Parse(p.Collateral, fixed.CollateralScale); err != nil {
				errs = append(errs, fmt.Sprintf("ledger: demo_positions[%d].collateral: %v", i, err))
			}
			if _, err := fixed.Parse(p.Debt, fixed.StableScale); err != nil {
				errs = append(errs, fmt.Sprintf("ledger: demo_positions[%d].debt: %v", i, err))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: backend must be chain or simulated, got %q", c.Ledger.Backend))
	}
	if c.Ledger.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "ledger: reconcile_interval must be > 0")
	}

	// Price
	if c.Price.Asset == "" {
		errs = append(errs, "price: asset must not be empty")
	}
	if c.Price.LookbackDays <= 0 {
		errs = append(errs, "price: lookback_days must be > 0")
	}
	if seed, err := fixed.Parse(c.Price.SeedPrice, fixed.PriceScale); err != nil || seed.Sign() <= 0 {
		errs = append(errs, fmt.Sprintf("price: seed_price must be a positive decimal, got %q", c.Price.SeedPrice))
	}
	if c.Price.RefreshInterval.Duration <= 0 {
		errs = append(errs, "price: refresh_interval must be > 0")
	}
	if strings.HasPrefix(c.Price.Source, "s3://") && !c.S3.Enabled {
		errs = append(errs, "price: an s3:// source needs s3.enabled")
	}

	// Health
	if c.Health.CheckInterval.Duration <= 0 {
		errs = append(errs, "health: check_interval must be > 0")
	}
	if c.Health.CriticalCooldown.Duration <= 0 {
		errs = append(errs, "health: critical_cooldown must be > 0")
	}
	if c.Health.Concurrency < 1 {
		errs = append(errs, "health: concurrency must be >= 1")
	}

	// Harvest
	switch strings.ToLower(c.Harvest.Mode) {
	case "demo", "production":
		if _, err := schedule.Cron(c.Harvest.Cron()); err != nil {
			errs = append(errs, fmt.Sprintf("harvest: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("harvest: mode must be demo or production, got %q", c.Harvest.Mode))
	}
	if c.Harvest.BufferBps < 0 {
		errs = append(errs, "harvest: buffer_bp must be >= 0")
	}

	// Settlement intake rides on Redis pub/sub.
	if (mode == "settlement" || mode == "full") && c.Redis.Enabled && c.Settlement.Channel == "" {
		errs = append(errs, "settlement: channel must not be empty")
	}
	if mode == "settlement" && !c.Redis.Enabled {
		errs = append(errs, "settlement: mode settlement needs redis.enabled")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay.Duration < 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: need 0 <= base_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry: multiplier must be >= 1")
	}

	// Lock
	if c.Chain.ReceiptTimeout.Duration <= 0 {
		errs = append(errs, "chain: receipt_timeout must be positive")
	}
	if minTTL := c.MinLockTTL(); c.Lock.TTL.Duration < minTTL {
		errs = append(errs, fmt.Sprintf("lock: ttl %s is shorter than the slowest ledger write (%s = max_attempts x receipt_timeout + backoff + %s)",
			c.Lock.TTL.Duration, minTTL, lockSlack))
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			errs = append(errs, "supabase: dsn must not be empty")
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Notify
	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		errs = append(errs, fmt.Sprintf("notify: min_severity must be info, warning or critical, got %q", c.Notify.MinSeverity))
	}
	if c.Notify.Stream != "" && !c.Redis.Enabled {
		errs = append(errs, "notify: stream needs redis.enabled")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Supabase.Enabled {
			errs = append(errs, "archive: needs both s3.enabled and supabase.enabled")
		}
		if _, err := schedule.Cron(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: %v", err))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
