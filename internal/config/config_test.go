package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.Harvest.Cron(); got != "*/1 * * * *" {
		t.Fatalf("demo cron = %q", got)
	}
	cfg.Harvest.Mode = "Production"
	if got := cfg.Harvest.Cron(); got != "0 0 * * *" {
		t.Fatalf("production cron = %q", got)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"

[health]
check_interval = "10s"

[ledger]
backend = "simulated"
borrow_apr_bp = 650

[[ledger.demo_positions]]
owner = "0xa"
collateral = "50"
debt = "100000"

[[ledger.demo_positions]]
owner = "0xb"
collateral = "12.5"
debt = "20000"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEVGUARD_HEALTH_CONCURRENCY", "3")
	t.Setenv("LEVGUARD_NOTIFY_CATEGORIES", "health, liquidation,")
	t.Setenv("LEVGUARD_RETRY_BASE_DELAY", "50ms")
	t.Setenv("LEVGUARD_HEALTH_CRITICAL_COOLDOWN", "not-a-duration")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "monitor" || cfg.Health.CheckInterval.Duration != 10*time.Second {
		t.Fatalf("file values not applied: mode=%s interval=%s", cfg.Mode, cfg.Health.CheckInterval)
	}
	if cfg.Ledger.BorrowAPRBps != 650 || len(cfg.Ledger.DemoPositions) != 2 || cfg.Ledger.DemoPositions[1].Collateral != "12.5" {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Health.Concurrency != 3 || cfg.Retry.BaseDelay.Duration != 50*time.Millisecond {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Health, cfg.Retry)
	}
	if cfg.Health.CriticalCooldown.Duration != 4*time.Hour {
		t.Fatalf("bad env duration should keep the default, got %s", cfg.Health.CriticalCooldown)
	}
	if got := strings.Join(cfg.Notify.Categories, "|"); got != "health|liquidation" {
		t.Fatalf("categories = %q", got)
	}
	if cfg.Price.SeedPrice != "3000" {
		t.Fatalf("untouched default lost: %q", cfg.Price.SeedPrice)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, "mode: unsupported"},
		{"chain needs rpc", func(c *Config) {
			c.Ledger.Backend = "chain"
			c.Chain.VaultAddress = "0x00000000000000000000000000000000000000aa"
			c.Wallet.PrivateKey = "01"
		}, "chain: rpc_url"},
		{"chain vault address", func(c *Config) {
			c.Ledger.Backend = "chain"
			c.Chain.RPCURL = "http://localhost:8545"
			c.Wallet.PrivateKey = "01"
			c.Chain.VaultAddress = "vault"
		}, "vault_address"},
		{"encrypted key password", func(c *Config) {
			c.Ledger.Backend = "chain"
			c.Chain.RPCURL = "http://localhost:8545"
			c.Chain.VaultAddress = "0x00000000000000000000000000000000000000aa"
			c.Wallet.EncryptedKeyPath = "key.enc"
		}, "key_password"},
		{"demo amount", func(c *Config) {
			c.Ledger.DemoPositions = []DemoPosition{{Owner: "x", Collateral: "lots", Debt: "1"}}
		}, "demo_positions[0].collateral"},
		{"seed price", func(c *Config) { c.Price.SeedPrice = "0" }, "seed_price"},
		{"harvest cron", func(c *Config) { c.Harvest.DemoCron = "every minute" }, "harvest:"},
		{"harvest mode", func(c *Config) { c.Harvest.Mode = "hourly" }, "harvest: mode"},
		{"settlement needs redis", func(c *Config) { c.Mode = "settlement" }, "needs redis.enabled"},
		{"retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"archive deps", func(c *Config) { c.Archive.Enabled = true }, "archive: needs"},
		{"telegram pair", func(c *Config) { c.Notify.TelegramToken = "t" }, "set together"},
		{"s3 price source", func(c *Config) { c.Price.Source = "s3://bucket/eth.csv" }, "s3.enabled"},
		{"lock ttl", func(c *Config) { c.Lock.TTL = duration{2 * time.Minute} }, "lock: ttl"},
		{"lock ttl follows receipt timeout", func(c *Config) { c.Chain.ReceiptTimeout = duration{10 * time.Minute} }, "lock: ttl"},
		{"receipt timeout", func(c *Config) { c.Chain.ReceiptTimeout = duration{} }, "receipt_timeout"},
		{"supabase dsn", func(c *Config) { c.Supabase.Enabled = true }, "supabase: dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "nope"
	cfg.LogLevel = "loud"
	cfg.Health.Concurrency = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"mode:", "log_level:", "health: concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Supabase.DSN = "postgres://u:pw@db:5432/lg"
	cfg.Notify.TelegramToken = "tok"
	cfg.Notify.Categories = []string{"health"}

	out := RedactedConfig(&cfg)
	if out.Wallet.PrivateKey != redacted || out.Supabase.DSN != redacted || out.Notify.TelegramToken != redacted {
		t.Fatalf("secrets leaked: %+v", out)
	}
	if out.Redis.Password != "" {
		t.Fatal("empty secret should stay empty")
	}
	if cfg.Wallet.PrivateKey != "deadbeef" {
		t.Fatal("original mutated")
	}
	out.Notify.Categories[0] = "changed"
	if cfg.Notify.Categories[0] != "health" {
		t.Fatal("slice shared with original")
	}
}

func TestMinLockTTL(t *testing.T) {
	cfg := Defaults()
	// 4 attempts x 3m receipt wait + 3 x 5s backoff + 1m.
	if got, want := cfg.MinLockTTL(), 13*time.Minute+15*time.Second; got != want {
		t.Fatalf("MinLockTTL = %s, want %s", got, want)
	}
	if cfg.Lock.TTL.Duration < cfg.MinLockTTL() {
		t.Fatalf("default ttl %s below minimum", cfg.Lock.TTL.Duration)
	}

	cfg.Retry.MaxAttempts = 1
	if got, want := cfg.MinLockTTL(), 4*time.Minute; got != want {
		t.Fatalf("single attempt = %s, want %s", got, want)
	}
}
