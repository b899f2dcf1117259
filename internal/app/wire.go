package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/leverageguard/internal/blob/s3"
	"github.com/alanyoungcy/leverageguard/internal/cache/redis"
	"github.com/alanyoungcy/leverageguard/internal/chain"
	"github.com/alanyoungcy/leverageguard/internal/config"
	"github.com/alanyoungcy/leverageguard/internal/crypto"
	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/notify"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/retry"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
	"github.com/alanyoungcy/leverageguard/internal/server"
	"github.com/alanyoungcy/leverageguard/internal/service"
	"github.com/alanyoungcy/leverageguard/internal/simledger"
	"github.com/alanyoungcy/leverageguard/internal/store/memory"
	"github.com/alanyoungcy/leverageguard/internal/store/postgres"
	"github.com/ethereum/go-ethereum/common"
)

// Dependencies bundles everything the operating modes need. Optional
// backends are nil interfaces when their section is disabled.
type Dependencies struct {
	Clock schedule.Clock

	// Ledger is the execution ledger wrapped in the shared retry policy.
	Ledger domain.ExecutionLedger

	// Mirror
	Positions *memory.PositionStore
	Mirror    *position.Mirror

	Prices *price.Cache

	// Coordination
	Locks       domain.LockManager
	Bus         domain.SignalBus
	PriceMirror domain.PriceMirror
	// MirrorReader reads back the shared price mirror for /health.
	MirrorReader server.MirroredPrice

	// Persistence
	Journal domain.AuditStore
	Blobs   *s3blob.Store

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Clock: schedule.SystemClock}

	// --- PostgreSQL audit journal ---
	if cfg.Supabase.Enabled {
		pool, err := postgres.Connect(ctx, cfg.Supabase.DSN, postgres.PoolConfig{
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pool.Close)

		if cfg.Supabase.RunMigrations {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Journal = postgres.NewAuditStore(pool)
	}

	// --- Redis: locks, settlement intake, price mirror ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.Dial(ctx, redis.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLS:        cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		pm := redis.NewPriceMirror(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.PriceMirror = pm
		deps.MirrorReader = pm
	} else {
		deps.Locks = memory.NewLockManager()
	}

	// --- S3: price history and settlement statements ---
	var blobs domain.BlobReader
	if cfg.S3.Enabled {
		store, err := s3blob.Open(ctx, s3blob.Options{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blobs = store
		blobs = deps.Blobs
	}

	// --- Price cache ---
	seed, err := fixed.Parse(cfg.Price.SeedPrice, fixed.PriceScale)
	if err != nil {
		return fail(fmt.Errorf("wire: price seed: %w", err))
	}
	deps.Prices = price.NewCache(price.Config{
		SeedPrice:      seed,
		AnnualGrowthBp: cfg.Price.AnnualGrowthBp,
		StartAtLatest:  cfg.Price.StartAtLatest,
	}, blobs, deps.Clock, logger)
	if err := deps.Prices.Load(ctx, cfg.Price.Source, cfg.Price.LookbackDays); err != nil {
		return fail(fmt.Errorf("wire: price: %w", err))
	}

	// --- Execution ledger ---
	inner, closeLedger, err := buildLedger(ctx, cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}
	deps.Ledger = service.NewRetryingLedger(inner, retryPolicy(cfg.Retry), logger)

	// --- Mirror ---
	deps.Positions = memory.NewPositionStore()
	deps.Mirror = position.NewMirror(deps.Positions, deps.Clock, logger)

	// --- Notifications ---
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.Stream != "" && deps.Bus != nil {
		senders = append(senders, notify.NewStreamSender(deps.Bus, cfg.Notify.Stream))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Categories:  cfg.Notify.Categories,
		MinSeverity: domain.Severity(strings.ToLower(cfg.Notify.MinSeverity)),
		Timeout:     cfg.Notify.Timeout.Duration,
	}, logger)
	// Flush in-flight deliveries before the backends close.
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}

// buildLedger returns the configured execution ledger and an optional closer.
func buildLedger(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.ExecutionLedger, func(), error) {
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "chain":
		keyHex, err := crypto.KeySource{
			Raw:      cfg.Wallet.PrivateKey,
			File:     cfg.Wallet.EncryptedKeyPath,
			Password: cfg.Wallet.KeyPassword,
		}.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		signer, err := crypto.NewSigner(keyHex, cfg.Chain.ChainID)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		ledger, err := chain.NewLedger(client, signer, chain.Config{
			Contract:       common.HexToAddress(cfg.Chain.VaultAddress),
			ReceiptPoll:    cfg.Chain.ReceiptPoll.Duration,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		}, logger)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		logger.InfoContext(ctx, "chain ledger ready",
			slog.String("operator", signer.Address().Hex()),
			slog.String("vault", cfg.Chain.VaultAddress),
			slog.Int64("chain_id", cfg.Chain.ChainID),
		)
		return ledger, client.Close, nil

	case "simulated":
		depth, err := fixed.Parse(cfg.Ledger.SwapDepth, fixed.CollateralScale)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: swap depth: %w", err)
		}
		sim := simledger.New(simledger.Config{
			BorrowAPRBps: cfg.Ledger.BorrowAPRBps,
			SwapDepth:    depth,
			SlippageBps:  cfg.Ledger.SlippageBps,
		}, deps.Clock)

		seeds, err := demoSeeds(cfg.Ledger.DemoPositions)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		ids, err := sim.SeedAll(seeds, deps.Prices.CurrentPrice())
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		logger.InfoContext(ctx, "simulated ledger ready", slog.Int("positions", len(ids)))
		return sim, nil, nil

	default:
		return nil, nil, fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func demoSeeds(in []config.DemoPosition) ([]simledger.Seed, error) {
	seeds := make([]simledger.Seed, 0, len(in))
	for i, p := range in {
		collateral, err := fixed.Parse(p.Collateral, fixed.CollateralScale)
		if err != nil {
			return nil, fmt.Errorf("demo position %d collateral: %w", i, err)
		}
		debt, err := fixed.Parse(p.Debt, fixed.StableScale)
		if err != nil {
			return nil, fmt.Errorf("demo position %d debt: %w", i, err)
		}
		seeds = append(seeds, simledger.Seed{Owner: p.Owner, Collateral: collateral, Debt: debt})
	}
	return seeds, nil
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay.Duration,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay.Duration,
	}
}
