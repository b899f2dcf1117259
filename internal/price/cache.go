// Package price holds the collateral price series. Readers get O(1)
// lock-free lookups from an immutable snapshot; the refresher is the only
// writer and publishes whole new snapshots.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// Config controls the synthetic fallback and the starting cursor.
type Config struct {
	SeedPrice      fixed.Amount
	AnnualGrowthBp int64
	StartAtLatest  bool
}

// snapshot is never mutated after it is published. samples is shared
// between snapshots.
type snapshot struct {
	samples     []domain.PriceSample
	cursor      int
	source      string
	synthetic   bool
	refreshedAt time.Time
}

// Status describes the published snapshot.
type Status struct {
	Source      string
	Synthetic   bool
	Samples     int
	Cursor      int
	Current     domain.PriceSample
	RefreshedAt time.Time
}

// Cache serves the current collateral price.
type Cache struct {
	cfg    Config
	blobs  domain.BlobReader
	clock  schedule.Clock
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

// NewCache creates an empty cache. blobs may be nil when no object storage
// is configured.
func NewCache(cfg Config, blobs domain.BlobReader, clock schedule.Clock, logger *slog.Logger) *Cache {
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &Cache{
		cfg:    cfg,
		blobs:  blobs,
		clock:  clock,
		logger: logger.With(slog.String("component", "price_cache")),
	}
}

// Load populates the series from source, falling back to the synthetic
// series on any feed problem. It fails only if the synthetic series cannot
// be built either.
func (c *Cache) Load(ctx context.Context, source string, lookbackDays int) error {
	samples, err := c.loadFeed(ctx, source, lookbackDays)
	synthetic := false
	if err != nil {
		c.logger.WarnContext(ctx, "price feed unavailable, using synthetic series",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		samples, err = Synthetic(c.cfg.SeedPrice, c.cfg.AnnualGrowthBp, lookbackDays, c.clock.Now())
		if err != nil {
			return fmt.Errorf("price: load: %w", err)
		}
		source = "synthetic"
		synthetic = true
	}

	cursor := 0
	if c.cfg.StartAtLatest {
		cursor = len(samples) - 1
	}
	snap := &snapshot{
		samples:     samples,
		cursor:      cursor,
		source:      source,
		synthetic:   synthetic,
		refreshedAt: c.clock.Now(),
	}
	c.snap.Store(snap)

	c.logger.InfoContext(ctx, "price series loaded",
		slog.String("source", source),
		slog.Bool("synthetic", synthetic),
		slog.Int("samples", len(samples)),
		slog.String("first_date", samples[0].Date.Format(dateLayout)),
		slog.String("last_date", samples[len(samples)-1].Date.Format(dateLayout)),
		slog.String("current_price", samples[cursor].Price.String()),
	)
	return nil
}

func (c *Cache) loadFeed(ctx context.Context, source string, lookbackDays int) ([]domain.PriceSample, error) {
	rc, err := c.openSource(ctx, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parseSeries(rc, lookbackDays)
}

// Current returns the sample under the cursor, or the zero sample before
// Load.
func (c *Cache) Current() domain.PriceSample {
	s := c.snap.Load()
	if s == nil {
		return domain.PriceSample{Price: fixed.Zero(fixed.PriceScale)}
	}
	return s.samples[s.cursor]
}

// CurrentPrice returns the current price at fixed.PriceScale.
func (c *Cache) CurrentPrice() fixed.Amount {
	return c.Current().Price
}

// CollateralToStable values collateral at the current price.
func (c *Cache) CollateralToStable(collateral fixed.Amount) fixed.Amount {
	return ToStable(collateral, c.CurrentPrice())
}

// StableToCollateral converts a stable amount to the collateral that covers
// it at the current price.
func (c *Cache) StableToCollateral(stable fixed.Amount) fixed.Amount {
	return ToCollateral(stable, c.CurrentPrice())
}

// Refresh advances the cursor by one sample and publishes a new snapshot.
// At the end of the series the cursor stays on the last sample. Refresh
// never panics into its caller; on failure the previous snapshot stays.
func (c *Cache) Refresh() (sample domain.PriceSample, advanced bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("price refresh failed", slog.Any("panic", r))
			sample, advanced = c.Current(), false
		}
	}()

	old := c.snap.Load()
	if old == nil {
		c.logger.Warn("price refresh before load, keeping empty cache")
		return c.Current(), false
	}
	next := *old
	if next.cursor < len(next.samples)-1 {
		next.cursor++
		advanced = true
	}
	next.refreshedAt = c.clock.Now()
	c.snap.Store(&next)
	return next.samples[next.cursor], advanced
}

// Status reports what the cache is serving.
func (c *Cache) Status() Status {
	s := c.snap.Load()
	if s == nil {
		return Status{}
	}
	return Status{
		Source:      s.source,
		Synthetic:   s.synthetic,
		Samples:     len(s.samples),
		Cursor:      s.cursor,
		Current:     s.samples[s.cursor],
		RefreshedAt: s.refreshedAt,
	}
}
