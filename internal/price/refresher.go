package price

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
)

// Refresher is the scheduler job that advances the cache and mirrors the
// new price to other processes.
type Refresher struct {
	cache  *Cache
	mirror domain.PriceMirror
	asset  string
	logger *slog.Logger
}

// NewRefresher creates a Refresher. mirror may be nil.
func NewRefresher(cache *Cache, mirror domain.PriceMirror, asset string, logger *slog.Logger) *Refresher {
	return &Refresher{
		cache:  cache,
		mirror: mirror,
		asset:  asset,
		logger: logger.With(slog.String("component", "price_refresher")),
	}
}

// Run performs one refresh. Mirror failures are logged and swallowed.
func (r *Refresher) Run(ctx context.Context) error {
	sample, advanced := r.cache.Refresh()
	metrics.CollateralPrice.Set(sample.Price.Decimal().InexactFloat64())

	r.logger.DebugContext(ctx, "price refreshed",
		slog.String("date", sample.Date.Format(dateLayout)),
		slog.String("price", sample.Price.String()),
		slog.Bool("advanced", advanced),
	)

	if r.mirror != nil {
		if err := r.mirror.SetPrice(ctx, r.asset, sample); err != nil {
			r.logger.WarnContext(ctx, "price mirror update failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
