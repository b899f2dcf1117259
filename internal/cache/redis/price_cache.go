package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/redis/go-redis/v9"
)

// PriceMirror implements domain.PriceMirror using Redis hashes.
// Each asset's price is stored as a hash at key "price:{asset}" with fields
// "price" (decimal string), "date" (sample day) and "ts" (Unix nanosecond
// publish time).
type PriceMirror struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewPriceMirror creates a PriceMirror backed by the given Client.
func NewPriceMirror(c *Client) *PriceMirror {
	return &PriceMirror{rdb: c.rdb, prefix: c.prefix, now: time.Now}
}

func priceKey(prefix, asset string) string {
	return namespaced(prefix, "price:"+asset)
}

// SetPrice stores the current price sample for an asset.
func (pm *PriceMirror) SetPrice(ctx context.Context, asset string, sample domain.PriceSample) error {
	key := priceKey(pm.prefix, asset)
	fields := map[string]interface{}{
		"price": sample.Price.String(),
		"date":  sample.Date.Format(time.DateOnly),
		"ts":    strconv.FormatInt(pm.now().UnixNano(), 10),
	}
	if err := pm.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice reads back the mirrored sample for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pm *PriceMirror) GetPrice(ctx context.Context, asset string) (domain.PriceSample, error) {
	vals, err := pm.rdb.HGetAll(ctx, priceKey(pm.prefix, asset)).Result()
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	return decodePrice(asset, vals)
}

func decodePrice(asset string, vals map[string]string) (domain.PriceSample, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceSample{}, fmt.Errorf("redis: price %s: %w", asset, domain.ErrNotFound)
	}
	px, err := fixed.Parse(priceStr, fixed.PriceScale)
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}
	date, err := time.Parse(time.DateOnly, vals["date"])
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("redis: parse date %s: %w", asset, err)
	}
	return domain.PriceSample{Date: date, Price: px}, nil
}

// Compile-time interface check.
var _ domain.PriceMirror = (*PriceMirror)(nil)
