package price

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// dailyGrowthDenominator is 365 days expressed in basis points, so an
// annual rate of g bp compounds daily as (365*10000 + g) / (365*10000).
const dailyGrowthDenominator = 365 * 10_000

// Synthetic builds a deterministic series of days daily samples ending on
// today's UTC date: p(0) = seed, p(i+1) = floor(p(i) * (3650000 + growthBp)
// / 3650000).
func Synthetic(seed fixed.Amount, annualGrowthBp int64, days int, today time.Time) ([]domain.PriceSample, error) {
	if days <= 0 {
		return nil, fmt.Errorf("price: synthetic series needs a positive lookback, got %d", days)
	}
	if seed.Sign() <= 0 {
		return nil, fmt.Errorf("price: synthetic seed price must be positive, got %s", seed)
	}
	if annualGrowthBp <= -dailyGrowthDenominator {
		return nil, fmt.Errorf("price: growth %d bp would drive the price to zero", annualGrowthBp)
	}

	y, m, d := today.UTC().Date()
	last := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	start := last.AddDate(0, 0, -(days - 1))

	num := big.NewInt(dailyGrowthDenominator + annualGrowthBp)
	den := big.NewInt(dailyGrowthDenominator)

	samples := make([]domain.PriceSample, days)
	p := seed.Rescale(fixed.PriceScale, fixed.RoundDown)
	for i := range samples {
		samples[i] = domain.PriceSample{Date: start.AddDate(0, 0, i), Price: p}
		p = p.MulDiv(num, den, fixed.RoundDown)
	}
	return samples, nil
}
