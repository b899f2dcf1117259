// Package position holds the risk rules of a leveraged position: health
// factor, banding, the settlement waterfall, and the Mirror that applies
// lifecycle transitions to the cached positions.
package position

import (
	"math"
	"math/big"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/price"
)

// Band thresholds in basis points. Each is the inclusive lower bound of the
// named band.
const (
	LiquidationThreshold int64 = 11_000
	WarningThreshold     int64 = 12_500
	HealthyThreshold     int64 = 14_000
)

// MaxHealthFactor stands in for an infinite factor on a debt-free position.
const MaxHealthFactor int64 = math.MaxInt64

// HealthFactor returns floor(collateralValue * 10000 / debt) in bp. Both
// amounts are at fixed.StableScale.
func HealthFactor(collateralValue, debt fixed.Amount) int64 {
	if debt.Sign() <= 0 {
		return MaxHealthFactor
	}
	hf := fixed.MulDiv(collateralValue.Units(), big.NewInt(fixed.BasisPoints), debt.Units(), fixed.RoundDown)
	if !hf.IsInt64() {
		return MaxHealthFactor
	}
	return hf.Int64()
}

// HealthFactorAt values collateral at price and returns the health factor.
func HealthFactorAt(collateral, debt, px fixed.Amount) int64 {
	return HealthFactor(price.ToStable(collateral, px), debt)
}

// Classify maps a health factor onto its band.
func Classify(factor int64) domain.HealthStatus {
	switch {
	case factor < LiquidationThreshold:
		return domain.HealthLiquidatable
	case factor < WarningThreshold:
		return domain.HealthCritical
	case factor < HealthyThreshold:
		return domain.HealthWarning
	default:
		return domain.HealthHealthy
	}
}
