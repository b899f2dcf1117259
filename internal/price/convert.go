package price

import (
	"math/big"

	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// ToStable values a collateral amount at price, rounding down:
// floor(c * price * 10^6 / (10^18 * 10^8)).
func ToStable(collateral, price fixed.Amount) fixed.Amount {
	num := new(big.Int).Mul(price.Units(), fixed.StableScale.Factor())
	den := new(big.Int).Mul(fixed.CollateralScale.Factor(), fixed.PriceScale.Factor())
	units := fixed.MulDiv(collateral.Units(), num, den, fixed.RoundDown)
	return fixed.New(units, fixed.StableScale)
}

// ToCollateral returns the collateral needed to raise a stable amount at
// price, rounding up so a swap of the result always covers it:
// ceil(s * 10^18 * 10^8 / (price * 10^6)). A non-positive price yields
// zero.
func ToCollateral(stable, price fixed.Amount) fixed.Amount {
	if price.Sign() <= 0 {
		return fixed.Zero(fixed.CollateralScale)
	}
	num := new(big.Int).Mul(fixed.CollateralScale.Factor(), fixed.PriceScale.Factor())
	den := new(big.Int).Mul(price.Units(), fixed.StableScale.Factor())
	units := fixed.MulDiv(stable.Units(), num, den, fixed.RoundUp)
	return fixed.New(units, fixed.CollateralScale)
}
