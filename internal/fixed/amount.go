// Package fixed implements scale-tagged fixed-point amounts backed by
// math/big. Arithmetic always multiplies before it divides and the rounding
// direction is explicit at every division.
package fixed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by an Amount.
type Scale uint8

const (
	// StableScale is the precision of the borrowed stable-value asset.
	StableScale Scale = 6
	// PriceScale is the precision of a collateral price quoted in stable units.
	PriceScale Scale = 8
	// CollateralScale is the precision of the collateral asset.
	CollateralScale Scale = 18
	// BasisPoints is the denominator used for ratios expressed in bp.
	BasisPoints int64 = 10_000
)

// Factor returns 10^s as a fresh big.Int.
func (s Scale) Factor() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s)), nil)
}

// Rounding selects the direction of a lossy division.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

// Amount is an immutable integer number of base units at a given scale. The
// zero value is a zero amount at scale 0 and adopts the scale of whatever it
// is combined with.
type Amount struct {
	units *big.Int
	scale Scale
}

// New returns an Amount holding a copy of units.
func New(units *big.Int, scale Scale) Amount {
	if units == nil {
		return Zero(scale)
	}
	return Amount{units: new(big.Int).Set(units), scale: scale}
}

// FromUnits returns an Amount of the given base units.
func FromUnits(units int64, scale Scale) Amount {
	return Amount{units: big.NewInt(units), scale: scale}
}

// Whole returns n whole tokens, i.e. n * 10^scale base units.
func Whole(n int64, scale Scale) Amount {
	return Amount{units: new(big.Int).Mul(big.NewInt(n), scale.Factor()), scale: scale}
}

// Zero returns a zero amount at the given scale.
func Zero(scale Scale) Amount {
	return Amount{units: new(big.Int), scale: scale}
}

// Parse reads a decimal string such as "3000.5" into an Amount. Inputs with
// more fractional digits than the scale allows are rejected.
func Parse(s string, scale Scale) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("fixed: parse %q: more than %d decimal places", s, scale)
	}
	return Amount{units: shifted.BigInt(), scale: scale}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, scale Scale) Amount {
	a, err := Parse(s, scale)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.units == nil {
		return new(big.Int)
	}
	return a.units
}

// Units returns a copy of the base-unit integer.
func (a Amount) Units() *big.Int { return new(big.Int).Set(a.int()) }

// Scale returns the decimal scale of a.
func (a Amount) Scale() Scale { return a.scale }

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int { return a.int().Sign() }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.Sign() == 0 }

// align resolves the scale shared by a and b. A bare zero value adopts the
// other operand's scale; any other mismatch is a programming error.
func align(a, b Amount) Scale {
	if a.scale == b.scale {
		return a.scale
	}
	if a.units == nil {
		return b.scale
	}
	if b.units == nil {
		return a.scale
	}
	panic(fmt.Sprintf("fixed: scale mismatch %d vs %d", a.scale, b.scale))
}

// Cmp compares a and b, which must share a scale.
func (a Amount) Cmp(b Amount) int {
	align(a, b)
	return a.int().Cmp(b.int())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	s := align(a, b)
	return Amount{units: new(big.Int).Add(a.int(), b.int()), scale: s}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	s := align(a, b)
	return Amount{units: new(big.Int).Sub(a.int(), b.int()), scale: s}
}

// MulDiv returns a * num / den at a's scale.
func (a Amount) MulDiv(num, den *big.Int, r Rounding) Amount {
	return Amount{units: MulDiv(a.int(), num, den, r), scale: a.scale}
}

// MulBps returns a * bps / 10000.
func (a Amount) MulBps(bps int64, r Rounding) Amount {
	return a.MulDiv(big.NewInt(bps), big.NewInt(BasisPoints), r)
}

// Rescale converts a to another scale, rounding when precision is dropped.
func (a Amount) Rescale(to Scale, r Rounding) Amount {
	switch {
	case to == a.scale:
		return a
	case to > a.scale:
		return Amount{units: new(big.Int).Mul(a.int(), (to - a.scale).Factor()), scale: to}
	default:
		return Amount{units: MulDiv(a.int(), big.NewInt(1), (a.scale - to).Factor(), r), scale: to}
	}
}

// Decimal returns a for display and encoding.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.int(), -int32(a.scale))
}

// String renders the decimal form, e.g. "105000" or "0.25".
func (a Amount) String() string { return a.Decimal().String() }

// MarshalText encodes the decimal form. Decoding needs the scale, so
// consumers call Parse with the scale they expect.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MulDiv computes x * num / den with the requested rounding. den must be
// non-zero.
func MulDiv(x, num, den *big.Int, r Rounding) *big.Int {
	if den.Sign() == 0 {
		panic("fixed: division by zero")
	}
	prod := new(big.Int).Mul(x, num)
	d := new(big.Int).Set(den)
	if d.Sign() < 0 {
		d.Neg(d)
		prod.Neg(prod)
	}
	// Euclidean division with a positive divisor floors.
	q, m := new(big.Int).DivMod(prod, d, new(big.Int))
	if r == RoundUp && m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
