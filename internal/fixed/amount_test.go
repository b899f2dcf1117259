package fixed

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		scale Scale
		units string
		err   bool
	}{
		{"3000", PriceScale, "300000000000", false},
		{"0.5", StableScale, "500000", false},
		{"1.000000000000000001", CollateralScale, "1000000000000000001", false},
		{"0.0000001", StableScale, "", true},
		{"abc", StableScale, "", true},
		{"-2.25", StableScale, "-2250000", false},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, tt.scale)
		if tt.err {
			if err == nil {
				t.Errorf("Parse(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got.Units().String() != tt.units {
			t.Errorf("Parse(%q) units = %s, want %s", tt.in, got.Units(), tt.units)
		}
	}
}

func TestStringTrimsTrailingZeros(t *testing.T) {
	if s := Whole(105000, StableScale).String(); s != "105000" {
		t.Fatalf("String() = %q", s)
	}
	if s := FromUnits(250000, StableScale).String(); s != "0.25" {
		t.Fatalf("String() = %q", s)
	}
}

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		x, num, den int64
		r           Rounding
		want        int64
	}{
		{10, 1, 3, RoundDown, 3},
		{10, 1, 3, RoundUp, 4},
		{9, 1, 3, RoundUp, 3},
		{-10, 1, 3, RoundDown, -4},
		{-10, 1, 3, RoundUp, -3},
		{10, 1, -3, RoundDown, -4},
	}
	for _, tt := range tests {
		got := MulDiv(big.NewInt(tt.x), big.NewInt(tt.num), big.NewInt(tt.den), tt.r)
		if got.Int64() != tt.want {
			t.Errorf("MulDiv(%d,%d,%d,%d) = %s, want %d", tt.x, tt.num, tt.den, tt.r, got, tt.want)
		}
	}
}

func TestMulDivMultipliesFirst(t *testing.T) {
	// 1 * 3 / 2 would be 0 if the division came first.
	got := FromUnits(1, StableScale).MulDiv(big.NewInt(3), big.NewInt(2), RoundDown)
	if got.Units().Int64() != 1 {
		t.Fatalf("got %s, want 1 unit", got.Units())
	}
}

func TestZeroValueAdoptsScale(t *testing.T) {
	var z Amount
	sum := z.Add(Whole(5, StableScale))
	if sum.Scale() != StableScale || sum.Cmp(Whole(5, StableScale)) != 0 {
		t.Fatalf("sum = %s at scale %d", sum, sum.Scale())
	}
}

func TestScaleMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on scale mismatch")
		}
	}()
	Whole(1, StableScale).Add(Whole(1, CollateralScale))
}

func TestRescale(t *testing.T) {
	a := FromUnits(1_234_567, StableScale)
	if got := a.Rescale(2, RoundDown).Units().Int64(); got != 123 {
		t.Errorf("down = %d", got)
	}
	if got := a.Rescale(2, RoundUp).Units().Int64(); got != 124 {
		t.Errorf("up = %d", got)
	}
	if got := a.Rescale(8, RoundDown).Units().Int64(); got != 123_456_700 {
		t.Errorf("widen = %d", got)
	}
}

func TestMinMax(t *testing.T) {
	a, b := Whole(1, StableScale), Whole(2, StableScale)
	if Min(a, b).Cmp(a) != 0 || Max(a, b).Cmp(b) != 0 {
		t.Fatal("min/max mismatch")
	}
}
