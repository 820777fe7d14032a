package math

import (
	"fmt"
	"math/big"
	"sync"
)

// All monetary values (collateral, reserves, notional, position size) are
// fixed-point integers at scale 10^18 ("wad"). Rates and ratios (fees,
// leverage, margin fractions, funding rates) are basis points at scale 10^4.
const (
	WadDecimals = 18
	BpsScale    = 10_000
)

// Wad is 10^18 as a big.Int. Treat as read-only.
var Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)

// OneDay is the funding-rate normalization window, in seconds.
const OneDay int64 = 86_400

// RoundingMode selects how division truncates.
type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward negative infinity — trader outputs
	RoundUp                           // toward positive infinity — inputs owed to the system
	RoundHalfEven                     // banker's rounding — PnL and funding splits
)

// intPool recycles big.Int intermediates. Products of two wad values need
// 256-bit headroom, which big.Int provides; the pool keeps allocation off the
// swap hot path.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

var one = big.NewInt(1)

// DivRound divides num by denom with the given rounding mode and returns a
// freshly allocated result. denom must be positive.
func DivRound(num, denom *big.Int, mode RoundingMode) *big.Int {
	quo := new(big.Int)
	rem := getInt()
	defer putInt(rem)

	quo.QuoRem(num, denom, rem)

	if rem.Sign() == 0 {
		return quo
	}

	switch mode {
	case RoundDown:
		// QuoRem truncates toward zero; a truncated negative quotient is
		// above the true value, so bias it down.
		if num.Sign() < 0 {
			quo.Sub(quo, one)
		}
	case RoundUp:
		if num.Sign() > 0 {
			quo.Add(quo, one)
		}
	case RoundHalfEven:
		doubled := getInt()
		doubled.Abs(rem)
		doubled.Lsh(doubled, 1)
		cmp := doubled.Cmp(denom)
		putInt(doubled)
		if cmp > 0 || (cmp == 0 && quo.Bit(0) == 1) {
			if num.Sign() >= 0 {
				quo.Add(quo, one)
			} else {
				quo.Sub(quo, one)
			}
		}
	}

	return quo
}

// MulDiv computes a*b/denom through a wide intermediate.
func MulDiv(a, b, denom *big.Int, mode RoundingMode) *big.Int {
	prod := getInt()
	defer putInt(prod)
	prod.Mul(a, b)
	return DivRound(prod, denom, mode)
}

// ApplyBps scales a wad amount by a basis-point rate, rounding down.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), big.NewInt(BpsScale), RoundDown)
}

// WadFromUnits converts whole units into wad scale.
func WadFromUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), Wad)
}

// WadMul multiplies two wad values, descaling by 10^18, rounding down.
func WadMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Wad, RoundDown)
}

// WadDiv divides two wad values, rescaling by 10^18, rounding down.
func WadDiv(a, b *big.Int) *big.Int {
	return MulDiv(a, Wad, b, RoundDown)
}

// PremiumBps returns (mark - index) * 10_000 / index as an int64.
// Both prices are wad-scaled. index must be positive.
func PremiumBps(markPrice, indexPrice *big.Int) (int64, error) {
	if indexPrice.Sign() <= 0 {
		return 0, fmt.Errorf("math: index price must be positive, got %s", indexPrice)
	}

	diff := getInt()
	defer putInt(diff)
	diff.Sub(markPrice, indexPrice)

	bps := MulDiv(diff, big.NewInt(BpsScale), indexPrice, RoundHalfEven)
	if !bps.IsInt64() {
		// A premium beyond int64 bps is a corrupt input, not a rate.
		return 0, fmt.Errorf("math: premium overflows bps range: %s", bps)
	}
	return bps.Int64(), nil
}

// ClampBps limits v to [-maxAbs, +maxAbs].
func ClampBps(v, maxAbs int64) int64 {
	if v > maxAbs {
		return maxAbs
	}
	if v < -maxAbs {
		return -maxAbs
	}
	return v
}

// Notional values |size| at the given wad price.
func Notional(size, price *big.Int) *big.Int {
	abs := getInt()
	defer putInt(abs)
	abs.Abs(size)
	return MulDiv(abs, price, Wad, RoundDown)
}

// ToFloat converts a wad amount to whole units as a float64, for metrics
// only. Precision loss is acceptable there and nowhere else.
func ToFloat(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetInt(Wad),
	).Float64()
	return f
}
