package vamm_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/vamm"
)

func wad(units int64) *big.Int {
	return fpmath.WadFromUnits(units)
}

// newMarket builds the reference market: 1000 base, 2,000,000 quote
// (spot 2000), 30 bps fee.
func newMarket(t *testing.T) *vamm.Market {
	t.Helper()
	m, err := vamm.New("BTC-PERP", wad(1000), wad(2_000_000), 30)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	return m
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_InvalidReserves(t *testing.T) {
	if _, err := vamm.New("X", big.NewInt(0), wad(1), 0); !errors.Is(err, vamm.ErrInvalidReserves) {
		t.Errorf("got %v, want ErrInvalidReserves", err)
	}
	if _, err := vamm.New("X", wad(1), new(big.Int).Neg(wad(1)), 0); !errors.Is(err, vamm.ErrInvalidReserves) {
		t.Errorf("got %v, want ErrInvalidReserves", err)
	}
}

func TestNew_InvalidFee(t *testing.T) {
	if _, err := vamm.New("X", wad(1), wad(1), 10_000); err == nil {
		t.Error("expected error for fee at 100%")
	}
	if _, err := vamm.New("X", wad(1), wad(1), -1); err == nil {
		t.Error("expected error for negative fee")
	}
}

func TestSpotPrice(t *testing.T) {
	m := newMarket(t)
	if got := m.SpotPrice(); got.Cmp(wad(2000)) != 0 {
		t.Errorf("spot = %s, want %s", got, wad(2000))
	}
}

// ============================================================================
// Test: SwapInput
// ============================================================================

func TestSwapInput_FeeOffAmountIn(t *testing.T) {
	m := newMarket(t)

	// 30 bps of 2000 quote is exactly 6.
	out, fee, err := m.SwapInput(vamm.QuoteToBase, wad(2000), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if fee.Cmp(wad(6)) != 0 {
		t.Errorf("fee = %s, want %s", fee, wad(6))
	}
	if out.Sign() <= 0 {
		t.Fatalf("output must be positive, got %s", out)
	}
	// Buying ~1 base of a 1000-base pool: output just under 1 base.
	if out.Cmp(wad(1)) >= 0 {
		t.Errorf("output %s should be below 1 base (price impact)", out)
	}
}

func TestSwapInput_ExactSmallNumbers(t *testing.T) {
	m, err := vamm.New("X", big.NewInt(1000), big.NewInt(2_000_000), 0)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}

	// k = 2e9. In 1,000,000 quote: newQuote = 3e6, newBase = ceil(2e9/3e6) = 667.
	out, _, err := m.SwapInput(vamm.QuoteToBase, big.NewInt(1_000_000), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Int64() != 333 {
		t.Errorf("out = %s, want 333", out)
	}

	base, quote, _ := m.Reserves()
	if base.Int64() != 667 || quote.Int64() != 3_000_000 {
		t.Errorf("reserves = (%s, %s), want (667, 3000000)", base, quote)
	}
}

func TestSwapInput_InvariantNeverBelowK(t *testing.T) {
	m := newMarket(t)

	amounts := []int64{1, 17, 2000, 999_999}
	dir := vamm.QuoteToBase
	for _, units := range amounts {
		if _, _, err := m.SwapInput(dir, wad(units), nil); err != nil {
			t.Fatalf("swap %d: %v", units, err)
		}
		if err := m.CheckInvariant(); err != nil {
			t.Fatalf("after swap %d: %v", units, err)
		}
		// Alternate directions to walk the curve both ways.
		if dir == vamm.QuoteToBase {
			dir = vamm.BaseToQuote
		} else {
			dir = vamm.QuoteToBase
		}
	}
}

func TestSwapInput_SlippageExceeded(t *testing.T) {
	m := newMarket(t)
	base, _, _ := m.Reserves()

	_, _, err := m.SwapInput(vamm.QuoteToBase, wad(2000), wad(2))
	if !errors.Is(err, vamm.ErrSlippageExceeded) {
		t.Fatalf("got %v, want ErrSlippageExceeded", err)
	}

	// Reserves untouched after the rejected swap.
	baseAfter, _, _ := m.Reserves()
	if base.Cmp(baseAfter) != 0 {
		t.Errorf("reserves changed on failed swap: %s -> %s", base, baseAfter)
	}
}

func TestSwapInput_Paused(t *testing.T) {
	m := newMarket(t)
	m.SetPaused(true)

	if _, _, err := m.SwapInput(vamm.QuoteToBase, wad(10), nil); !errors.Is(err, vamm.ErrMarketPaused) {
		t.Errorf("got %v, want ErrMarketPaused", err)
	}
	// Quoting still works while paused.
	if _, _, err := m.Quote(vamm.QuoteToBase, wad(10)); err != nil {
		t.Errorf("quote while paused: %v", err)
	}
}

func TestSwapInput_InvalidAmount(t *testing.T) {
	m := newMarket(t)
	if _, _, err := m.SwapInput(vamm.QuoteToBase, big.NewInt(0), nil); !errors.Is(err, vamm.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	if _, _, err := m.SwapInput(vamm.QuoteToBase, new(big.Int).Neg(wad(1)), nil); !errors.Is(err, vamm.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

// ============================================================================
// Test: SwapOutput
// ============================================================================

func TestSwapOutput_ExactBaseOut(t *testing.T) {
	m, err := vamm.New("X", big.NewInt(1000), big.NewInt(2_000_000), 0)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}

	// Want exactly 100 base out: newBase = 900, newQuote = ceil(2e9/900) = 2,222,223.
	in, _, err := m.SwapOutput(vamm.QuoteToBase, big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if in.Int64() != 222_223 {
		t.Errorf("in = %s, want 222223", in)
	}

	base, _, _ := m.Reserves()
	if base.Int64() != 900 {
		t.Errorf("base reserve = %s, want 900", base)
	}
}

func TestSwapOutput_FeeOnQuoteLeg(t *testing.T) {
	m := newMarket(t)

	// Exact quote out 1000: fee 30 bps = 3 quote, curve target 997.
	in, fee, err := m.SwapOutput(vamm.BaseToQuote, wad(1000), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if fee.Cmp(wad(3)) != 0 {
		t.Errorf("fee = %s, want %s", fee, wad(3))
	}
	if in.Sign() <= 0 {
		t.Errorf("base in must be positive, got %s", in)
	}
	if err := m.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestSwapOutput_MaxInExceeded(t *testing.T) {
	m := newMarket(t)
	if _, _, err := m.SwapOutput(vamm.QuoteToBase, wad(10), wad(1)); !errors.Is(err, vamm.ErrSlippageExceeded) {
		t.Errorf("got %v, want ErrSlippageExceeded", err)
	}
}

func TestSwapOutput_DrainsReserve(t *testing.T) {
	m := newMarket(t)
	if _, _, err := m.SwapOutput(vamm.QuoteToBase, wad(1000), nil); !errors.Is(err, vamm.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

// ============================================================================
// Test: PriceImpact
// ============================================================================

func TestPriceImpactBps_Positive(t *testing.T) {
	m := newMarket(t)

	buy, err := m.PriceImpactBps(vamm.QuoteToBase, wad(10_000))
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if buy <= 0 {
		t.Errorf("buy impact = %d bps, want > 0", buy)
	}

	sell, err := m.PriceImpactBps(vamm.BaseToQuote, wad(5))
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if sell <= 0 {
		t.Errorf("sell impact = %d bps, want > 0", sell)
	}
}

func TestPriceImpactBps_GrowsWithSize(t *testing.T) {
	m := newMarket(t)

	small, _ := m.PriceImpactBps(vamm.QuoteToBase, wad(1_000))
	large, _ := m.PriceImpactBps(vamm.QuoteToBase, wad(100_000))
	if large <= small {
		t.Errorf("impact should grow with size: %d <= %d", large, small)
	}
}

// ============================================================================
// Test: AdjustReserves
// ============================================================================

func TestAdjustReserves_RecomputesK(t *testing.T) {
	m := newMarket(t)
	_, _, kBefore := m.Reserves()

	if err := m.AdjustReserves(wad(1000), wad(1_900_000)); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	base, quote, kAfter := m.Reserves()
	if base.Cmp(wad(1000)) != 0 || quote.Cmp(wad(1_900_000)) != 0 {
		t.Errorf("reserves = (%s, %s)", base, quote)
	}
	if kBefore.Cmp(kAfter) == 0 {
		t.Error("k should change with the reserves")
	}
	want := new(big.Int).Mul(wad(1000), wad(1_900_000))
	if kAfter.Cmp(want) != 0 {
		t.Errorf("k = %s, want %s", kAfter, want)
	}
	if m.SpotPrice().Cmp(wad(1900)) != 0 {
		t.Errorf("spot = %s, want %s", m.SpotPrice(), wad(1900))
	}
}

func TestAdjustReserves_Invalid(t *testing.T) {
	m := newMarket(t)
	if err := m.AdjustReserves(big.NewInt(0), wad(1)); !errors.Is(err, vamm.ErrInvalidReserves) {
		t.Errorf("got %v, want ErrInvalidReserves", err)
	}
}
