package funding_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpEngine/internal/funding"
	fpmath "PerpEngine/internal/math"
)

func wad(units int64) *big.Int {
	return fpmath.WadFromUnits(units)
}

// newEngine registers BTC-PERP with a 1h period and a 100 bps cap, first
// window opening at t=0.
func newEngine(t *testing.T) *funding.Engine {
	t.Helper()
	e := funding.NewEngine()
	if err := e.AddMarket("BTC-PERP", 3600, 100, 0); err != nil {
		t.Fatalf("add market: %v", err)
	}
	return e
}

// ============================================================================
// Test: AddMarket
// ============================================================================

func TestEngine_AddMarket_Duplicate(t *testing.T) {
	e := newEngine(t)
	if err := e.AddMarket("BTC-PERP", 3600, 100, 0); err == nil {
		t.Error("expected error on duplicate market")
	}
}

func TestEngine_AddMarket_InvalidPeriod(t *testing.T) {
	e := funding.NewEngine()
	if err := e.AddMarket("X", 0, 100, 0); err == nil {
		t.Error("expected error for zero period")
	}
}

func TestEngine_UnknownMarket(t *testing.T) {
	e := funding.NewEngine()
	if _, err := e.CumulativeIndex("NOPE"); !errors.Is(err, funding.ErrUnknownMarket) {
		t.Errorf("got %v, want ErrUnknownMarket", err)
	}
}

// ============================================================================
// Test: UpdateFundingRate
// ============================================================================

func TestEngine_UpdateFundingRate(t *testing.T) {
	e := newEngine(t)

	// mark 2100 / index 2000: premium 500 bps, scaled to a 1h period of a
	// 24h day: 500 * 3600 / 86400 = 20 bps.
	rate, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 20 {
		t.Errorf("rate = %d bps, want 20", rate)
	}

	idx, err := e.CumulativeIndex("BTC-PERP")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if idx != 20 {
		t.Errorf("cumulative index = %d, want 20", idx)
	}

	longRate, shortRate, err := e.Rates("BTC-PERP")
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if longRate != 20 || shortRate != -20 {
		t.Errorf("rates = (%d, %d), want (20, -20)", longRate, shortRate)
	}
}

func TestEngine_UpdateFundingRate_TooEarly(t *testing.T) {
	e := newEngine(t)
	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3599); !errors.Is(err, funding.ErrTooEarly) {
		t.Errorf("got %v, want ErrTooEarly", err)
	}
	// Exactly one period elapsed is allowed.
	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600); err != nil {
		t.Errorf("at boundary: %v", err)
	}
}

func TestEngine_UpdateFundingRate_Clamped(t *testing.T) {
	e := funding.NewEngine()
	if err := e.AddMarket("X", 3600, 10, 0); err != nil {
		t.Fatalf("add market: %v", err)
	}

	// Unclamped the rate would be 20 bps; the cap takes it to 10.
	rate, err := e.UpdateFundingRate("X", wad(2100), wad(2000), 3600)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 10 {
		t.Errorf("rate = %d bps, want 10 (clamped)", rate)
	}
}

func TestEngine_UpdateFundingRate_NegativeAccumulates(t *testing.T) {
	e := newEngine(t)

	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	// Mark below index: rate -20 bps, index back to zero.
	rate, err := e.UpdateFundingRate("BTC-PERP", wad(1900), wad(2000), 7200)
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if rate != -20 {
		t.Errorf("rate = %d bps, want -20", rate)
	}
	idx, _ := e.CumulativeIndex("BTC-PERP")
	if idx != 0 {
		t.Errorf("cumulative index = %d, want 0", idx)
	}
}

// ============================================================================
// Test: Pending / Settle
// ============================================================================

func TestEngine_Pending_LongPaysOnPositiveDelta(t *testing.T) {
	e := newEngine(t)
	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Long of 10 base against a 20 bps delta owes 10 * 20 / 10000 = 0.02.
	owed, err := e.Pending("BTC-PERP", wad(10), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := new(big.Int).Div(wad(2), big.NewInt(100))
	if owed.Cmp(want) != 0 {
		t.Errorf("owed = %s, want %s", owed, want)
	}

	// Same-size short receives the same amount.
	shortOwed, err := e.Pending("BTC-PERP", new(big.Int).Neg(wad(10)), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if shortOwed.Cmp(new(big.Int).Neg(want)) != 0 {
		t.Errorf("short owed = %s, want %s", shortOwed, new(big.Int).Neg(want))
	}
}

func TestEngine_Pending_NoDelta(t *testing.T) {
	e := newEngine(t)
	owed, err := e.Pending("BTC-PERP", wad(10), 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if owed.Sign() != 0 {
		t.Errorf("owed = %s, want 0", owed)
	}
}

func TestEngine_Settle_MatchesPending(t *testing.T) {
	e := newEngine(t)
	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, _ := e.Pending("BTC-PERP", wad(10), 0)
	owed, settledIndex, err := e.Settle("BTC-PERP", wad(10), 0)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if owed.Cmp(pending) != 0 {
		t.Errorf("settle owed %s != pending %s", owed, pending)
	}
	if settledIndex != 20 {
		t.Errorf("settled index = %d, want 20", settledIndex)
	}

	// Settled-through: nothing further owed from the returned index.
	owed2, err := e.Pending("BTC-PERP", wad(10), settledIndex)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if owed2.Sign() != 0 {
		t.Errorf("owed after settle = %s, want 0", owed2)
	}
}

// ============================================================================
// Test: Admin knobs
// ============================================================================

func TestEngine_SetPeriod(t *testing.T) {
	e := newEngine(t)
	if err := e.SetPeriod("BTC-PERP", 1800); err != nil {
		t.Fatalf("set period: %v", err)
	}
	// Half-hour period halves the rate: 500 * 1800 / 86400 = 10 bps.
	rate, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 1800)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 10 {
		t.Errorf("rate = %d bps, want 10", rate)
	}

	if err := e.SetPeriod("BTC-PERP", -1); err == nil {
		t.Error("expected error for negative period")
	}
}

func TestEngine_SetMaxRate(t *testing.T) {
	e := newEngine(t)
	if err := e.SetMaxRate("BTC-PERP", 5); err != nil {
		t.Fatalf("set max rate: %v", err)
	}
	rate, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rate != 5 {
		t.Errorf("rate = %d bps, want 5 (clamped)", rate)
	}
}

func TestEngine_Snapshot(t *testing.T) {
	e := newEngine(t)
	if _, err := e.UpdateFundingRate("BTC-PERP", wad(2100), wad(2000), 3600); err != nil {
		t.Fatalf("update: %v", err)
	}
	s, err := e.Snapshot("BTC-PERP")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.CumulativeIndex != 20 || s.LastSettlement != 3600 || s.LastRateBps != 20 {
		t.Errorf("snapshot = %+v", s)
	}
}
