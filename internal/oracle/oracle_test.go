package oracle_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
)

func wad(units int64) *big.Int {
	return fpmath.WadFromUnits(units)
}

// ============================================================================
// Test: Cache
// ============================================================================

func TestCache_SetAndGet(t *testing.T) {
	c := oracle.NewCache(30 * time.Second)
	ts := time.Now()

	if err := c.Set("BTC-PERP", wad(2000), ts); err != nil {
		t.Fatalf("set: %v", err)
	}

	price, gotTS, err := c.IndexPrice("BTC-PERP")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price.Cmp(wad(2000)) != 0 {
		t.Errorf("price = %s, want %s", price, wad(2000))
	}
	if !gotTS.Equal(ts) {
		t.Errorf("ts = %v, want %v", gotTS, ts)
	}
}

func TestCache_MissingMarket(t *testing.T) {
	c := oracle.NewCache(30 * time.Second)
	if _, _, err := c.IndexPrice("NOPE"); !errors.Is(err, oracle.ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
	if !c.IsStale("NOPE") {
		t.Error("missing market must report stale")
	}
}

func TestCache_RejectsNonPositivePrice(t *testing.T) {
	c := oracle.NewCache(30 * time.Second)
	if err := c.Set("BTC-PERP", big.NewInt(0), time.Now()); err == nil {
		t.Error("expected error for zero price")
	}
	if err := c.Set("BTC-PERP", new(big.Int).Neg(wad(1)), time.Now()); err == nil {
		t.Error("expected error for negative price")
	}
	if err := c.Set("BTC-PERP", nil, time.Now()); err == nil {
		t.Error("expected error for nil price")
	}
}

func TestCache_DropsOutOfOrderUpdate(t *testing.T) {
	c := oracle.NewCache(30 * time.Second)
	now := time.Now()

	c.Set("BTC-PERP", wad(2000), now)
	// A stale replay with an earlier timestamp must not clobber the cache.
	if err := c.Set("BTC-PERP", wad(1500), now.Add(-time.Minute)); err != nil {
		t.Fatalf("set: %v", err)
	}

	price, _, err := c.IndexPrice("BTC-PERP")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price.Cmp(wad(2000)) != 0 {
		t.Errorf("price = %s, want %s (older update must be dropped)", price, wad(2000))
	}
}

func TestCache_Staleness(t *testing.T) {
	c := oracle.NewCache(30 * time.Second)

	c.Set("BTC-PERP", wad(2000), time.Now())
	if c.IsStale("BTC-PERP") {
		t.Error("fresh price reported stale")
	}

	c.Set("ETH-PERP", wad(100), time.Now().Add(-time.Minute))
	if !c.IsStale("ETH-PERP") {
		t.Error("minute-old price must be stale with a 30s window")
	}
}

// ============================================================================
// Test: NormalizePrice
// ============================================================================

func TestNormalizePrice(t *testing.T) {
	got, err := oracle.NormalizePrice("2000.5")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := new(big.Int).Add(wad(2000), new(big.Int).Div(fpmath.Wad, big.NewInt(2)))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalizePrice_Integer(t *testing.T) {
	got, err := oracle.NormalizePrice("42")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Cmp(wad(42)) != 0 {
		t.Errorf("got %s, want %s", got, wad(42))
	}
}

func TestNormalizePrice_Rejects(t *testing.T) {
	for _, raw := range []string{"", "not a number", "0", "-12.5"} {
		if _, err := oracle.NormalizePrice(raw); err == nil {
			t.Errorf("NormalizePrice(%q): expected error", raw)
		}
	}
}

// ============================================================================
// Test: Static fixture
// ============================================================================

func TestStatic_Adapter(t *testing.T) {
	s := oracle.NewStatic()

	if !s.IsStale("BTC-PERP") {
		t.Error("unset market must be stale")
	}

	s.SetPrice("BTC-PERP", wad(2000))
	if s.IsStale("BTC-PERP") {
		t.Error("set market must be fresh by default")
	}
	price, _, err := s.IndexPrice("BTC-PERP")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price.Cmp(wad(2000)) != 0 {
		t.Errorf("price = %s, want %s", price, wad(2000))
	}

	s.Stale["BTC-PERP"] = true
	if !s.IsStale("BTC-PERP") {
		t.Error("forced staleness not honored")
	}
}
