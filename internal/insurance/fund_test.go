package insurance_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpEngine/internal/insurance"
	fpmath "PerpEngine/internal/math"
)

func wad(units int64) *big.Int {
	return fpmath.WadFromUnits(units)
}

// ============================================================================
// Test: ReceiveFee
// ============================================================================

func TestFund_ReceiveFee(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	trader := uuid.New()

	f.ReceiveFee(trader, wad(10))
	f.ReceiveFee(trader, wad(5))

	if got := f.Balance(); got.Cmp(wad(15)) != 0 {
		t.Errorf("balance = %s, want %s", got, wad(15))
	}
	if got := f.Contribution(trader); got.Cmp(wad(15)) != 0 {
		t.Errorf("contribution = %s, want %s", got, wad(15))
	}
}

func TestFund_ReceiveFee_SystemSource(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())

	// uuid.Nil credits the balance but records no contribution.
	f.ReceiveFee(uuid.Nil, wad(10))
	if got := f.Balance(); got.Cmp(wad(10)) != 0 {
		t.Errorf("balance = %s, want %s", got, wad(10))
	}
	if got := f.Contribution(uuid.Nil); got.Sign() != 0 {
		t.Errorf("nil contribution = %s, want 0", got)
	}
}

func TestFund_ReceiveFee_IgnoresNonPositive(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	f.ReceiveFee(uuid.New(), big.NewInt(0))
	f.ReceiveFee(uuid.New(), new(big.Int).Neg(wad(1)))
	f.ReceiveFee(uuid.New(), nil)
	if got := f.Balance(); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
}

// ============================================================================
// Test: CoverBadDebt
// ============================================================================

func TestFund_CoverBadDebt_Full(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	f.ReceiveFee(uuid.Nil, wad(100))

	covered, shortfall := f.CoverBadDebt(uuid.New(), wad(30))
	if covered.Cmp(wad(30)) != 0 {
		t.Errorf("covered = %s, want %s", covered, wad(30))
	}
	if shortfall.Sign() != 0 {
		t.Errorf("shortfall = %s, want 0", shortfall)
	}
	if got := f.Balance(); got.Cmp(wad(70)) != 0 {
		t.Errorf("balance = %s, want %s", got, wad(70))
	}
}

func TestFund_CoverBadDebt_Shortfall(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	f.ReceiveFee(uuid.Nil, wad(10))

	covered, shortfall := f.CoverBadDebt(uuid.New(), wad(25))
	if covered.Cmp(wad(10)) != 0 {
		t.Errorf("covered = %s, want %s", covered, wad(10))
	}
	if shortfall.Cmp(wad(15)) != 0 {
		t.Errorf("shortfall = %s, want %s", shortfall, wad(15))
	}
	if got := f.Balance(); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestFund_CoverBadDebt_EmptyFund(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())

	covered, shortfall := f.CoverBadDebt(uuid.New(), wad(5))
	if covered.Sign() != 0 {
		t.Errorf("covered = %s, want 0", covered)
	}
	if shortfall.Cmp(wad(5)) != 0 {
		t.Errorf("shortfall = %s, want %s", shortfall, wad(5))
	}
}

func TestFund_CoverBadDebt_ZeroAmount(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	f.ReceiveFee(uuid.Nil, wad(10))

	covered, shortfall := f.CoverBadDebt(uuid.New(), big.NewInt(0))
	if covered.Sign() != 0 || shortfall.Sign() != 0 {
		t.Errorf("covered = %s, shortfall = %s, want 0, 0", covered, shortfall)
	}
}

// ============================================================================
// Test: Withdraw / IsHealthy
// ============================================================================

func TestFund_Withdraw(t *testing.T) {
	f := insurance.New(nil, zerolog.Nop())
	f.ReceiveFee(uuid.Nil, wad(100))

	if err := f.Withdraw(wad(40)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.Balance(); got.Cmp(wad(60)) != 0 {
		t.Errorf("balance = %s, want %s", got, wad(60))
	}

	if err := f.Withdraw(wad(61)); !errors.Is(err, insurance.ErrInsufficientFund) {
		t.Errorf("got %v, want ErrInsufficientFund", err)
	}
	if err := f.Withdraw(big.NewInt(0)); err == nil {
		t.Error("expected error for zero withdrawal")
	}
}

func TestFund_IsHealthy(t *testing.T) {
	f := insurance.New(wad(50), zerolog.Nop())

	if f.IsHealthy() {
		t.Error("empty fund must not be healthy against a 50 floor")
	}
	f.ReceiveFee(uuid.Nil, wad(50))
	if f.IsHealthy() {
		t.Error("balance at the floor is not above it")
	}
	f.ReceiveFee(uuid.Nil, wad(1))
	if !f.IsHealthy() {
		t.Error("balance above the floor must be healthy")
	}
}
