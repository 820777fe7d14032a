// Package insurance implements the shared reserve that backstops the system:
// it accumulates liquidation fees and trading-fee surplus, and covers bad
// debt left behind when a liquidated trader's loss exceeds their collateral.
package insurance

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInsufficientFund is returned by governance withdrawals that exceed the
// current balance. Coverage never returns it: CoverBadDebt pays what it can
// and reports the shortfall instead.
var ErrInsufficientFund = errors.New("insurance: insufficient fund balance")

// Fund is the insurance-fund singleton. The balance only moves through
// ReceiveFee, CoverBadDebt, and governance Withdraw. The contribution ledger
// is informational: it never gates coverage.
type Fund struct {
	balance       *big.Int
	minBalance    *big.Int
	contributions map[uuid.UUID]*big.Int
	log           zerolog.Logger
}

// New creates a fund with the given health threshold.
func New(minBalance *big.Int, log zerolog.Logger) *Fund {
	mb := new(big.Int)
	if minBalance != nil {
		mb.Set(minBalance)
	}
	return &Fund{
		balance:       new(big.Int),
		minBalance:    mb,
		contributions: make(map[uuid.UUID]*big.Int),
		log:           log,
	}
}

// Balance returns a copy of the current balance.
func (f *Fund) Balance() *big.Int {
	return new(big.Int).Set(f.balance)
}

// Contribution returns the cumulative amount attributed to a trader.
func (f *Fund) Contribution(trader uuid.UUID) *big.Int {
	if c, ok := f.contributions[trader]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

// ReceiveFee credits the fund. source attributes the contribution; pass
// uuid.Nil for system-originated fees. Zero amounts are ignored.
func (f *Fund) ReceiveFee(source uuid.UUID, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f.balance.Add(f.balance, amount)

	if source != uuid.Nil {
		c, ok := f.contributions[source]
		if !ok {
			c = new(big.Int)
			f.contributions[source] = c
		}
		c.Add(c, amount)
	}
}

// CoverBadDebt pays out up to the current balance against a liquidated
// trader's uncovered loss. If the fund cannot cover the full amount it pays
// the entire balance and reports the remainder as a shortfall — a solvency
// event the caller must surface, never a failure of the liquidation itself.
func (f *Fund) CoverBadDebt(trader uuid.UUID, amount *big.Int) (covered, shortfall *big.Int) {
	covered = new(big.Int)
	shortfall = new(big.Int)
	if amount == nil || amount.Sign() <= 0 {
		return covered, shortfall
	}

	if f.balance.Cmp(amount) >= 0 {
		covered.Set(amount)
	} else {
		covered.Set(f.balance)
		shortfall.Sub(amount, f.balance)
	}
	f.balance.Sub(f.balance, covered)

	if shortfall.Sign() > 0 {
		f.log.Error().
			Str("trader", trader.String()).
			Str("bad_debt", amount.String()).
			Str("covered", covered.String()).
			Str("shortfall", shortfall.String()).
			Msg("insurance fund exhausted during bad debt coverage")
	}
	return covered, shortfall
}

// Withdraw removes amount from the fund. Governance-only: the clearing house
// gates this behind its admin capability.
func (f *Fund) Withdraw(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("insurance: amount must be positive")
	}
	if f.balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientFund, f.balance, amount)
	}
	f.balance.Sub(f.balance, amount)
	return nil
}

// IsHealthy reports whether the balance exceeds the configured minimum.
// Informational readiness signal only; it is not a circuit breaker.
func (f *Fund) IsHealthy() bool {
	return f.balance.Cmp(f.minBalance) > 0
}
