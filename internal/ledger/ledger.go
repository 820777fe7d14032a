// Package ledger tracks each trader's free collateral: the unlocked balance
// that can be withdrawn (subject to margin checks) or committed to positions.
// The clearing house is the only caller of the mutating operations; collateral
// committed to an open position lives on the position itself, not here.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientCollateral is returned when a debit exceeds the trader's
	// free balance.
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")

	// ErrMarginViolation is returned when a withdrawal would push one of the
	// trader's open positions below its market's initial margin requirement.
	ErrMarginViolation = errors.New("ledger: withdrawal violates margin requirement")
)

// WithdrawGuard validates that withdrawing amount leaves every open position
// of the trader above initial margin. The clearing house installs itself as
// the guard: it owns the positions, the ledger owns the balances.
type WithdrawGuard interface {
	ValidateWithdrawal(trader uuid.UUID, amount *big.Int) error
}

// AssetBridge is the settlement-asset transfer capability at the system
// boundary. Both calls are atomic: they fully succeed or fail with no
// partial effect.
type AssetBridge interface {
	TransferIn(from uuid.UUID, amount *big.Int) error
	TransferOut(to uuid.UUID, amount *big.Int) error
}

// EntryType classifies a balance mutation for the audit trail.
type EntryType int32

const (
	EntryDeposit EntryType = iota
	EntryWithdrawal
	EntryPositionLock
	EntryPositionRelease
	EntryRealizedPnL
	EntryBadDebt
	EntryLiquidationFee
)

func (et EntryType) String() string {
	switch et {
	case EntryDeposit:
		return "deposit"
	case EntryWithdrawal:
		return "withdrawal"
	case EntryPositionLock:
		return "position_lock"
	case EntryPositionRelease:
		return "position_release"
	case EntryRealizedPnL:
		return "realized_pnl"
	case EntryBadDebt:
		return "bad_debt"
	case EntryLiquidationFee:
		return "liquidation_fee"
	default:
		return "unknown"
	}
}

// Entry is one audit-trail record: a signed delta applied to a trader's free
// balance and the balance after application.
type Entry struct {
	EntryID      uuid.UUID
	Trader       uuid.UUID
	Type         EntryType
	Amount       *big.Int // signed delta to free balance
	BalanceAfter *big.Int
	Ref          string // originating operation, e.g. "open:BTC-PERP"
}

// Ledger holds free collateral balances for all traders.
type Ledger struct {
	balances map[uuid.UUID]*big.Int
	bridge   AssetBridge
	guard    WithdrawGuard
	sink     func(Entry)
	log      zerolog.Logger
}

// New creates an empty ledger bound to the given asset bridge.
func New(bridge AssetBridge, log zerolog.Logger) *Ledger {
	return &Ledger{
		balances: make(map[uuid.UUID]*big.Int),
		bridge:   bridge,
		log:      log,
	}
}

// SetWithdrawGuard installs the margin guard consulted on every withdrawal.
func (l *Ledger) SetWithdrawGuard(g WithdrawGuard) {
	l.guard = g
}

// SetEntrySink installs a callback receiving every audit entry. Entries are
// emitted after the mutation commits.
func (l *Ledger) SetEntrySink(sink func(Entry)) {
	l.sink = sink
}

// Balance returns a copy of the trader's free collateral balance.
func (l *Ledger) Balance(trader uuid.UUID) *big.Int {
	if b, ok := l.balances[trader]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) account(trader uuid.UUID) *big.Int {
	b, ok := l.balances[trader]
	if !ok {
		b = new(big.Int)
		l.balances[trader] = b
	}
	return b
}

func (l *Ledger) emit(trader uuid.UUID, et EntryType, delta *big.Int, ref string) {
	if l.sink == nil {
		return
	}
	l.sink(Entry{
		EntryID:      uuid.New(),
		Trader:       trader,
		Type:         et,
		Amount:       new(big.Int).Set(delta),
		BalanceAfter: l.Balance(trader),
		Ref:          ref,
	})
}

// Deposit transfers amount in through the asset bridge and credits the
// trader's free balance. Always succeeds for a positive amount (bridge
// failures abort with no balance change).
func (l *Ledger) Deposit(trader uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.bridge.TransferIn(trader, amount); err != nil {
		return fmt.Errorf("ledger: deposit transfer: %w", err)
	}

	l.account(trader).Add(l.account(trader), amount)
	l.emit(trader, EntryDeposit, amount, "deposit")

	l.log.Debug().Str("trader", trader.String()).Str("amount", amount.String()).Msg("deposit credited")
	return nil
}

// Withdraw debits the trader's free balance and transfers amount out through
// the asset bridge. Fails with ErrInsufficientCollateral if amount exceeds
// the balance, and with ErrMarginViolation if the installed guard rejects
// the hypothetical post-withdrawal state.
func (l *Ledger) Withdraw(trader uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	bal := l.account(trader)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientCollateral, bal, amount)
	}

	if l.guard != nil {
		if err := l.guard.ValidateWithdrawal(trader, amount); err != nil {
			return err
		}
	}

	if err := l.bridge.TransferOut(trader, amount); err != nil {
		return fmt.Errorf("ledger: withdrawal transfer: %w", err)
	}

	bal.Sub(bal, amount)
	neg := new(big.Int).Neg(amount)
	l.emit(trader, EntryWithdrawal, neg, "withdraw")

	l.log.Debug().Str("trader", trader.String()).Str("amount", amount.String()).Msg("withdrawal debited")
	return nil
}

// Lock moves amount from free balance into a position's committed collateral
// (the position record itself carries the committed amount). Fails with
// ErrInsufficientCollateral.
func (l *Ledger) Lock(trader uuid.UUID, amount *big.Int, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal := l.account(trader)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientCollateral, bal, amount)
	}
	bal.Sub(bal, amount)
	l.emit(trader, EntryPositionLock, new(big.Int).Neg(amount), ref)
	return nil
}

// Release returns committed collateral to the trader's free balance.
func (l *Ledger) Release(trader uuid.UUID, amount *big.Int, ref string) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.account(trader).Add(l.account(trader), amount)
	l.emit(trader, EntryPositionRelease, amount, ref)
	return nil
}

// RealizePnL applies a signed gain or loss to the trader's free balance.
// Gains credit in full. Losses debit at most the current balance; any excess
// is returned as bad debt with the balance floored at zero — the caller
// routes the excess to insurance-fund coverage.
func (l *Ledger) RealizePnL(trader uuid.UUID, delta *big.Int, ref string) (badDebt *big.Int) {
	badDebt = new(big.Int)
	if delta == nil || delta.Sign() == 0 {
		return badDebt
	}

	bal := l.account(trader)
	applied := new(big.Int).Set(delta)

	if delta.Sign() < 0 {
		loss := new(big.Int).Neg(delta)
		if loss.Cmp(bal) > 0 {
			badDebt.Sub(loss, bal)
			applied.Neg(bal)
		}
	}

	bal.Add(bal, applied)
	l.emit(trader, EntryRealizedPnL, applied, ref)

	if badDebt.Sign() > 0 {
		l.emit(trader, EntryBadDebt, badDebt, ref)
		l.log.Warn().
			Str("trader", trader.String()).
			Str("bad_debt", badDebt.String()).
			Str("ref", ref).
			Msg("loss exceeds free collateral")
	}
	return badDebt
}

// Credit adds amount to the trader's free balance without a bridge transfer.
// Used for in-system payouts such as liquidation fees.
func (l *Ledger) Credit(trader uuid.UUID, amount *big.Int, et EntryType, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.account(trader).Add(l.account(trader), amount)
	l.emit(trader, et, amount, ref)
	return nil
}

// TotalBalance sums all free collateral. Used by invariant checks: the total
// can only change through deposits, withdrawals, PnL, fees, and coverage.
func (l *Ledger) TotalBalance() *big.Int {
	total := new(big.Int)
	for _, b := range l.balances {
		total.Add(total, b)
	}
	return total
}
