// Package vamm implements the virtual constant-product market maker that
// prices perpetual trades. Reserves are virtual: no real liquidity backs
// them, they exist only to shape the execution curve.
//
// All reserve and amount values are fixed-point at scale 10^18 ("wad").
// The invariant constant k = base * quote is recorded at construction and
// only changes through AdjustReserves. Swaps round the trader's output down
// (equivalently, the post-swap out-side reserve rounds up), so the product
// of reserves never drops below k and any truncation drift favors the system.
package vamm

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpEngine/internal/math"
)

var (
	// ErrSlippageExceeded is returned when a swap's output falls short of the
	// caller's minimum (or its input exceeds the caller's maximum).
	ErrSlippageExceeded = errors.New("vamm: slippage exceeded")

	// ErrMarketPaused is returned by state-mutating swaps while the market is
	// paused. Quoting stays available.
	ErrMarketPaused = errors.New("vamm: market paused")

	// ErrInsufficientLiquidity is returned when a requested output would
	// drain a virtual reserve to zero or below.
	ErrInsufficientLiquidity = errors.New("vamm: insufficient virtual liquidity")

	// ErrInvalidReserves is returned when constructing or adjusting a market
	// with non-positive reserves.
	ErrInvalidReserves = errors.New("vamm: reserves must be positive")

	// ErrInvalidAmount is returned for non-positive swap amounts.
	ErrInvalidAmount = errors.New("vamm: amount must be positive")
)

// Direction of a swap through the curve.
type Direction int

const (
	// QuoteToBase spends quote to receive base (opens long, closes short).
	QuoteToBase Direction = iota
	// BaseToQuote spends base to receive quote (opens short, closes long).
	BaseToQuote
)

func (d Direction) String() string {
	switch d {
	case QuoteToBase:
		return "quote_to_base"
	case BaseToQuote:
		return "base_to_quote"
	default:
		return "unknown"
	}
}

// Market holds one perpetual market's virtual reserves.
type Market struct {
	id     string
	base   *big.Int
	quote  *big.Int
	k      *big.Int
	feeBps int64
	paused bool
}

// New creates a market with the given virtual reserves and fee rate.
func New(id string, baseReserve, quoteReserve *big.Int, feeBps int64) (*Market, error) {
	if baseReserve == nil || quoteReserve == nil ||
		baseReserve.Sign() <= 0 || quoteReserve.Sign() <= 0 {
		return nil, ErrInvalidReserves
	}
	if feeBps < 0 || feeBps >= fpmath.BpsScale {
		return nil, fmt.Errorf("vamm: fee %d bps out of range [0, %d)", feeBps, fpmath.BpsScale)
	}

	base := new(big.Int).Set(baseReserve)
	quote := new(big.Int).Set(quoteReserve)

	return &Market{
		id:     id,
		base:   base,
		quote:  quote,
		k:      new(big.Int).Mul(base, quote),
		feeBps: feeBps,
	}, nil
}

// ID returns the market identifier.
func (m *Market) ID() string { return m.id }

// FeeBps returns the trading fee in basis points.
func (m *Market) FeeBps() int64 { return m.feeBps }

// Paused reports whether swaps are disabled.
func (m *Market) Paused() bool { return m.paused }

// SetPaused toggles the paused flag.
func (m *Market) SetPaused(paused bool) { m.paused = paused }

// Reserves returns copies of the current virtual reserves and k.
func (m *Market) Reserves() (base, quote, k *big.Int) {
	return new(big.Int).Set(m.base), new(big.Int).Set(m.quote), new(big.Int).Set(m.k)
}

// SpotPrice returns quote/base at wad scale.
func (m *Market) SpotPrice() *big.Int {
	return fpmath.MulDiv(m.quote, fpmath.Wad, m.base, fpmath.RoundDown)
}

// netOfFee splits amountIn into the curve input and the fee taken off the top.
func (m *Market) netOfFee(amountIn *big.Int) (net, fee *big.Int) {
	fee = fpmath.ApplyBps(amountIn, m.feeBps)
	net = new(big.Int).Sub(amountIn, fee)
	return net, fee
}

// quoteInput computes the post-swap reserves and output for an exact-input
// swap without mutating the market.
func (m *Market) quoteInput(dir Direction, amountIn *big.Int) (newBase, newQuote, amountOut, fee *big.Int, err error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, nil, nil, ErrInvalidAmount
	}

	net, fee := m.netOfFee(amountIn)
	if net.Sign() <= 0 {
		return nil, nil, nil, nil, ErrInvalidAmount
	}

	switch dir {
	case QuoteToBase:
		newQuote = new(big.Int).Add(m.quote, net)
		// Round the shrinking reserve up so base*quote >= k holds and the
		// trader's output rounds down.
		newBase = fpmath.DivRound(m.k, newQuote, fpmath.RoundUp)
		amountOut = new(big.Int).Sub(m.base, newBase)
	case BaseToQuote:
		newBase = new(big.Int).Add(m.base, net)
		newQuote = fpmath.DivRound(m.k, newBase, fpmath.RoundUp)
		amountOut = new(big.Int).Sub(m.quote, newQuote)
	default:
		return nil, nil, nil, nil, fmt.Errorf("vamm: unknown direction %d", dir)
	}

	if amountOut.Sign() <= 0 {
		return nil, nil, nil, nil, ErrInsufficientLiquidity
	}
	return newBase, newQuote, amountOut, fee, nil
}

// quoteOutput computes the reserves and input required to receive an exact
// output, without mutating the market. The fee is always charged on the quote
// leg: for QuoteToBase it is grossed up on the quote input, for BaseToQuote it
// is deducted from the quote output before the curve target is computed (the
// base input returned is exactly what moves the curve).
func (m *Market) quoteOutput(dir Direction, amountOut *big.Int) (newBase, newQuote, amountIn, fee *big.Int, err error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, nil, nil, nil, ErrInvalidAmount
	}

	switch dir {
	case QuoteToBase:
		newBase = new(big.Int).Sub(m.base, amountOut)
		if newBase.Sign() <= 0 {
			return nil, nil, nil, nil, ErrInsufficientLiquidity
		}
		newQuote = fpmath.DivRound(m.k, newBase, fpmath.RoundUp)
		netIn := new(big.Int).Sub(newQuote, m.quote)
		if netIn.Sign() <= 0 {
			return nil, nil, nil, nil, ErrInvalidAmount
		}
		// amountIn * (1 - fee) = netIn, rounded against the trader.
		amountIn = fpmath.MulDiv(netIn, big.NewInt(fpmath.BpsScale),
			big.NewInt(fpmath.BpsScale-m.feeBps), fpmath.RoundUp)
		fee = new(big.Int).Sub(amountIn, netIn)
	case BaseToQuote:
		fee = fpmath.ApplyBps(amountOut, m.feeBps)
		target := new(big.Int).Sub(amountOut, fee)
		if target.Sign() <= 0 {
			return nil, nil, nil, nil, ErrInvalidAmount
		}
		newQuote = new(big.Int).Sub(m.quote, target)
		if newQuote.Sign() <= 0 {
			return nil, nil, nil, nil, ErrInsufficientLiquidity
		}
		newBase = fpmath.DivRound(m.k, newQuote, fpmath.RoundUp)
		amountIn = new(big.Int).Sub(newBase, m.base)
		if amountIn.Sign() <= 0 {
			return nil, nil, nil, nil, ErrInvalidAmount
		}
	default:
		return nil, nil, nil, nil, fmt.Errorf("vamm: unknown direction %d", dir)
	}

	return newBase, newQuote, amountIn, fee, nil
}

// Quote prices an exact-input swap without committing it. Available while
// the market is paused.
func (m *Market) Quote(dir Direction, amountIn *big.Int) (amountOut, fee *big.Int, err error) {
	_, _, amountOut, fee, err = m.quoteInput(dir, amountIn)
	return amountOut, fee, err
}

// QuoteOutput prices an exact-output swap without committing it.
func (m *Market) QuoteOutput(dir Direction, amountOut *big.Int) (amountIn, fee *big.Int, err error) {
	_, _, amountIn, fee, err = m.quoteOutput(dir, amountOut)
	return amountIn, fee, err
}

// SwapInput executes an exact-input swap. Fails with ErrSlippageExceeded if
// the output is below minAmountOut, without touching the reserves.
func (m *Market) SwapInput(dir Direction, amountIn, minAmountOut *big.Int) (amountOut, fee *big.Int, err error) {
	if m.paused {
		return nil, nil, ErrMarketPaused
	}

	newBase, newQuote, amountOut, fee, err := m.quoteInput(dir, amountIn)
	if err != nil {
		return nil, nil, err
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, nil, fmt.Errorf("%w: out %s < min %s", ErrSlippageExceeded, amountOut, minAmountOut)
	}

	m.base.Set(newBase)
	m.quote.Set(newQuote)
	return amountOut, fee, nil
}

// SwapOutput executes an exact-output swap. Fails with ErrSlippageExceeded
// if the required input exceeds maxAmountIn, without touching the reserves.
func (m *Market) SwapOutput(dir Direction, amountOut, maxAmountIn *big.Int) (amountIn, fee *big.Int, err error) {
	if m.paused {
		return nil, nil, ErrMarketPaused
	}

	newBase, newQuote, amountIn, fee, err := m.quoteOutput(dir, amountOut)
	if err != nil {
		return nil, nil, err
	}
	if maxAmountIn != nil && amountIn.Cmp(maxAmountIn) > 0 {
		return nil, nil, fmt.Errorf("%w: in %s > max %s", ErrSlippageExceeded, amountIn, maxAmountIn)
	}

	m.base.Set(newBase)
	m.quote.Set(newQuote)
	return amountIn, fee, nil
}

// PriceImpactBps returns the relative difference between the execution price
// of an exact-input swap and the current spot price, in basis points. The
// result is non-negative: buys execute above spot, sells below.
func (m *Market) PriceImpactBps(dir Direction, amountIn *big.Int) (int64, error) {
	_, _, amountOut, _, err := m.quoteInput(dir, amountIn)
	if err != nil {
		return 0, err
	}

	spot := m.SpotPrice()

	// Execution price in quote-per-base, wad scale.
	var exec *big.Int
	switch dir {
	case QuoteToBase:
		exec = fpmath.MulDiv(amountIn, fpmath.Wad, amountOut, fpmath.RoundUp)
	case BaseToQuote:
		exec = fpmath.MulDiv(amountOut, fpmath.Wad, amountIn, fpmath.RoundDown)
	}

	diff := new(big.Int).Sub(exec, spot)
	diff.Abs(diff)
	impact := fpmath.MulDiv(diff, big.NewInt(fpmath.BpsScale), spot, fpmath.RoundDown)
	if !impact.IsInt64() {
		return 0, fmt.Errorf("vamm: price impact overflows bps range: %s", impact)
	}
	return impact.Int64(), nil
}

// AdjustReserves replaces both reserves and recomputes k. Privileged: the
// clearing house gates this behind its admin capability. This is the only
// path by which k changes.
func (m *Market) AdjustReserves(newBase, newQuote *big.Int) error {
	if newBase == nil || newQuote == nil || newBase.Sign() <= 0 || newQuote.Sign() <= 0 {
		return ErrInvalidReserves
	}
	m.base.Set(newBase)
	m.quote.Set(newQuote)
	m.k.Mul(m.base, m.quote)
	return nil
}

// CheckInvariant verifies base*quote == k up to the one-unit rounding bias:
// the product may exceed k by less than one unit of the rounded-up reserve,
// never fall below it.
func (m *Market) CheckInvariant() error {
	prod := new(big.Int).Mul(m.base, m.quote)
	if prod.Cmp(m.k) < 0 {
		return fmt.Errorf("vamm: invariant violated: base*quote %s < k %s", prod, m.k)
	}

	drift := new(big.Int).Sub(prod, m.k)
	bound := new(big.Int)
	if m.base.Cmp(m.quote) > 0 {
		bound.Set(m.base)
	} else {
		bound.Set(m.quote)
	}
	if drift.Cmp(bound) >= 0 {
		return fmt.Errorf("vamm: invariant drift %s exceeds rounding bound %s", drift, bound)
	}
	return nil
}
