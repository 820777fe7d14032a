package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/vamm"
)

// Deposit moves settlement asset in through the bridge and credits the
// trader's free collateral.
func (e *Engine) Deposit(trader uuid.UUID, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Deposit(trader, amount); err != nil {
		return err
	}
	e.emit(Event{Type: EventDeposit, Trader: trader, Amount: amount.String()})
	if e.metrics != nil {
		e.metrics.Deposits.Inc()
	}
	return nil
}

// Withdraw debits free collateral and moves it out through the bridge. The
// engine's margin guard rejects withdrawals that would leave an open position
// without its initial margin backing.
func (e *Engine) Withdraw(trader uuid.UUID, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Withdraw(trader, amount); err != nil {
		return err
	}
	e.emit(Event{Type: EventWithdrawal, Trader: trader, Amount: amount.String()})
	if e.metrics != nil {
		e.metrics.Withdrawals.Inc()
	}
	return nil
}

// settleFunding realizes the pending funding on a position through the ledger
// and records the settled-through index. Any uncovered funding loss is routed
// to insurance coverage.
func (e *Engine) settleFunding(pos *Position) error {
	owed, settledIndex, err := e.funding.Settle(pos.MarketID, pos.Size, pos.LastFundingIndex)
	if err != nil {
		return err
	}
	if owed.Sign() != 0 {
		payment := new(big.Int).Neg(owed) // positive owed debits the trader
		badDebt := e.ledger.RealizePnL(pos.Trader, payment, "funding:"+pos.MarketID)
		if badDebt.Sign() > 0 {
			e.coverBadDebt(pos.Trader, pos.MarketID, badDebt)
		}
	}
	pos.LastFundingIndex = settledIndex
	return nil
}

// coverBadDebt draws on the insurance fund and records any shortfall as a
// solvency event.
func (e *Engine) coverBadDebt(trader uuid.UUID, marketID string, badDebt *big.Int) {
	covered, shortfall := e.fund.CoverBadDebt(trader, badDebt)
	if e.metrics != nil {
		e.metrics.BadDebtCovered.Add(fpmath.ToFloat(covered))
	}
	if shortfall.Sign() > 0 {
		e.shortfall.Add(e.shortfall, shortfall)
		e.emit(Event{
			Type:     EventBadDebtShortfall,
			Trader:   trader,
			MarketID: marketID,
			Amount:   shortfall.String(),
		})
	}
}

// routeFee credits a trading fee to the insurance fund, attributed to the
// paying trader.
func (e *Engine) routeFee(trader uuid.UUID, fee *big.Int) {
	if fee == nil || fee.Sign() <= 0 {
		return
	}
	e.fund.ReceiveFee(trader, fee)
	if e.metrics != nil {
		e.metrics.FeesCollected.Add(fpmath.ToFloat(fee))
	}
}

func checkDeadline(now, deadline time.Time) error {
	if !deadline.IsZero() && now.After(deadline) {
		return ErrDeadlineExceeded
	}
	return nil
}

// OpenPosition opens or extends an isolated-margin position. The quote
// notional driven through the vAMM is collateralIn scaled by leverage; the
// returned position reflects the state after the fill.
//
// sizeLimit is the trader's slippage bound on the filled base size: the
// minimum acceptable size for a long, the maximum for a short. Nil disables
// the bound. An open against an existing position on the opposite side is
// rejected; the position must be closed first.
func (e *Engine) OpenPosition(trader uuid.UUID, marketID string, isLong bool, collateralIn *big.Int, leverageBps int64, sizeLimit *big.Int, deadline time.Time) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if err := checkDeadline(now, deadline); err != nil {
		return nil, err
	}
	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	if !ms.active {
		return nil, ErrMarketInactive
	}
	if ms.amm.Paused() {
		return nil, ErrMarketPaused
	}
	if collateralIn == nil || collateralIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if leverageBps <= 0 || leverageBps > ms.params.MaxLeverageBps {
		return nil, fmt.Errorf("%w: requested %d bps, cap %d bps",
			ErrLeverageExceeded, leverageBps, ms.params.MaxLeverageBps)
	}

	key := positionKey{trader: trader, market: marketID}
	pos := e.positions[key]
	if pos != nil {
		if (pos.Side() > 0) != isLong {
			return nil, ErrSideMismatch
		}
	}

	notional := fpmath.MulDiv(collateralIn, big.NewInt(leverageBps),
		big.NewInt(leverageUnitBps), fpmath.RoundDown)
	if notional.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	// Pending funding settles against free balance before the resize; fold it
	// into the collateral check so a failed open leaves no state behind.
	pendingOwed := new(big.Int)
	if pos != nil {
		pendingOwed, err = e.funding.Pending(marketID, pos.Size, pos.LastFundingIndex)
		if err != nil {
			return nil, err
		}
	}
	available := new(big.Int).Sub(e.ledger.Balance(trader), pendingOwed)
	if available.Cmp(collateralIn) < 0 {
		return nil, fmt.Errorf("%w: available %s, need %s",
			ErrInsufficientCollateral, available, collateralIn)
	}

	// Price the fill before any write.
	var (
		fillSize *big.Int // base filled, always positive here
		fee      *big.Int // quote-denominated
	)
	if isLong {
		fillSize, fee, err = ms.amm.Quote(vamm.QuoteToBase, notional)
		if err != nil {
			return nil, err
		}
		if sizeLimit != nil && fillSize.Cmp(sizeLimit) < 0 {
			return nil, fmt.Errorf("%w: filled %s < min %s", ErrSlippageExceeded, fillSize, sizeLimit)
		}
	} else {
		fillSize, fee, err = ms.amm.QuoteOutput(vamm.BaseToQuote, notional)
		if err != nil {
			return nil, err
		}
		if sizeLimit != nil && fillSize.Cmp(sizeLimit) > 0 {
			return nil, fmt.Errorf("%w: filled %s > max %s", ErrSlippageExceeded, fillSize, sizeLimit)
		}
		// A short's fee comes out of position collateral (its curve input is
		// base, so the fee cannot be taken off the input like a long's).
		if collateralIn.Cmp(fee) <= 0 {
			return nil, fmt.Errorf("%w: collateral %s does not cover fee %s",
				ErrInsufficientCollateral, collateralIn, fee)
		}
	}

	// All checks passed; commit.
	if pos != nil {
		if err := e.settleFunding(pos); err != nil {
			return nil, err
		}
	}

	if isLong {
		_, _, err = ms.amm.SwapInput(vamm.QuoteToBase, notional, sizeLimit)
	} else {
		_, _, err = ms.amm.SwapOutput(vamm.BaseToQuote, notional, sizeLimit)
	}
	if err != nil {
		return nil, err
	}

	if err := e.ledger.Lock(trader, collateralIn, "open:"+marketID); err != nil {
		return nil, err
	}

	signedSize := new(big.Int).Set(fillSize)
	addedCollateral := new(big.Int).Set(collateralIn)
	addedNotional := new(big.Int).Set(notional)
	if !isLong {
		signedSize.Neg(signedSize)
		addedCollateral.Sub(addedCollateral, fee)
		addedNotional.Sub(addedNotional, fee) // entry books the net proceeds
	}

	if pos == nil {
		idx, _ := e.funding.CumulativeIndex(marketID)
		pos = &Position{
			Trader:           trader,
			MarketID:         marketID,
			Size:             signedSize,
			Collateral:       addedCollateral,
			EntryNotional:    addedNotional,
			LastFundingIndex: idx,
			OpenedAt:         now,
		}
		e.positions[key] = pos
	} else {
		pos.Size.Add(pos.Size, signedSize)
		pos.Collateral.Add(pos.Collateral, addedCollateral)
		pos.EntryNotional.Add(pos.EntryNotional, addedNotional)
	}
	pos.UpdatedAt = now

	ms.openInterest.Add(ms.openInterest, fillSize)
	e.routeFee(trader, fee)

	e.log.Info().
		Str("trader", trader.String()).
		Str("market", marketID).
		Bool("long", isLong).
		Str("size", fillSize.String()).
		Str("notional", notional.String()).
		Str("fee", fee.String()).
		Msg("position opened")
	e.emit(Event{
		Type:       EventPositionOpened,
		Trader:     trader,
		MarketID:   marketID,
		Size:       signedSize.String(),
		Notional:   notional.String(),
		Collateral: collateralIn.String(),
		Fee:        fee.String(),
	})
	if e.metrics != nil {
		e.metrics.Trades.WithLabelValues(marketID, sideLabel(isLong)).Inc()
		e.observeMarket(ms)
	}
	return pos.clone(), nil
}

// ClosePosition unwinds closeRatioBps (basis points of current size, 10000 is
// a full close) of the trader's position through the vAMM and realizes the
// PnL from the actual execution notional against the scaled-down entry
// notional. quoteLimit bounds the quote leg of the fill: the minimum quote
// out for a long close, the maximum quote in for a short close; nil disables
// it. A full close removes the position with the size forced exactly to zero.
func (e *Engine) ClosePosition(trader uuid.UUID, marketID string, closeRatioBps int64, quoteLimit *big.Int, deadline time.Time) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if err := checkDeadline(now, deadline); err != nil {
		return nil, err
	}
	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	if ms.amm.Paused() {
		return nil, ErrMarketPaused
	}
	if closeRatioBps <= 0 || closeRatioBps > fpmath.BpsScale {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidRatio, closeRatioBps)
	}

	key := positionKey{trader: trader, market: marketID}
	pos := e.positions[key]
	if pos == nil {
		return nil, ErrNoPosition
	}

	full := closeRatioBps == fpmath.BpsScale
	absSize := new(big.Int).Abs(pos.Size)

	closeSize := new(big.Int).Set(absSize)
	entryPortion := new(big.Int).Set(pos.EntryNotional)
	collateralPortion := new(big.Int).Set(pos.Collateral)
	if !full {
		ratio := big.NewInt(closeRatioBps)
		bps := big.NewInt(fpmath.BpsScale)
		closeSize = fpmath.MulDiv(absSize, ratio, bps, fpmath.RoundDown)
		entryPortion = fpmath.MulDiv(pos.EntryNotional, ratio, bps, fpmath.RoundDown)
		collateralPortion = fpmath.MulDiv(pos.Collateral, ratio, bps, fpmath.RoundDown)
	}
	if closeSize.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	// Price the unwind before any write. Longs sell base exact-in, shorts buy
	// it back exact-out; realized PnL comes from the executed quote leg, not
	// from a mark-price approximation.
	var (
		realized *big.Int
		fee      *big.Int // quote-denominated after valuation below
		feeBase  *big.Int // long closes pay the curve fee in base
	)
	if pos.Side() > 0 {
		quoteOut, f, err := ms.amm.Quote(vamm.BaseToQuote, closeSize)
		if err != nil {
			return nil, err
		}
		if quoteLimit != nil && quoteOut.Cmp(quoteLimit) < 0 {
			return nil, fmt.Errorf("%w: out %s < min %s", ErrSlippageExceeded, quoteOut, quoteLimit)
		}
		realized = new(big.Int).Sub(quoteOut, entryPortion)
		feeBase = f
	} else {
		quoteIn, f, err := ms.amm.QuoteOutput(vamm.QuoteToBase, closeSize)
		if err != nil {
			return nil, err
		}
		if quoteLimit != nil && quoteIn.Cmp(quoteLimit) > 0 {
			return nil, fmt.Errorf("%w: in %s > max %s", ErrSlippageExceeded, quoteIn, quoteLimit)
		}
		realized = new(big.Int).Sub(entryPortion, quoteIn)
		fee = f
	}

	// Commit: funding first, on the pre-close size.
	if err := e.settleFunding(pos); err != nil {
		return nil, err
	}

	if pos.Side() > 0 {
		_, _, err = ms.amm.SwapInput(vamm.BaseToQuote, closeSize, quoteLimit)
	} else {
		_, _, err = ms.amm.SwapOutput(vamm.QuoteToBase, closeSize, quoteLimit)
	}
	if err != nil {
		return nil, err
	}
	if feeBase != nil {
		fee = fpmath.Notional(feeBase, ms.amm.SpotPrice())
	}

	if err := e.ledger.Release(trader, collateralPortion, "close:"+marketID); err != nil {
		return nil, err
	}
	if badDebt := e.ledger.RealizePnL(trader, realized, "close:"+marketID); badDebt.Sign() > 0 {
		e.coverBadDebt(trader, marketID, badDebt)
	}

	if full {
		delete(e.positions, key)
	} else {
		shrink := new(big.Int).Set(closeSize)
		if pos.Side() < 0 {
			shrink.Neg(shrink)
		}
		pos.Size.Sub(pos.Size, shrink)
		pos.EntryNotional.Sub(pos.EntryNotional, entryPortion)
		pos.Collateral.Sub(pos.Collateral, collateralPortion)
		pos.UpdatedAt = now
	}

	ms.openInterest.Sub(ms.openInterest, closeSize)
	e.routeFee(trader, fee)

	e.log.Info().
		Str("trader", trader.String()).
		Str("market", marketID).
		Int64("ratio_bps", closeRatioBps).
		Str("size", closeSize.String()).
		Str("realized_pnl", realized.String()).
		Msg("position closed")
	e.emit(Event{
		Type:        EventPositionClosed,
		Trader:      trader,
		MarketID:    marketID,
		Size:        closeSize.String(),
		RealizedPnL: realized.String(),
		Fee:         fee.String(),
	})
	if e.metrics != nil {
		e.metrics.Closes.WithLabelValues(marketID).Inc()
		e.observeMarket(ms)
	}
	return realized, nil
}

// LiquidationResult reports the outcome of a forced close.
type LiquidationResult struct {
	NotionalClosed *big.Int
	Fee            *big.Int // paid to the caller
	RealizedPnL    *big.Int
	BadDebt        *big.Int // portion not covered by position collateral
}

// Liquidate force-closes a position whose margin ratio has fallen strictly
// below the market's maintenance requirement. Any caller may liquidate; the
// caller earns a fee carved out of the position's collateral. Remaining
// collateral after fee and losses goes to the insurance fund; a deficit is
// bad debt the fund covers. Requires a fresh oracle price.
func (e *Engine) Liquidate(caller, trader uuid.UUID, marketID string) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	if ms.amm.Paused() {
		return nil, ErrMarketPaused
	}
	if e.oracle.IsStale(marketID) {
		return nil, ErrStaleOracle
	}

	key := positionKey{trader: trader, market: marketID}
	pos := e.positions[key]
	if pos == nil {
		return nil, ErrNoPosition
	}

	ratio := e.marginRatioBps(ms, pos)
	if ratio >= ms.params.MaintenanceMarginBps {
		return nil, fmt.Errorf("%w: margin %d bps, maintenance %d bps",
			ErrNotLiquidatable, ratio, ms.params.MaintenanceMarginBps)
	}

	if err := e.settleFunding(pos); err != nil {
		return nil, err
	}

	absSize := new(big.Int).Abs(pos.Size)
	var (
		realized *big.Int
		exit     *big.Int
		tradeFee *big.Int
	)
	if pos.Side() > 0 {
		quoteOut, feeBase, err := ms.amm.SwapInput(vamm.BaseToQuote, absSize, nil)
		if err != nil {
			return nil, err
		}
		exit = quoteOut
		realized = new(big.Int).Sub(quoteOut, pos.EntryNotional)
		tradeFee = fpmath.Notional(feeBase, ms.amm.SpotPrice())
	} else {
		quoteIn, feeQuote, err := ms.amm.SwapOutput(vamm.QuoteToBase, absSize, nil)
		if err != nil {
			return nil, err
		}
		exit = quoteIn
		realized = new(big.Int).Sub(pos.EntryNotional, quoteIn)
		tradeFee = feeQuote
	}

	liqFee := fpmath.ApplyBps(pos.Collateral, ms.params.LiquidationFeeBps)
	if liqFee.Sign() > 0 {
		if err := e.ledger.Credit(caller, liqFee, ledger.EntryLiquidationFee, "liquidate:"+marketID); err != nil {
			return nil, err
		}
	}

	// Settle the position's collateral: fee and losses first, any surplus to
	// the insurance fund, any deficit covered by it.
	remaining := new(big.Int).Sub(pos.Collateral, liqFee)
	remaining.Add(remaining, realized)

	badDebt := new(big.Int)
	if remaining.Sign() >= 0 {
		e.fund.ReceiveFee(trader, remaining)
	} else {
		badDebt.Neg(remaining)
		e.coverBadDebt(trader, marketID, badDebt)
	}
	e.routeFee(trader, tradeFee)

	delete(e.positions, key)
	ms.openInterest.Sub(ms.openInterest, absSize)

	e.log.Warn().
		Str("trader", trader.String()).
		Str("caller", caller.String()).
		Str("market", marketID).
		Str("size", absSize.String()).
		Str("realized_pnl", realized.String()).
		Str("fee", liqFee.String()).
		Str("bad_debt", badDebt.String()).
		Msg("position liquidated")
	e.emit(Event{
		Type:        EventPositionLiquidated,
		Trader:      trader,
		MarketID:    marketID,
		Size:        absSize.String(),
		Notional:    exit.String(),
		Fee:         liqFee.String(),
		RealizedPnL: realized.String(),
	})
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(marketID).Inc()
		e.observeMarket(ms)
	}

	return &LiquidationResult{
		NotionalClosed: exit,
		Fee:            liqFee,
		RealizedPnL:    realized,
		BadDebt:        badDebt,
	}, nil
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

func (p *Position) clone() *Position {
	cp := *p
	cp.Size = new(big.Int).Set(p.Size)
	cp.Collateral = new(big.Int).Set(p.Collateral)
	cp.EntryNotional = new(big.Int).Set(p.EntryNotional)
	return &cp
}
