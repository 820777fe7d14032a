package engine

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/funding"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/vamm"
)

// GetPosition returns a copy of the trader's position, or ErrNoPosition.
func (e *Engine) GetPosition(trader uuid.UUID, marketID string) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions[positionKey{trader: trader, market: marketID}]
	if pos == nil {
		return nil, ErrNoPosition
	}
	return pos.clone(), nil
}

// Positions returns copies of all the trader's open positions.
func (e *Engine) Positions(trader uuid.UUID) []*Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Position
	for key, pos := range e.positions {
		if key.trader == trader {
			out = append(out, pos.clone())
		}
	}
	return out
}

// FreeBalance returns the trader's uncommitted collateral.
func (e *Engine) FreeBalance(trader uuid.UUID) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(trader)
}

// AccountValue returns the position's equity: collateral plus unrealized PnL
// at the mark price, minus pending funding.
func (e *Engine) AccountValue(trader uuid.UUID, marketID string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	pos := e.positions[positionKey{trader: trader, market: marketID}]
	if pos == nil {
		return nil, ErrNoPosition
	}
	return e.positionEquity(ms, pos), nil
}

// MarginRatio returns the position's margin ratio in basis points of its
// mark notional.
func (e *Engine) MarginRatio(trader uuid.UUID, marketID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return 0, err
	}
	pos := e.positions[positionKey{trader: trader, market: marketID}]
	if pos == nil {
		return 0, ErrNoPosition
	}
	return e.marginRatioBps(ms, pos), nil
}

// marginRatioBps is equity / mark notional in bps, floored. A non-positive
// equity reports as its (possibly negative) ratio; a zero notional cannot
// occur for an open position.
func (e *Engine) marginRatioBps(ms *marketState, pos *Position) int64 {
	notional := e.markNotional(ms, pos)
	if notional.Sign() <= 0 {
		return 0
	}
	equity := e.positionEquity(ms, pos)
	ratio := fpmath.MulDiv(equity, big.NewInt(fpmath.BpsScale), notional, fpmath.RoundDown)
	if !ratio.IsInt64() {
		if ratio.Sign() > 0 {
			return int64(^uint64(0) >> 1)
		}
		return -int64(^uint64(0)>>1) - 1
	}
	return ratio.Int64()
}

// IsLiquidatable reports whether the position's margin ratio is strictly
// below the market's maintenance requirement.
func (e *Engine) IsLiquidatable(trader uuid.UUID, marketID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return false, err
	}
	pos := e.positions[positionKey{trader: trader, market: marketID}]
	if pos == nil {
		return false, ErrNoPosition
	}
	return e.marginRatioBps(ms, pos) < ms.params.MaintenanceMarginBps, nil
}

// SpotPrice returns the market's current mark (vAMM spot) price.
func (e *Engine) SpotPrice(marketID string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	return ms.amm.SpotPrice(), nil
}

// IndexPrice returns the oracle index price and its feed timestamp.
func (e *Engine) IndexPrice(marketID string) (*big.Int, time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.market(marketID); err != nil {
		return nil, time.Time{}, err
	}
	return e.oracle.IndexPrice(marketID)
}

// PriceImpact quotes the relative execution-vs-spot price difference, in bps,
// of an exact-input swap of the given quote notional.
func (e *Engine) PriceImpact(marketID string, isLong bool, notional *big.Int) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return 0, err
	}
	dir := vamm.QuoteToBase
	if !isLong {
		dir = vamm.BaseToQuote
	}
	return ms.amm.PriceImpactBps(dir, notional)
}

// FundingState returns a copy of the market's funding record.
func (e *Engine) FundingState(marketID string) (funding.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.market(marketID); err != nil {
		return funding.State{}, err
	}
	return e.funding.Snapshot(marketID)
}

// PendingFunding returns the funding the position would pay (positive) or
// receive (negative) if settled now.
func (e *Engine) PendingFunding(trader uuid.UUID, marketID string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.market(marketID); err != nil {
		return nil, err
	}
	pos := e.positions[positionKey{trader: trader, market: marketID}]
	if pos == nil {
		return nil, ErrNoPosition
	}
	return e.funding.Pending(marketID, pos.Size, pos.LastFundingIndex)
}

// MarketInfo is the externally visible snapshot of one market.
type MarketInfo struct {
	ID                   string
	BaseReserve          *big.Int
	QuoteReserve         *big.Int
	SpotPrice            *big.Int
	FeeBps               int64
	MaxLeverageBps       int64
	MaintenanceMarginBps int64
	LiquidationFeeBps    int64
	OpenInterest         *big.Int
	Active               bool
	Paused               bool
}

// Market returns a snapshot of one market.
func (e *Engine) Market(marketID string) (*MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return nil, err
	}
	return e.marketInfo(ms), nil
}

// Markets returns snapshots of every registered market.
func (e *Engine) Markets() []*MarketInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*MarketInfo, 0, len(e.markets))
	for _, ms := range e.markets {
		out = append(out, e.marketInfo(ms))
	}
	return out
}

func (e *Engine) marketInfo(ms *marketState) *MarketInfo {
	base, quote, _ := ms.amm.Reserves()
	return &MarketInfo{
		ID:                   ms.params.ID,
		BaseReserve:          base,
		QuoteReserve:         quote,
		SpotPrice:            ms.amm.SpotPrice(),
		FeeBps:               ms.params.FeeBps,
		MaxLeverageBps:       ms.params.MaxLeverageBps,
		MaintenanceMarginBps: ms.params.MaintenanceMarginBps,
		LiquidationFeeBps:    ms.params.LiquidationFeeBps,
		OpenInterest:         new(big.Int).Set(ms.openInterest),
		Active:               ms.active,
		Paused:               ms.amm.Paused(),
	}
}

// InsuranceBalance returns the insurance fund's balance.
func (e *Engine) InsuranceBalance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fund.Balance()
}

// Healthy reports whether the system carries no uncovered bad debt and the
// insurance fund sits above its configured floor.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shortfall.Sign() == 0 && e.fund.IsHealthy()
}
