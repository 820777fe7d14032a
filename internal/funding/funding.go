// Package funding computes the periodic funding rate that reconciles
// long/short cost of carry, and accumulates it into a per-market cumulative
// index. A position's pending funding is the index delta since the position
// last settled, applied to its signed size: longs pay when the mark trades
// above the index, shorts pay when it trades below.
package funding

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpEngine/internal/math"
)

var (
	// ErrTooEarly is returned when a rate update arrives before a full
	// funding period has elapsed since the last settlement.
	ErrTooEarly = errors.New("funding: period not elapsed")

	// ErrUnknownMarket is returned for markets never registered.
	ErrUnknownMarket = errors.New("funding: unknown market")
)

// State is the per-market funding record. The cumulative index is signed
// basis points, append-only: it advances once per elapsed period by the
// capped premium-derived rate and never resets.
type State struct {
	MarketID        string
	CumulativeIndex int64 // signed bps, append-only
	LastSettlement  int64 // unix seconds
	PeriodSeconds   int64
	MaxRateBps      int64
	LastRateBps     int64 // informational: longRate; shortRate is its negation
}

// Engine owns all per-market funding states. It is driven by the clearing
// house and performs no I/O of its own.
type Engine struct {
	states map[string]*State
}

// NewEngine creates an empty funding engine.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*State)}
}

// AddMarket registers funding state for a market. The cumulative index
// starts at zero and the first settlement window opens at now.
func (e *Engine) AddMarket(marketID string, periodSeconds, maxRateBps, now int64) error {
	if periodSeconds <= 0 {
		return fmt.Errorf("funding: period must be positive, got %d", periodSeconds)
	}
	if maxRateBps < 0 {
		return fmt.Errorf("funding: max rate must be non-negative, got %d", maxRateBps)
	}
	if _, exists := e.states[marketID]; exists {
		return fmt.Errorf("funding: market %s already registered", marketID)
	}
	e.states[marketID] = &State{
		MarketID:       marketID,
		LastSettlement: now,
		PeriodSeconds:  periodSeconds,
		MaxRateBps:     maxRateBps,
	}
	return nil
}

func (e *Engine) state(marketID string) (*State, error) {
	s, ok := e.states[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return s, nil
}

// UpdateFundingRate appends one period's rate to the cumulative index.
//
//	premiumBps = (mark - index) * 10_000 / index
//	rateBps    = premiumBps * period / oneDay, clamped to ±maxRateBps
//
// Fails with ErrTooEarly before lastSettlement + period. Both prices are
// wad-scaled; the caller has already validated oracle freshness.
func (e *Engine) UpdateFundingRate(marketID string, markPrice, indexPrice *big.Int, now int64) (rateBps int64, err error) {
	s, err := e.state(marketID)
	if err != nil {
		return 0, err
	}
	if now < s.LastSettlement+s.PeriodSeconds {
		return 0, fmt.Errorf("%w: next settlement at %d, now %d",
			ErrTooEarly, s.LastSettlement+s.PeriodSeconds, now)
	}

	premiumBps, err := fpmath.PremiumBps(markPrice, indexPrice)
	if err != nil {
		return 0, err
	}

	rateBps = fpmath.ClampBps(premiumBps*s.PeriodSeconds/fpmath.OneDay, s.MaxRateBps)

	s.CumulativeIndex += rateBps
	s.LastRateBps = rateBps
	s.LastSettlement = now
	return rateBps, nil
}

// CumulativeIndex returns the market's cumulative funding index in signed bps.
func (e *Engine) CumulativeIndex(marketID string) (int64, error) {
	s, err := e.state(marketID)
	if err != nil {
		return 0, err
	}
	return s.CumulativeIndex, nil
}

// Rates returns the informational long and short rates from the most recent
// update. The short rate is always the negation of the long rate.
func (e *Engine) Rates(marketID string) (longBps, shortBps int64, err error) {
	s, err := e.state(marketID)
	if err != nil {
		return 0, 0, err
	}
	return s.LastRateBps, -s.LastRateBps, nil
}

// Pending computes the funding owed by a position without any mutation:
//
//	owed = size * (cumulativeIndex - lastSeenIndex) / 10_000
//
// Positive owed means the position pays; a long pays when the index rose.
// Settle must produce exactly this value when called with the same inputs.
func (e *Engine) Pending(marketID string, size *big.Int, lastSeenIndex int64) (*big.Int, error) {
	s, err := e.state(marketID)
	if err != nil {
		return nil, err
	}
	delta := s.CumulativeIndex - lastSeenIndex
	if delta == 0 || size == nil || size.Sign() == 0 {
		return new(big.Int), nil
	}
	return fpmath.MulDiv(size, big.NewInt(delta), big.NewInt(fpmath.BpsScale), fpmath.RoundHalfEven), nil
}

// Settle returns the funding owed since lastSeenIndex and the index the
// position must record as settled-through. The clearing house applies the
// payment via the ledger and stores the returned index on the position.
func (e *Engine) Settle(marketID string, size *big.Int, lastSeenIndex int64) (owed *big.Int, settledIndex int64, err error) {
	s, err := e.state(marketID)
	if err != nil {
		return nil, 0, err
	}
	owed, err = e.Pending(marketID, size, lastSeenIndex)
	if err != nil {
		return nil, 0, err
	}
	return owed, s.CumulativeIndex, nil
}

// SetPeriod updates the funding period length. Takes effect from the next
// settlement window.
func (e *Engine) SetPeriod(marketID string, periodSeconds int64) error {
	s, err := e.state(marketID)
	if err != nil {
		return err
	}
	if periodSeconds <= 0 {
		return fmt.Errorf("funding: period must be positive, got %d", periodSeconds)
	}
	s.PeriodSeconds = periodSeconds
	return nil
}

// SetMaxRate updates the funding rate magnitude cap.
func (e *Engine) SetMaxRate(marketID string, maxRateBps int64) error {
	s, err := e.state(marketID)
	if err != nil {
		return err
	}
	if maxRateBps < 0 {
		return fmt.Errorf("funding: max rate must be non-negative, got %d", maxRateBps)
	}
	s.MaxRateBps = maxRateBps
	return nil
}

// Snapshot returns a copy of the market's funding state.
func (e *Engine) Snapshot(marketID string) (State, error) {
	s, err := e.state(marketID)
	if err != nil {
		return State{}, err
	}
	return *s, nil
}
