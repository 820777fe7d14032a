package engine

import (
	fpmath "PerpEngine/internal/math"
)

// UpdateFunding advances a market's cumulative funding index by one period's
// rate, derived from the premium of the mark price over the oracle index.
// Permissionless: anyone may crank it, the funding engine enforces the
// period. Requires a fresh oracle price.
func (e *Engine) UpdateFunding(marketID string) (rateBps int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, err := e.market(marketID)
	if err != nil {
		return 0, err
	}
	if e.oracle.IsStale(marketID) {
		return 0, ErrStaleOracle
	}
	index, _, err := e.oracle.IndexPrice(marketID)
	if err != nil {
		return 0, err
	}

	rateBps, err = e.funding.UpdateFundingRate(marketID, ms.amm.SpotPrice(), index, e.clock().Unix())
	if err != nil {
		return 0, err
	}

	e.log.Info().
		Str("market", marketID).
		Int64("rate_bps", rateBps).
		Msg("funding rate updated")
	e.emit(Event{Type: EventFundingUpdated, MarketID: marketID, RateBps: rateBps})
	if e.metrics != nil {
		e.metrics.FundingRateBps.WithLabelValues(marketID).Set(float64(rateBps))
	}
	return rateBps, nil
}

// observeMarket refreshes the per-market gauges after a state transition.
// Callers hold the engine lock and have checked metrics != nil.
func (e *Engine) observeMarket(ms *marketState) {
	base, quote, _ := ms.amm.Reserves()
	e.metrics.BaseReserve.WithLabelValues(ms.params.ID).Set(fpmath.ToFloat(base))
	e.metrics.QuoteReserve.WithLabelValues(ms.params.ID).Set(fpmath.ToFloat(quote))
	e.metrics.SpotPrice.WithLabelValues(ms.params.ID).Set(fpmath.ToFloat(ms.amm.SpotPrice()))
	e.metrics.OpenInterest.WithLabelValues(ms.params.ID).Set(fpmath.ToFloat(ms.openInterest))
	e.metrics.InsuranceBalance.Set(fpmath.ToFloat(e.fund.Balance()))
}
