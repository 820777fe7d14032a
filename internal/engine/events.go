package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType labels an applied state transition on the outbound stream.
type EventType string

const (
	EventDeposit            EventType = "deposit"
	EventWithdrawal         EventType = "withdrawal"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventFundingUpdated     EventType = "funding_updated"
	EventMarketAdded        EventType = "market_added"
	EventMarketPaused       EventType = "market_paused"
	EventReservesAdjusted   EventType = "reserves_adjusted"
	EventBadDebtShortfall   EventType = "bad_debt_shortfall"
)

// Event is one applied transition, emitted after commit. Wad amounts travel
// as decimal strings so downstream JSON consumers keep full precision.
type Event struct {
	EventID     uuid.UUID `json:"event_id"`
	Type        EventType `json:"type"`
	MarketID    string    `json:"market_id,omitempty"`
	Trader      uuid.UUID `json:"trader,omitempty"`
	Size        string    `json:"size,omitempty"`
	Notional    string    `json:"notional,omitempty"`
	Collateral  string    `json:"collateral,omitempty"`
	Fee         string    `json:"fee,omitempty"`
	RealizedPnL string    `json:"realized_pnl,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	RateBps     int64     `json:"rate_bps,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *Engine) emit(evt Event) {
	if e.sink == nil {
		return
	}
	evt.EventID = uuid.New()
	evt.Timestamp = e.clock()
	e.sink(evt)
}
