// Package engine implements the clearing house: the single orchestrator that
// composes the vAMM, ledger, funding engine, insurance fund, and oracle into
// the trader-facing operations. All public operations serialize under one
// mutex; an operation validates everything it can before the first write, so
// a failed call leaves no partial state behind.
package engine

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpEngine/internal/funding"
	"PerpEngine/internal/insurance"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/vamm"
)

// Leverage is expressed in basis points of 1x scaled by 100, so 1000 bps is
// 10x and 10000 bps is 100x. The divisor converting leverage bps to a plain
// multiplier is therefore 100.
const leverageUnitBps = 100

// MarketParams configures a market at registration time.
type MarketParams struct {
	ID                   string
	BaseReserve          *big.Int
	QuoteReserve         *big.Int
	FeeBps               int64
	MaxLeverageBps       int64 // e.g. 1000 = 10x
	MaintenanceMarginBps int64 // margin ratio floor, bps of notional
	LiquidationFeeBps    int64 // bps of position collateral, paid to the caller
	FundingPeriodSecs    int64
	MaxFundingRateBps    int64
}

// Position is one trader's isolated-margin exposure in one market. Size is
// signed: positive long, negative short. EntryNotional is the quote value the
// position was built at and scales down on partial closes.
type Position struct {
	Trader           uuid.UUID
	MarketID         string
	Size             *big.Int
	Collateral       *big.Int
	EntryNotional    *big.Int
	LastFundingIndex int64
	OpenedAt         time.Time
	UpdatedAt        time.Time
}

// Side returns 1 for long, -1 for short.
func (p *Position) Side() int { return p.Size.Sign() }

type positionKey struct {
	trader uuid.UUID
	market string
}

type marketState struct {
	params       MarketParams
	amm          *vamm.Market
	active       bool
	openInterest *big.Int // sum of |size| across open positions
}

// AdminToken is the capability gating privileged operations. It is issued
// once at engine construction and compared by identity.
type AdminToken struct {
	id uuid.UUID
}

// Engine is the clearing house.
type Engine struct {
	mu sync.Mutex

	markets   map[string]*marketState
	positions map[positionKey]*Position

	ledger  *ledger.Ledger
	funding *funding.Engine
	fund    *insurance.Fund
	oracle  oracle.Adapter

	admin AdminToken
	clock func() time.Time
	sink  func(Event)

	// cumulative uncovered bad debt, surfaced via health checks
	shortfall *big.Int

	metrics *observability.Metrics
	log     zerolog.Logger
}

// Config wires the engine's collaborators.
type Config struct {
	Ledger    *ledger.Ledger
	Funding   *funding.Engine
	Insurance *insurance.Fund
	Oracle    oracle.Adapter
	Metrics   *observability.Metrics
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// New constructs the clearing house and returns the admin capability. The
// engine installs itself as the ledger's withdrawal guard.
func New(cfg Config) (*Engine, AdminToken) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		markets:   make(map[string]*marketState),
		positions: make(map[positionKey]*Position),
		ledger:    cfg.Ledger,
		funding:   cfg.Funding,
		fund:      cfg.Insurance,
		oracle:    cfg.Oracle,
		admin:     AdminToken{id: uuid.New()},
		clock:     clock,
		shortfall: new(big.Int),
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	e.ledger.SetWithdrawGuard(e)
	return e, e.admin
}

// SetEventSink installs the callback receiving committed-transition events.
func (e *Engine) SetEventSink(sink func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *Engine) authorize(tok AdminToken) error {
	if tok.id == uuid.Nil || tok.id != e.admin.id {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) market(id string) (*marketState, error) {
	ms, ok := e.markets[id]
	if !ok {
		return nil, ErrUnknownMarket
	}
	return ms, nil
}

// AddMarket registers a market with its vAMM and funding state.
func (e *Engine) AddMarket(tok AdminToken, params MarketParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	if _, ok := e.markets[params.ID]; ok {
		return ErrMarketExists
	}
	if params.MaxLeverageBps < leverageUnitBps {
		return ErrLeverageExceeded
	}

	amm, err := vamm.New(params.ID, params.BaseReserve, params.QuoteReserve, params.FeeBps)
	if err != nil {
		return err
	}
	if err := e.funding.AddMarket(params.ID, params.FundingPeriodSecs, params.MaxFundingRateBps, e.clock().Unix()); err != nil {
		return err
	}

	e.markets[params.ID] = &marketState{
		params:       params,
		amm:          amm,
		active:       true,
		openInterest: new(big.Int),
	}

	e.log.Info().
		Str("market", params.ID).
		Int64("fee_bps", params.FeeBps).
		Int64("max_leverage_bps", params.MaxLeverageBps).
		Int64("maintenance_margin_bps", params.MaintenanceMarginBps).
		Msg("market registered")
	e.emit(Event{Type: EventMarketAdded, MarketID: params.ID})
	return nil
}

// SetPaused toggles trading on a market. While paused, swaps (including
// closes and liquidations) are rejected; quoting and reads stay available.
func (e *Engine) SetPaused(tok AdminToken, marketID string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	ms, err := e.market(marketID)
	if err != nil {
		return err
	}
	ms.amm.SetPaused(paused)

	e.log.Warn().Str("market", marketID).Bool("paused", paused).Msg("market pause toggled")
	e.emit(Event{Type: EventMarketPaused, MarketID: marketID})
	return nil
}

// SetActive toggles a market's listing. An inactive market rejects new opens
// but still allows closes and liquidations, unlike a pause which freezes all
// swaps.
func (e *Engine) SetActive(tok AdminToken, marketID string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	ms, err := e.market(marketID)
	if err != nil {
		return err
	}
	ms.active = active

	e.log.Warn().Str("market", marketID).Bool("active", active).Msg("market listing toggled")
	return nil
}

// AdjustReserves repegs a market's virtual reserves. This is the only path by
// which a market's k changes after registration.
func (e *Engine) AdjustReserves(tok AdminToken, marketID string, newBase, newQuote *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	ms, err := e.market(marketID)
	if err != nil {
		return err
	}
	if err := ms.amm.AdjustReserves(newBase, newQuote); err != nil {
		return err
	}

	e.log.Warn().
		Str("market", marketID).
		Str("base", newBase.String()).
		Str("quote", newQuote.String()).
		Msg("virtual reserves adjusted")
	e.emit(Event{Type: EventReservesAdjusted, MarketID: marketID})
	return nil
}

// SetFundingPeriod changes a market's funding interval.
func (e *Engine) SetFundingPeriod(tok AdminToken, marketID string, periodSecs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	if _, err := e.market(marketID); err != nil {
		return err
	}
	return e.funding.SetPeriod(marketID, periodSecs)
}

// SetMaxFundingRate changes a market's per-period funding rate cap.
func (e *Engine) SetMaxFundingRate(tok AdminToken, marketID string, maxRateBps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	if _, err := e.market(marketID); err != nil {
		return err
	}
	return e.funding.SetMaxRate(marketID, maxRateBps)
}

// WithdrawInsurance removes funds from the insurance pool.
func (e *Engine) WithdrawInsurance(tok AdminToken, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(tok); err != nil {
		return err
	}
	return e.fund.Withdraw(amount)
}

// initialMarginBps derives the initial margin requirement from the leverage
// cap: margin ratio floor = 1 / max leverage.
func initialMarginBps(maxLeverageBps int64) int64 {
	return fpmath.BpsScale * leverageUnitBps / maxLeverageBps
}

// ValidateWithdrawal implements ledger.WithdrawGuard: after the withdrawal,
// the trader's remaining free balance must still cover the aggregate initial
// margin deficiency of their open positions. Position collateral is isolated,
// but free balance is the buffer of last resort, so it cannot be pulled out
// from under an undermargined position.
func (e *Engine) ValidateWithdrawal(trader uuid.UUID, amount *big.Int) error {
	deficiency := new(big.Int)
	for key, pos := range e.positions {
		if key.trader != trader {
			continue
		}
		ms, err := e.market(pos.MarketID)
		if err != nil {
			continue
		}
		required := fpmath.ApplyBps(e.markNotional(ms, pos), initialMarginBps(ms.params.MaxLeverageBps))
		equity := e.positionEquity(ms, pos)
		if equity.Cmp(required) < 0 {
			deficiency.Add(deficiency, new(big.Int).Sub(required, equity))
		}
	}

	remaining := new(big.Int).Sub(e.ledger.Balance(trader), amount)
	if remaining.Cmp(deficiency) < 0 {
		return ErrMarginViolation
	}
	return nil
}

// markNotional values |size| at the current mark (vAMM spot) price.
func (e *Engine) markNotional(ms *marketState, pos *Position) *big.Int {
	return fpmath.Notional(pos.Size, ms.amm.SpotPrice())
}

// positionEquity is collateral plus unrealized PnL minus pending funding.
func (e *Engine) positionEquity(ms *marketState, pos *Position) *big.Int {
	equity := new(big.Int).Set(pos.Collateral)
	equity.Add(equity, e.unrealizedPnL(ms, pos))

	owed, err := e.funding.Pending(pos.MarketID, pos.Size, pos.LastFundingIndex)
	if err == nil {
		equity.Sub(equity, owed)
	}
	return equity
}

// unrealizedPnL is the signed difference between the position's value at mark
// and its entry notional.
func (e *Engine) unrealizedPnL(ms *marketState, pos *Position) *big.Int {
	mark := e.markNotional(ms, pos)
	if pos.Side() > 0 {
		return mark.Sub(mark, pos.EntryNotional)
	}
	return new(big.Int).Sub(pos.EntryNotional, mark)
}
