package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"PerpEngine/internal/engine"
	"PerpEngine/internal/insurance"
	"PerpEngine/internal/oracle"
)

type depositRequest struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
}

type openRequest struct {
	Trader      string `json:"trader"`
	MarketID    string `json:"market_id"`
	Long        bool   `json:"long"`
	Collateral  string `json:"collateral"`
	LeverageBps int64  `json:"leverage_bps"`
	SizeLimit   string `json:"size_limit,omitempty"`
	Deadline    int64  `json:"deadline,omitempty"` // unix seconds
}

type closeRequest struct {
	Trader        string `json:"trader"`
	MarketID      string `json:"market_id"`
	CloseRatioBps int64  `json:"close_ratio_bps"`
	QuoteLimit    string `json:"quote_limit,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"`
}

type liquidateRequest struct {
	Caller   string `json:"caller"`
	Trader   string `json:"trader"`
	MarketID string `json:"market_id"`
}

type positionResponse struct {
	Trader           string `json:"trader"`
	MarketID         string `json:"market_id"`
	Size             string `json:"size"`
	Collateral       string `json:"collateral"`
	EntryNotional    string `json:"entry_notional"`
	LastFundingIndex int64  `json:"last_funding_index"`
	MarginRatioBps   int64  `json:"margin_ratio_bps"`
	AccountValue     string `json:"account_value"`
	PendingFunding   string `json:"pending_funding"`
	Liquidatable     bool   `json:"liquidatable"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, ok := parseUUID(w, req.Trader)
	if !ok {
		return
	}
	amount, ok := parseWad(w, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.Deposit(trader, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": s.engine.FreeBalance(trader).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, ok := parseUUID(w, req.Trader)
	if !ok {
		return
	}
	amount, ok := parseWad(w, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.Withdraw(trader, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": s.engine.FreeBalance(trader).String(),
	})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, ok := parseUUID(w, req.Trader)
	if !ok {
		return
	}
	collateral, ok := parseWad(w, req.Collateral)
	if !ok {
		return
	}
	var sizeLimit *big.Int
	if req.SizeLimit != "" {
		if sizeLimit, ok = parseWad(w, req.SizeLimit); !ok {
			return
		}
	}
	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.Unix(req.Deadline, 0)
	}

	pos, err := s.engine.OpenPosition(trader, req.MarketID, req.Long, collateral, req.LeverageBps, sizeLimit, deadline)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"size":           pos.Size.String(),
		"collateral":     pos.Collateral.String(),
		"entry_notional": pos.EntryNotional.String(),
	})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, ok := parseUUID(w, req.Trader)
	if !ok {
		return
	}
	var quoteLimit *big.Int
	if req.QuoteLimit != "" {
		if quoteLimit, ok = parseWad(w, req.QuoteLimit); !ok {
			return
		}
	}
	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.Unix(req.Deadline, 0)
	}

	pnl, err := s.engine.ClosePosition(trader, req.MarketID, req.CloseRatioBps, quoteLimit, deadline)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"realized_pnl": pnl.String(),
		"balance":      s.engine.FreeBalance(trader).String(),
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, ok := parseUUID(w, req.Caller)
	if !ok {
		return
	}
	trader, ok := parseUUID(w, req.Trader)
	if !ok {
		return
	}

	res, err := s.engine.Liquidate(caller, trader, req.MarketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"notional_closed": res.NotionalClosed.String(),
		"fee":             res.Fee.String(),
		"realized_pnl":    res.RealizedPnL.String(),
		"bad_debt":        res.BadDebt.String(),
	})
}

func (s *Server) handleUpdateFunding(w http.ResponseWriter, r *http.Request) {
	rateBps, err := s.engine.UpdateFunding(chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rate_bps": rateBps})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, marketInfos(s.engine.Markets()))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Market(chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketInfo(info))
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	spot, err := s.engine.SpotPrice(marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := map[string]interface{}{"mark": spot.String()}
	if index, ts, err := s.engine.IndexPrice(marketID); err == nil {
		resp["index"] = index.String()
		resp["index_updated_at"] = ts.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFunding(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.FundingState(chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"cumulative_index_bps": state.CumulativeIndex,
		"long_rate_bps":        state.LastRateBps,
		"short_rate_bps":       -state.LastRateBps,
		"last_settlement":      state.LastSettlement,
		"period_seconds":       state.PeriodSeconds,
	})
}

func (s *Server) handleGetImpact(w http.ResponseWriter, r *http.Request) {
	notional, ok := parseWad(w, r.URL.Query().Get("notional"))
	if !ok {
		return
	}
	isLong := r.URL.Query().Get("side") != "short"

	bps, err := s.engine.PriceImpact(chi.URLParam(r, "marketID"), isLong, notional)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"impact_bps": bps})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseUUID(w, chi.URLParam(r, "trader"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": s.engine.FreeBalance(trader).String(),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseUUID(w, chi.URLParam(r, "trader"))
	if !ok {
		return
	}
	positions := s.engine.Positions(trader)
	out := make([]positionResponse, 0, len(positions))
	for _, pos := range positions {
		out = append(out, s.positionResponse(pos))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseUUID(w, chi.URLParam(r, "trader"))
	if !ok {
		return
	}
	pos, err := s.engine.GetPosition(trader, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.positionResponse(pos))
}

func (s *Server) positionResponse(pos *engine.Position) positionResponse {
	resp := positionResponse{
		Trader:           pos.Trader.String(),
		MarketID:         pos.MarketID,
		Size:             pos.Size.String(),
		Collateral:       pos.Collateral.String(),
		EntryNotional:    pos.EntryNotional.String(),
		LastFundingIndex: pos.LastFundingIndex,
	}
	if ratio, err := s.engine.MarginRatio(pos.Trader, pos.MarketID); err == nil {
		resp.MarginRatioBps = ratio
	}
	if value, err := s.engine.AccountValue(pos.Trader, pos.MarketID); err == nil {
		resp.AccountValue = value.String()
	}
	if pending, err := s.engine.PendingFunding(pos.Trader, pos.MarketID); err == nil {
		resp.PendingFunding = pending.String()
	}
	if liq, err := s.engine.IsLiquidatable(pos.Trader, pos.MarketID); err == nil {
		resp.Liquidatable = liq
	}
	return resp
}

func (s *Server) handleGetInsurance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": s.engine.InsuranceBalance().String(),
		"healthy": s.engine.Healthy(),
	})
}

type addMarketRequest struct {
	MarketID             string `json:"market_id"`
	BaseReserve          string `json:"base_reserve"`
	QuoteReserve         string `json:"quote_reserve"`
	FeeBps               int64  `json:"fee_bps"`
	MaxLeverageBps       int64  `json:"max_leverage_bps"`
	MaintenanceMarginBps int64  `json:"maintenance_margin_bps"`
	LiquidationFeeBps    int64  `json:"liquidation_fee_bps"`
	FundingPeriodSecs    int64  `json:"funding_period_secs"`
	MaxFundingRateBps    int64  `json:"max_funding_rate_bps"`
}

func (s *Server) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	var req addMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	base, ok := parseWad(w, req.BaseReserve)
	if !ok {
		return
	}
	quote, ok := parseWad(w, req.QuoteReserve)
	if !ok {
		return
	}

	err := s.engine.AddMarket(s.adminTok, engine.MarketParams{
		ID:                   req.MarketID,
		BaseReserve:          base,
		QuoteReserve:         quote,
		FeeBps:               req.FeeBps,
		MaxLeverageBps:       req.MaxLeverageBps,
		MaintenanceMarginBps: req.MaintenanceMarginBps,
		LiquidationFeeBps:    req.LiquidationFeeBps,
		FundingPeriodSecs:    req.FundingPeriodSecs,
		MaxFundingRateBps:    req.MaxFundingRateBps,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetPaused(s.adminTok, chi.URLParam(r, "marketID"), req.Paused); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetActive(s.adminTok, chi.URLParam(r, "marketID"), req.Active); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdjustReserves(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseReserve  string `json:"base_reserve"`
		QuoteReserve string `json:"quote_reserve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	base, ok := parseWad(w, req.BaseReserve)
	if !ok {
		return
	}
	quote, ok := parseWad(w, req.QuoteReserve)
	if !ok {
		return
	}
	if err := s.engine.AdjustReserves(s.adminTok, chi.URLParam(r, "marketID"), base, quote); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFundingPeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeriodSecs int64 `json:"period_secs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetFundingPeriod(s.adminTok, chi.URLParam(r, "marketID"), req.PeriodSecs); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMaxFundingRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRateBps int64 `json:"max_rate_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetMaxFundingRate(s.adminTok, chi.URLParam(r, "marketID"), req.MaxRateBps); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInsuranceWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := parseWad(w, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.WithdrawInsurance(s.adminTok, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type marketResponse struct {
	ID                   string `json:"id"`
	BaseReserve          string `json:"base_reserve"`
	QuoteReserve         string `json:"quote_reserve"`
	SpotPrice            string `json:"spot_price"`
	FeeBps               int64  `json:"fee_bps"`
	MaxLeverageBps       int64  `json:"max_leverage_bps"`
	MaintenanceMarginBps int64  `json:"maintenance_margin_bps"`
	LiquidationFeeBps    int64  `json:"liquidation_fee_bps"`
	OpenInterest         string `json:"open_interest"`
	Active               bool   `json:"active"`
	Paused               bool   `json:"paused"`
}

func marketInfo(info *engine.MarketInfo) marketResponse {
	return marketResponse{
		ID:                   info.ID,
		BaseReserve:          info.BaseReserve.String(),
		QuoteReserve:         info.QuoteReserve.String(),
		SpotPrice:            info.SpotPrice.String(),
		FeeBps:               info.FeeBps,
		MaxLeverageBps:       info.MaxLeverageBps,
		MaintenanceMarginBps: info.MaintenanceMarginBps,
		LiquidationFeeBps:    info.LiquidationFeeBps,
		OpenInterest:         info.OpenInterest.String(),
		Active:               info.Active,
		Paused:               info.Paused,
	}
}

func marketInfos(infos []*engine.MarketInfo) []marketResponse {
	out := make([]marketResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, marketInfo(info))
	}
	return out
}

// --- helpers ---

func parseUUID(w http.ResponseWriter, s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, "invalid trader id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parseWad(w http.ResponseWriter, s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the engine's error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownMarket),
		errors.Is(err, engine.ErrNoPosition),
		errors.Is(err, oracle.ErrNoPrice):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRatio),
		errors.Is(err, engine.ErrLeverageExceeded),
		errors.Is(err, engine.ErrSideMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrMarketExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrMarginViolation),
		errors.Is(err, engine.ErrSlippageExceeded),
		errors.Is(err, engine.ErrNotLiquidatable),
		errors.Is(err, engine.ErrMarketInactive),
		errors.Is(err, engine.ErrMarketPaused),
		errors.Is(err, engine.ErrDeadlineExceeded),
		errors.Is(err, engine.ErrTooEarly),
		errors.Is(err, insurance.ErrInsufficientFund):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStaleOracle):
		status = http.StatusServiceUnavailable
	}
	writeError(w, err.Error(), status)
}
