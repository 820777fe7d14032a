package engine

import (
	"errors"

	"PerpEngine/internal/funding"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/vamm"
)

// The full error taxonomy for trader-facing operations. Kinds owned by a
// subsystem are re-exported here so callers match against one surface.
var (
	ErrMarketInactive   = errors.New("engine: market inactive")
	ErrLeverageExceeded = errors.New("engine: leverage exceeds market cap")
	ErrNotLiquidatable  = errors.New("engine: position above maintenance margin")
	ErrNoPosition       = errors.New("engine: no open position")
	ErrInvalidRatio     = errors.New("engine: close ratio out of range")
	ErrStaleOracle      = errors.New("engine: oracle price is stale")
	ErrDeadlineExceeded = errors.New("engine: deadline exceeded")
	ErrUnauthorized     = errors.New("engine: admin capability required")
	ErrUnknownMarket    = errors.New("engine: unknown market")
	ErrMarketExists     = errors.New("engine: market already registered")
	ErrInvalidAmount    = errors.New("engine: amount must be positive")
	ErrSideMismatch     = errors.New("engine: open position exists on the opposite side")

	ErrSlippageExceeded       = vamm.ErrSlippageExceeded
	ErrMarketPaused           = vamm.ErrMarketPaused
	ErrInsufficientCollateral = ledger.ErrInsufficientCollateral
	ErrMarginViolation        = ledger.ErrMarginViolation
	ErrTooEarly               = funding.ErrTooEarly
)
