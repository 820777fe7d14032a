// Package oracle defines the index-price contract the engine consumes and a
// NATS-fed cache implementation. Prices are normalized to wad scale (10^18)
// regardless of the upstream feed's native decimals; a price older than the
// staleness window is reported stale and the engine refuses to act on it.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrNoPrice is returned when no price has been observed for a market.
var ErrNoPrice = errors.New("oracle: no price for market")

// Adapter is the consumed external interface: one index price per market
// plus a staleness signal.
type Adapter interface {
	IndexPrice(marketID string) (price *big.Int, ts time.Time, err error)
	IsStale(marketID string) bool
}

type pricePoint struct {
	price *big.Int
	ts    time.Time
}

// Cache is a concurrency-safe price cache fed by an external subscriber
// (see Subscriber in feed.go). It is the production Adapter implementation.
type Cache struct {
	mu         sync.RWMutex
	prices     map[string]pricePoint
	staleAfter time.Duration
	now        func() time.Time
}

// NewCache creates a cache that reports prices stale after the given window.
func NewCache(staleAfter time.Duration) *Cache {
	return &Cache{
		prices:     make(map[string]pricePoint),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Set records a normalized wad price for a market. Updates with timestamps
// older than the cached point are dropped.
func (c *Cache) Set(marketID string, price *big.Int, ts time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: price must be positive for %s", marketID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.prices[marketID]; ok && ts.Before(cur.ts) {
		return nil
	}
	c.prices[marketID] = pricePoint{price: new(big.Int).Set(price), ts: ts}
	return nil
}

// IndexPrice returns the latest normalized price and its feed timestamp.
func (c *Cache) IndexPrice(marketID string) (*big.Int, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[marketID]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoPrice, marketID)
	}
	return new(big.Int).Set(p.price), p.ts, nil
}

// IsStale reports whether the market's price is missing or older than the
// staleness window.
func (c *Cache) IsStale(marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[marketID]
	if !ok {
		return true
	}
	return c.now().Sub(p.ts) > c.staleAfter
}

// Static is a fixture Adapter with directly settable prices and staleness,
// used in tests.
type Static struct {
	Prices map[string]*big.Int
	Stale  map[string]bool
	TS     time.Time
}

// NewStatic creates an empty fixture adapter.
func NewStatic() *Static {
	return &Static{
		Prices: make(map[string]*big.Int),
		Stale:  make(map[string]bool),
		TS:     time.Now(),
	}
}

// SetPrice sets the fixture price for a market.
func (s *Static) SetPrice(marketID string, price *big.Int) {
	s.Prices[marketID] = new(big.Int).Set(price)
}

// IndexPrice implements Adapter.
func (s *Static) IndexPrice(marketID string) (*big.Int, time.Time, error) {
	p, ok := s.Prices[marketID]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoPrice, marketID)
	}
	return new(big.Int).Set(p), s.TS, nil
}

// IsStale implements Adapter.
func (s *Static) IsStale(marketID string) bool {
	if _, ok := s.Prices[marketID]; !ok {
		return true
	}
	return s.Stale[marketID]
}
