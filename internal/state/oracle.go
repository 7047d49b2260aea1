package state

import "fmt"

// PriceFeed names an external oracle record. Fixed-length byte identifier,
// hex- or UTF8-encoded at the service boundary.
type PriceFeed [32]byte

// OraclePrice is a scaled price observation: Price carries Expo decimal
// places (a $5 price with Expo 8 is 500_000_000).
type OraclePrice struct {
	Price       uint64
	Expo        int
	PublishTime int64
}

// OracleAdapter caches pushed price observations per feed and answers
// reads for health-factor and slippage computations. It validates the
// requested feed against the vault's configured identifier and rejects
// stale observations; it never fetches anything itself.
type OracleAdapter struct {
	maxAge int64
	prices map[PriceFeed]OraclePrice
}

const DefaultMaxPriceAge = 60 // seconds

func NewOracleAdapter(maxAge int64) *OracleAdapter {
	if maxAge <= 0 {
		maxAge = DefaultMaxPriceAge
	}
	return &OracleAdapter{
		maxAge: maxAge,
		prices: make(map[PriceFeed]OraclePrice),
	}
}

// SetPrice records a pushed price observation.
func (o *OracleAdapter) SetPrice(feed PriceFeed, price OraclePrice) error {
	if price.Price == 0 {
		return fmt.Errorf("%w: zero price for feed %x", ErrInvalidParameter, feed[:8])
	}
	o.prices[feed] = price
	return nil
}

// Snapshot copies all cached observations for persistence.
func (o *OracleAdapter) Snapshot() map[PriceFeed]OraclePrice {
	out := make(map[PriceFeed]OraclePrice, len(o.prices))
	for feed, price := range o.prices {
		out[feed] = price
	}
	return out
}

// Restore loads cached observations during recovery.
func (o *OracleAdapter) Restore(prices map[PriceFeed]OraclePrice) {
	for feed, price := range prices {
		o.prices[feed] = price
	}
}

// Price returns the observation for the configured feed, rejecting a feed
// mismatch and observations older than maxAge.
func (o *OracleAdapter) Price(configured, requested PriceFeed, now int64) (OraclePrice, error) {
	if configured != requested {
		return OraclePrice{}, fmt.Errorf("%w: price feed mismatch", ErrInvalidParameter)
	}
	price, ok := o.prices[requested]
	if !ok {
		return OraclePrice{}, fmt.Errorf("%w: no price for feed %x", ErrInvalidParameter, requested[:8])
	}
	if now-price.PublishTime > o.maxAge {
		return OraclePrice{}, fmt.Errorf("%w: stale price for feed %x", ErrInvalidParameter, requested[:8])
	}
	return price, nil
}
