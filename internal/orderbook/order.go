// Package orderbook implements the per-pair price-indexed order book
// for a single asset pair: concurrent order storage, matching, expiry, and
// best-bid/ask queries.
package orderbook

import (
	"time"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Status is the order's position in its lifecycle graph.
type Status int

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a resting offer to trade BaseAsset for QuoteAsset (or vice
// versa) at Price, owned by the orderbook of its (Base, Quote) pair for
// its entire lifetime.
type Order struct {
	ID         string
	Maker      string // libp2p peer id
	BaseAsset  asset.Asset
	QuoteAsset asset.Asset
	Side       Side
	Amount     decimal.Decimal
	Filled     decimal.Decimal
	Price      decimal.Decimal
	Status     Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Signature  []byte
}

// NewOrder constructs an Open order with a fresh id, validating the
// invariants: positive amount and price, zero filled.
func NewOrder(maker string, base, quote asset.Asset, side Side, amount, price decimal.Decimal, expiresAt time.Time) (*Order, error) {
	if amount.Sign() <= 0 {
		return nil, dserr.ErrInvalidAmount
	}
	if price.Sign() <= 0 {
		return nil, dserr.ErrInvalidPrice
	}
	return &Order{
		ID:         uuid.NewString(),
		Maker:      maker,
		BaseAsset:  base,
		QuoteAsset: quote,
		Side:       side,
		Amount:     amount,
		Filled:     decimal.Zero,
		Price:      price,
		Status:     Open,
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	}, nil
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// IsResting reports whether the order still occupies a price-level slot
// (Open or PartiallyFilled).
func (o *Order) IsResting() bool {
	return o.Status == Open || o.Status == PartiallyFilled
}

// Fill applies a partial or complete fill, transitioning Open/PartiallyFilled
// to PartiallyFilled or Filled.
func (o *Order) Fill(amount decimal.Decimal) error {
	if !o.IsResting() {
		return dserr.ErrOrderNotOpen
	}
	newFilled := o.Filled.Add(amount)
	if newFilled.GreaterThan(o.Amount) {
		return dserr.ErrInvalidTradeAmount
	}
	o.Filled = newFilled
	if o.Filled.Equal(o.Amount) {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	return nil
}
