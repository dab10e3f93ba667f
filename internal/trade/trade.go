// Package trade implements the two-party swap state machine, in which
// Initialize/SendPsbt/SignPsbt/Broadcast/Cancel advance a trade
// through a fixed, role-ordered sequence of states, with at most one side
// allowed to advance it at any point and duplicate messages treated as a
// no-op rather than an error.
package trade

import (
	"time"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/orderbook"
	"github.com/darkswap-foundation/darkswap/internal/predicate"
	"github.com/shopspring/decimal"
)

// State is a trade's position in its lifecycle graph.
type State int

const (
	Created State = iota
	MakerPsbtSent
	TakerPsbtSent
	MakerSigned
	TakerSigned
	Completed
	Cancelled
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case MakerPsbtSent:
		return "maker_psbt_sent"
	case TakerPsbtSent:
		return "taker_psbt_sent"
	case MakerSigned:
		return "maker_signed"
	case TakerSigned:
		return "taker_signed"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Cancelled, Failed, Expired:
		return true
	default:
		return false
	}
}

// Trade is one in-flight (or settled) two-party swap.
type Trade struct {
	ID      string
	OrderID string
	Maker   string // maker's peer ID
	Taker   string // taker's peer ID

	BaseAsset  asset.Asset
	QuoteAsset asset.Asset
	Side       orderbook.Side // the maker order's side
	Amount     decimal.Decimal
	Price      decimal.Decimal

	State State

	MakerPSBT []byte // psbt_bytes last sent by the maker
	TakerPSBT []byte // psbt_bytes last sent by the taker
	TxID      string

	// Predicate, when set, is an additional pure verifier the state machine
	// runs against the swap transaction: the maker consults it before
	// signing, the taker before broadcast. Local policy only, never
	// serialized onto the wire.
	Predicate predicate.Predicate

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	// localRole is "maker" or "taker": which side of the trade this node's
	// own Manager is playing. It is never serialized onto the wire; each
	// participant derives it locally from whether it originated the
	// Initialize message.
	localRole string
}

// NonBitcoinLeg returns the trade's non-Bitcoin asset leg, selecting which
// psbt.Family builds and verifies this trade's transaction. ok is
// false for a pure BTC-for-BTC trade.
func (t *Trade) NonBitcoinLeg() (a asset.Asset, ok bool) {
	if t.BaseAsset.Kind() != asset.Bitcoin {
		return t.BaseAsset, true
	}
	if t.QuoteAsset.Kind() != asset.Bitcoin {
		return t.QuoteAsset, true
	}
	return asset.Asset{}, false
}

// EnvelopeAmount computes the base-unit amount the OP_RETURN envelope must
// carry: the traded amount for a sell, or amount*price for a buy, scaled
// to decimals base units.
func (t *Trade) EnvelopeAmount(decimals int32) (uint64, error) {
	quantity := t.Amount
	if t.Side == orderbook.Buy {
		quantity = t.Amount.Mul(t.Price)
	}
	units, err := asset.ToUnits(quantity, decimals)
	if err != nil {
		return 0, err
	}
	if units < 0 {
		return 0, asset.ErrPrecision
	}
	return uint64(units), nil
}
