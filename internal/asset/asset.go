// Package asset defines the tagged-union Asset type shared by the orderbook,
// trade, and psbt packages, plus the fixed-point Amount conversions every
// price and order quantity in the core is expressed in.
package asset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind discriminates the three Asset shapes.
type Kind int

const (
	Bitcoin Kind = iota
	Rune
	Alkane
)

func (k Kind) String() string {
	switch k {
	case Bitcoin:
		return "BTC"
	case Rune:
		return "RUNE"
	case Alkane:
		return "ALKANE"
	default:
		return "UNKNOWN"
	}
}

// RuneId identifies a rune by the block height and transaction index at
// which it was etched.
type RuneId struct {
	Block uint64
	Tx    uint32
}

func (r RuneId) String() string {
	return fmt.Sprintf("%x:%x", r.Block, r.Tx)
}

// ParseRuneId parses the "block:tx" hex form produced by RuneId.String.
func ParseRuneId(s string) (RuneId, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return RuneId{}, fmt.Errorf("invalid rune id %q", s)
	}
	block, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return RuneId{}, fmt.Errorf("invalid rune id %q: %w", s, err)
	}
	tx, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return RuneId{}, fmt.Errorf("invalid rune id %q: %w", s, err)
	}
	return RuneId{Block: block, Tx: uint32(tx)}, nil
}

// AlkaneId identifies an alkane by its opaque protocol-assigned name.
type AlkaneId string

// Asset is a tagged union over the three asset families DarkSwap trades.
// Exactly one of the Rune/Alkane fields is meaningful, selected by Kind.
type Asset struct {
	kind   Kind
	rune   RuneId
	alkane AlkaneId
}

// NewBitcoin returns the Bitcoin asset.
func NewBitcoin() Asset {
	return Asset{kind: Bitcoin}
}

// NewRune returns the Asset for a given rune.
func NewRune(id RuneId) Asset {
	return Asset{kind: Rune, rune: id}
}

// NewAlkane returns the Asset for a given alkane.
func NewAlkane(id AlkaneId) Asset {
	return Asset{kind: Alkane, alkane: id}
}

// Kind reports which of the three shapes this Asset holds.
func (a Asset) Kind() Kind { return a.kind }

// RuneId returns the rune identifier. Only meaningful when Kind() == Rune.
func (a Asset) RuneId() RuneId { return a.rune }

// AlkaneId returns the alkane identifier. Only meaningful when Kind() == Alkane.
func (a Asset) AlkaneId() AlkaneId { return a.alkane }

// String returns the canonical wire/display form: "BTC",
// "RUNE:<block-hex>:<tx-hex>", or "ALKANE:<string>".
func (a Asset) String() string {
	switch a.kind {
	case Bitcoin:
		return "BTC"
	case Rune:
		return "RUNE:" + a.rune.String()
	case Alkane:
		return "ALKANE:" + string(a.alkane)
	default:
		return "UNKNOWN"
	}
}

// Equal reports structural equality between two assets.
func (a Asset) Equal(other Asset) bool {
	if a.kind != other.kind {
		return false
	}
	switch a.kind {
	case Rune:
		return a.rune == other.rune
	case Alkane:
		return a.alkane == other.alkane
	default:
		return true
	}
}

// Parse parses the canonical string form produced by String.
func Parse(s string) (Asset, error) {
	if s == "BTC" {
		return NewBitcoin(), nil
	}
	if rest, ok := strings.CutPrefix(s, "RUNE:"); ok {
		id, err := ParseRuneId(rest)
		if err != nil {
			return Asset{}, err
		}
		return NewRune(id), nil
	}
	if rest, ok := strings.CutPrefix(s, "ALKANE:"); ok {
		if rest == "" {
			return Asset{}, fmt.Errorf("invalid asset %q: empty alkane id", s)
		}
		return NewAlkane(AlkaneId(rest)), nil
	}
	return Asset{}, fmt.Errorf("invalid asset %q", s)
}

// Decimals returns the number of fractional digits this asset's native unit
// is divided into. Bitcoin uses satoshis (8 decimals); runes and alkanes
// carry their own divisibility that the wallet capability resolves, so the
// core treats them as 0-decimal (whole-unit) unless told otherwise by the
// caller via ToUnits/FromUnits's decimals argument.
func (a Asset) Decimals() int32 {
	if a.kind == Bitcoin {
		return 8
	}
	return 0
}

// ToUnits converts a decimal amount into the asset's smallest integer unit
// (e.g. satoshis for Bitcoin), rejecting values that don't fit exactly —
// any non-zero fractional residue after scaling means the caller passed
// more precision than the asset supports.
func ToUnits(amount decimal.Decimal, decimals int32) (int64, error) {
	scale := decimal.New(1, decimals)
	scaled := amount.Mul(scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount has more precision than %d decimals", ErrPrecision, decimals)
	}
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: non-integer unit amount", ErrPrecision)
	}
	units := scaled.BigInt()
	if !units.IsInt64() {
		return 0, fmt.Errorf("%w: amount overflows int64 units", ErrPrecision)
	}
	return units.Int64(), nil
}

// FromUnits converts an integer unit amount back into a decimal amount.
func FromUnits(units int64, decimals int32) decimal.Decimal {
	scale := decimal.New(1, decimals)
	return decimal.NewFromInt(units).Div(scale)
}

// ErrPrecision is returned when a decimal amount cannot be represented
// exactly at the asset's declared decimals.
var ErrPrecision = fmt.Errorf("precision error")
