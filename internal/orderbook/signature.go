package orderbook

import (
	"strconv"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// CanonicalBytes returns the bytes an order's signature is computed over:
// every field that identifies the offer, joined by "|" in a fixed order, so
// two nodes that agree on an order's contents always sign the same bytes
// regardless of field order on the wire.
func CanonicalBytes(o *Order) []byte {
	fields := []string{
		o.ID,
		o.Maker,
		o.BaseAsset.String(),
		o.QuoteAsset.String(),
		o.Side.String(),
		o.Amount.String(),
		o.Price.String(),
		strconv.FormatInt(o.ExpiresAt.Unix(), 10),
	}
	return []byte(strings.Join(fields, "|"))
}

// Sign computes o.Signature over CanonicalBytes(o) using an Ed25519 private
// key. internal/core calls neither Sign nor VerifySignature; it carries an
// order's Signature through gossip as received.
func Sign(o *Order, priv ed25519.PrivateKey) {
	o.Signature = ed25519.Sign(priv, CanonicalBytes(o))
}

// VerifySignature reports whether o.Signature is a valid Ed25519 signature
// over CanonicalBytes(o) by pub. An order with no signature is never
// considered verified.
func VerifySignature(o *Order, pub ed25519.PublicKey) bool {
	if len(o.Signature) == 0 {
		return false
	}
	return ed25519.Verify(pub, CanonicalBytes(o), o.Signature)
}
