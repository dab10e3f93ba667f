// Package predicate implements predicate alkanes: composable transaction
// verifier predicates that the trade machine consults when a trade
// references one, each exposing a pure Validate(tx) bool.
package predicate

import (
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Predicate is a pure verifier over a finalized (or about-to-be-broadcast)
// transaction.
type Predicate interface {
	Validate(tx *wire.MsgTx) bool
}

// alkaneTransfer is one "ALKANE:<id>:<amount>" envelope found in an
// OP_RETURN output.
type alkaneTransfer struct {
	id     string
	amount uint64
}

// extractAlkaneTransfers scans every OP_RETURN output for envelopes of the
// form "ALKANE:<id>:<amount>", the same encoding the psbt package writes.
func extractAlkaneTransfers(tx *wire.MsgTx) []alkaneTransfer {
	var out []alkaneTransfer
	for _, txOut := range tx.TxOut {
		data, ok := opReturnData(txOut.PkScript)
		if !ok {
			continue
		}
		s := string(data)
		rest, ok := strings.CutPrefix(s, "ALKANE:")
		if !ok {
			continue
		}
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			continue
		}
		amount, err := strconv.ParseUint(rest[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, alkaneTransfer{id: rest[:idx], amount: amount})
	}
	return out
}

func opReturnData(pkScript []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	return tokenizer.Data(), true
}

// EqualityPredicate enforces that exactly two alkane transfers appear in
// the transaction, matching (LeftID, LeftAmount) and (RightID, RightAmount).
type EqualityPredicate struct {
	LeftID      string
	LeftAmount  uint64
	RightID     string
	RightAmount uint64
}

// Validate implements Predicate.
func (p *EqualityPredicate) Validate(tx *wire.MsgTx) bool {
	transfers := extractAlkaneTransfers(tx)
	if len(transfers) != 2 {
		return false
	}
	foundLeft, foundRight := false, false
	for _, t := range transfers {
		if t.id == p.LeftID && t.amount == p.LeftAmount {
			foundLeft = true
		} else if t.id == p.RightID && t.amount == p.RightAmount {
			foundRight = true
		}
	}
	return foundLeft && foundRight
}

// MultiSignaturePredicate requires at least RequiredSignatures of the
// inputs to reference one of PublicKeys: the key's bytes must appear in the
// input's scriptSig or equal one of its witness elements. Signatures are
// not verified, and inputs are counted rather than distinct keys, so one
// key referenced by two inputs counts twice.
type MultiSignaturePredicate struct {
	PublicKeys         [][]byte // compressed secp256k1 public keys
	RequiredSignatures int
}

// Validate implements Predicate. It checks that at least RequiredSignatures
// inputs carry a finalized witness or scriptSig referencing one of the
// configured public keys.
func (p *MultiSignaturePredicate) Validate(tx *wire.MsgTx) bool {
	if p.RequiredSignatures <= 0 || len(p.PublicKeys) == 0 {
		return false
	}
	matches := 0
	for _, in := range tx.TxIn {
		if inputReferencesAnyKey(in, p.PublicKeys) {
			matches++
		}
	}
	return matches >= p.RequiredSignatures
}

func inputReferencesAnyKey(in *wire.TxIn, keys [][]byte) bool {
	for _, key := range keys {
		if containsBytes(in.SignatureScript, key) {
			return true
		}
		for _, w := range in.Witness {
			if bytesEqual(w, key) {
				return true
			}
		}
	}
	return false
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if bytesEqual(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TimeLocked wraps an inner predicate, additionally requiring the
// transaction's lock time to have passed NotBefore.
type TimeLocked struct {
	Inner     Predicate
	NotBefore time.Time
}

// Validate implements Predicate.
func (p *TimeLocked) Validate(tx *wire.MsgTx) bool {
	if tx.LockTime == 0 {
		return false
	}
	locked := time.Unix(int64(tx.LockTime), 0)
	if locked.Before(p.NotBefore) {
		return false
	}
	return p.Inner.Validate(tx)
}

// LogicalOperator composes child predicates in Composite.
type LogicalOperator int

const (
	And LogicalOperator = iota
	Or
	Xor
	Not
)

// Composite combines one or more child predicates with a LogicalOperator.
// Not expects exactly one operand; Xor is true when exactly one operand
// is true.
type Composite struct {
	Operator LogicalOperator
	Operands []Predicate
}

// Validate implements Predicate.
func (c *Composite) Validate(tx *wire.MsgTx) bool {
	switch c.Operator {
	case And:
		for _, op := range c.Operands {
			if !op.Validate(tx) {
				return false
			}
		}
		return len(c.Operands) > 0
	case Or:
		for _, op := range c.Operands {
			if op.Validate(tx) {
				return true
			}
		}
		return false
	case Xor:
		trueCount := 0
		for _, op := range c.Operands {
			if op.Validate(tx) {
				trueCount++
			}
		}
		return trueCount == 1
	case Not:
		if len(c.Operands) != 1 {
			return false
		}
		return !c.Operands[0].Validate(tx)
	default:
		return false
	}
}
