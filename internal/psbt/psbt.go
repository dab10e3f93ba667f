// Package psbt implements the per-asset-family PSBT builder and verifier:
// construct and verify the two-party swap transaction for a (BTC, BTC),
// (BTC, Rune), or (BTC, Alkane) trade, sharing one interface across the
// three families.
package psbt

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswap-foundation/darkswap/internal/asset"
)

// Input is one PSBT input: the outpoint being spent plus the witness_utxo
// Create attaches to it so each party can sign without fetching the
// spent outputs itself.
type Input struct {
	OutPoint wire.OutPoint
	Witness  *wire.TxOut
}

// CreateParams is the common argument shape for every family's Create:
// maker inputs/outputs are concatenated first, taker inputs/outputs after.
// EnvelopeAsset/EnvelopeAmount are ignored by BTCFamily and required by
// the envelope-carrying families.
type CreateParams struct {
	MakerInputs  []Input
	MakerOutputs []*wire.TxOut
	TakerInputs  []Input
	TakerOutputs []*wire.TxOut

	EnvelopeAsset  asset.Asset
	EnvelopeAmount uint64
}

// VerifyParams carries the expected asset id and amount a non-Bitcoin
// family's envelope must match, computed by the caller from the trade's
// side: the traded amount for a sell, amount times price for a buy.
// Ignored by BTCFamily.
type VerifyParams struct {
	Asset  asset.Asset
	Amount uint64
}

// Family builds and verifies swap PSBTs for one asset-family combination.
// BTCFamily, RuneFamily, and AlkaneFamily are the three parallel
// implementations.
type Family interface {
	Create(p CreateParams) (*psbt.Packet, error)
	Verify(v VerifyParams, pkt *psbt.Packet) bool
}

// ForAsset selects the family that handles a trade whose non-Bitcoin leg
// (if any) is a.
func ForAsset(a asset.Asset) Family {
	switch a.Kind() {
	case asset.Rune:
		return newRuneFamily()
	case asset.Alkane:
		return newAlkaneFamily()
	default:
		return BTCFamily{}
	}
}

// newUnsignedPacket concatenates inputs and outputs into an unsigned
// transaction, wraps it as a PSBT, and attaches each input's witness_utxo.
func newUnsignedPacket(inputs []Input, outputs []*wire.TxOut) (*psbt.Packet, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("build unsigned psbt: %w", err)
	}
	for i, in := range inputs {
		pkt.Inputs[i].WitnessUtxo = in.Witness
	}
	return pkt, nil
}

// verifyCommon applies the two rejection rules every family shares: a
// minimum of two inputs and two outputs, and no input already finalized.
func verifyCommon(pkt *psbt.Packet) bool {
	if pkt == nil || pkt.UnsignedTx == nil {
		return false
	}
	if len(pkt.UnsignedTx.TxIn) < 2 || len(pkt.UnsignedTx.TxOut) < 2 {
		return false
	}
	for i := range pkt.Inputs {
		if pkt.Inputs[i].FinalScriptSig != nil || pkt.Inputs[i].FinalScriptWitness != nil {
			return false
		}
	}
	return true
}

// EncodeEnvelope builds the OP_RETURN payload naming the transferred asset
// and its base-unit amount: "<asset string form>:<amount>", e.g.
// "RUNE:1:0:50" or "ALKANE:FOO:50". Decoding splits on the last colon, so
// the asset's own canonical form (which may itself contain colons, as
// RUNE:<block>:<tx> does) round-trips unambiguously.
func EncodeEnvelope(a asset.Asset, amount uint64) []byte {
	return []byte(a.String() + ":" + strconv.FormatUint(amount, 10))
}

// DecodeEnvelope parses the payload EncodeEnvelope produces.
func DecodeEnvelope(data []byte) (asset.Asset, uint64, error) {
	s := string(data)
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return asset.Asset{}, 0, fmt.Errorf("%w: malformed envelope %q", ErrInvalidEnvelope, s)
	}
	a, err := asset.Parse(s[:idx])
	if err != nil {
		return asset.Asset{}, 0, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	amount, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return asset.Asset{}, 0, fmt.Errorf("%w: malformed envelope amount %q", ErrInvalidEnvelope, s)
	}
	return a, amount, nil
}

// ErrInvalidEnvelope marks a malformed OP_RETURN envelope payload.
var ErrInvalidEnvelope = fmt.Errorf("invalid envelope")

// envelopeOutput builds the zero-value OP_RETURN output encoding a, amount.
func envelopeOutput(a asset.Asset, amount uint64) (*wire.TxOut, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(EncodeEnvelope(a, amount)).
		Script()
	if err != nil {
		return nil, fmt.Errorf("build envelope script: %w", err)
	}
	return wire.NewTxOut(0, script), nil
}

// opReturnData returns the pushed data of pkScript if it is a single-push
// OP_RETURN script, matching the encoding envelopeOutput produces.
func opReturnData(pkScript []byte) ([]byte, bool) {
	tok := txscript.MakeScriptTokenizer(0, pkScript)
	if !tok.Next() || tok.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tok.Next() {
		return nil, false
	}
	return tok.Data(), true
}

// ExtractLegs recovers the inputs and outputs of an already-built packet,
// used by the trade machine to fold a received PSBT's legs back into a
// fresh Create call for the next party. When skipEnvelope is true, output
// index 0 (the OP_RETURN envelope) is omitted from the result.
func ExtractLegs(pkt *psbt.Packet, skipEnvelope bool) (inputs []Input, outputs []*wire.TxOut) {
	for i, txIn := range pkt.UnsignedTx.TxIn {
		var witness *wire.TxOut
		if i < len(pkt.Inputs) {
			witness = pkt.Inputs[i].WitnessUtxo
		}
		inputs = append(inputs, Input{OutPoint: txIn.PreviousOutPoint, Witness: witness})
	}
	start := 0
	if skipEnvelope {
		start = 1
	}
	for i := start; i < len(pkt.UnsignedTx.TxOut); i++ {
		outputs = append(outputs, pkt.UnsignedTx.TxOut[i])
	}
	return inputs, outputs
}

// Serialize encodes a packet to its binary wire form, the psbt_bytes
// carried by TradeSendPsbt/TradeSignPsbt.
func Serialize(pkt *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize parses the binary wire form Serialize produces.
func Deserialize(data []byte) (*psbt.Packet, error) {
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("deserialize psbt: %w", err)
	}
	return pkt, nil
}

// IsFullySigned reports whether every input carries a final script sig or
// final script witness, i.e. it is ready for transaction extraction.
func IsFullySigned(pkt *psbt.Packet) bool {
	for i := range pkt.Inputs {
		if pkt.Inputs[i].FinalScriptSig == nil && pkt.Inputs[i].FinalScriptWitness == nil {
			return false
		}
	}
	return true
}

// Finalize finalizes every input that isn't already finalized.
func Finalize(pkt *psbt.Packet) error {
	for i := range pkt.Inputs {
		if pkt.Inputs[i].FinalScriptSig != nil || pkt.Inputs[i].FinalScriptWitness != nil {
			continue
		}
		if err := psbt.Finalize(pkt, i); err != nil {
			return fmt.Errorf("finalize input %d: %w", i, err)
		}
	}
	return nil
}

// ExtractTransaction extracts the final wire.MsgTx, failing unless every
// input is finalized.
func ExtractTransaction(pkt *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("extract transaction: %w", err)
	}
	return tx, nil
}
