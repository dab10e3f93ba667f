package psbt

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswap-foundation/darkswap/internal/asset"
)

// envelopeFamily is the behavior shared by RuneFamily and AlkaneFamily:
// output index 0 is a zero-value OP_RETURN naming the transferred asset and
// its base-unit amount, followed by the maker and taker legs.
type envelopeFamily struct {
	kind asset.Kind
}

// Create builds output 0 as the envelope, then appends maker/taker legs.
func (f envelopeFamily) Create(p CreateParams) (*psbt.Packet, error) {
	envelope, err := envelopeOutput(p.EnvelopeAsset, p.EnvelopeAmount)
	if err != nil {
		return nil, err
	}

	inputs := make([]Input, 0, len(p.MakerInputs)+len(p.TakerInputs))
	inputs = append(inputs, p.MakerInputs...)
	inputs = append(inputs, p.TakerInputs...)

	outputs := make([]*wire.TxOut, 0, 1+len(p.MakerOutputs)+len(p.TakerOutputs))
	outputs = append(outputs, envelope)
	outputs = append(outputs, p.MakerOutputs...)
	outputs = append(outputs, p.TakerOutputs...)

	return newUnsignedPacket(inputs, outputs)
}

// Verify checks the shared structural rules, then decodes output 0's
// envelope and confirms it names v.Asset carrying exactly v.Amount base
// units, rejecting any envelope for the wrong asset, wrong amount, wrong
// kind, or missing/malformed entirely.
func (f envelopeFamily) Verify(v VerifyParams, pkt *psbt.Packet) bool {
	if !verifyCommon(pkt) {
		return false
	}
	if len(pkt.UnsignedTx.TxOut) == 0 {
		return false
	}

	data, ok := opReturnData(pkt.UnsignedTx.TxOut[0].PkScript)
	if !ok {
		return false
	}

	envAsset, envAmount, err := DecodeEnvelope(data)
	if err != nil {
		return false
	}
	if envAsset.Kind() != f.kind {
		return false
	}
	if !envAsset.Equal(v.Asset) {
		return false
	}
	return envAmount == v.Amount
}

// RuneFamily builds and verifies a BTC-for-Rune swap PSBT.
type RuneFamily struct{ envelopeFamily }

// AlkaneFamily builds and verifies a BTC-for-Alkane swap PSBT.
type AlkaneFamily struct{ envelopeFamily }

func newRuneFamily() RuneFamily     { return RuneFamily{envelopeFamily{kind: asset.Rune}} }
func newAlkaneFamily() AlkaneFamily { return AlkaneFamily{envelopeFamily{kind: asset.Alkane}} }
