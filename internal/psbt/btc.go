package psbt

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// BTCFamily builds and verifies a pure Bitcoin-for-Bitcoin swap PSBT:
// maker and taker legs concatenated with no OP_RETURN envelope.
type BTCFamily struct{}

// Create concatenates maker and taker inputs/outputs into one unsigned PSBT.
func (BTCFamily) Create(p CreateParams) (*psbt.Packet, error) {
	inputs := make([]Input, 0, len(p.MakerInputs)+len(p.TakerInputs))
	inputs = append(inputs, p.MakerInputs...)
	inputs = append(inputs, p.TakerInputs...)

	outputs := make([]*wire.TxOut, 0, len(p.MakerOutputs)+len(p.TakerOutputs))
	outputs = append(outputs, p.MakerOutputs...)
	outputs = append(outputs, p.TakerOutputs...)

	return newUnsignedPacket(inputs, outputs)
}

// Verify checks the shared structural rules only; a BTC-only swap carries
// no asset envelope to validate.
func (BTCFamily) Verify(_ VerifyParams, pkt *psbt.Packet) bool {
	return verifyCommon(pkt)
}
