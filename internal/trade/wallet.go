package trade

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswap-foundation/darkswap/internal/asset"
)

// UTXO is a spendable output, as returned by Wallet.GetUTXOs.
type UTXO struct {
	OutPoint wire.OutPoint
	Output   *wire.TxOut
}

// Wallet is the external collaborator contract the trade machine
// needs to build, sign, and broadcast swap transactions. The core never
// implements Bitcoin key custody itself; a concrete Wallet (simple, bdk, or
// an external process) is supplied by whatever embeds the core.
type Wallet interface {
	// GetAddress returns an address this wallet controls, used as the
	// recipient for this trade's leg of the swap.
	GetAddress() (string, error)

	// GetBalance returns the wallet's confirmed Bitcoin balance in satoshis.
	GetBalance() (uint64, error)

	// GetAssetBalance returns the wallet's balance of a for assets other
	// than Bitcoin (runes, alkanes).
	GetAssetBalance(a asset.Asset) (uint64, error)

	// GetUTXOs returns the wallet's spendable outputs, used to select
	// inputs for a swap transaction.
	GetUTXOs() ([]UTXO, error)

	// PaymentOutput builds a *wire.TxOut paying amountSats to an address
	// this wallet controls. Script encoding stays inside the wallet
	// capability rather than the trade package, which never decodes or
	// constructs addresses itself.
	PaymentOutput(amountSats uint64) (*wire.TxOut, error)

	// SignPSBT signs every input this wallet controls in pkt, returning the
	// (partially or fully) signed packet.
	SignPSBT(pkt *psbt.Packet) (*psbt.Packet, error)

	// BroadcastTransaction submits tx to the network and returns its txid.
	BroadcastTransaction(tx *wire.MsgTx) (string, error)
}

// AssetProtocol is the external collaborator contract for resolving
// rune/alkane metadata the trade machine needs but doesn't track itself:
// primarily the asset's decimal scale, used to convert a trade's decimal
// amount into the base units the OP_RETURN envelope carries.
type AssetProtocol interface {
	// Decimals returns the base-unit scale for id, or an error if id is
	// unknown to this protocol.
	Decimals(id string) (int32, error)
}

// decimalsFor resolves a's envelope scale: Bitcoin is fixed at 8; runes and
// alkanes fall back to asset.Asset.Decimals's zero default when no protocol
// is configured or the protocol doesn't recognize the id.
func decimalsFor(a asset.Asset, runes, alkanes AssetProtocol) int32 {
	switch a.Kind() {
	case asset.Rune:
		if runes != nil {
			if d, err := runes.Decimals(a.String()); err == nil {
				return d
			}
		}
	case asset.Alkane:
		if alkanes != nil {
			if d, err := alkanes.Decimals(a.String()); err == nil {
				return d
			}
		}
	}
	return a.Decimals()
}
