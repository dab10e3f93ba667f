// Package walletsimple implements the config.WalletSimple variant of the
// Wallet capability the trade machine consumes: a single-key, SegWit-native
// wallet with its private key persisted to a file under the node's data
// directory, the way
// internal/node persists its libp2p identity key (loadOrCreateKey).
//
// It has no chain backend wired in (no UTXO indexer, no broadcast relay):
// GetUTXOs and GetAssetBalance report what the daemon has told it about via
// SetUTXOs/SetAssetBalance, and BroadcastTransaction is a narrow seam a
// daemon-level backend can satisfy later. Key custody and address
// derivation are real; chain observation is out of this package's scope,
// keeping key custody a pluggable concern outside the trading core.
package walletsimple

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/trade"
)

// Wallet is a single-key P2WPKH wallet satisfying trade.Wallet.
type Wallet struct {
	params *chaincfg.Params
	priv   *btcec.PrivateKey
	addr   *btcutil.AddressWitnessPubKeyHash

	mu           sync.RWMutex
	utxos        []trade.UTXO
	assetBalance map[string]uint64
}

var _ trade.Wallet = (*Wallet)(nil)

// New loads the wallet key from <dataDir>/wallet.key, generating and
// persisting a fresh secp256k1 key on first run.
func New(dataDir string, params *chaincfg.Params) (*Wallet, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	priv, err := loadOrCreateKey(filepath.Join(dataDir, "wallet.key"))
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("derive p2wpkh address: %w", err)
	}

	return &Wallet{
		params:       params,
		priv:         priv,
		addr:         addr,
		assetBalance: make(map[string]uint64),
	}, nil
}

func loadOrCreateKey(path string) (*btcec.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil {
		priv, _ := btcec.PrivKeyFromBytes(data)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.Serialize(), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

// SetUTXOs replaces the set of outputs this wallet will offer as trade
// inputs. A daemon wires this from whatever chain backend it owns; the
// core itself never populates it.
func (w *Wallet) SetUTXOs(utxos []trade.UTXO) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utxos = utxos
}

// SetAssetBalance records a's balance for a non-Bitcoin asset, as reported
// by whatever rune/alkane protocol adapter the daemon owns.
func (w *Wallet) SetAssetBalance(a asset.Asset, amount uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assetBalance[a.String()] = amount
}

// GetAddress returns this wallet's single P2WPKH address.
func (w *Wallet) GetAddress() (string, error) {
	return w.addr.EncodeAddress(), nil
}

// GetBalance sums the value of every known UTXO.
func (w *Wallet) GetBalance() (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var total uint64
	for _, u := range w.utxos {
		total += uint64(u.Output.Value)
	}
	return total, nil
}

// GetAssetBalance returns the last balance reported via SetAssetBalance,
// or the Bitcoin balance when a is Bitcoin.
func (w *Wallet) GetAssetBalance(a asset.Asset) (uint64, error) {
	if a.Kind() == asset.Bitcoin {
		return w.GetBalance()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.assetBalance[a.String()], nil
}

// GetUTXOs returns every output this wallet has been told it can spend.
func (w *Wallet) GetUTXOs() ([]trade.UTXO, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]trade.UTXO, len(w.utxos))
	copy(out, w.utxos)
	return out, nil
}

// PaymentOutput builds a TxOut paying amountSats to this wallet's own
// address, used as the recipient leg of a swap this wallet is a party to.
func (w *Wallet) PaymentOutput(amountSats uint64) (*wire.TxOut, error) {
	script, err := txscript.PayToAddrScript(w.addr)
	if err != nil {
		return nil, fmt.Errorf("build payment script: %w", err)
	}
	return wire.NewTxOut(int64(amountSats), script), nil
}

// SignPSBT attaches a partial signature to every input whose witness_utxo
// pays this wallet's own P2WPKH script. Inputs belonging to the
// counterparty are left untouched, so this is safe to call on a PSBT
// carrying both legs of a swap.
func (w *Wallet) SignPSBT(pkt *psbt.Packet) (*psbt.Packet, error) {
	ourScript, err := txscript.PayToAddrScript(w.addr)
	if err != nil {
		return nil, fmt.Errorf("build own script: %w", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(pkt.Inputs))
	for i, in := range pkt.Inputs {
		if in.WitnessUtxo != nil {
			prevOuts[pkt.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher)

	for i, in := range pkt.Inputs {
		if in.WitnessUtxo == nil || !scriptsEqual(in.WitnessUtxo.PkScript, ourScript) {
			continue
		}
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue
		}
		sig, err := txscript.RawTxInWitnessSignature(
			pkt.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, ourScript,
			txscript.SigHashAll, w.priv,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		pkt.Inputs[i].PartialSigs = append(pkt.Inputs[i].PartialSigs, &psbt.PartialSig{
			PubKey:    w.priv.PubKey().SerializeCompressed(),
			Signature: sig,
		})
	}
	return pkt, nil
}

// BroadcastTransaction is left unwired: this package owns key custody and
// signing only, not chain connectivity. A daemon wires a real backend
// (Electrum/mempool.space/Blockbook, as the donor's internal/backend does)
// in front of this method before production use.
func (w *Wallet) BroadcastTransaction(tx *wire.MsgTx) (string, error) {
	return "", fmt.Errorf("walletsimple: %w: no broadcast backend configured", dserr.ErrNetwork)
}

func scriptsEqual(a, b []byte) bool {
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
