package trade

import (
	"context"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/node"
	swappsbt "github.com/darkswap-foundation/darkswap/internal/psbt"
)

// buildEnvelopeArgs computes this trade's envelope asset/amount if it has a
// non-Bitcoin leg; both sides compute it independently from the same trade
// fields, so the result is deterministic and the eventual combined PSBT's
// envelope matches regardless of which side assembled it first.
func (m *Manager) buildEnvelopeArgs(tr *Trade) (family swappsbt.Family, envAsset asset.Asset, hasEnvelope bool, envAmount uint64, err error) {
	fam, nonBTC, hasEnvelope := m.psbtFamilyFor(tr)
	if !hasEnvelope {
		return fam, asset.Asset{}, false, 0, nil
	}
	amount, convErr := tr.EnvelopeAmount(m.envelopeDecimals(nonBTC))
	if convErr != nil {
		return nil, asset.Asset{}, false, 0, convErr
	}
	return fam, nonBTC, true, amount, nil
}

// makerSendPsbt builds the maker's own leg and sends it as the trade's
// first PSBT, advancing Created -> MakerPsbtSent. It is the maker's
// immediate reply to receiving TradeInitialize.
func (m *Manager) makerSendPsbt(ctx context.Context, tr *Trade) error {
	sats, err := tr.bitcoinAmountSats()
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	inputs, outputs, err := m.legForRole(makerOwesBitcoin(tr), sats)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	family, envAsset, hasEnvelope, envAmount, err := m.buildEnvelopeArgs(tr)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	params := swappsbt.CreateParams{MakerInputs: inputs, MakerOutputs: outputs}
	if hasEnvelope {
		params.EnvelopeAsset = envAsset
		params.EnvelopeAmount = envAmount
	}
	pkt, err := family.Create(params)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	data, err := swappsbt.Serialize(pkt)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	m.mu.Lock()
	tr.MakerPSBT = data
	tr.State = MakerPsbtSent
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.emit(EventTradeUpdated, tr)

	msg, err := node.NewTradeSendPsbtMessage(tr.ID, data)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if err := m.send(ctx, tr.Taker, tr, msg); err != nil {
		return err
	}
	return nil
}

// takerSendPsbt runs on the taker after the maker's leg arrives: it folds
// the maker's leg back out, appends the taker's own leg and the (self
// recomputed) envelope, and sends the combined PSBT back for the maker to
// sign.
func (m *Manager) takerSendPsbt(ctx context.Context, tr *Trade) error {
	pkt, err := swappsbt.Deserialize(tr.MakerPSBT)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	family, envAsset, hasEnvelope, envAmount, err := m.buildEnvelopeArgs(tr)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	makerInputs, makerOutputs := swappsbt.ExtractLegs(pkt, hasEnvelope)

	sats, err := tr.bitcoinAmountSats()
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	takerInputs, takerOutputs, err := m.legForRole(!makerOwesBitcoin(tr), sats)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	params := swappsbt.CreateParams{
		MakerInputs:  makerInputs,
		MakerOutputs: makerOutputs,
		TakerInputs:  takerInputs,
		TakerOutputs: takerOutputs,
	}
	if hasEnvelope {
		params.EnvelopeAsset = envAsset
		params.EnvelopeAmount = envAmount
	}
	combined, err := family.Create(params)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if !family.Verify(swappsbt.VerifyParams{Asset: envAsset, Amount: envAmount}, combined) {
		return m.failTrade(ctx, tr, dserr.ErrInvalidPsbt)
	}

	data, err := swappsbt.Serialize(combined)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	m.mu.Lock()
	tr.TakerPSBT = data
	tr.State = TakerPsbtSent
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.emit(EventTradeUpdated, tr)

	msg, err := node.NewTradeSendPsbtMessage(tr.ID, data)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if err := m.send(ctx, tr.Maker, tr, msg); err != nil {
		return err
	}
	return nil
}

// makerSignPsbt runs on the maker once the taker's combined PSBT arrives:
// verify it, sign this wallet's inputs, and send the partially-signed
// result back to the taker.
func (m *Manager) makerSignPsbt(ctx context.Context, tr *Trade) error {
	pkt, err := swappsbt.Deserialize(tr.TakerPSBT)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	family, envAsset, _, envAmount, err := m.buildEnvelopeArgs(tr)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if !family.Verify(swappsbt.VerifyParams{Asset: envAsset, Amount: envAmount}, pkt) {
		return m.failTrade(ctx, tr, dserr.ErrInvalidPsbt)
	}
	if tr.Predicate != nil && !tr.Predicate.Validate(pkt.UnsignedTx) {
		return m.failTrade(ctx, tr, dserr.ErrInvalidTx)
	}

	signed, err := m.wallet.SignPSBT(pkt)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	data, err := swappsbt.Serialize(signed)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	m.mu.Lock()
	tr.MakerPSBT = data
	tr.State = MakerSigned
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.emit(EventTradeUpdated, tr)

	msg, err := node.NewTradeSignPsbtMessage(tr.ID, data)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if err := m.send(ctx, tr.Taker, tr, msg); err != nil {
		return err
	}
	return nil
}

// takerSignAndBroadcast runs on the taker once the maker's signed PSBT
// arrives: add this wallet's own signatures, finalize, extract the final
// transaction, broadcast it, and tell the maker.
func (m *Manager) takerSignAndBroadcast(ctx context.Context, tr *Trade) error {
	pkt, err := swappsbt.Deserialize(tr.MakerPSBT)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	signed, err := m.wallet.SignPSBT(pkt)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if !swappsbt.IsFullySigned(signed) {
		if err := swappsbt.Finalize(signed); err != nil {
			return m.failTrade(ctx, tr, err)
		}
	}
	tx, err := swappsbt.ExtractTransaction(signed)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}
	if tr.Predicate != nil && !tr.Predicate.Validate(tx) {
		return m.failTrade(ctx, tr, dserr.ErrInvalidTx)
	}
	txid, err := m.wallet.BroadcastTransaction(tx)
	if err != nil {
		return m.failTrade(ctx, tr, err)
	}

	m.mu.Lock()
	tr.TxID = txid
	tr.State = Completed
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.orders.ApplyFill(tr.OrderID, tr.Amount); err != nil {
		m.log.Warn("failed to apply trade fill to order", "trade_id", tr.ID, "order_id", tr.OrderID, "error", err)
	}
	m.emit(EventTradeCompleted, tr)

	msg, err := node.NewTradeBroadcastMessage(tr.ID, txid)
	if err != nil {
		return nil // the swap already completed locally; a failed notify isn't fatal
	}
	if err := m.send(ctx, tr.Maker, tr, msg); err != nil {
		m.retry.RecordError(tr.Maker, dserr.ClassMessage, err.Error())
	}
	return nil
}
