package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/eventbus"
	"github.com/darkswap-foundation/darkswap/internal/node"
	"github.com/darkswap-foundation/darkswap/internal/orderbook"
	"github.com/darkswap-foundation/darkswap/internal/predicate"
	swappsbt "github.com/darkswap-foundation/darkswap/internal/psbt"
	"github.com/darkswap-foundation/darkswap/internal/retry"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

// Event kinds published on the Manager's event bus.
const (
	EventTradeCreated   = "trade_created"
	EventTradeUpdated   = "trade_updated"
	EventTradeCompleted = "trade_completed"
	EventTradeCancelled = "trade_cancelled"
	EventTradeFailed    = "trade_failed"
	EventTradeExpired   = "trade_expired"
)

// Orders is the slice of the order book registry the trade machine needs:
// look up the order a trade is filling, and apply the fill once the trade
// completes. A single global order-ID namespace lets the trade package stay
// ignorant of which (base, quote) book an order lives in.
type Orders interface {
	GetOrder(orderID string) (*orderbook.Order, error)
	ApplyFill(orderID string, amount decimal.Decimal) error
}

// Config tunes the Manager's timeouts (defaults: 30s per stage, 10m
// overall).
type Config struct {
	StageTimeout  time.Duration
	DefaultExpiry time.Duration
}

// DefaultConfig returns the stock stage and expiry timeouts.
func DefaultConfig() Config {
	return Config{StageTimeout: 30 * time.Second, DefaultExpiry: 10 * time.Minute}
}

// Manager orchestrates every in-flight trade's state machine,
// consulting Wallet for signing and funding, Orders for order lookups and
// fills, and Transport for message delivery.
type Manager struct {
	mu     sync.Mutex
	trades map[string]*Trade

	transport Transport
	wallet    Wallet
	orders    Orders
	runes     AssetProtocol
	alkanes   AssetProtocol
	events    *eventbus.Bus
	retry     *retry.Controller
	cfg       Config
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Manager. runes/alkanes may be nil, in which case
// non-Bitcoin envelope amounts use asset.Asset.Decimals's zero default.
func New(transport Transport, wallet Wallet, orders Orders, events *eventbus.Bus, runes, alkanes AssetProtocol, retryCtl *retry.Controller, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		trades:    make(map[string]*Trade),
		transport: transport,
		wallet:    wallet,
		orders:    orders,
		runes:     runes,
		alkanes:   alkanes,
		events:    events,
		retry:     retryCtl,
		cfg:       cfg,
		log:       logging.Component("trade"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers message handlers and launches the expiry sweeper.
func (m *Manager) Start() {
	m.transport.OnDirectMessage(node.MsgTradeInitialize, m.onMessage)
	m.transport.OnDirectMessage(node.MsgTradeSendPsbt, m.onMessage)
	m.transport.OnDirectMessage(node.MsgTradeSignPsbt, m.onMessage)
	m.transport.OnDirectMessage(node.MsgTradeBroadcast, m.onMessage)
	m.transport.OnDirectMessage(node.MsgTradeCancel, m.onMessage)

	go m.sweepExpired()
}

// Stop halts the expiry sweeper.
func (m *Manager) Stop() { m.cancel() }

// GetTrade returns a copy-free pointer to trade id, or ErrTradeNotFound.
func (m *Manager) GetTrade(id string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trades[id]
	if !ok {
		return nil, dserr.ErrTradeNotFound
	}
	return tr, nil
}

// GetTrades returns every trade this node is a party to.
func (m *Manager) GetTrades() []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trade, 0, len(m.trades))
	for _, tr := range m.trades {
		out = append(out, tr)
	}
	return out
}

// AttachPredicate attaches a verifier predicate to a non-terminal trade.
// The state machine consults it before the maker signs and before the
// taker broadcasts; a predicate that rejects the transaction fails the
// trade.
func (m *Manager) AttachPredicate(tradeID string, p predicate.Predicate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trades[tradeID]
	if !ok {
		return dserr.ErrTradeNotFound
	}
	if tr.State.IsTerminal() {
		return dserr.ErrInvalidTradeState
	}
	tr.Predicate = p
	return nil
}

// CancelTrade cancels a non-terminal trade owned by this node and notifies
// the counterparty.
func (m *Manager) CancelTrade(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	tr, ok := m.trades[id]
	if !ok {
		m.mu.Unlock()
		return dserr.ErrTradeNotFound
	}
	if tr.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	tr.State = Cancelled
	tr.FailureReason = reason
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emit(EventTradeCancelled, tr)
	m.sendCancel(ctx, tr, reason)
	return nil
}

// TakeOrder begins a new trade against a resting order: this node plays the
// taker role and sends TradeInitialize to the order's maker (the handshake's first
// edge).
func (m *Manager) TakeOrder(ctx context.Context, order *orderbook.Order, amount decimal.Decimal) (*Trade, error) {
	if amount.Sign() <= 0 || amount.GreaterThan(order.Remaining()) {
		return nil, dserr.ErrInvalidTradeAmount
	}

	now := time.Now()
	tr := &Trade{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		Maker:      order.Maker,
		Taker:      m.transport.LocalPeerID(),
		BaseAsset:  order.BaseAsset,
		QuoteAsset: order.QuoteAsset,
		Side:       order.Side,
		Amount:     amount,
		Price:      order.Price,
		State:      Created,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.DefaultExpiry),
		localRole:  "taker",
	}

	m.mu.Lock()
	m.trades[tr.ID] = tr
	m.mu.Unlock()
	m.emit(EventTradeCreated, tr)

	msg, err := node.NewTradeInitializeMessage(tr.ID, order.ID, amount.String())
	if err != nil {
		return nil, err
	}
	if err := m.send(ctx, order.Maker, tr, msg); err != nil {
		m.retry.RecordError(order.Maker, dserr.ClassMessage, err.Error())
		return nil, fmt.Errorf("send trade initialize: %w", err)
	}
	return tr, nil
}

// onMessage dispatches an incoming trade message to its state-specific
// handler. It is registered once per wire kind via Start.
func (m *Manager) onMessage(ctx context.Context, msg *node.Message) error {
	switch msg.Type {
	case node.MsgTradeInitialize:
		return m.onInitialize(ctx, msg)
	case node.MsgTradeSendPsbt:
		return m.onSendPsbt(ctx, msg)
	case node.MsgTradeSignPsbt:
		return m.onSignPsbt(ctx, msg)
	case node.MsgTradeBroadcast:
		return m.onBroadcast(ctx, msg)
	case node.MsgTradeCancel:
		return m.onCancel(ctx, msg)
	default:
		return nil
	}
}

// onInitialize handles a maker receiving TradeInitialize: it creates the
// local trade record and immediately builds and sends its own PSBT leg.
func (m *Manager) onInitialize(ctx context.Context, msg *node.Message) error {
	var payload node.TradeInitializePayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.trades[payload.TradeID]; exists {
		m.mu.Unlock()
		return nil // duplicate Initialize, idempotent no-op
	}

	order, err := m.orders.GetOrder(payload.OrderID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil || amount.Sign() <= 0 {
		m.mu.Unlock()
		return dserr.ErrInvalidAmount
	}

	now := time.Now()
	tr := &Trade{
		ID:         payload.TradeID,
		OrderID:    payload.OrderID,
		Maker:      order.Maker,
		Taker:      msg.FromPeer,
		BaseAsset:  order.BaseAsset,
		QuoteAsset: order.QuoteAsset,
		Side:       order.Side,
		Amount:     amount,
		Price:      order.Price,
		State:      Created,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.DefaultExpiry),
		localRole:  "maker",
	}
	m.trades[tr.ID] = tr
	m.mu.Unlock()

	m.emit(EventTradeCreated, tr)
	return m.makerSendPsbt(ctx, tr)
}

// onSendPsbt handles both SendPsbt edges of the handshake, routed by the trade's
// current state. A state already past either edge makes this a no-op.
func (m *Manager) onSendPsbt(ctx context.Context, msg *node.Message) error {
	var payload node.TradeSendPsbtPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		return err
	}

	m.mu.Lock()
	tr, ok := m.trades[payload.TradeID]
	if !ok {
		m.mu.Unlock()
		return dserr.ErrTradeNotFound
	}

	switch tr.State {
	case Created:
		if tr.localRole != "taker" || msg.FromPeer != tr.Maker {
			m.mu.Unlock()
			return dserr.ErrNotParticipant
		}
		tr.MakerPSBT = payload.PsbtBytes
		tr.State = MakerPsbtSent
		tr.UpdatedAt = time.Now()
		m.mu.Unlock()
		m.emit(EventTradeUpdated, tr)
		return m.takerSendPsbt(ctx, tr)

	case MakerPsbtSent:
		if tr.localRole == "taker" && msg.FromPeer == tr.Maker {
			m.mu.Unlock()
			return nil // redelivered maker leg: duplicate, idempotent no-op
		}
		if tr.localRole != "maker" || msg.FromPeer != tr.Taker {
			m.mu.Unlock()
			return dserr.ErrNotParticipant
		}
		tr.TakerPSBT = payload.PsbtBytes
		tr.State = TakerPsbtSent
		tr.UpdatedAt = time.Now()
		m.mu.Unlock()
		m.emit(EventTradeUpdated, tr)
		return m.makerSignPsbt(ctx, tr)

	default:
		m.mu.Unlock()
		return nil // already past this step: duplicate, idempotent no-op
	}
}

// onSignPsbt handles the maker's SignPsbt edge: the taker signs its own
// inputs in the maker's signed PSBT and broadcasts. That PSBT is not checked
// again with the asset family's Verify; only an attached Predicate is
// consulted, on the extracted transaction.
func (m *Manager) onSignPsbt(ctx context.Context, msg *node.Message) error {
	var payload node.TradeSignPsbtPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		return err
	}

	m.mu.Lock()
	tr, ok := m.trades[payload.TradeID]
	if !ok {
		m.mu.Unlock()
		return dserr.ErrTradeNotFound
	}

	switch tr.State {
	case TakerPsbtSent:
		if tr.localRole != "taker" || msg.FromPeer != tr.Maker {
			m.mu.Unlock()
			return dserr.ErrNotParticipant
		}
		tr.MakerPSBT = payload.SignedPsbtBytes
		tr.State = MakerSigned
		tr.UpdatedAt = time.Now()
		m.mu.Unlock()
		m.emit(EventTradeUpdated, tr)
		return m.takerSignAndBroadcast(ctx, tr)

	case MakerSigned, TakerSigned, Completed:
		m.mu.Unlock()
		return nil // duplicate

	default:
		m.mu.Unlock()
		return dserr.ErrInvalidTradeState // SignPsbt arrived before its PSBT step
	}
}

// onBroadcast handles the taker's Broadcast edge on the maker's side: the
// swap is done, so the order's fill is applied.
func (m *Manager) onBroadcast(ctx context.Context, msg *node.Message) error {
	var payload node.TradeBroadcastPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		return err
	}

	m.mu.Lock()
	tr, ok := m.trades[payload.TradeID]
	if !ok {
		m.mu.Unlock()
		return dserr.ErrTradeNotFound
	}

	switch tr.State {
	case MakerSigned:
		if tr.localRole != "maker" || msg.FromPeer != tr.Taker {
			m.mu.Unlock()
			return dserr.ErrNotParticipant
		}
		tr.TxID = payload.TxID
		tr.State = Completed
		tr.UpdatedAt = time.Now()
		m.mu.Unlock()

		if err := m.orders.ApplyFill(tr.OrderID, tr.Amount); err != nil {
			m.log.Warn("failed to apply trade fill to order", "trade_id", tr.ID, "order_id", tr.OrderID, "error", err)
		}
		m.emit(EventTradeCompleted, tr)
		return nil

	case Completed:
		m.mu.Unlock()
		return nil // duplicate

	default:
		m.mu.Unlock()
		return dserr.ErrInvalidTradeState
	}
}

// onCancel handles a TradeCancel from either participant.
func (m *Manager) onCancel(_ context.Context, msg *node.Message) error {
	var payload node.TradeCancelPayload
	if err := unmarshalPayload(msg, &payload); err != nil {
		return err
	}

	m.mu.Lock()
	tr, ok := m.trades[payload.TradeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if tr.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	tr.State = Cancelled
	tr.FailureReason = payload.Reason
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emit(EventTradeCancelled, tr)
	return nil
}

// send delivers msg to peerID, bounding the step by the configured stage
// timeout (30s per message step).
func (m *Manager) send(ctx context.Context, peerID string, tr *Trade, msg *node.Message) error {
	if m.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.StageTimeout)
		defer cancel()
	}
	return m.transport.SendDirect(ctx, peerID, tr.ID, tr.ExpiresAt.Unix(), msg)
}

// unmarshalPayload decodes msg's type-specific payload into dst.
func unmarshalPayload(msg *node.Message, dst interface{}) error {
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrInvalidTx, err)
	}
	return nil
}

// emit publishes a trade lifecycle event, snapshotting the trade under lock
// so subscribers never observe a torn struct.
func (m *Manager) emit(kind string, tr *Trade) {
	if m.events == nil {
		return
	}
	m.mu.Lock()
	snapshot := *tr
	m.mu.Unlock()
	m.events.Publish(eventbus.Event{Kind: kind, Payload: &snapshot})
}

// failTrade transitions tr to Failed, emits EventTradeFailed, and tells the
// counterparty via TradeCancel.
func (m *Manager) failTrade(ctx context.Context, tr *Trade, cause error) error {
	m.mu.Lock()
	tr.State = Failed
	tr.FailureReason = cause.Error()
	tr.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emit(EventTradeFailed, tr)
	m.sendCancel(ctx, tr, cause.Error())
	return cause
}

// sendCancel best-effort notifies the counterparty that tr is over.
func (m *Manager) sendCancel(ctx context.Context, tr *Trade, reason string) {
	counterparty := tr.Maker
	if tr.localRole == "maker" {
		counterparty = tr.Taker
	}
	msg, err := node.NewTradeCancelMessage(tr.ID, reason)
	if err != nil {
		return
	}
	if err := m.send(ctx, counterparty, tr, msg); err != nil {
		m.retry.RecordError(counterparty, dserr.ClassMessage, err.Error())
	}
}

// sweepExpired periodically transitions non-terminal trades past their
// ExpiresAt to Expired.
func (m *Manager) sweepExpired() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expireOnce(time.Now())
		}
	}
}

func (m *Manager) expireOnce(now time.Time) {
	m.mu.Lock()
	var expired []*Trade
	for _, tr := range m.trades {
		if !tr.State.IsTerminal() && now.After(tr.ExpiresAt) {
			tr.State = Expired
			tr.UpdatedAt = now
			expired = append(expired, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range expired {
		m.emit(EventTradeExpired, tr)
	}
}

// psbtFamilyFor selects the Family that builds/verifies tr's transaction,
// reporting whether a non-Bitcoin envelope leg is present.
func (m *Manager) psbtFamilyFor(tr *Trade) (family swappsbt.Family, envelopeAsset asset.Asset, hasEnvelope bool) {
	nonBTC, ok := tr.NonBitcoinLeg()
	if !ok {
		return swappsbt.BTCFamily{}, asset.Asset{}, false
	}
	return swappsbt.ForAsset(nonBTC), nonBTC, true
}

// envelopeDecimals resolves the base-unit scale for tr's non-Bitcoin leg, if
// any, using this Manager's configured rune/alkane protocols.
func (m *Manager) envelopeDecimals(nonBTC asset.Asset) int32 {
	return decimalsFor(nonBTC, m.runes, m.alkanes)
}

// makerOwesBitcoin reports whether the maker is the side paying Bitcoin on
// this trade, derived from which leg is Bitcoin and the maker's order side.
func makerOwesBitcoin(tr *Trade) bool {
	if tr.QuoteAsset.Kind() == asset.Bitcoin {
		return tr.Side == orderbook.Buy // maker pays quote (BTC) to buy base
	}
	if tr.BaseAsset.Kind() == asset.Bitcoin {
		return tr.Side == orderbook.Sell // maker sells base (BTC) for quote
	}
	return false
}

// bitcoinAmountSats computes the satoshi value changing hands for tr: the
// complement of EnvelopeAmount's base-asset quantity, since exactly one of
// the two legs is priced at amount and the other at amount*price.
func (tr *Trade) bitcoinAmountSats() (uint64, error) {
	quantity := tr.Amount
	if tr.Side == orderbook.Sell {
		quantity = tr.Amount.Mul(tr.Price)
	}
	units, err := asset.ToUnits(quantity, 8)
	if err != nil {
		return 0, err
	}
	if units < 0 {
		return 0, asset.ErrPrecision
	}
	return uint64(units), nil
}

// legForRole builds this node's inputs/outputs for its side of the swap:
// if owesBitcoin, it selects UTXOs covering amountSats; otherwise it
// supplies a payment output for amountSats. Either role may also own the
// non-Bitcoin envelope leg, which carries no separate inputs/outputs of its
// own (OP_RETURN is output 0, added by the Family, not here).
func (m *Manager) legForRole(owesBitcoin bool, amountSats uint64) ([]swappsbt.Input, []*wire.TxOut, error) {
	if owesBitcoin {
		utxos, err := m.wallet.GetUTXOs()
		if err != nil {
			return nil, nil, fmt.Errorf("get utxos: %w", err)
		}
		selected, total, err := selectUTXOs(utxos, amountSats)
		if err != nil {
			return nil, nil, err
		}
		inputs := make([]swappsbt.Input, 0, len(selected))
		for _, u := range selected {
			inputs = append(inputs, swappsbt.Input{OutPoint: u.OutPoint, Witness: u.Output})
		}
		var outputs []*wire.TxOut
		if change := total - amountSats; change > 0 {
			changeOut, err := m.wallet.PaymentOutput(change)
			if err != nil {
				return nil, nil, fmt.Errorf("build change output: %w", err)
			}
			outputs = append(outputs, changeOut)
		}
		return inputs, outputs, nil
	}

	out, err := m.wallet.PaymentOutput(amountSats)
	if err != nil {
		return nil, nil, fmt.Errorf("build payment output: %w", err)
	}
	return nil, []*wire.TxOut{out}, nil
}

// selectUTXOs greedily selects UTXOs from available covering at least
// target satoshis, returning the selection and its total value.
func selectUTXOs(available []UTXO, target uint64) ([]UTXO, uint64, error) {
	var selected []UTXO
	var total uint64
	for _, u := range available {
		if total >= target {
			break
		}
		selected = append(selected, u)
		total += uint64(u.Output.Value)
	}
	if total < target {
		return nil, 0, dserr.ErrInsufficientFunds
	}
	return selected, total, nil
}
