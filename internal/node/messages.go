// Package node - Wire message envelope and payload kinds for the DarkSwap
// gossip overlay and direct P2P streams.
package node

import "encoding/json"

// Message is the self-describing tagged record carried over both the gossip
// topics and the direct unicast stream protocol. Compatibility hinges on
// Type staying stable, not field order. A gossip receiver skips a Type it
// has no handler for; a direct-stream receiver answers one with a failed
// ACK.
type Message struct {
	Type     string          `json:"type"`      // wire kind tag, one of Msg*
	TradeID  string          `json:"trade_id"`  // trade identifier, empty for order-book gossip
	OrderID  string          `json:"order_id"`  // order identifier, for order/take messages
	FromPeer string          `json:"from_peer"` // sender peer ID
	Payload  json.RawMessage `json:"payload"`   // type-specific payload
	Timestamp int64          `json:"timestamp"` // unix timestamp

	// Delivery guarantee fields, used by the direct stream protocol only.
	MessageID   string `json:"message_id,omitempty"`   // UUID for deduplication
	SequenceNum uint64 `json:"sequence_num,omitempty"` // per-trade sequence number
	RequiresAck bool   `json:"requires_ack,omitempty"` // whether sender expects an ACK
	ExpiresAt   int64  `json:"expires_at,omitempty"`   // when this message stops being worth retrying
}

// AckPayload is the direct-stream acknowledgment payload. It is not one of
// the public wire kinds; it is local to the unicast delivery protocol.
type AckPayload struct {
	MessageID   string `json:"message_id"`
	SequenceNum uint64 `json:"sequence_num"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Wire kinds recognized on the gossip topics and direct streams, plus the
// unicast-only Ack extension.
const (
	MsgOrder       = "Order"
	MsgCancelOrder = "CancelOrder"

	MsgTradeInitialize = "TradeInitialize"
	MsgTradeSendPsbt   = "TradeSendPsbt"
	MsgTradeSignPsbt   = "TradeSignPsbt"
	MsgTradeBroadcast  = "TradeBroadcast"
	MsgTradeCancel     = "TradeCancel"

	MsgSignalingOffer        = "SignalingOffer"
	MsgSignalingAnswer       = "SignalingAnswer"
	MsgSignalingIceCandidate = "SignalingIceCandidate"

	MsgPing = "Ping"
	MsgPong = "Pong"

	MsgAck = "Ack"
)

// OrderPayload carries the full order record for the Order kind. It mirrors
// internal/orderbook.Order's wire-relevant fields rather than importing that
// package directly, so the node layer stays transport-only.
type OrderPayload struct {
	ID        string `json:"id"`
	Maker     string `json:"maker"`
	BaseAsset string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	Filled    string `json:"filled"`
	Price     string `json:"price"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature,omitempty"`
}

// CancelOrderPayload is the CancelOrder kind's payload.
type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
}

// TradeInitializePayload is the TradeInitialize kind's payload.
type TradeInitializePayload struct {
	TradeID string `json:"trade_id"`
	OrderID string `json:"order_id"`
	Amount  string `json:"amount"`
}

// TradeSendPsbtPayload is the TradeSendPsbt kind's payload.
type TradeSendPsbtPayload struct {
	TradeID   string `json:"trade_id"`
	PsbtBytes []byte `json:"psbt_bytes"`
}

// TradeSignPsbtPayload is the TradeSignPsbt kind's payload.
type TradeSignPsbtPayload struct {
	TradeID         string `json:"trade_id"`
	SignedPsbtBytes []byte `json:"signed_psbt_bytes"`
}

// TradeBroadcastPayload is the TradeBroadcast kind's payload.
type TradeBroadcastPayload struct {
	TradeID string `json:"trade_id"`
	TxID    string `json:"txid"`
}

// TradeCancelPayload is the TradeCancel kind's payload.
type TradeCancelPayload struct {
	TradeID string `json:"trade_id"`
	Reason  string `json:"reason"`
}

// SignalingOfferPayload carries a WebRTC SDP offer.
type SignalingOfferPayload struct {
	SDP string `json:"sdp"`
}

// SignalingAnswerPayload carries a WebRTC SDP answer.
type SignalingAnswerPayload struct {
	SDP string `json:"sdp"`
}

// SignalingIceCandidatePayload carries a single trickled ICE candidate.
type SignalingIceCandidatePayload struct {
	Candidate    string `json:"candidate"`
	SDPMid       string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"m_line_index,omitempty"`
}

// newMessage builds a Message of the given kind with a JSON-marshaled payload.
func newMessage(kind, tradeID, orderID string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    kind,
		TradeID: tradeID,
		OrderID: orderID,
		Payload: data,
	}, nil
}

// NewOrderMessage creates an Order gossip message.
func NewOrderMessage(orderID string, payload OrderPayload) (*Message, error) {
	return newMessage(MsgOrder, "", orderID, payload)
}

// NewCancelOrderMessage creates a CancelOrder gossip message.
func NewCancelOrderMessage(orderID string) (*Message, error) {
	return newMessage(MsgCancelOrder, "", orderID, CancelOrderPayload{OrderID: orderID})
}

// NewTradeInitializeMessage creates a TradeInitialize message.
func NewTradeInitializeMessage(tradeID, orderID, amount string) (*Message, error) {
	return newMessage(MsgTradeInitialize, tradeID, orderID, TradeInitializePayload{
		TradeID: tradeID,
		OrderID: orderID,
		Amount:  amount,
	})
}

// NewTradeSendPsbtMessage creates a TradeSendPsbt message.
func NewTradeSendPsbtMessage(tradeID string, psbtBytes []byte) (*Message, error) {
	return newMessage(MsgTradeSendPsbt, tradeID, "", TradeSendPsbtPayload{
		TradeID:   tradeID,
		PsbtBytes: psbtBytes,
	})
}

// NewTradeSignPsbtMessage creates a TradeSignPsbt message.
func NewTradeSignPsbtMessage(tradeID string, signedPsbtBytes []byte) (*Message, error) {
	return newMessage(MsgTradeSignPsbt, tradeID, "", TradeSignPsbtPayload{
		TradeID:         tradeID,
		SignedPsbtBytes: signedPsbtBytes,
	})
}

// NewTradeBroadcastMessage creates a TradeBroadcast message.
func NewTradeBroadcastMessage(tradeID, txid string) (*Message, error) {
	return newMessage(MsgTradeBroadcast, tradeID, "", TradeBroadcastPayload{
		TradeID: tradeID,
		TxID:    txid,
	})
}

// NewTradeCancelMessage creates a TradeCancel message.
func NewTradeCancelMessage(tradeID, reason string) (*Message, error) {
	return newMessage(MsgTradeCancel, tradeID, "", TradeCancelPayload{
		TradeID: tradeID,
		Reason:  reason,
	})
}

// NewPingMessage creates a Ping liveness probe. Ping and Pong carry no
// payload.
func NewPingMessage() (*Message, error) {
	return newMessage(MsgPing, "", "", nil)
}

// NewPongMessage creates the Pong reply to a Ping.
func NewPongMessage() (*Message, error) {
	return newMessage(MsgPong, "", "", nil)
}

// NewSignalingOfferMessage creates a SignalingOffer message for a trade's
// WebRTC data channel setup.
func NewSignalingOfferMessage(tradeID, sdp string) (*Message, error) {
	return newMessage(MsgSignalingOffer, tradeID, "", SignalingOfferPayload{SDP: sdp})
}

// NewSignalingAnswerMessage creates a SignalingAnswer message.
func NewSignalingAnswerMessage(tradeID, sdp string) (*Message, error) {
	return newMessage(MsgSignalingAnswer, tradeID, "", SignalingAnswerPayload{SDP: sdp})
}

// NewSignalingIceCandidateMessage creates a SignalingIceCandidate message.
func NewSignalingIceCandidateMessage(tradeID, candidate, sdpMid string, mLineIndex *uint16) (*Message, error) {
	return newMessage(MsgSignalingIceCandidate, tradeID, "", SignalingIceCandidatePayload{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: mLineIndex,
	})
}
