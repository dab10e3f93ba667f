// Package transport implements the WebRTC data-channel transport and
// the signaling sub-protocol that carries the SDP offers/answers and
// ICE candidates used to establish it. It is deliberately agnostic of how
// signaling messages actually reach the peer: callers wire a Sender backed
// by whatever overlay they have (the gossip/unicast layer in
// internal/node, in production).
package transport

import (
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

var log = logging.Component("webrtc-transport")

// SignalKind discriminates the three signaling message shapes.
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalIceCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalIceCandidate:
		return "ice_candidate"
	default:
		return "unknown"
	}
}

// SignalMessage is one signaling message, tagged by Kind. SDP is populated
// for Offer/Answer; Candidate (plus the optional mid/m-line hints) for
// IceCandidate.
type SignalMessage struct {
	Kind          SignalKind
	SDP           string
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// InboundSignal pairs a received SignalMessage with the peer that sent it.
type InboundSignal struct {
	Peer    string
	Message SignalMessage
}

// Sender delivers a signaling message to a peer over whatever carrier the
// caller has wired in. Delivery is not guaranteed; upper layers tolerate
// loss and drive retries.
type Sender interface {
	SendSignal(peer string, msg SignalMessage) error
}

// Bus is the signaling bus: an outbound Sender plus a FIFO-per-peer
// stream of inbound events. Messages from the same peer arrive on Inbound
// in the order Deliver was called for them; the bus applies no reordering
// or buffering of its own beyond the channel itself.
type Bus struct {
	sender  Sender
	inbound chan InboundSignal
}

// NewBus constructs a Bus backed by sender, with an inbound channel sized
// to absorb bursts without blocking the caller of Deliver for long.
func NewBus(sender Sender) *Bus {
	return &Bus{
		sender:  sender,
		inbound: make(chan InboundSignal, 100),
	}
}

// validateSDP parses sdp using pion/sdp to reject malformed session
// descriptions before they are handed to a peer connection or put on the
// wire, wrapping any parse failure in dserr.ErrTransport.
func validateSDP(raw string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: invalid sdp: %v", dserr.ErrTransport, err)
	}
	return nil
}

// SendOffer sends an Offer(SDP) signaling message to peer.
func (b *Bus) SendOffer(peer, sdpText string) error {
	if err := validateSDP(sdpText); err != nil {
		return err
	}
	return b.send(peer, SignalMessage{Kind: SignalOffer, SDP: sdpText})
}

// SendAnswer sends an Answer(SDP) signaling message to peer.
func (b *Bus) SendAnswer(peer, sdpText string) error {
	if err := validateSDP(sdpText); err != nil {
		return err
	}
	return b.send(peer, SignalMessage{Kind: SignalAnswer, SDP: sdpText})
}

// SendIceCandidate sends an IceCandidate signaling message to peer.
func (b *Bus) SendIceCandidate(peer, candidate string, sdpMid *string, mLineIndex *uint16) error {
	return b.send(peer, SignalMessage{
		Kind:          SignalIceCandidate,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: mLineIndex,
	})
}

func (b *Bus) send(peer string, msg SignalMessage) error {
	if b.sender == nil {
		return fmt.Errorf("%w: no signaling sender configured", dserr.ErrTransport)
	}
	if err := b.sender.SendSignal(peer, msg); err != nil {
		log.Debug("signal send failed", "peer", peer, "kind", msg.Kind, "error", err)
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	return nil
}

// Deliver is called by the carrier adapter when a signaling message arrives
// from peer. It never blocks the caller indefinitely: a full inbound
// channel drops the message; delivery is never guaranteed and upper
// layers already tolerate loss.
func (b *Bus) Deliver(peer string, msg SignalMessage) {
	select {
	case b.inbound <- InboundSignal{Peer: peer, Message: msg}:
	default:
		log.Warn("signaling inbound channel full, dropping message", "peer", peer, "kind", msg.Kind)
	}
}

// Inbound returns the channel of received signaling events (OfferReceived/
// AnswerReceived/IceCandidateReceived, tagged by SignalMessage.Kind).
func (b *Bus) Inbound() <-chan InboundSignal {
	return b.inbound
}
