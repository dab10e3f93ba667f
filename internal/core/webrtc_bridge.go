package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/darkswap-foundation/darkswap/internal/batch"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/node"
	"github.com/darkswap-foundation/darkswap/internal/relay"
	"github.com/darkswap-foundation/darkswap/internal/transport"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

// signalingBatchSize and signalingBatchAge bound how long an outbound
// signaling message (an offer, answer, or trickled ICE candidate) waits to
// be coalesced with its peers before going out over the direct-message
// transport; ICE candidates for one negotiation typically arrive within a
// few milliseconds of each other.
const (
	signalingBatchSize = 8
	signalingBatchAge  = 50 * time.Millisecond
)

// relayFallbackCandidates is how many best-scored relays the bridge tries
// in turn when direct WebRTC negotiation fails to come up.
const relayFallbackCandidates = 3

// relayDialFunc carries the actual traffic through a brokered circuit: it
// dials targetPeer via relayPeer at whatever layer the embedder runs
// (the core dials the relay's libp2p circuit address).
type relayDialFunc func(ctx context.Context, relayPeer, targetPeer string) error

// webrtcBridge carries the WebRTC transport on top of the node package's
// direct-message carrier, acting as its signaling bus: outbound
// Offer/Answer/IceCandidate messages are coalesced through a Batcher and
// sent as direct messages; inbound ones arrive via the node's registered
// handlers and are fed into the transport.Bus for the Manager to consume.
// When a direct channel cannot be brought up it falls back to a reserved
// circuit relay picked from the registry's best-scored candidates.
type webrtcBridge struct {
	n       *node.Node
	mgr     *transport.Manager
	bus     *transport.Bus
	batcher *batch.Batcher
	log     *logging.Logger

	circuit        *relay.Circuit
	relays         *relay.Registry
	relayDial      relayDialFunc
	connectTimeout time.Duration

	mu        sync.Mutex
	peerConns map[string]transport.ConnectionID

	ctx         context.Context
	cancel      context.CancelFunc
	stopFlusher func()
}

// signalEnvelope is the JSON shape batched onto the wire: the destination
// peer plus the *node.Message already carrying the right Msg* type tag.
type signalEnvelope struct {
	Peer string       `json:"peer"`
	Msg  *node.Message `json:"msg"`
}

func newWebRTCBridge(n *node.Node, mgr *transport.Manager, circuit *relay.Circuit, relays *relay.Registry, relayDial relayDialFunc, connectTimeout time.Duration) *webrtcBridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &webrtcBridge{
		n:              n,
		mgr:            mgr,
		batcher:        batch.New(signalingBatchSize, signalingBatchAge),
		peerConns:      make(map[string]transport.ConnectionID),
		log:            logging.Component("webrtc-bridge"),
		circuit:        circuit,
		relays:         relays,
		relayDial:      relayDial,
		connectTimeout: connectTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
	b.bus = transport.NewBus(b)
	return b
}

// SendSignal implements transport.Sender, batching the outbound message
// for delivery by drainOutbound.
func (b *webrtcBridge) SendSignal(peer string, msg transport.SignalMessage) error {
	nodeMsg, err := signalToNodeMessage(peer, msg)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(signalEnvelope{Peer: peer, Msg: nodeMsg})
	if err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	b.batcher.AddMessage(peer, raw)
	return nil
}

func signalToNodeMessage(peer string, msg transport.SignalMessage) (*node.Message, error) {
	switch msg.Kind {
	case transport.SignalOffer:
		return node.NewSignalingOfferMessage("", msg.SDP)
	case transport.SignalAnswer:
		return node.NewSignalingAnswerMessage("", msg.SDP)
	case transport.SignalIceCandidate:
		var mid string
		if msg.SDPMid != nil {
			mid = *msg.SDPMid
		}
		return node.NewSignalingIceCandidateMessage("", msg.Candidate, mid, msg.SDPMLineIndex)
	default:
		return nil, fmt.Errorf("%w: unknown signal kind %v", dserr.ErrTransport, msg.Kind)
	}
}

// start launches the background goroutines wiring the bridge to the live
// node: draining batched outbound sends, dispatching inbound signaling
// messages registered on the node, and driving the transport.Manager off
// the transport.Bus's inbound stream.
func (b *webrtcBridge) start() {
	b.n.RegisterDirectHandler(node.MsgSignalingOffer, b.onInboundOffer)
	b.n.RegisterDirectHandler(node.MsgSignalingAnswer, b.onInboundAnswer)
	b.n.RegisterDirectHandler(node.MsgSignalingIceCandidate, b.onInboundIceCandidate)

	b.stopFlusher = b.batcher.StartFlusher()
	go b.drainOutbound()
	go b.drainInbound()
}

func (b *webrtcBridge) stop() {
	if b.stopFlusher != nil {
		b.stopFlusher()
	}
	b.cancel()
}

func (b *webrtcBridge) drainOutbound() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case flush := <-b.batcher.Flushes():
			for _, raw := range flush.Messages {
				var env signalEnvelope
				if err := json.Unmarshal(raw, &env); err != nil {
					b.log.Warn("failed to decode batched signaling envelope", "error", err)
					continue
				}
				pid, err := peer.Decode(env.Peer)
				if err != nil {
					b.log.Warn("invalid signaling peer id", "peer", env.Peer, "error", err)
					continue
				}
				expiresAt := time.Now().Add(signalingBatchAge * 10).Unix()
				if err := b.n.SendDirect(b.ctx, pid, "", expiresAt, env.Msg); err != nil {
					b.log.Debug("failed to send signaling message", "peer", env.Peer, "error", err)
				}
			}
		}
	}
}

func (b *webrtcBridge) drainInbound() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case sig := <-b.bus.Inbound():
			b.handleInbound(sig)
		}
	}
}

func (b *webrtcBridge) onInboundOffer(_ context.Context, msg *node.Message) error {
	var payload node.SignalingOfferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return err
	}
	b.bus.Deliver(msg.FromPeer, transport.SignalMessage{Kind: transport.SignalOffer, SDP: payload.SDP})
	return nil
}

func (b *webrtcBridge) onInboundAnswer(_ context.Context, msg *node.Message) error {
	var payload node.SignalingAnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return err
	}
	b.bus.Deliver(msg.FromPeer, transport.SignalMessage{Kind: transport.SignalAnswer, SDP: payload.SDP})
	return nil
}

func (b *webrtcBridge) onInboundIceCandidate(_ context.Context, msg *node.Message) error {
	var payload node.SignalingIceCandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return err
	}
	var mid *string
	if payload.SDPMid != "" {
		mid = &payload.SDPMid
	}
	b.bus.Deliver(msg.FromPeer, transport.SignalMessage{
		Kind:          transport.SignalIceCandidate,
		Candidate:     payload.Candidate,
		SDPMid:        mid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
	return nil
}

// connectionFor returns the tracked connection id for peer, creating a
// fresh one if this is the first signaling activity seen for it.
func (b *webrtcBridge) connectionFor(peer string) (transport.ConnectionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.peerConns[peer]; ok {
		return id, nil
	}
	id, err := b.mgr.CreateConnection(peer)
	if err != nil {
		return 0, err
	}
	b.peerConns[peer] = id
	b.mgr.OnLocalIceCandidate(id, func(candidate string, sdpMid *string, mLineIndex *uint16) {
		if err := b.bus.SendIceCandidate(peer, candidate, sdpMid, mLineIndex); err != nil {
			b.log.Debug("failed to trickle local ice candidate", "peer", peer, "error", err)
		}
	})
	return id, nil
}

// handleInbound applies a received signaling event to this peer's WebRTC
// connection, answering offers and completing the ICE handshake.
func (b *webrtcBridge) handleInbound(sig transport.InboundSignal) {
	id, err := b.connectionFor(sig.Peer)
	if err != nil {
		b.log.Warn("failed to prepare connection for inbound signal", "peer", sig.Peer, "error", err)
		return
	}

	switch sig.Message.Kind {
	case transport.SignalOffer:
		if err := b.mgr.SetRemoteDescription(id, sig.Message.SDP, true); err != nil {
			b.log.Warn("failed to apply remote offer", "peer", sig.Peer, "error", err)
			return
		}
		answer, err := b.mgr.CreateAnswer(id)
		if err != nil {
			b.log.Warn("failed to create answer", "peer", sig.Peer, "error", err)
			return
		}
		if err := b.bus.SendAnswer(sig.Peer, answer); err != nil {
			b.log.Warn("failed to send answer", "peer", sig.Peer, "error", err)
		}
	case transport.SignalAnswer:
		if err := b.mgr.SetRemoteDescription(id, sig.Message.SDP, false); err != nil {
			b.log.Warn("failed to apply remote answer", "peer", sig.Peer, "error", err)
		}
	case transport.SignalIceCandidate:
		if err := b.mgr.AddIceCandidate(id, sig.Message.Candidate, sig.Message.SDPMid, sig.Message.SDPMLineIndex); err != nil {
			b.log.Debug("failed to add remote ice candidate", "peer", sig.Peer, "error", err)
		}
	}
}

// Connect initiates a WebRTC connection to peer: creates the peer
// connection, opens the default data channel, and sends the SDP offer
// over the signaling bus.
func (b *webrtcBridge) Connect(peer string) (transport.ConnectionID, error) {
	id, err := b.connectionFor(peer)
	if err != nil {
		return 0, err
	}
	if err := b.mgr.CreateDataChannel(id, "darkswap", true, nil); err != nil {
		return 0, err
	}
	offer, err := b.mgr.CreateOffer(id)
	if err != nil {
		return 0, err
	}
	if err := b.bus.SendOffer(peer, offer); err != nil {
		return 0, err
	}
	return id, nil
}

// ConnectPeer establishes a data path to peer: a direct WebRTC negotiation
// first, falling back to a reserved circuit relay when the direct channel
// has not come up by the connect timeout.
func (b *webrtcBridge) ConnectPeer(ctx context.Context, peer string) error {
	id, err := b.Connect(peer)
	if err == nil && b.waitReady(ctx, id) {
		return nil
	}
	if err != nil {
		b.log.Debug("direct connect failed, trying relay", "peer", peer, "error", err)
	} else {
		b.log.Debug("direct connect timed out, trying relay", "peer", peer)
	}
	return b.connectViaRelay(ctx, peer)
}

// waitReady polls the connection until it is ready, the connect timeout
// elapses, or ctx is cancelled.
func (b *webrtcBridge) waitReady(ctx context.Context, id transport.ConnectionID) bool {
	timeout := b.connectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := b.mgr.Get(id)
		if err != nil {
			return false
		}
		if conn.IsReady() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// connectViaRelay borrows capacity on the best-scored relays in turn:
// reuse a live reservation or make a fresh one, broker the circuit, then
// dial the target through the relay. Relays that fail any step are skipped
// (the circuit already fed the failure into the registry's health score).
func (b *webrtcBridge) connectViaRelay(ctx context.Context, target string) error {
	if b.circuit == nil || b.relays == nil {
		return dserr.ErrNoRelaysAvailable
	}
	for _, r := range b.relays.GetBestRelays(relayFallbackCandidates) {
		if !b.circuit.IsReservationValid(r.PeerID) {
			if _, err := b.circuit.MakeReservation(r.PeerID); err != nil {
				b.log.Debug("relay reservation failed", "relay", r.PeerID, "error", err)
				continue
			}
		}
		if err := b.circuit.ConnectThroughRelay(r.PeerID, target); err != nil {
			b.log.Debug("connect through relay failed", "relay", r.PeerID, "error", err)
			continue
		}
		if b.relayDial != nil {
			if err := b.relayDial(ctx, r.PeerID, target); err != nil {
				b.circuit.Disconnect(r.PeerID)
				b.relays.RecordFailure(r.PeerID)
				b.log.Debug("relay dial failed", "relay", r.PeerID, "error", err)
				continue
			}
		}
		b.log.Info("connected via relay", "relay", r.PeerID, "target", target)
		return nil
	}
	return dserr.ErrNoRelaysAvailable
}
