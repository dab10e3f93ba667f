package trade

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/darkswap-foundation/darkswap/internal/node"
)

// peerIDFromString parses a libp2p peer ID string, kept local to this
// adapter so the rest of the package never imports libp2p.
func peerIDFromString(s string) (peer.ID, error) {
	pid, err := peer.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return pid, nil
}

// Transport is the capability the Manager needs from the P2P layer: send a
// trade message to a specific peer with delivery guarantees, and register
// to receive them. It is satisfied by *node.Node's direct-messaging API
// (node.go's SendDirect/RegisterDirectHandler), adapted to plain peer-ID
// strings so this package never imports libp2p directly.
type Transport interface {
	// LocalPeerID returns this node's own peer ID string.
	LocalPeerID() string

	// SendDirect delivers msg to peerID, retried with persistence until
	// expiresAt (unix seconds) or acknowledged.
	SendDirect(ctx context.Context, peerID string, tradeID string, expiresAt int64, msg *node.Message) error

	// OnDirectMessage registers handler for msgType, invoked for messages
	// arriving over the direct unicast protocol or its gossip fallback.
	OnDirectMessage(msgType string, handler node.MessageHandler)
}

// nodeTransport adapts a *node.Node (and, for the gossip fallback path, its
// GossipHandler) to the Transport interface.
type nodeTransport struct {
	n *node.Node
}

// NewNodeTransport builds the Transport the Manager uses in production,
// wired to a live P2P node.
func NewNodeTransport(n *node.Node) Transport {
	return &nodeTransport{n: n}
}

func (t *nodeTransport) LocalPeerID() string {
	return t.n.ID().String()
}

func (t *nodeTransport) SendDirect(ctx context.Context, peerID string, tradeID string, expiresAt int64, msg *node.Message) error {
	pid, err := peerIDFromString(peerID)
	if err != nil {
		return err
	}
	return t.n.SendDirect(ctx, pid, tradeID, expiresAt, msg)
}

func (t *nodeTransport) OnDirectMessage(msgType string, handler node.MessageHandler) {
	t.n.RegisterDirectHandler(msgType, handler)
	if gh := t.n.GossipHandler(); gh != nil {
		gh.OnMessage(msgType, handler)
	}
}
