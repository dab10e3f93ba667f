// Package node - Gossip/pubsub overlay for order and trade messages.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

// PubSub topics used by the core.
const (
	// OrdersTopic carries public Order/CancelOrder gossip.
	OrdersTopic = "darkswap/v1/orders"

	// TradeTopic carries encrypted trade and signaling messages, broadcast
	// via gossip but only decryptable by the intended recipient. It also
	// backstops direct unicast delivery (stream_handler.go) when no direct
	// stream can be opened.
	//
	// Note: TradeDirectProtocol, the libp2p stream protocol ID for the
	// preferred unicast path, is defined in stream_handler.go.
	TradeTopic = "darkswap/v1/trade"
)

// dedupTTL bounds how long a seen message ID is remembered before the
// periodic sweep forgets it (a peer must not re-handle a message it
// has already seen).
const dedupTTL = 10 * time.Minute

// MessageHandler handles an incoming gossip or direct message.
type MessageHandler func(ctx context.Context, msg *Message) error

// GossipHandler manages the order-book and trade PubSub topics.
type GossipHandler struct {
	node *Node
	log  *logging.Logger

	// Public topic for order-book gossip.
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	// Encrypted topic for private trade/signaling messages.
	encryptedTopic *pubsub.Topic
	encryptedSub   *pubsub.Subscription
	encryptor      *MessageEncryptor

	handlers map[string]MessageHandler
	mu       sync.RWMutex

	seen   map[string]time.Time
	seenMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGossipHandler creates a new gossip handler.
func NewGossipHandler(n *Node) (*GossipHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &GossipHandler{
		node:     n,
		log:      logging.GetDefault().Component("gossip"),
		handlers: make(map[string]MessageHandler),
		seen:     make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}

	return h, nil
}

// Start joins the gossip topics and begins processing messages.
func (h *GossipHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	topic, err := h.node.pubsub.Join(OrdersTopic)
	if err != nil {
		return fmt.Errorf("failed to join orders topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to orders topic: %w", err)
	}
	h.sub = sub

	encTopic, err := h.node.pubsub.Join(TradeTopic)
	if err != nil {
		return fmt.Errorf("failed to join trade topic: %w", err)
	}
	h.encryptedTopic = encTopic

	encSub, err := encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to trade topic: %w", err)
	}
	h.encryptedSub = encSub

	privKey := h.node.Host().Peerstore().PrivKey(h.node.ID())
	if privKey != nil {
		enc, err := NewMessageEncryptor(privKey, h.node.ID())
		if err != nil {
			h.log.Warn("Failed to create encryptor", "error", err)
		} else {
			h.encryptor = enc
		}
	}

	go h.processMessages()
	go h.processEncryptedMessages()
	go h.sweepSeen()

	h.log.Info("Gossip handler started", "orders_topic", OrdersTopic, "trade_topic", TradeTopic)
	return nil
}

// GetEncryptedTopic returns the trade topic for direct publishing (used by
// MessageSender as the PubSub fallback when no direct stream can be opened).
func (h *GossipHandler) GetEncryptedTopic() *pubsub.Topic {
	return h.encryptedTopic
}

// Stop tears down the gossip topics.
func (h *GossipHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}
	if h.encryptedSub != nil {
		h.encryptedSub.Cancel()
	}
	if h.encryptedTopic != nil {
		h.encryptedTopic.Close()
	}

	h.log.Info("Gossip handler stopped")
	return nil
}

// OnMessage registers a handler for a specific message type.
func (h *GossipHandler) OnMessage(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// PublishOrder broadcasts an Order or CancelOrder message on the public
// orders topic.
func (h *GossipHandler) PublishOrder(ctx context.Context, msg *Message) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to orders topic")
	}

	msg.FromPeer = h.node.ID().String()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	h.log.Debug("Published order message", "type", msg.Type, "order_id", msg.OrderID)
	return nil
}

// dedupKey hashes a payload so repeated deliveries of the same gossip
// message are recognized regardless of framing.
func dedupKey(data []byte) string {
	sum := sha256.Sum256(data)
	return string(sum[:])
}

// markSeen records data's dedup key, returning true if it was already seen.
func (h *GossipHandler) markSeen(data []byte) bool {
	key := dedupKey(data)
	now := time.Now()

	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	if seenAt, ok := h.seen[key]; ok && now.Sub(seenAt) < dedupTTL {
		return true
	}
	h.seen[key] = now
	return false
}

// sweepSeen periodically forgets dedup entries older than dedupTTL.
func (h *GossipHandler) sweepSeen() {
	ticker := time.NewTicker(dedupTTL)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			h.seenMu.Lock()
			for k, t := range h.seen {
				if now.Sub(t) >= dedupTTL {
					delete(h.seen, k)
				}
			}
			h.seenMu.Unlock()
		}
	}
}

// processMessages processes incoming order-book gossip.
func (h *GossipHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		if h.markSeen(msg.Data) {
			continue
		}

		var wireMsg Message
		if err := json.Unmarshal(msg.Data, &wireMsg); err != nil {
			h.log.Warn("Failed to parse gossip message", "error", err)
			continue
		}

		h.mu.RLock()
		handler, ok := h.handlers[wireMsg.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for message type", "type", wireMsg.Type)
			continue
		}

		h.log.Debug("Received gossip message", "type", wireMsg.Type, "from", shortPeerID(msg.ReceivedFrom))

		go func() {
			if err := handler(h.ctx, &wireMsg); err != nil {
				h.log.Warn("Error handling gossip message", "type", wireMsg.Type, "error", err)
			}
		}()
	}
}

// processEncryptedMessages processes incoming trade/signaling messages
// encrypted for our public key and broadcast via the trade topic.
func (h *GossipHandler) processEncryptedMessages() {
	for {
		msg, err := h.encryptedSub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving encrypted message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		if h.markSeen(msg.Data) {
			continue
		}

		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("Failed to parse encrypted envelope", "error", err)
			continue
		}

		if h.encryptor == nil || !h.encryptor.IsForUs(&envelope) {
			continue // not for us; every peer receives every gossip message
		}

		wireMsg, err := h.encryptor.Decrypt(&envelope)
		if err != nil {
			h.log.Warn("Failed to decrypt message", "error", err, "from", shortStr(envelope.SenderPeerID))
			continue
		}

		h.log.Debug("Received encrypted message",
			"type", wireMsg.Type,
			"trade_id", wireMsg.TradeID,
			"message_id", wireMsg.MessageID,
			"from", shortStr(envelope.SenderPeerID))

		h.mu.RLock()
		handler, ok := h.handlers[wireMsg.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for encrypted message type", "type", wireMsg.Type)
			continue
		}

		go func(env EncryptedEnvelope, m *Message) {
			if err := handler(h.ctx, m); err != nil {
				h.log.Warn("Error handling encrypted message", "type", m.Type, "error", err)
				if m.RequiresAck {
					h.sendEncryptedAck(env.SenderPeerID, m.MessageID, m.SequenceNum, false, err.Error())
				}
				return
			}

			if m.RequiresAck {
				h.sendEncryptedAck(env.SenderPeerID, m.MessageID, m.SequenceNum, true, "")
			}
		}(envelope, wireMsg)
	}
}

// sendEncryptedAck sends an encrypted ACK back to the sender via the trade
// topic, used when a message was delivered through the gossip fallback
// rather than a direct stream.
func (h *GossipHandler) sendEncryptedAck(senderPeerIDStr string, messageID string, seq uint64, success bool, errMsg string) {
	if h.encryptor == nil || h.encryptedTopic == nil {
		return
	}

	senderPeerID, err := peer.Decode(senderPeerIDStr)
	if err != nil {
		h.log.Warn("Invalid sender peer ID for ACK", "peer", senderPeerIDStr)
		return
	}

	ackPayload := AckPayload{
		MessageID:   messageID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ackPayload)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}

	ackMsg := &Message{
		Type:      MsgAck,
		Payload:   payloadBytes,
		FromPeer:  h.node.ID().String(),
		MessageID: messageID,
	}

	envelope, err := h.encryptor.Encrypt(senderPeerID, ackMsg)
	if err != nil {
		h.log.Warn("Failed to encrypt ACK", "error", err)
		return
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Warn("Failed to marshal ACK envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if err := h.encryptedTopic.Publish(ctx, envelopeBytes); err != nil {
		h.log.Warn("Failed to publish ACK", "error", err)
	}

	h.log.Debug("Sent encrypted ACK", "message_id", messageID, "success", success)
}

func shortPeerID(p peer.ID) string {
	return shortStr(p.String())
}

func shortStr(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
