// Package node - NaCl-box encryption for peer-addressed messages carried
// over the shared gossip topic.
package node

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/nacl/box"
)

// EncryptedEnvelope is the gossip-visible wrapper around a unicast Message:
// everyone on the topic sees the routing fields, only RecipientPeerID can
// open the ciphertext.
type EncryptedEnvelope struct {
	RecipientPeerID string `json:"recipient"`
	SenderPeerID    string `json:"sender"`

	// EphemeralPubKey is the sender's one-shot X25519 public key; a fresh
	// pair per envelope gives forward secrecy.
	EphemeralPubKey []byte `json:"ephemeral_key"`
	Nonce           []byte `json:"nonce"` // 24 bytes
	Ciphertext      []byte `json:"ciphertext"`

	// MessageID and TradeID ride outside the ciphertext so receivers can
	// dedup and route without decrypting envelopes not addressed to them.
	MessageID string `json:"message_id"`
	TradeID   string `json:"trade_id"`
}

// MessageEncryptor seals and opens EncryptedEnvelopes using the node's
// libp2p identity key. The same Ed25519 key that names the peer is mapped
// to X25519, so no extra keypair needs minting or exchanging.
type MessageEncryptor struct {
	localPrivKey    crypto.PrivKey
	localX25519Priv [32]byte
	localPeerID     peer.ID
}

// NewMessageEncryptor derives the node's X25519 key from its Ed25519
// identity key.
func NewMessageEncryptor(privKey crypto.PrivKey, peerID peer.ID) (*MessageEncryptor, error) {
	x25519Priv, err := ed25519PrivToX25519(privKey)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 key: %w", err)
	}
	return &MessageEncryptor{
		localPrivKey:    privKey,
		localX25519Priv: x25519Priv,
		localPeerID:     peerID,
	}, nil
}

// Encrypt seals msg for recipientPeerID under a fresh ephemeral key.
func (e *MessageEncryptor) Encrypt(recipientPeerID peer.ID, msg *Message) (*EncryptedEnvelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	recipientX25519Pub, err := peerIDToX25519Pub(recipientPeerID)
	if err != nil {
		return nil, fmt.Errorf("recipient public key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientX25519Pub, ephemeralPriv)

	return &EncryptedEnvelope{
		RecipientPeerID: recipientPeerID.String(),
		SenderPeerID:    e.localPeerID.String(),
		EphemeralPubKey: ephemeralPub[:],
		Nonce:           nonce[:],
		Ciphertext:      ciphertext,
		MessageID:       msg.MessageID,
		TradeID:         msg.TradeID,
	}, nil
}

// Decrypt opens an envelope addressed to this node.
func (e *MessageEncryptor) Decrypt(envelope *EncryptedEnvelope) (*Message, error) {
	if envelope.RecipientPeerID != e.localPeerID.String() {
		return nil, fmt.Errorf("envelope not addressed to this node")
	}
	if len(envelope.EphemeralPubKey) != 32 {
		return nil, fmt.Errorf("invalid ephemeral public key length")
	}
	if len(envelope.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length")
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], envelope.EphemeralPubKey)
	var nonce [24]byte
	copy(nonce[:], envelope.Nonce)

	plaintext, ok := box.Open(nil, envelope.Ciphertext, &nonce, &ephemeralPub, &e.localX25519Priv)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// IsForUs reports whether the envelope is addressed to this node, cheap
// enough to call on every envelope seen on the topic.
func (e *MessageEncryptor) IsForUs(envelope *EncryptedEnvelope) bool {
	return envelope.RecipientPeerID == e.localPeerID.String()
}

// ed25519PrivToX25519 maps an Ed25519 private key onto the Montgomery
// curve: SHA-512 the 32-byte seed, clamp, take the first half.
func ed25519PrivToX25519(privKey crypto.PrivKey) ([32]byte, error) {
	var x25519Priv [32]byte

	raw, err := privKey.Raw()
	if err != nil {
		return x25519Priv, fmt.Errorf("raw private key: %w", err)
	}
	// libp2p Ed25519 keys are seed || public key.
	if len(raw) < 32 {
		return x25519Priv, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(x25519Priv[:], h[:32])
	return x25519Priv, nil
}

// peerIDToX25519Pub recovers the Ed25519 public key embedded in a libp2p
// peer ID and maps its Edwards point to the X25519 u-coordinate.
func peerIDToX25519Pub(peerID peer.ID) ([32]byte, error) {
	var x25519Pub [32]byte

	pubKey, err := peerID.ExtractPublicKey()
	if err != nil {
		return x25519Pub, fmt.Errorf("extract public key: %w", err)
	}
	raw, err := pubKey.Raw()
	if err != nil {
		return x25519Pub, fmt.Errorf("raw public key: %w", err)
	}
	if len(raw) != 32 {
		return x25519Pub, fmt.Errorf("invalid public key length: %d", len(raw))
	}

	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return x25519Pub, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	copy(x25519Pub[:], edPoint.BytesMontgomery())
	return x25519Pub, nil
}
