// Package node - Background redelivery of outbox messages whose first send
// attempt failed, with DHT-assisted reconnection to unreachable peers.
package node

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/darkswap-foundation/darkswap/internal/storage"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

// Redelivery backoff: 10s doubling to a 10m ceiling.
const (
	retryBaseInterval = 10 * time.Second
	retryMaxInterval  = 10 * time.Minute
)

// RetryWorkerConfig tunes the redelivery loop.
type RetryWorkerConfig struct {
	PollInterval    time.Duration // how often to look for due messages
	CleanupInterval time.Duration // how often to drop settled messages
	BatchSize       int           // max messages per poll
	BufferDuration  time.Duration // stop retrying this long before the trade expires
	RetentionPeriod time.Duration // how long settled messages are kept
}

// DefaultRetryWorkerConfig returns the stock tuning.
func DefaultRetryWorkerConfig() RetryWorkerConfig {
	return RetryWorkerConfig{
		PollInterval:    5 * time.Second,
		CleanupInterval: 1 * time.Hour,
		BatchSize:       50,
		BufferDuration:  1 * time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// RetryWorker drains the durable outbox: messages that could not be
// delivered on first attempt are retried with backoff until they expire,
// reconnecting through the DHT when the peer has gone quiet.
type RetryWorker struct {
	node    *Node
	storage *storage.Storage
	sender  *MessageSender
	config  RetryWorkerConfig
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetryWorker constructs a worker over the shared outbox storage.
func NewRetryWorker(n *Node, store *storage.Storage, sender *MessageSender, cfg RetryWorkerConfig) *RetryWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryWorker{
		node:    n,
		storage: store,
		sender:  sender,
		config:  cfg,
		log:     logging.GetDefault().Component("retry-worker"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the redelivery loop.
func (w *RetryWorker) Start() {
	go w.run()
	w.log.Info("Retry worker started", "poll_interval", w.config.PollInterval)
}

// Stop halts the redelivery loop.
func (w *RetryWorker) Stop() {
	w.cancel()
	w.log.Info("Retry worker stopped")
}

func (w *RetryWorker) run() {
	retryTicker := time.NewTicker(w.config.PollInterval)
	cleanupTicker := time.NewTicker(w.config.CleanupInterval)
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()

	// Settled messages from a previous run are dropped immediately rather
	// than waiting out the first cleanup interval.
	w.cleanupSettled()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-retryTicker.C:
			w.processRetries()
		case <-cleanupTicker.C:
			w.cleanupSettled()
		}
	}
}

// cleanupSettled drops delivered/failed/expired messages past the
// retention period from both outbox and inbox.
func (w *RetryWorker) cleanupSettled() {
	olderThan := time.Now().Add(-w.config.RetentionPeriod).Unix()

	outboxCount, err := w.storage.CleanupOldMessages(olderThan)
	if err != nil {
		w.log.Warn("Failed to cleanup outbox messages", "error", err)
	}
	inboxCount, err := w.storage.CleanupOldInboxMessages(olderThan)
	if err != nil {
		w.log.Warn("Failed to cleanup inbox messages", "error", err)
	}
	if outboxCount > 0 || inboxCount > 0 {
		w.log.Info("Cleaned up old messages", "outbox", outboxCount, "inbox", inboxCount)
	}
}

// processRetries walks the due outbox entries once: expire what is no
// longer worth sending, reconnect where possible, redeliver or reschedule
// the rest.
func (w *RetryWorker) processRetries() {
	now := time.Now().Unix()

	// A message whose trade expires within BufferDuration is not worth
	// redelivering; the trade sweep is about to kill the trade anyway.
	bufferSeconds := int64(w.config.BufferDuration.Seconds())
	if err := w.storage.ExpireOldMessages(now, bufferSeconds); err != nil {
		w.log.Warn("Failed to expire old messages", "error", err)
	}

	messages, err := w.storage.GetPendingMessages(now)
	if err != nil {
		w.log.Warn("Failed to get pending messages", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}
	if w.config.BatchSize > 0 && len(messages) > w.config.BatchSize {
		messages = messages[:w.config.BatchSize]
	}
	w.log.Debug("Processing pending messages", "count", len(messages))

	for _, msg := range messages {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		peerID, err := peer.Decode(msg.PeerID)
		if err != nil {
			w.log.Warn("Invalid peer ID", "peer", msg.PeerID, "message_id", msg.MessageID)
			if err := w.storage.MarkMessageFailed(msg.MessageID, "invalid peer ID"); err != nil {
				w.log.Warn("Failed to mark message failed", "error", err)
			}
			continue
		}

		if !w.ensureConnected(peerID) {
			w.log.Debug("Peer not reachable, scheduling retry",
				"peer", shortPeerID(peerID),
				"message_id", msg.MessageID,
				"retry_count", msg.RetryCount)
			nextRetry := time.Now().Add(retryBackoff(msg.RetryCount))
			if err := w.storage.ScheduleRetry(msg.MessageID, nextRetry.Unix()); err != nil {
				w.log.Warn("Failed to schedule retry", "error", err)
			}
			continue
		}

		w.log.Debug("Retrying message",
			"type", msg.MessageType,
			"trade_id", msg.TradeID,
			"message_id", msg.MessageID,
			"retry_count", msg.RetryCount)
		w.sender.RetryMessage(w.ctx, msg)
	}
}

// ensureConnected reports whether peerID is connected, attempting a
// DHT-lookup-and-dial when it is not.
func (w *RetryWorker) ensureConnected(peerID peer.ID) bool {
	if w.node.Host().Network().Connectedness(peerID) == network.Connected {
		return true
	}
	if w.node.DHT() == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	pi, err := w.node.DHT().FindPeer(ctx, peerID)
	cancel()
	if err != nil {
		return false
	}

	ctx, cancel = context.WithTimeout(w.ctx, 10*time.Second)
	err = w.node.Connect(ctx, pi)
	cancel()
	if err != nil {
		return false
	}
	w.log.Debug("Reconnected to peer via DHT", "peer", shortPeerID(peerID))
	return true
}

// retryBackoff doubles from the base interval per prior attempt, capped at
// the ceiling.
func retryBackoff(retryCount int) time.Duration {
	backoff := retryBaseInterval
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= retryMaxInterval {
			return retryMaxInterval
		}
	}
	return backoff
}
