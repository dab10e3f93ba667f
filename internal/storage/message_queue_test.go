package storage

import (
	"testing"
	"time"
)

func testOutboxMessage(messageID, tradeID, peerID string, seq uint64) *OutboxMessage {
	return &OutboxMessage{
		MessageID:   messageID,
		TradeID:     tradeID,
		PeerID:      peerID,
		MessageType: "TradeInitialize",
		Payload:     []byte(`{"trade_id":"` + tradeID + `"}`),
		SequenceNum: seq,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}
}

func TestEnqueueAndGetPendingForTrade(t *testing.T) {
	store, _ := newTestStorage(t)

	msg := testOutboxMessage("msg-1", "trade-1", "peer-a", 1)
	if err := store.EnqueueMessage(msg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}

	pending, err := store.GetPendingForTrade("trade-1")
	if err != nil {
		t.Fatalf("GetPendingForTrade() error = %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != msg.MessageID {
		t.Fatalf("GetPendingForTrade() = %+v, want only %s", pending, msg.MessageID)
	}
}

func TestGetPendingForPeer(t *testing.T) {
	store, _ := newTestStorage(t)

	if err := store.EnqueueMessage(testOutboxMessage("msg-2", "trade-2", "peer-b", 1)); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}
	if err := store.EnqueueMessage(testOutboxMessage("msg-3", "trade-3", "peer-c", 1)); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}

	pending, err := store.GetPendingForPeer("peer-b")
	if err != nil {
		t.Fatalf("GetPendingForPeer() error = %v", err)
	}
	if len(pending) != 1 || pending[0].PeerID != "peer-b" {
		t.Fatalf("GetPendingForPeer() = %+v, want only peer-b", pending)
	}
}

func TestMarkMessageLifecycle(t *testing.T) {
	store, _ := newTestStorage(t)

	msg := testOutboxMessage("msg-4", "trade-4", "peer-d", 1)
	if err := store.EnqueueMessage(msg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}

	if err := store.MarkMessageSent(msg.MessageID); err != nil {
		t.Fatalf("MarkMessageSent() error = %v", err)
	}

	got, err := store.GetOutboxMessage(msg.MessageID)
	if err != nil {
		t.Fatalf("GetOutboxMessage() error = %v", err)
	}
	if got.Status != OutboxStatusSent {
		t.Errorf("Status = %s, want %s", got.Status, OutboxStatusSent)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}

	if err := store.MarkMessageAcked(msg.MessageID); err != nil {
		t.Fatalf("MarkMessageAcked() error = %v", err)
	}

	got, err = store.GetOutboxMessage(msg.MessageID)
	if err != nil {
		t.Fatalf("GetOutboxMessage() error = %v", err)
	}
	if got.Status != OutboxStatusAcked {
		t.Errorf("Status = %s, want %s", got.Status, OutboxStatusAcked)
	}
	if got.AckedAt == nil {
		t.Error("AckedAt is nil, want set")
	}

	pending, err := store.GetPendingForTrade(msg.TradeID)
	if err != nil {
		t.Fatalf("GetPendingForTrade() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("GetPendingForTrade() after ack = %+v, want empty", pending)
	}
}

func TestMarkMessageFailedAndExpired(t *testing.T) {
	store, _ := newTestStorage(t)

	failMsg := testOutboxMessage("msg-5", "trade-5", "peer-e", 1)
	if err := store.EnqueueMessage(failMsg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}
	if err := store.MarkMessageFailed(failMsg.MessageID, "peer unreachable"); err != nil {
		t.Fatalf("MarkMessageFailed() error = %v", err)
	}

	got, err := store.GetOutboxMessage(failMsg.MessageID)
	if err != nil {
		t.Fatalf("GetOutboxMessage() error = %v", err)
	}
	if got.Status != OutboxStatusFailed || got.ErrorMessage != "peer unreachable" {
		t.Errorf("got status=%s error=%s, want failed/peer unreachable", got.Status, got.ErrorMessage)
	}

	expireMsg := testOutboxMessage("msg-6", "trade-6", "peer-f", 1)
	if err := store.EnqueueMessage(expireMsg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}
	if err := store.MarkMessageExpired(expireMsg.MessageID); err != nil {
		t.Fatalf("MarkMessageExpired() error = %v", err)
	}

	got, err = store.GetOutboxMessage(expireMsg.MessageID)
	if err != nil {
		t.Fatalf("GetOutboxMessage() error = %v", err)
	}
	if got.Status != OutboxStatusExpired {
		t.Errorf("Status = %s, want %s", got.Status, OutboxStatusExpired)
	}
}

func TestScheduleRetryAndGetPendingMessages(t *testing.T) {
	store, _ := newTestStorage(t)

	msg := testOutboxMessage("msg-7", "trade-7", "peer-g", 1)
	if err := store.EnqueueMessage(msg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}

	past := time.Now().Add(-time.Minute).Unix()
	if err := store.ScheduleRetry(msg.MessageID, past); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}

	due, err := store.GetPendingMessages(time.Now().Unix())
	if err != nil {
		t.Fatalf("GetPendingMessages() error = %v", err)
	}
	if len(due) != 1 || due[0].MessageID != msg.MessageID {
		t.Fatalf("GetPendingMessages() = %+v, want only %s", due, msg.MessageID)
	}
}

func TestExpireOldMessages(t *testing.T) {
	store, _ := newTestStorage(t)

	msg := testOutboxMessage("msg-8", "trade-8", "peer-h", 1)
	msg.ExpiresAt = time.Now().Add(time.Minute).Unix()
	if err := store.EnqueueMessage(msg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}

	// buffer larger than the time until expiry forces expiry now.
	if err := store.ExpireOldMessages(time.Now().Unix(), int64(2*time.Minute.Seconds())); err != nil {
		t.Fatalf("ExpireOldMessages() error = %v", err)
	}

	got, err := store.GetOutboxMessage(msg.MessageID)
	if err != nil {
		t.Fatalf("GetOutboxMessage() error = %v", err)
	}
	if got.Status != OutboxStatusExpired {
		t.Errorf("Status = %s, want %s", got.Status, OutboxStatusExpired)
	}
}

func TestCleanupOldMessages(t *testing.T) {
	store, _ := newTestStorage(t)

	msg := testOutboxMessage("msg-9", "trade-9", "peer-i", 1)
	if err := store.EnqueueMessage(msg); err != nil {
		t.Fatalf("EnqueueMessage() error = %v", err)
	}
	if err := store.MarkMessageFailed(msg.MessageID, "gone"); err != nil {
		t.Fatalf("MarkMessageFailed() error = %v", err)
	}

	future := time.Now().Add(time.Hour).Unix()
	count, err := store.CleanupOldMessages(future)
	if err != nil {
		t.Fatalf("CleanupOldMessages() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CleanupOldMessages() = %d, want 1", count)
	}
}

func TestInboxDeduplication(t *testing.T) {
	store, _ := newTestStorage(t)

	has, err := store.HasReceivedMessage("inbound-1")
	if err != nil {
		t.Fatalf("HasReceivedMessage() error = %v", err)
	}
	if has {
		t.Error("HasReceivedMessage() = true before recording, want false")
	}

	inbound := &InboxMessage{
		MessageID:   "inbound-1",
		TradeID:     "trade-10",
		PeerID:      "peer-j",
		MessageType: "TradeSendPsbt",
		SequenceNum: 1,
	}
	if err := store.RecordReceivedMessage(inbound); err != nil {
		t.Fatalf("RecordReceivedMessage() error = %v", err)
	}

	// Re-recording the same message ID must be a no-op, not an error.
	if err := store.RecordReceivedMessage(inbound); err != nil {
		t.Fatalf("RecordReceivedMessage() duplicate error = %v", err)
	}

	has, err = store.HasReceivedMessage("inbound-1")
	if err != nil {
		t.Fatalf("HasReceivedMessage() error = %v", err)
	}
	if !has {
		t.Error("HasReceivedMessage() = false after recording, want true")
	}

	if err := store.MarkMessageProcessed("inbound-1"); err != nil {
		t.Fatalf("MarkMessageProcessed() error = %v", err)
	}
	if err := store.MarkAckSent("inbound-1"); err != nil {
		t.Fatalf("MarkAckSent() error = %v", err)
	}

	got, err := store.GetInboxMessage("inbound-1")
	if err != nil {
		t.Fatalf("GetInboxMessage() error = %v", err)
	}
	if got == nil || got.ProcessedAt == nil || !got.AckSent {
		t.Fatalf("GetInboxMessage() = %+v, want processed and acked", got)
	}
}

func TestSequenceTracking(t *testing.T) {
	store, _ := newTestStorage(t)

	seq1, err := store.GetNextLocalSequence("trade-11")
	if err != nil {
		t.Fatalf("GetNextLocalSequence() error = %v", err)
	}
	if seq1 != 1 {
		t.Errorf("first GetNextLocalSequence() = %d, want 1", seq1)
	}

	seq2, err := store.GetNextLocalSequence("trade-11")
	if err != nil {
		t.Fatalf("GetNextLocalSequence() error = %v", err)
	}
	if seq2 != 2 {
		t.Errorf("second GetNextLocalSequence() = %d, want 2", seq2)
	}

	if err := store.UpdateRemoteSequence("trade-11", 5); err != nil {
		t.Fatalf("UpdateRemoteSequence() error = %v", err)
	}
	// A lower sequence number must not regress the stored value.
	if err := store.UpdateRemoteSequence("trade-11", 3); err != nil {
		t.Fatalf("UpdateRemoteSequence() error = %v", err)
	}

	seqs, err := store.GetSequences("trade-11")
	if err != nil {
		t.Fatalf("GetSequences() error = %v", err)
	}
	if seqs.LocalSeq != 2 {
		t.Errorf("LocalSeq = %d, want 2", seqs.LocalSeq)
	}
	if seqs.RemoteSeq != 5 {
		t.Errorf("RemoteSeq = %d, want 5 (must not regress)", seqs.RemoteSeq)
	}
}
