package batch

import (
	"testing"
	"time"
)

func TestAddMessageFlushesWhenFull(t *testing.T) {
	b := New(2, time.Second)

	b.AddMessage("peer1", []byte{1, 2, 3})
	if b.PendingCount("peer1") != 1 {
		t.Fatalf("expected 1 pending message")
	}

	b.AddMessage("peer1", []byte{4, 5, 6})

	select {
	case flush := <-b.Flushes():
		if flush.Peer != "peer1" || len(flush.Messages) != 2 {
			t.Fatalf("unexpected flush: %+v", flush)
		}
	case <-time.After(time.Second):
		t.Fatal("expected flush after batch filled")
	}

	if b.PendingCount("peer1") != 0 {
		t.Errorf("expected batch reset after flush")
	}
}

func TestPreservesInsertionOrder(t *testing.T) {
	b := New(3, time.Second)
	b.AddMessage("peer1", []byte("a"))
	b.AddMessage("peer1", []byte("b"))
	b.AddMessage("peer1", []byte("c"))

	flush := <-b.Flushes()
	if string(flush.Messages[0]) != "a" || string(flush.Messages[1]) != "b" || string(flush.Messages[2]) != "c" {
		t.Errorf("order not preserved: %v", flush.Messages)
	}
}

func TestBackgroundFlusherFlushesAgedBatch(t *testing.T) {
	b := New(10, 20*time.Millisecond)
	stop := b.StartFlusher()
	defer stop()

	b.AddMessage("peer1", []byte{1})

	select {
	case flush := <-b.Flushes():
		if flush.Peer != "peer1" || len(flush.Messages) != 1 {
			t.Fatalf("unexpected flush: %+v", flush)
		}
	case <-time.After(time.Second):
		t.Fatal("expected background flusher to flush aged batch")
	}
}

func TestIndependentPeerBatches(t *testing.T) {
	b := New(2, time.Second)
	b.AddMessage("peer1", []byte{1})
	b.AddMessage("peer2", []byte{2})

	if b.PendingCount("peer1") != 1 || b.PendingCount("peer2") != 1 {
		t.Errorf("expected independent per-peer batches")
	}
}
