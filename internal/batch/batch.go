// Package batch implements the per-peer outbound message batcher:
// outbound messages addressed to the same peer are coalesced until the
// batch fills or ages out, then delivered as one flush to a single
// downstream consumer.
package batch

import (
	"sync"
	"time"
)

// flushTick is how often the background flusher checks for aged batches.
const flushTick = 100 * time.Millisecond

// Flush is a delivered batch: every message queued for peer, in insertion
// order.
type Flush struct {
	Peer     string
	Messages [][]byte
}

// pending is one peer's in-progress batch.
type pending struct {
	messages     [][]byte
	creationTime time.Time
}

// Batcher coalesces per-peer message batches and emits them on Flushes
// once they reach maxSize entries or age past maxAge, whichever comes
// first.
type Batcher struct {
	mu      sync.Mutex
	batches map[string]*pending
	maxSize int
	maxAge  time.Duration

	flushes chan Flush
	stop    chan struct{}
}

// New constructs a Batcher. Flushes must be drained by the caller via
// Flushes(); an unconsumed backlog applies backpressure to AddMessage.
func New(maxSize int, maxAge time.Duration) *Batcher {
	return &Batcher{
		batches: make(map[string]*pending),
		maxSize: maxSize,
		maxAge:  maxAge,
		flushes: make(chan Flush, 100),
	}
}

// Flushes returns the channel flushed batches are delivered on.
func (b *Batcher) Flushes() <-chan Flush { return b.flushes }

func newPending() *pending {
	return &pending{creationTime: time.Now()}
}

func (p *pending) isReady(maxSize int, maxAge time.Duration) bool {
	if len(p.messages) >= maxSize {
		return true
	}
	return time.Since(p.creationTime) >= maxAge
}

// AddMessage enqueues a message for peer. If this addition fills the
// batch (or the batch was already aged-ready), the batch is flushed
// immediately; otherwise it waits for the background flusher or a later
// fill.
func (b *Batcher) AddMessage(peer string, message []byte) {
	b.mu.Lock()
	p, ok := b.batches[peer]
	if !ok {
		p = newPending()
		b.batches[peer] = p
	}
	p.messages = append(p.messages, message)

	ready := p.isReady(b.maxSize, b.maxAge)
	var flush Flush
	if ready {
		flush = Flush{Peer: peer, Messages: p.messages}
		delete(b.batches, peer)
	}
	b.mu.Unlock()

	if ready {
		b.flushes <- flush
	}
}

// StartFlusher launches a background goroutine that, every 100ms, flushes
// any non-empty batch that has aged past maxAge even though it never
// filled. The returned function stops the flusher.
func (b *Batcher) StartFlusher() (stop func()) {
	b.stop = make(chan struct{})
	ticker := time.NewTicker(flushTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, flush := range b.collectReady() {
					b.flushes <- flush
				}
			case <-b.stop:
				return
			}
		}
	}()
	return func() { close(b.stop) }
}

func (b *Batcher) collectReady() []Flush {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []Flush
	for peer, p := range b.batches {
		if len(p.messages) == 0 {
			continue
		}
		if p.isReady(b.maxSize, b.maxAge) {
			ready = append(ready, Flush{Peer: peer, Messages: p.messages})
			delete(b.batches, peer)
		}
	}
	return ready
}

// PendingCount returns the number of messages currently queued for peer,
// for tests and introspection.
func (b *Batcher) PendingCount(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.batches[peer]
	if !ok {
		return 0
	}
	return len(p.messages)
}
