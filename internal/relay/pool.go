// Package relay implements the connection pool, relay registry and
// health tracker, circuit relay, and the relay connection
// pool policy that keeps a floor/ceiling of connected relays.
package relay

import (
	"sync"
	"time"

	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

var log = logging.Component("relay")

// Closer is the minimal shape a pooled resource must satisfy so the pool
// can tear it down on eviction.
type Closer interface {
	Close() error
}

// pooledEntry wraps a value with its last-use timestamp.
type pooledEntry[T Closer] struct {
	value    T
	lastUsed time.Time
}

// Pool is a peer-keyed LRU pool of connections bounded by maxSize. A
// get_connection that would exceed maxSize evicts the least-recently-used
// entry under the same critical section that inserts the new one, so the
// eviction and the insert are atomic.
type Pool[T Closer] struct {
	mu      sync.Mutex
	entries map[string]*pooledEntry[T]
	maxSize int
	timeout time.Duration

	stop chan struct{}
}

// NewPool constructs a Pool bounded to maxSize live entries, evicting
// entries idle past timeout.
func NewPool[T Closer](maxSize int, timeout time.Duration) *Pool[T] {
	return &Pool[T]{
		entries: make(map[string]*pooledEntry[T]),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// GetOrCreate returns the pooled value for peer, creating it via create if
// absent. If creating a new entry would exceed maxSize, the
// least-recently-used entry is evicted and closed first, atomically with
// the insert.
func (p *Pool[T]) GetOrCreate(peer string, create func() (T, error)) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[peer]; ok {
		e.lastUsed = time.Now()
		return e.value, nil
	}

	if len(p.entries) >= p.maxSize {
		p.evictOldestLocked()
	}

	v, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	p.entries[peer] = &pooledEntry[T]{value: v, lastUsed: time.Now()}
	return v, nil
}

// evictOldestLocked removes the least-recently-used entry. Caller must
// hold p.mu.
func (p *Pool[T]) evictOldestLocked() {
	var oldestPeer string
	var oldestTime time.Time
	first := true
	for peer, e := range p.entries {
		if first || e.lastUsed.Before(oldestTime) {
			oldestPeer = peer
			oldestTime = e.lastUsed
			first = false
		}
	}
	if oldestPeer == "" {
		return
	}
	if e, ok := p.entries[oldestPeer]; ok {
		_ = e.value.Close()
		delete(p.entries, oldestPeer)
	}
}

// Release refreshes a peer's last-used timestamp without removing it.
func (p *Pool[T]) Release(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[peer]; ok {
		e.lastUsed = time.Now()
	}
}

// Evict closes and removes a peer's entry, if present.
func (p *Pool[T]) Evict(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[peer]; ok {
		_ = e.value.Close()
		delete(p.entries, peer)
	}
}

// Cleanup evicts every entry idle past the configured timeout.
func (p *Pool[T]) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for peer, e := range p.entries {
		if now.Sub(e.lastUsed) >= p.timeout {
			_ = e.value.Close()
			delete(p.entries, peer)
		}
	}
}

// StartCleanupLoop runs Cleanup every timeout interval until stopped.
func (p *Pool[T]) StartCleanupLoop() (stop func()) {
	p.stop = make(chan struct{})
	ticker := time.NewTicker(p.timeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Cleanup()
			case <-p.stop:
				return
			}
		}
	}()
	return func() { close(p.stop) }
}

// Count returns the number of live pooled entries.
func (p *Pool[T]) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
