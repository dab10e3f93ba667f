package relay

import (
	"sync"
	"time"
)

// ConnectFunc attempts to connect to a relay peer; Policy calls this for
// both floor top-ups and explicit connects.
type ConnectFunc func(peer string) error

// DisconnectFunc tears down a connection to a relay peer.
type DisconnectFunc func(peer string) error

// Policy maintains between MinConnections and MaxConnections concurrently
// connected relays. It consults the
// Registry's scores to decide which relays to add or drop.
type Policy struct {
	registry       *Registry
	connect        ConnectFunc
	disconnect     DisconnectFunc
	minConnections int
	maxConnections int
	checkInterval  time.Duration

	mu        sync.Mutex
	connected map[string]struct{}

	stop chan struct{}
}

// NewPolicy constructs a Policy backed by registry, calling connect/
// disconnect to actually establish or tear down relay connections.
func NewPolicy(registry *Registry, connect ConnectFunc, disconnect DisconnectFunc, minConnections, maxConnections int, checkInterval time.Duration) *Policy {
	return &Policy{
		registry:       registry,
		connect:        connect,
		disconnect:     disconnect,
		minConnections: minConnections,
		maxConnections: maxConnections,
		checkInterval:  checkInterval,
		connected:      make(map[string]struct{}),
	}
}

// ConnectedCount returns the number of relays this policy currently
// considers connected.
func (p *Policy) ConnectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connected)
}

// MarkConnected/MarkDisconnected let the caller report out-of-band
// connection state changes (e.g. a relay dropped unexpectedly).
func (p *Policy) MarkConnected(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected[peer] = struct{}{}
}

func (p *Policy) MarkDisconnected(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connected, peer)
}

// CheckConnections tops connections up to the floor when below
// MinConnections, and drops the worst-scored relays down to the ceiling
// when above MaxConnections.
func (p *Policy) CheckConnections() {
	count := p.ConnectedCount()

	if count < p.minConnections {
		needed := p.minConnections - count
		candidates := p.registry.GetBestRelays(needed * 2)
		connected := 0
		for _, r := range candidates {
			if p.isConnected(r.PeerID) {
				continue
			}
			if err := p.connect(r.PeerID); err != nil {
				log.Debug("failed to connect to relay", "peer", r.PeerID, "error", err)
				continue
			}
			p.MarkConnected(r.PeerID)
			connected++
			if connected >= needed {
				break
			}
		}
	}

	count = p.ConnectedCount()
	if count > p.maxConnections {
		toDrop := count - p.maxConnections
		worst := p.worstConnected(toDrop)
		for _, peer := range worst {
			if err := p.disconnect(peer); err != nil {
				log.Debug("failed to disconnect relay", "peer", peer, "error", err)
				continue
			}
			p.MarkDisconnected(peer)
		}
	}
}

func (p *Policy) isConnected(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.connected[peer]
	return ok
}

// worstConnected returns up to n currently-connected peer ids, sorted by
// ascending registry score (worst first).
func (p *Policy) worstConnected(n int) []string {
	p.mu.Lock()
	peers := make([]string, 0, len(p.connected))
	for peer := range p.connected {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	relays := make([]*Relay, 0, len(peers))
	for _, peer := range peers {
		if r := p.registry.GetRelay(peer); r != nil {
			relays = append(relays, r)
		}
	}
	for i := 1; i < len(relays); i++ {
		for j := i; j > 0 && relays[j].Score() < relays[j-1].Score(); j-- {
			relays[j], relays[j-1] = relays[j-1], relays[j]
		}
	}
	if n > len(relays) {
		n = len(relays)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = relays[i].PeerID
	}
	return out
}

// StartCheckLoop runs CheckConnections every checkInterval until stopped.
func (p *Policy) StartCheckLoop() (stop func()) {
	p.stop = make(chan struct{})
	ticker := time.NewTicker(p.checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.CheckConnections()
			case <-p.stop:
				return
			}
		}
	}()
	return func() { close(p.stop) }
}
