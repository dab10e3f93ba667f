// Package node - Persistence bridge between the libp2p peerstore and the
// SQLite peer cache, so a restarted node can dial straight into the overlay
// instead of waiting on discovery.
package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/darkswap-foundation/darkswap/internal/storage"
)

// peerCacheWindow and peerCacheLimit bound the re-seed at startup: only
// peers seen recently enough to plausibly still be reachable.
const (
	peerCacheWindow = 7 * 24 * time.Hour
	peerCacheLimit  = 100
)

// PeerStoreAdapter writes peer sightings through to durable storage.
type PeerStoreAdapter struct {
	store *storage.Storage
}

// NewPeerStoreAdapter wraps the storage layer's peer table.
func NewPeerStoreAdapter(store *storage.Storage) *PeerStoreAdapter {
	return &PeerStoreAdapter{store: store}
}

// SavePeer records a peer and its current addresses.
func (a *PeerStoreAdapter) SavePeer(peerID peer.ID, addrs []multiaddr.Multiaddr, isBootstrap bool) error {
	addrStrs := make([]string, len(addrs))
	for i, addr := range addrs {
		addrStrs[i] = addr.String()
	}

	now := time.Now()
	return a.store.SavePeer(&storage.PeerRecord{
		PeerID:      peerID.String(),
		Addresses:   addrStrs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: isBootstrap,
	})
}

// UpdatePeerConnected bumps the peer's connection timestamp.
func (a *PeerStoreAdapter) UpdatePeerConnected(peerID peer.ID) error {
	return a.store.UpdatePeerConnected(peerID.String())
}

// UpdatePeerSeen bumps the peer's last-seen timestamp.
func (a *PeerStoreAdapter) UpdatePeerSeen(peerID peer.ID) error {
	return a.store.UpdatePeerSeen(peerID.String())
}

// LoadPeers returns up to limit known peers.
func (a *PeerStoreAdapter) LoadPeers(limit int) ([]*storage.PeerRecord, error) {
	return a.store.ListPeers(limit)
}

// LoadRecentPeers returns peers seen within the given window.
func (a *PeerStoreAdapter) LoadRecentPeers(since time.Duration, limit int) ([]*storage.PeerRecord, error) {
	return a.store.ListRecentPeers(since, limit)
}

// PeerCount returns the number of cached peers.
func (a *PeerStoreAdapter) PeerCount() (int, error) {
	return a.store.PeerCount()
}

// SetPeerStoreAdapter wires the durable peer cache into the node;
// SetupDirectMessaging calls this with the shared storage handle.
func (n *Node) SetPeerStoreAdapter(adapter *PeerStoreAdapter) {
	n.mu.Lock()
	n.peerStoreAdapter = adapter
	n.mu.Unlock()
}

// LoadPersistedPeers re-seeds the libp2p peerstore from the cache, run at
// Start before discovery has produced anything.
func (n *Node) LoadPersistedPeers() error {
	n.mu.RLock()
	adapter := n.peerStoreAdapter
	n.mu.RUnlock()
	if adapter == nil {
		return nil
	}

	records, err := adapter.LoadRecentPeers(peerCacheWindow, peerCacheLimit)
	if err != nil {
		return err
	}

	loaded := 0
	for _, record := range records {
		peerID, err := peer.Decode(record.PeerID)
		if err != nil {
			n.log.Debug("Invalid peer ID in cache", "peer", record.PeerID, "error", err)
			continue
		}
		if peerID == n.host.ID() {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
		for _, addrStr := range record.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}

		// TempAddrTTL: cached addresses are hints, not authority; a live
		// connection refreshes them with a proper TTL.
		n.host.Peerstore().AddAddrs(peerID, addrs, peerstore.TempAddrTTL)
		loaded++
	}

	if loaded > 0 {
		n.log.Info("Loaded persisted peers", "count", loaded)
	}
	return nil
}

// SavePeerCache snapshots every peer the node currently knows addresses
// for, run at Stop.
func (n *Node) SavePeerCache() error {
	n.mu.RLock()
	adapter := n.peerStoreAdapter
	n.mu.RUnlock()
	if adapter == nil {
		return nil
	}

	saved := 0
	for _, peerID := range n.host.Peerstore().Peers() {
		if peerID == n.host.ID() {
			continue
		}
		addrs := n.host.Peerstore().Addrs(peerID)
		if len(addrs) == 0 {
			continue
		}
		if err := adapter.SavePeer(peerID, addrs, false); err != nil {
			n.log.Debug("Failed to save peer", "peer", shortID(peerID), "error", err)
			continue
		}
		saved++
	}

	if saved > 0 {
		n.log.Info("Saved peer cache", "count", saved)
	}
	return nil
}

// savePeerOnConnect records a peer the moment it connects, keeping the
// cache warm without waiting for the shutdown snapshot.
func (n *Node) savePeerOnConnect(peerID peer.ID) {
	n.mu.RLock()
	adapter := n.peerStoreAdapter
	n.mu.RUnlock()
	if adapter == nil {
		return
	}

	addrs := n.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}
	if err := adapter.SavePeer(peerID, addrs, false); err != nil {
		n.log.Debug("Failed to save connected peer", "error", err)
		return
	}
	if err := adapter.UpdatePeerConnected(peerID); err != nil {
		n.log.Debug("Failed to update peer connection time", "error", err)
	}
}
