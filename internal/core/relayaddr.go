package core

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/darkswap-foundation/darkswap/internal/relay"
)

// peerAddrInfo parses a /p2p/<peer-id>-suffixed multiaddr string the same
// way node.Node.ConnectByAddr does, so relay.RelayServers entries use the
// same address form as bootstrap peers.
func peerAddrInfo(addr string) (peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer addr info %q: %w", addr, err)
	}
	return *pi, nil
}

// seedRelayRegistry registers every configured relay multiaddr so the
// connection policy has candidates to connect to before it has observed
// any relay traffic.
func seedRelayRegistry(reg *relay.Registry, relayServers []string) {
	byPeer := make(map[string][]string)
	for _, addr := range relayServers {
		pi, err := peerAddrInfo(addr)
		if err != nil {
			continue
		}
		id := pi.ID.String()
		byPeer[id] = append(byPeer[id], addr)
	}
	for id, addrs := range byPeer {
		reg.AddRelay(id, addrs)
	}
}
