package core

import (
	"path/filepath"

	"github.com/darkswap-foundation/darkswap/internal/config"
	"github.com/darkswap-foundation/darkswap/internal/node"
)

// nodeConfigFrom adapts the domain-wide config.Config into the
// libp2p-specific node.Config the P2P layer actually consumes. The two
// stay separate types because node.Config is also independently
// YAML-loadable (for operators tweaking transport-only knobs without
// touching the rest of the daemon's config file); the core always derives
// it from the single source of truth at startup.
func nodeConfigFrom(cfg *config.Config, dataDir string) *node.Config {
	nc := node.DefaultConfig()
	nc.NetworkType = networkTypeFrom(cfg.Bitcoin.Network)
	nc.Identity.KeyFile = filepath.Join(dataDir, "node.key")
	nc.Storage.DataDir = dataDir

	if len(cfg.P2P.ListenAddresses) > 0 {
		nc.Network.ListenAddrs = cfg.P2P.ListenAddresses
	}
	nc.Network.BootstrapPeers = cfg.P2P.BootstrapPeers
	return nc
}

// networkTypeFrom maps the Bitcoin network selection onto the P2P overlay's
// mainnet/testnet peer separation: anything other than Mainnet keeps nodes
// off the production DHT namespace and gossip topics.
func networkTypeFrom(n config.BitcoinNetwork) node.NetworkType {
	if n == config.Mainnet {
		return node.NetworkMainnet
	}
	return node.NetworkTestnet
}
