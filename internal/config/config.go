// Package config provides centralized configuration for the DarkSwap core.
// Every tunable a component reads is defined here with a sensible default,
// so the core boots without a config file; decoding a file into Config is
// left to the caller (the daemon owns file loading).
package config

import "time"

// BitcoinNetwork selects the Bitcoin chain parameters used for address and
// transaction encoding.
type BitcoinNetwork string

const (
	Mainnet BitcoinNetwork = "mainnet"
	Testnet BitcoinNetwork = "testnet"
	Regtest BitcoinNetwork = "regtest"
	Signet  BitcoinNetwork = "signet"
)

// TurnServer holds credentials for a single TURN relay.
type TurnServer struct {
	URL        string
	Username   string
	Credential string
}

// BitcoinConfig holds Bitcoin-network parameters.
type BitcoinConfig struct {
	Network BitcoinNetwork
	FeeRate uint64 // sat/vB default fee rate for PSBT construction
}

// P2PConfig holds networking/transport parameters.
type P2PConfig struct {
	ListenAddresses    []string
	BootstrapPeers     []string
	RelayServers       []string
	IceServers         []string // STUN URLs
	TurnServers        []TurnServer
	SignalingServerURL string // optional fallback signaling endpoint
}

// OrderbookConfig holds orderbook lifecycle defaults.
type OrderbookConfig struct {
	CleanupInterval time.Duration
	OrderExpiry     time.Duration
}

// ConnectionConfig holds connection-pool bounds.
type ConnectionConfig struct {
	Timeout     time.Duration
	MaxPoolSize int
}

// RelayConfig holds relay-registry and relay-connection-pool policy.
type RelayConfig struct {
	MinConnections          int
	MaxConnections          int
	ConnectionCheckInterval time.Duration
	RequireAuth             bool
}

// ErrorsConfig holds retry-controller parameters.
type ErrorsConfig struct {
	MaxRetryCount   int
	RetryInterval   time.Duration
	RetentionPeriod time.Duration
}

// WalletType selects the external Wallet capability implementation.
type WalletType string

const (
	WalletSimple   WalletType = "simple"
	WalletBDK      WalletType = "bdk"
	WalletExternal WalletType = "external"
)

// WalletConfig holds wallet-selection parameters. The core only carries
// these through to whatever Wallet implementation the daemon wires in.
type WalletConfig struct {
	Type        WalletType
	Credentials map[string]string
}

// TradeConfig holds trade state-machine timing.
type TradeConfig struct {
	StageTimeout  time.Duration // per-message-step timeout, default 30s
	DefaultExpiry time.Duration // overall trade expiry if not specified, default 10m
}

// EventBusConfig holds the fan-out broadcast channel capacity.
type EventBusConfig struct {
	Capacity int
}

// Config aggregates every tunable read by a core component.
type Config struct {
	Bitcoin    BitcoinConfig
	P2P        P2PConfig
	Orderbook  OrderbookConfig
	Connection ConnectionConfig
	Relay      RelayConfig
	Errors     ErrorsConfig
	Wallet     WalletConfig
	Trade      TradeConfig
	EventBus   EventBusConfig
}

// Default returns a Config with working defaults for every tunable, so the
// core boots without a config file.
func Default() *Config {
	return &Config{
		Bitcoin: BitcoinConfig{
			Network: Mainnet,
			FeeRate: 10,
		},
		P2P: P2PConfig{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"},
		},
		Orderbook: OrderbookConfig{
			CleanupInterval: 60 * time.Second,
			OrderExpiry:     time.Hour,
		},
		Connection: ConnectionConfig{
			Timeout:     5 * time.Minute,
			MaxPoolSize: 50,
		},
		Relay: RelayConfig{
			MinConnections:          2,
			MaxConnections:          5,
			ConnectionCheckInterval: 60 * time.Second,
			RequireAuth:             false,
		},
		Errors: ErrorsConfig{
			MaxRetryCount:   5,
			RetryInterval:   1 * time.Second,
			RetentionPeriod: time.Hour,
		},
		Wallet: WalletConfig{
			Type: WalletSimple,
		},
		Trade: TradeConfig{
			StageTimeout:  30 * time.Second,
			DefaultExpiry: 10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Capacity: 100,
		},
	}
}
