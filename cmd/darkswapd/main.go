// Command darkswapd runs the DarkSwap core as a standalone daemon: it
// boots the P2P overlay, the orderbook, and the trade state machine, then
// blocks until interrupted. The HTTP/SSE API and the interactive CLI are
// explicitly out of the core's scope; this binary is the thin
// process wrapper every embedder (a real daemon, a test harness) needs to
// actually run the core.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/darkswap-foundation/darkswap/internal/config"
	"github.com/darkswap-foundation/darkswap/internal/core"
	"github.com/darkswap-foundation/darkswap/internal/eventbus"
	"github.com/darkswap-foundation/darkswap/internal/walletsimple"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.darkswap", "Data directory")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		network     = flag.String("network", "mainnet", "Bitcoin network (mainnet, testnet, regtest, signet)")
		bootstrap   = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		relays      = flag.String("relays", "", "Circuit relay servers (comma-separated multiaddrs)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("darkswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	dataPath := expandPath(*dataDir)
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		log.Fatal("failed to create data directory", "error", err)
	}

	cfg := config.Default()
	cfg.Bitcoin.Network = parseNetwork(*network)
	if *listenAddr != "" {
		cfg.P2P.ListenAddresses = []string{*listenAddr}
	}
	if *bootstrap != "" {
		cfg.P2P.BootstrapPeers = splitCSV(*bootstrap)
	}
	if *relays != "" {
		cfg.P2P.RelayServers = splitCSV(*relays)
	}

	wallet, err := walletsimple.New(dataPath, chainParamsFor(cfg.Bitcoin.Network))
	if err != nil {
		log.Fatal("failed to initialize wallet", "error", err)
	}
	addr, _ := wallet.GetAddress()
	log.Info("wallet initialized", "address", addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rune/alkane metadata resolution is an external collaborator;
	// running without one falls back to each asset's zero-decimals default.
	c, err := core.New(ctx, cfg, dataPath, wallet, nil, nil)
	if err != nil {
		log.Fatal("failed to create core", "error", err)
	}

	if err := c.Start(); err != nil {
		log.Fatal("failed to start core", "error", err)
	}
	log.Info("darkswap core started", "peer_id", c.Node().ID().String(), "network", cfg.Bitcoin.Network)
	for _, a := range c.Node().Addrs() {
		log.Infof("  listening on %s/p2p/%s", a.String(), c.Node().ID().String())
	}

	events := c.SubscribeEvents()
	go logEvents(log.Component("event"), events)

	statusTicker := time.NewTicker(60 * time.Second)
	defer statusTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("shutting down...")
			events.Unsubscribe()
			if err := c.Stop(); err != nil {
				log.Error("error during shutdown", "error", err)
			}
			log.Info("goodbye")
			return
		case <-statusTicker.C:
			log.Info("status", "peers", c.Node().PeerCount(), "uptime", c.Node().Uptime().Round(time.Second))
		}
	}
}

// logEvents drains the core's event bus, logging each domain event
// (OrderCreated, TradeCompleted, ...) at Info so an operator can follow a
// node's activity without a separate HTTP/SSE surface.
func logEvents(log *logging.Logger, sub *eventbus.Subscription) {
	for ev := range sub.Events() {
		log.Info("event", "kind", ev.Kind)
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func parseNetwork(s string) config.BitcoinNetwork {
	switch strings.ToLower(s) {
	case "testnet":
		return config.Testnet
	case "regtest":
		return config.Regtest
	case "signet":
		return config.Signet
	default:
		return config.Mainnet
	}
}

func chainParamsFor(n config.BitcoinNetwork) *chaincfg.Params {
	switch n {
	case config.Testnet:
		return &chaincfg.TestNet3Params
	case config.Regtest:
		return &chaincfg.RegressionNetParams
	case config.Signet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
