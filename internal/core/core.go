// Package core assembles and exposes the public API: the single entry point
// CLI, daemon, and language-binding callers use to run a DarkSwap node.
// It wires together the P2P overlay (internal/node), the per-pair order
// books (this package's Registry), the trade state machine
// (internal/trade), and the supporting subsystems (eventbus, retry, relay,
// batch, transport) into one cohesive runtime, the way the donor wires its
// own backend/chain/sync/swap packages together in its top-level service.
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/shopspring/decimal"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/config"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/eventbus"
	"github.com/darkswap-foundation/darkswap/internal/node"
	"github.com/darkswap-foundation/darkswap/internal/orderbook"
	"github.com/darkswap-foundation/darkswap/internal/predicate"
	"github.com/darkswap-foundation/darkswap/internal/relay"
	"github.com/darkswap-foundation/darkswap/internal/retry"
	"github.com/darkswap-foundation/darkswap/internal/storage"
	"github.com/darkswap-foundation/darkswap/internal/trade"
	"github.com/darkswap-foundation/darkswap/internal/transport"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

// defaultOrderbookSweepInterval is how often the registry sweeps every
// pair's book for orders past their ExpiresAt, unless
// Orderbook.CleanupInterval is set.
const defaultOrderbookSweepInterval = 60 * time.Second

// Core is the assembled DarkSwap runtime: one P2P node, the order
// registry, the trade machine, and the background subsystems that keep
// connections and retries healthy.
type Core struct {
	cfg     *config.Config
	dataDir string

	node    *node.Node
	storage *storage.Storage
	orders  *Registry
	trades  *trade.Manager
	events  *eventbus.Bus

	retryCtl      *retry.Controller
	relayRegistry *relay.Registry
	relayCircuit  *relay.Circuit
	relayPolicy   *relay.Policy
	transportMgr  *transport.Manager
	bridge        *webrtcBridge

	log *logging.Logger

	mu      sync.Mutex
	started bool
	stops   []func()

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// New constructs a Core from cfg, ready to Start. dataDir holds the node's
// identity key and the SQLite store, which New always opens and requires
// for direct messaging and the peer cache. wallet and the
// rune/alkane protocol adapters are supplied by the embedder (the daemon,
// typically), as external collaborator capabilities; runes/alkanes
// may be nil.
func New(ctx context.Context, cfg *config.Config, dataDir string, wallet trade.Wallet, runes, alkanes trade.AssetProtocol) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)

	n, err := node.New(runCtx, nodeConfigFrom(cfg, dataDir))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create p2p node: %w", err)
	}

	store, err := storage.New(&storage.Config{DataDir: dataDir})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := n.SetupDirectMessaging(store); err != nil {
		cancel()
		return nil, fmt.Errorf("setup direct messaging: %w", err)
	}

	events := eventbus.New(cfg.EventBus.Capacity)

	c := &Core{
		cfg:           cfg,
		dataDir:       dataDir,
		node:          n,
		storage:       store,
		events:        events,
		log:           logging.Component("core"),
		sweepInterval: defaultOrderbookSweepInterval,
		ctx:           runCtx,
		cancel:        cancel,
	}
	if cfg.Orderbook.CleanupInterval > 0 {
		c.sweepInterval = cfg.Orderbook.CleanupInterval
	}

	c.orders = NewRegistry(c.onOrderbookEvent)

	c.retryCtl = retry.New(cfg.Errors.MaxRetryCount, cfg.Errors.RetryInterval, cfg.Errors.RetentionPeriod)

	c.relayRegistry = relay.NewRegistry()
	seedRelayRegistry(c.relayRegistry, cfg.P2P.RelayServers)
	c.relayCircuit = relay.NewCircuit(c.relayRegistry, nil, cfg.Relay.RequireAuth)
	c.relayPolicy = relay.NewPolicy(
		c.relayRegistry,
		c.connectRelay,
		c.disconnectRelay,
		cfg.Relay.MinConnections,
		cfg.Relay.MaxConnections,
		cfg.Relay.ConnectionCheckInterval,
	)

	c.transportMgr = transport.NewManager(cfg.P2P, cfg.Connection.Timeout)
	c.bridge = newWebRTCBridge(n, c.transportMgr, c.relayCircuit, c.relayRegistry, c.dialThroughRelay, cfg.Connection.Timeout)

	tradeTransport := trade.NewNodeTransport(n)
	tradeCfg := trade.Config{StageTimeout: cfg.Trade.StageTimeout, DefaultExpiry: cfg.Trade.DefaultExpiry}
	c.trades = trade.New(tradeTransport, wallet, c.orders, events, runes, alkanes, c.retryCtl, tradeCfg)

	return c, nil
}

// Start brings the node online: connects to bootstrap peers, joins the
// gossip topics, registers the Order/CancelOrder handlers, and launches
// every background loop (idle sweeps, retry retention, relay policy
// checks, the order-book expiry sweep, and the trade machine's own
// sweeper).
func (c *Core) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.node.OnPeerConnected(func(pid peer.ID) {
		c.events.Publish(eventbus.Event{Kind: "PeerConnected", Payload: pid.String()})
	})
	c.node.OnPeerDisconnected(func(pid peer.ID) {
		c.events.Publish(eventbus.Event{Kind: "PeerDisconnected", Payload: pid.String()})
	})

	if err := c.node.Start(); err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}

	if gh := c.node.GossipHandler(); gh != nil {
		gh.OnMessage(node.MsgOrder, c.onRemoteOrder)
		gh.OnMessage(node.MsgCancelOrder, c.onRemoteCancelOrder)
	}

	c.trades.Start()
	c.bridge.start()

	c.stops = append(c.stops,
		c.transportMgr.StartIdleSweep(),
		c.retryCtl.StartRetentionSweep(),
		c.relayPolicy.StartCheckLoop(),
		c.startOrderbookSweep(),
	)

	c.log.Info("core started", "peer_id", c.node.ID().String())
	return nil
}

func (c *Core) startOrderbookSweep() func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.orders.SweepExpired(time.Now()); n > 0 {
					c.log.Debug("swept expired orders", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// Stop halts every background loop and the P2P node, in roughly reverse
// order of Start.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	c.bridge.stop()
	c.trades.Stop()
	c.cancel()

	if err := c.node.Stop(); err != nil {
		return fmt.Errorf("stop p2p node: %w", err)
	}
	if err := c.storage.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	c.events.Close()
	return nil
}

// onOrderbookEvent forwards every per-pair book event onto the shared
// event bus, tagging it with the orderbook package's own PascalCase kind
// names.
func (c *Core) onOrderbookEvent(kind string, o *orderbook.Order) {
	if c.events == nil {
		return
	}
	snapshot := *o
	c.events.Publish(eventbus.Event{Kind: kind, Payload: &snapshot})
}

// CreateOrder validates and places a new resting order, then broadcasts it
// to the network.
func (c *Core) CreateOrder(ctx context.Context, base, quote asset.Asset, side orderbook.Side, amount, price decimal.Decimal, expiresAt time.Time) (*orderbook.Order, error) {
	o, err := orderbook.NewOrder(c.node.ID().String(), base, quote, side, amount, price, expiresAt)
	if err != nil {
		return nil, err
	}
	if err := c.orders.AddOrder(o); err != nil {
		return nil, err
	}
	if err := c.broadcastOrder(ctx, o); err != nil {
		c.log.Warn("failed to broadcast new order", "order_id", o.ID, "error", err)
	}
	return o, nil
}

// CancelOrder cancels a resting order and broadcasts the cancellation.
func (c *Core) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.orders.CancelOrder(orderID); err != nil {
		return err
	}
	if err := c.broadcastCancelOrder(ctx, orderID); err != nil {
		c.log.Warn("failed to broadcast order cancellation", "order_id", orderID, "error", err)
	}
	return nil
}

// GetOrder returns a single order by id, regardless of which pair it
// belongs to.
func (c *Core) GetOrder(orderID string) (*orderbook.Order, error) {
	return c.orders.GetOrder(orderID)
}

// GetOrders returns every order resting in (base, quote)'s book.
func (c *Core) GetOrders(base, quote asset.Asset) []*orderbook.Order {
	return c.orders.GetOrders(base, quote)
}

// GetBestBidAsk returns (base, quote)'s best bid/ask prices.
func (c *Core) GetBestBidAsk(base, quote asset.Asset) (bid, ask *decimal.Decimal) {
	return c.orders.GetBestBidAsk(base, quote)
}

// TakeOrder begins a new trade against a resting order.
func (c *Core) TakeOrder(ctx context.Context, orderID string, amount decimal.Decimal) (*trade.Trade, error) {
	o, err := c.orders.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orderbook.Open && o.Status != orderbook.PartiallyFilled {
		return nil, dserr.ErrOrderNotOpen
	}
	return c.trades.TakeOrder(ctx, o, amount)
}

// GetTrade returns a single trade by id.
func (c *Core) GetTrade(tradeID string) (*trade.Trade, error) {
	return c.trades.GetTrade(tradeID)
}

// GetTrades returns every trade this node is a party to.
func (c *Core) GetTrades() []*trade.Trade {
	return c.trades.GetTrades()
}

// CancelTrade cancels a non-terminal trade and notifies the counterparty.
func (c *Core) CancelTrade(ctx context.Context, tradeID, reason string) error {
	return c.trades.CancelTrade(ctx, tradeID, reason)
}

// AttachTradePredicate attaches a verifier predicate to an in-flight
// trade; the trade machine consults it before signing (maker) and before
// broadcast (taker), failing the trade if the predicate rejects the
// transaction.
func (c *Core) AttachTradePredicate(tradeID string, p predicate.Predicate) error {
	return c.trades.AttachPredicate(tradeID, p)
}

// SubscribeEvents returns a live subscription to every lifecycle event the
// core publishes: order book events (OrderCreated/.../OrderExpired) and
// trade events (trade_created/.../trade_expired). Call Unsubscribe when
// done.
func (c *Core) SubscribeEvents() *eventbus.Subscription {
	return c.events.Subscribe()
}

// Node exposes the underlying P2P node for callers that need peer
// introspection (peer count, addrs) beyond the trading API.
func (c *Core) Node() *node.Node { return c.node }

// ConnectPeer establishes a data path to peerID, preferring a direct
// WebRTC channel and falling back to the best-scored reserved circuit
// relay when direct negotiation does not come up within the connection
// timeout.
func (c *Core) ConnectPeer(ctx context.Context, peerID string) error {
	return c.bridge.ConnectPeer(ctx, peerID)
}

// dialThroughRelay carries traffic through a brokered circuit: it dials
// target via the relay's libp2p circuit address
// ("<relay multiaddr>/p2p-circuit/p2p/<target>").
func (c *Core) dialThroughRelay(ctx context.Context, relayPeer, target string) error {
	r := c.relayRegistry.GetRelay(relayPeer)
	if r == nil || len(r.Addresses) == 0 {
		return dserr.ErrNoRelaysAvailable
	}
	addr := r.Addresses[0]
	if !strings.Contains(addr, "/p2p/") {
		addr += "/p2p/" + relayPeer
	}
	return c.node.ConnectByAddr(ctx, addr+"/p2p-circuit/p2p/"+target)
}

// connectRelay and disconnectRelay back the relay.Policy's floor/ceiling
// maintenance, using the relay's best-known multiaddr to dial through the
// node's libp2p host and tearing the connection down through the host's
// network when the policy drops a relay.
func (c *Core) connectRelay(peerIDStr string) error {
	r := c.relayRegistry.GetRelay(peerIDStr)
	if r == nil || len(r.Addresses) == 0 {
		return dserr.ErrNoRelaysAvailable
	}
	start := time.Now()
	err := c.node.ConnectByAddr(c.ctx, r.Addresses[0])
	if err != nil {
		c.relayRegistry.RecordFailure(peerIDStr)
		return err
	}
	c.relayRegistry.RecordSuccess(peerIDStr, float64(time.Since(start).Milliseconds()))
	return nil
}

func (c *Core) disconnectRelay(peerIDStr string) error {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return err
	}
	return c.node.Host().Network().ClosePeer(pid)
}
