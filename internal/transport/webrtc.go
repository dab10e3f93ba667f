package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/darkswap-foundation/darkswap/internal/config"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
)

// ErrNotConnected is returned by Send when the named data channel exists
// but is not yet Open.
var ErrNotConnected = errors.New("data channel not connected")

// ErrNotFound is returned by Send when no data channel with the given
// label has been created on the connection.
var ErrNotFound = errors.New("data channel not found")

// idleCheckInterval is how often the background sweeper looks for
// connections past the configured connection timeout.
const idleCheckInterval = 10 * time.Second

// iceGatheringTimeout caps how long CreateOffer/CreateAnswer wait for ICE
// gathering to finish before returning the SDP as-is.
const iceGatheringTimeout = 25 * time.Second

// State is a connection's position in its lifecycle graph.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionID identifies one RTCPeerConnection. IDs are drawn from a
// single process-wide counter, the only global mutable state in the core.
type ConnectionID uint64

var connIDCounter uint64

func nextConnectionID() ConnectionID {
	return ConnectionID(atomic.AddUint64(&connIDCounter, 1))
}

// Connection wraps one RTCPeerConnection and its data channels, tracking
// the flags the readiness predicate consults.
type Connection struct {
	id   ConnectionID
	peer string

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	state State

	localDescSet         bool
	remoteDescSet        bool
	iceGatheringComplete bool
	connectionEstablished bool

	channels map[string]*webrtc.DataChannel

	lastActivity time.Time
}

// ID returns the connection's identifier.
func (c *Connection) ID() ConnectionID { return c.id }

// Peer returns the remote peer this connection is (or will be) with.
func (c *Connection) Peer() string { return c.peer }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the connection can carry data: Connected state,
// both descriptions set, ICE gathering complete, and the data channel
// established.
func (c *Connection) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected &&
		c.remoteDescSet &&
		c.localDescSet &&
		c.iceGatheringComplete &&
		c.connectionEstablished
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Close implements relay.Closer so a Connection can live inside a
// relay.Pool alongside other pooled resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// iceServersFromConfig builds the pion ICE server list from the core's
// P2P config: STUN URLs plus credentialed TURN servers.
func iceServersFromConfig(cfg config.P2PConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.IceServers)+len(cfg.TurnServers))
	for _, url := range cfg.IceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	for _, turn := range cfg.TurnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}
	return servers
}

// Manager implements the WebRTC transport: it owns one
// RTCPeerConnection per Connection, manages the ICE configuration derived
// from the core's STUN/TURN lists, and runs the idle-eviction sweep.
type Manager struct {
	mu              sync.Mutex
	connections     map[ConnectionID]*Connection
	iceServers      []webrtc.ICEServer
	connectionTimeout time.Duration

	onConnectionClosed func(peer string, id ConnectionID)

	stop chan struct{}
}

// NewManager constructs a Manager from the core's P2P configuration and
// the connection idle timeout.
func NewManager(cfg config.P2PConfig, connectionTimeout time.Duration) *Manager {
	return &Manager{
		connections:       make(map[ConnectionID]*Connection),
		iceServers:        iceServersFromConfig(cfg),
		connectionTimeout: connectionTimeout,
	}
}

// OnConnectionClosed registers a callback invoked whenever the idle sweep
// or an explicit CloseConnection evicts a connection, so callers can emit
// a ConnectionClosed event.
func (m *Manager) OnConnectionClosed(cb func(peer string, id ConnectionID)) {
	m.mu.Lock()
	m.onConnectionClosed = cb
	m.mu.Unlock()
}

// CreateConnection initializes a fresh New connection to peer.
func (m *Manager) CreateConnection(peer string) (ConnectionID, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}

	id := nextConnectionID()
	conn := &Connection{
		id:           id,
		peer:         peer,
		pc:           pc,
		state:        StateNew,
		channels:     make(map[string]*webrtc.DataChannel),
		lastActivity: time.Now(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		conn.mu.Lock()
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			conn.connectionEstablished = true
			if conn.state == StateConnecting {
				conn.state = StateConnected
			}
		case webrtc.ICEConnectionStateDisconnected:
			if conn.state == StateConnected {
				conn.state = StateDisconnected
			}
		case webrtc.ICEConnectionStateFailed:
			conn.state = StateFailed
		case webrtc.ICEConnectionStateClosed:
			conn.state = StateClosed
		}
		conn.mu.Unlock()
		log.Debug("ice connection state changed", "peer", peer, "state", s)
	})

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		if s == webrtc.ICEGathererStateComplete {
			conn.mu.Lock()
			conn.iceGatheringComplete = true
			conn.mu.Unlock()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.mu.Lock()
		conn.channels[dc.Label()] = dc
		conn.mu.Unlock()
		wireDataChannel(conn, dc)
	})

	m.mu.Lock()
	m.connections[id] = conn
	m.mu.Unlock()
	log.Info("connection created", "peer", peer, "connection_id", id)
	return id, nil
}

func (m *Manager) get(id ConnectionID) (*Connection, error) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: connection %d", ErrNotFound, id)
	}
	return conn, nil
}

// CreateOffer creates a local offer, marks local_description_set, and
// transitions the connection to Connecting.
func (m *Manager) CreateOffer(id ConnectionID) (string, error) {
	conn, err := m.get(id)
	if err != nil {
		return "", err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	waitForGathering(gatherComplete)

	conn.mu.Lock()
	conn.localDescSet = true
	if conn.state == StateNew {
		conn.state = StateConnecting
	}
	conn.mu.Unlock()
	conn.touch()

	return conn.pc.LocalDescription().SDP, nil
}

// SetRemoteDescription applies a remote SDP (offer or answer) and marks
// remote_description_set.
func (m *Manager) SetRemoteDescription(id ConnectionID, sdpText string, isOffer bool) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	descType := webrtc.SDPTypeAnswer
	if isOffer {
		descType = webrtc.SDPTypeOffer
	}
	desc := webrtc.SessionDescription{Type: descType, SDP: sdpText}
	if err := conn.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	conn.mu.Lock()
	conn.remoteDescSet = true
	conn.mu.Unlock()
	conn.touch()
	return nil
}

// CreateAnswer creates a local answer and marks local_description_set.
func (m *Manager) CreateAnswer(id ConnectionID) (string, error) {
	conn, err := m.get(id)
	if err != nil {
		return "", err
	}
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	waitForGathering(gatherComplete)

	conn.mu.Lock()
	conn.localDescSet = true
	if conn.state == StateNew {
		conn.state = StateConnecting
	}
	conn.mu.Unlock()
	conn.touch()

	return conn.pc.LocalDescription().SDP, nil
}

// waitForGathering blocks until ICE gathering completes or the cap
// elapses, whichever comes first; a trickled offer/answer is still usable
// past the cap, so timing out is not an error.
func waitForGathering(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(iceGatheringTimeout):
	}
}

// AddIceCandidate adds a trickled remote ICE candidate.
func (m *Manager) AddIceCandidate(id ConnectionID, candidate string, sdpMid *string, mLineIndex *uint16) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: sdpMid, SDPMLineIndex: mLineIndex}
	if err := conn.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	conn.touch()
	return nil
}

// OnLocalIceCandidate registers a callback invoked whenever the connection's
// ICE agent produces a local candidate to trickle over the signaling bus.
func (m *Manager) OnLocalIceCandidate(id ConnectionID, cb func(candidate string, sdpMid *string, mLineIndex *uint16)) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	conn.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete marker
		}
		init := c.ToJSON()
		cb(init.Candidate, init.SDPMid, init.SDPMLineIndex)
	})
	return nil
}

// CreateDataChannel opens a new data channel on conn, usable once the
// connection reaches Connected and IsReady is true.
func (m *Manager) CreateDataChannel(id ConnectionID, label string, ordered bool, maxRetransmits *uint16) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	dc, err := conn.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	conn.mu.Lock()
	conn.channels[label] = dc
	conn.mu.Unlock()
	wireDataChannel(conn, dc)
	return nil
}

// wireDataChannel hooks activity tracking into a data channel regardless
// of whether it was locally created or received via OnDataChannel.
func wireDataChannel(conn *Connection, dc *webrtc.DataChannel) {
	dc.OnOpen(func() { conn.touch() })
	dc.OnMessage(func(webrtc.DataChannelMessage) { conn.touch() })
}

// Send writes bytes to the named data channel, failing with ErrNotFound if
// no such channel exists on the connection or ErrNotConnected if it is not
// yet Open.
func (m *Manager) Send(id ConnectionID, label string, data []byte) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	dc, ok := conn.channels[label]
	conn.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: channel %q", ErrNotFound, label)
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: channel %q state %s", ErrNotConnected, label, dc.ReadyState())
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrTransport, err)
	}
	conn.touch()
	return nil
}

// CloseConnection transitions conn to Closed and evicts it from the
// manager.
func (m *Manager) CloseConnection(id ConnectionID) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.connections, id)
	cb := m.onConnectionClosed
	m.mu.Unlock()

	closeErr := conn.Close()
	if cb != nil {
		cb(conn.Peer(), id)
	}
	return closeErr
}

// Get returns the connection for inspection (state, readiness), or
// ErrNotFound.
func (m *Manager) Get(id ConnectionID) (*Connection, error) {
	return m.get(id)
}

// Count returns the number of live connections tracked by the manager.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// StartIdleSweep runs the idle-connection eviction loop, ticking every
// ~10 seconds and closing any connection whose
// last_activity predates connection_timeout.
func (m *Manager) StartIdleSweep() (stop func()) {
	m.stop = make(chan struct{})
	ticker := time.NewTicker(idleCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepIdle()
			case <-m.stop:
				return
			}
		}
	}()
	return func() { close(m.stop) }
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []ConnectionID
	for id, conn := range m.connections {
		if now.Sub(conn.idleSince()) >= m.connectionTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		log.Info("evicting idle connection", "connection_id", id, "timeout", m.connectionTimeout)
		_ = m.CloseConnection(id)
	}
}
