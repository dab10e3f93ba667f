package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/config"
)

func newTestManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	return NewManager(config.P2PConfig{}, timeout)
}

func TestCreateConnectionStartsNew(t *testing.T) {
	m := newTestManager(t, time.Minute)
	id, err := m.CreateConnection("peer1")
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	conn, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn.State() != StateNew {
		t.Errorf("expected StateNew, got %v", conn.State())
	}
	if conn.IsReady() {
		t.Errorf("a fresh connection must not be ready")
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 tracked connection, got %d", m.Count())
	}
}

func TestSendFailsNotFoundForUnknownLabel(t *testing.T) {
	m := newTestManager(t, time.Minute)
	id, err := m.CreateConnection("peer1")
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	err = m.Send(id, "nope", []byte("hi"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSendFailsNotConnectedForUnopenedChannel(t *testing.T) {
	m := newTestManager(t, time.Minute)
	id, err := m.CreateConnection("peer1")
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if err := m.CreateDataChannel(id, "orders", true, nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	err = m.Send(id, "orders", []byte("hi"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before the channel opens, got %v", err)
	}
}

func TestCloseConnectionEvictsAndTransitionsClosed(t *testing.T) {
	m := newTestManager(t, time.Minute)
	id, err := m.CreateConnection("peer1")
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	var closedPeer string
	m.OnConnectionClosed(func(peer string, cid ConnectionID) { closedPeer = peer })

	if err := m.CloseConnection(id); err != nil {
		t.Fatalf("CloseConnection: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected connection to be evicted")
	}
	if closedPeer != "peer1" {
		t.Errorf("expected close callback for peer1, got %q", closedPeer)
	}
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected Get to fail for a closed connection")
	}
}

func TestIdleSweepEvictsStaleConnections(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)
	id, err := m.CreateConnection("peer1")
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	m.sweepIdle()

	if m.Count() != 0 {
		t.Errorf("expected idle connection to be evicted")
	}
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected evicted connection to be gone")
	}
}

func TestIceServersFromConfig(t *testing.T) {
	cfg := config.P2PConfig{
		IceServers: []string{"stun:stun.l.google.com:19302"},
		TurnServers: []config.TurnServer{
			{URL: "turn:example.com:3478", Username: "u", Credential: "p"},
		},
	}
	servers := iceServersFromConfig(cfg)
	if len(servers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %d", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("expected TURN credentials to carry through, got %+v", servers[1])
	}
}
