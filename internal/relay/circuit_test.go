package relay

import (
	"testing"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/dserr"
)

func TestMakeReservation(t *testing.T) {
	c := NewCircuit(NewRegistry(), nil, false)
	res, err := c.MakeReservation("relay1")
	if err != nil {
		t.Fatalf("MakeReservation: %v", err)
	}
	if res.RelayPeerID != "relay1" || res.ReservationID == "" {
		t.Errorf("unexpected reservation: %+v", res)
	}
	if !res.ExpiresAt.After(time.Now()) {
		t.Errorf("expected reservation to expire in the future")
	}
}

func TestConnectThroughRelayRequiresReservation(t *testing.T) {
	c := NewCircuit(NewRegistry(), nil, false)
	if err := c.ConnectThroughRelay("relay1", "target"); err != dserr.ErrPeerNotFound {
		t.Errorf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestConnectThroughRelaySucceedsWithReservation(t *testing.T) {
	c := NewCircuit(NewRegistry(), nil, false)
	if _, err := c.MakeReservation("relay1"); err != nil {
		t.Fatalf("MakeReservation: %v", err)
	}
	if err := c.ConnectThroughRelay("relay1", "target"); err != nil {
		t.Fatalf("ConnectThroughRelay: %v", err)
	}
	if c.GetMetrics().ActiveConnections != 1 {
		t.Errorf("expected 1 active connection")
	}
}

type denyAuth struct{}

func (denyAuth) IsAuthorized(peer string) bool { return false }

func TestAuthRequiredRejectsUnauthorized(t *testing.T) {
	c := NewCircuit(NewRegistry(), denyAuth{}, true)
	if _, err := c.MakeReservation("relay1"); err != dserr.ErrAuth {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestConnectThroughRelayStaleReservationExpired(t *testing.T) {
	reg := NewRegistry()
	c := NewCircuit(reg, nil, false)
	if _, err := c.MakeReservation("relay1"); err != nil {
		t.Fatalf("MakeReservation: %v", err)
	}
	c.mu.Lock()
	res := c.reservations["relay1"]
	res.ExpiresAt = time.Now().Add(-time.Minute)
	c.reservations["relay1"] = res
	c.mu.Unlock()

	if err := c.ConnectThroughRelay("relay1", "target"); err != dserr.ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if c.IsReservationValid("relay1") {
		t.Error("stale reservation still reported valid")
	}
	// The stale reservation is dropped, so a retry now reports PeerNotFound.
	if err := c.ConnectThroughRelay("relay1", "target"); err != dserr.ErrPeerNotFound {
		t.Errorf("expected ErrPeerNotFound after drop, got %v", err)
	}
}

func TestOutcomesFeedRegistryHealth(t *testing.T) {
	reg := NewRegistry()
	c := NewCircuit(reg, nil, false)

	c.MakeReservation("relay1")
	c.ConnectThroughRelay("relay1", "target")
	c.ConnectThroughRelay("relay2", "target") // no reservation

	r1 := reg.GetRelay("relay1")
	if r1 == nil || r1.Successes != 2 || r1.Failures != 0 {
		t.Errorf("relay1 health = %+v, want 2 successes", r1)
	}
	r2 := reg.GetRelay("relay2")
	if r2 == nil || r2.Failures != 1 {
		t.Errorf("relay2 health = %+v, want 1 failure", r2)
	}
	if r1.Score() <= r2.Score() {
		t.Errorf("healthy relay must outscore failing relay: %v vs %v", r1.Score(), r2.Score())
	}
}

func TestDisconnectDecrementsActive(t *testing.T) {
	c := NewCircuit(NewRegistry(), nil, false)
	c.MakeReservation("relay1")
	c.ConnectThroughRelay("relay1", "target")
	c.Disconnect("relay1")
	if c.GetMetrics().ActiveConnections != 0 {
		t.Errorf("expected active connections to drop to 0")
	}
}
