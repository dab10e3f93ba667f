package relay

import (
	"sync"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/google/uuid"
)

// reservationLifetime is the default reservation validity window (one
// hour).
const reservationLifetime = time.Hour

// Reservation is a held slot on a relay peer.
type Reservation struct {
	RelayPeerID   string
	ReservationID string
	ExpiresAt     time.Time
}

// Metrics exposes the relay subsystem's connection counters.
type Metrics struct {
	SuccessfulConnections uint64
	FailedConnections     uint64
	ActiveConnections     uint64
}

// Authenticator decides whether a peer satisfies relay authentication
// requirements. The core wires its auth policy in; a nil Authenticator on
// Circuit means authentication is never required.
type Authenticator interface {
	IsAuthorized(peer string) bool
}

// Circuit implements the circuit relay reservation protocol:
// reserve capacity on a relay, then connect through it to a target peer
// that the relay already has a direct channel to. Every outcome feeds the
// relay registry's health counters so best-relay selection learns from use.
type Circuit struct {
	mu           sync.Mutex
	reservations map[string]Reservation // by relay peer id
	metrics      Metrics
	registry     *Registry
	auth         Authenticator
	requireAuth  bool
}

// NewCircuit constructs a Circuit backed by the given relay registry for
// health feedback.
func NewCircuit(registry *Registry, auth Authenticator, requireAuth bool) *Circuit {
	return &Circuit{
		reservations: make(map[string]Reservation),
		registry:     registry,
		auth:         auth,
		requireAuth:  requireAuth,
	}
}

func (c *Circuit) checkAuth(peer string) error {
	if !c.requireAuth {
		return nil
	}
	if c.auth == nil || !c.auth.IsAuthorized(peer) {
		return dserr.ErrAuth
	}
	return nil
}

func (c *Circuit) recordSuccess(relayPeer string, start time.Time) {
	if c.registry != nil {
		c.registry.RecordSuccess(relayPeer, float64(time.Since(start).Milliseconds()))
	}
}

func (c *Circuit) recordFailure(relayPeer string) {
	if c.registry != nil {
		c.registry.RecordFailure(relayPeer)
	}
}

// MakeReservation asks relayPeer for a reservation, returning its id and
// expiry (design default: one hour from now).
func (c *Circuit) MakeReservation(relayPeer string) (Reservation, error) {
	start := time.Now()
	if err := c.checkAuth(relayPeer); err != nil {
		c.recordFailure(relayPeer)
		return Reservation{}, err
	}

	c.mu.Lock()
	res := Reservation{
		RelayPeerID:   relayPeer,
		ReservationID: uuid.NewString(),
		ExpiresAt:     start.Add(reservationLifetime),
	}
	c.reservations[relayPeer] = res
	c.metrics.SuccessfulConnections++
	c.mu.Unlock()

	c.recordSuccess(relayPeer, start)
	log.Debug("made reservation", "relay", relayPeer, "reservation_id", res.ReservationID)
	return res, nil
}

// ConnectThroughRelay brokers a circuit to targetPeer through relayPeer,
// validating the held reservation's non-expiry. A missing reservation
// fails with PeerNotFound, a stale one with Expired; both count as a
// failure against the relay's health score.
func (c *Circuit) ConnectThroughRelay(relayPeer, targetPeer string) error {
	start := time.Now()
	if err := c.checkAuth(relayPeer); err != nil {
		c.recordFailure(relayPeer)
		return err
	}

	c.mu.Lock()
	res, ok := c.reservations[relayPeer]
	if !ok {
		c.metrics.FailedConnections++
		c.mu.Unlock()
		c.recordFailure(relayPeer)
		return dserr.ErrPeerNotFound
	}
	if start.After(res.ExpiresAt) {
		c.metrics.FailedConnections++
		delete(c.reservations, relayPeer)
		c.mu.Unlock()
		c.recordFailure(relayPeer)
		return dserr.ErrExpired
	}
	c.metrics.ActiveConnections++
	c.mu.Unlock()

	c.recordSuccess(relayPeer, start)
	log.Debug("connected through relay", "relay", relayPeer, "target", targetPeer)
	return nil
}

// Disconnect tears down a brokered circuit, decrementing the active count.
func (c *Circuit) Disconnect(peer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.ActiveConnections > 0 {
		c.metrics.ActiveConnections--
	}
	log.Debug("disconnected", "peer", peer)
	return nil
}

// IsReservationValid reports whether relayPeer has a non-expired
// reservation.
func (c *Circuit) IsReservationValid(relayPeer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[relayPeer]
	if !ok {
		return false
	}
	return !time.Now().After(res.ExpiresAt)
}

// ActiveReservations returns every reservation that has not yet expired.
func (c *Circuit) ActiveReservations() []Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]Reservation, 0, len(c.reservations))
	for _, res := range c.reservations {
		if !now.After(res.ExpiresAt) {
			out = append(out, res)
		}
	}
	return out
}

// GetMetrics returns a snapshot of the relay subsystem counters.
func (c *Circuit) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
