// Package retry implements the per-peer, per-class error/retry controller:
// per-(peer, error class) backoff tracking with a periodic retention sweep.
package retry

import (
	"sync"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/pkg/logging"
)

var log = logging.Component("retry")

// maxBackoffMs is the backoff ceiling: 300,000ms (5 minutes).
const maxBackoffMs = 300_000

// record is the per-(peer, class) error history.
type record struct {
	message         string
	timestamp       time.Time
	retryCount      int
	currentBackoffMs int64
}

// Controller tracks errors per peer and error class, applying exponential
// backoff and a max-retry ceiling before telling a caller whether it
// should retry.
type Controller struct {
	mu              sync.Mutex
	records         map[string]map[dserr.Class]*record
	maxRetryCount   int
	retryInterval   time.Duration
	retentionPeriod time.Duration

	stop chan struct{}
}

// New constructs a Controller. maxRetryCount is the number of retries
// permitted before has_exceeded_max_retries trips; retryInterval seeds the
// initial backoff for a peer/class's first error; retentionPeriod bounds
// how long a record survives without being refreshed.
func New(maxRetryCount int, retryInterval, retentionPeriod time.Duration) *Controller {
	return &Controller{
		records:         make(map[string]map[dserr.Class]*record),
		maxRetryCount:   maxRetryCount,
		retryInterval:   retryInterval,
		retentionPeriod: retentionPeriod,
	}
}

func (c *Controller) peerRecords(peer string) map[dserr.Class]*record {
	recs, ok := c.records[peer]
	if !ok {
		recs = make(map[dserr.Class]*record)
		c.records[peer] = recs
	}
	return recs
}

// RecordError records a new error for (peer, class). A first occurrence
// seeds current_backoff_ms at the configured retry interval; each
// subsequent occurrence of the same class doubles it, capped at 300s.
func (c *Controller) RecordError(peer string, class dserr.Class, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs := c.peerRecords(peer)
	r, ok := recs[class]
	if !ok {
		r = &record{
			message:          message,
			timestamp:        time.Now(),
			retryCount:       1,
			currentBackoffMs: c.retryInterval.Milliseconds(),
		}
		recs[class] = r
		log.Debug("first error for peer", "peer", peer, "class", class, "backoff_ms", r.currentBackoffMs)
		return
	}

	r.message = message
	r.timestamp = time.Now()
	r.retryCount++
	r.currentBackoffMs = min64(r.currentBackoffMs*2, maxBackoffMs)
	log.Debug("retry for peer", "peer", peer, "class", class, "retry_count", r.retryCount, "backoff_ms", r.currentBackoffMs)
}

// HasExceededMaxRetries reports whether (peer, class)'s retry count is
// strictly greater than the configured maximum.
func (c *Controller) HasExceededMaxRetries(peer string, class dserr.Class) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, ok := c.records[peer]
	if !ok {
		return false
	}
	r, ok := recs[class]
	if !ok {
		return false
	}
	return r.retryCount > c.maxRetryCount
}

// ShouldRetry reports whether the caller should attempt another retry for
// (peer, class): the retry cap isn't exceeded, and enough time has
// elapsed since the last record to satisfy the current backoff. A peer
// with no record yet is always retryable.
func (c *Controller) ShouldRetry(peer string, class dserr.Class) bool {
	if c.HasExceededMaxRetries(peer, class) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recs, ok := c.records[peer]
	if !ok {
		return true
	}
	r, ok := recs[class]
	if !ok {
		return true
	}
	elapsed := time.Since(r.timestamp)
	return elapsed >= time.Duration(r.currentBackoffMs)*time.Millisecond
}

// ResetRetryCount zeroes the retry count for (peer, class), leaving the
// record (and its backoff) in place.
func (c *Controller) ResetRetryCount(peer string, class dserr.Class) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, ok := c.records[peer]
	if !ok {
		return
	}
	if r, ok := recs[class]; ok {
		r.retryCount = 0
	}
}

// ClearPeer discards every record for a peer.
func (c *Controller) ClearPeer(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, peer)
}

// StartRetentionSweep launches a background goroutine that, every minute,
// discards records whose last update exceeded the retention period. The
// returned function stops the sweep.
func (c *Controller) StartRetentionSweep() (stop func()) {
	c.stop = make(chan struct{})
	ticker := time.NewTicker(60 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
	return func() { close(c.stop) }
}

func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for peer, recs := range c.records {
		for class, r := range recs {
			if now.Sub(r.timestamp) >= c.retentionPeriod {
				delete(recs, class)
			}
		}
		if len(recs) == 0 {
			delete(c.records, peer)
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
