package server

import (
	"sync"
	"sync/atomic"
)

// Tracker counts live sessions globally and per client IP so the
// handler can enforce connection limits before upgrading.
type Tracker struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalEvents       atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (t *Tracker) ConnectionCount() int {
	return int(t.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (t *Tracker) ConnectionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// TryAcquire atomically checks limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (t *Tracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	// Read the atomic under the lock to prevent TOCTOU
	current := int(t.activeConnections.Load())
	if maxGlobal > 0 && current >= maxGlobal {
		return "max_connections"
	}

	if maxPerIP > 0 && t.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Release decrements both global and per-IP connection counters.
func (t *Tracker) Release(ip string) {
	t.activeConnections.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}

// CountEvent increments the total inbound events counter.
func (t *Tracker) CountEvent() {
	t.totalEvents.Add(1)
}

// TotalConnections returns the total number of connections handled since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalEvents returns the total number of inbound events handled since start.
func (t *Tracker) TotalEvents() int64 {
	return t.totalEvents.Load()
}
