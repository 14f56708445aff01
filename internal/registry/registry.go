// Package registry tracks which user currently owns a live realtime
// connection. It is the single source of truth for online status; every
// other component reads it through Lookup/Online/Broadcast.
package registry

import (
	"sync"
	"time"

	"github.com/corvuslabs/parley/internal/event"
)

// Conn is the send side of a live session. Send enqueues an outbound
// frame and reports false when the session's buffer is full or the
// session is already closing. Kick asks the session to close.
type Conn interface {
	Send(f event.Frame) bool
	Kick(reason string)
}

type entry struct {
	conn   Conn
	handle uint64
	since  time.Time
}

// Registry maps user ids to their single live connection. A user has at
// most one entry; a reconnect replaces (and kicks) the previous one.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]entry
	nextHandle uint64

	// changes coalesces registration churn into a single pending
	// signal for the presence broadcaster.
	changes chan struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		changes: make(chan struct{}, 1),
	}
}

// Register binds conn as userID's live connection and returns a handle
// the session must present to Unregister. If the user already had a
// connection, the old one is kicked; its later Unregister with the old
// handle is a no-op.
func (r *Registry) Register(userID string, conn Conn) uint64 {
	r.mu.Lock()
	r.nextHandle++
	handle := r.nextHandle
	prev, replaced := r.entries[userID]
	r.entries[userID] = entry{conn: conn, handle: handle, since: time.Now()}
	r.mu.Unlock()

	// Kick outside the lock; the old session's close path re-enters
	// the registry via Unregister.
	if replaced {
		prev.conn.Kick("signed in from another connection")
	}
	r.signal()
	return handle
}

// Unregister removes userID's entry if it still belongs to handle.
// Stale handles (the session was already replaced) are ignored.
func (r *Registry) Unregister(userID string, handle uint64) bool {
	r.mu.Lock()
	cur, ok := r.entries[userID]
	if !ok || cur.handle != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	r.signal()
	return true
}

// Lookup returns userID's live connection.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Online reports whether userID has a live connection. The assistant
// identity is always online.
func (r *Registry) Online(userID string) bool {
	if userID == event.BotUserID {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// OnlineIDs returns the set of currently connected user ids.
func (r *Registry) OnlineIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]bool, len(r.entries))
	for id := range r.entries {
		ids[id] = true
	}
	return ids
}

// Broadcast sends f to every live connection and returns how many
// accepted it.
func (r *Registry) Broadcast(f event.Frame) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.Send(f) {
			sent++
		}
	}
	return sent
}

// Changes returns a channel that receives a signal after registrations
// or departures. Signals coalesce: a burst of churn may produce a
// single receive.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) signal() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
