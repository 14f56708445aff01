package registry

import (
	"sync"
	"testing"

	"github.com/corvuslabs/parley/internal/event"
)

// fakeConn records sent frames and kicks; shared by other packages'
// tests via their own local copies.
type fakeConn struct {
	mu     sync.Mutex
	frames []event.Frame
	kicked string
	full   bool
}

func (f *fakeConn) Send(frame event.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeConn) Kick(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = reason
}

func (f *fakeConn) kickedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicked
}

func TestRegisterLookup(t *testing.T) {
	r := New()
	c := &fakeConn{}

	r.Register("u1", c)

	got, ok := r.Lookup("u1")
	if !ok || got != c {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if !r.Online("u1") {
		t.Error("u1 should be online")
	}
	if r.Online("u2") {
		t.Error("u2 should be offline")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestBotAlwaysOnline(t *testing.T) {
	r := New()
	if !r.Online(event.BotUserID) {
		t.Error("assistant identity should always report online")
	}
	if _, ok := r.Lookup(event.BotUserID); ok {
		t.Error("assistant identity should not have a registry entry")
	}
}

func TestReconnectKicksPrevious(t *testing.T) {
	r := New()
	old := &fakeConn{}
	oldHandle := r.Register("u1", old)

	replacement := &fakeConn{}
	r.Register("u1", replacement)

	if old.kickedReason() == "" {
		t.Error("replaced connection was not kicked")
	}

	// The old session's cleanup presents a stale handle; it must not
	// evict the replacement.
	if r.Unregister("u1", oldHandle) {
		t.Error("stale Unregister reported removal")
	}
	got, ok := r.Lookup("u1")
	if !ok || got != replacement {
		t.Error("replacement connection lost after stale Unregister")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	h := r.Register("u1", &fakeConn{})

	if !r.Unregister("u1", h) {
		t.Fatal("Unregister with current handle failed")
	}
	if r.Online("u1") {
		t.Error("u1 still online after Unregister")
	}
	if r.Unregister("u1", h) {
		t.Error("second Unregister reported removal")
	}
}

func TestOnlineIDs(t *testing.T) {
	r := New()
	r.Register("u1", &fakeConn{})
	r.Register("u2", &fakeConn{})

	ids := r.OnlineIDs()
	if len(ids) != 2 || !ids["u1"] || !ids["u2"] {
		t.Errorf("OnlineIDs = %v", ids)
	}
}

func TestBroadcast(t *testing.T) {
	r := New()
	a := &fakeConn{}
	b := &fakeConn{}
	slow := &fakeConn{full: true}
	r.Register("u1", a)
	r.Register("u2", b)
	r.Register("u3", slow)

	sent := r.Broadcast(event.Frame{Type: event.TypePresenceList})
	if sent != 2 {
		t.Errorf("Broadcast delivered to %d, want 2", sent)
	}
	if len(a.frames) != 1 || len(b.frames) != 1 {
		t.Error("frames not recorded on healthy connections")
	}
}

func TestChangesCoalesce(t *testing.T) {
	r := New()

	// A burst of churn leaves at most one pending signal.
	r.Register("u1", &fakeConn{})
	r.Register("u2", &fakeConn{})
	h := r.Register("u3", &fakeConn{})
	r.Unregister("u3", h)

	select {
	case <-r.Changes():
	default:
		t.Fatal("no change signal pending after churn")
	}
	select {
	case <-r.Changes():
		t.Fatal("second signal pending; churn did not coalesce")
	default:
	}
}
