// Package call brokers WebRTC signaling between two users. The SDP and
// ICE blobs are opaque; the broker only tracks who is talking to whom,
// enforces one call per user, and times out unanswered rings.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/store"
)

type session struct {
	callerID string
	calleeID string
	answered bool
	gen      uint64
	timer    *time.Timer
}

func (s *session) peerOf(userID string) string {
	if userID == s.callerID {
		return s.calleeID
	}
	return s.callerID
}

// Broker holds the table of pending and active calls. Both participants
// key the same session, so either side can candidate/end by their own
// id alone.
type Broker struct {
	reg         *registry.Registry
	dir         store.UserDirectory
	msgs        store.MessageStore
	ringTimeout time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	gen      uint64
}

// New creates a broker. ringTimeout bounds how long a call may ring
// before the caller gets callMissed.
func New(reg *registry.Registry, dir store.UserDirectory, msgs store.MessageStore, ringTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Broker {
	return &Broker{
		reg:         reg,
		dir:         dir,
		msgs:        msgs,
		ringTimeout: ringTimeout,
		metrics:     m,
		log:         log,
		sessions:    make(map[string]*session),
	}
}

func (b *Broker) sendTo(userID string, f event.Frame) bool {
	conn, ok := b.reg.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Send(f)
}

// Offer starts a call from callerID to offer.CalleeID. An offline
// callee yields userOffline; a busy party yields callReject/BUSY. The
// offer relayed to the callee is enriched with the caller's directory
// profile so the client can render the ring screen.
func (b *Broker) Offer(ctx context.Context, callerID string, offer event.CallOffer) {
	calleeID := offer.CalleeID
	if calleeID == "" || calleeID == callerID || calleeID == event.BotUserID {
		b.sendTo(callerID, event.Frame{Type: event.TypeCallReject, Payload: event.CallReject{
			FromID: calleeID, Reason: event.RejectError,
		}})
		return
	}

	if _, online := b.reg.Lookup(calleeID); !online {
		b.metrics.CallsTotal.WithLabelValues("offline").Inc()
		b.sendTo(callerID, event.Frame{Type: event.TypeUserOffline, Payload: event.UserOffline{UserID: calleeID}})
		b.recordMissedCall(callerID, calleeID)
		return
	}

	b.mu.Lock()
	if _, busy := b.sessions[callerID]; busy {
		b.mu.Unlock()
		b.metrics.CallsTotal.WithLabelValues("busy").Inc()
		b.sendTo(callerID, event.Frame{Type: event.TypeCallReject, Payload: event.CallReject{
			FromID: calleeID, Reason: event.RejectBusy,
		}})
		return
	}
	if _, busy := b.sessions[calleeID]; busy {
		b.mu.Unlock()
		b.metrics.CallsTotal.WithLabelValues("busy").Inc()
		b.sendTo(callerID, event.Frame{Type: event.TypeCallReject, Payload: event.CallReject{
			FromID: calleeID, Reason: event.RejectBusy,
		}})
		return
	}

	b.gen++
	s := &session{callerID: callerID, calleeID: calleeID, gen: b.gen}
	b.sessions[callerID] = s
	b.sessions[calleeID] = s
	gen := s.gen
	s.timer = time.AfterFunc(b.ringTimeout, func() { b.expire(callerID, gen) })
	b.mu.Unlock()

	caller, found, err := b.dir.GetUser(ctx, callerID)
	if err != nil || !found {
		caller = store.User{ID: callerID, Username: callerID}
	}
	name := caller.Nickname
	if name == "" {
		name = caller.Username
	}

	b.metrics.CallsTotal.WithLabelValues("offered").Inc()
	b.log.Info("call offered", "caller", callerID, "callee", calleeID, "video", offer.Video)
	b.sendTo(calleeID, event.Frame{Type: event.TypeCallOffer, Payload: event.CallOffer{
		CallerID:     callerID,
		CallerName:   name,
		CallerAvatar: caller.Avatar,
		SDP:          offer.SDP,
		Video:        offer.Video,
	}})
}

// expire fires when the ring timer elapses. The generation guard makes
// a late firing against a newer call with the same caller a no-op.
func (b *Broker) expire(callerID string, gen uint64) {
	b.mu.Lock()
	s, ok := b.sessions[callerID]
	if !ok || s.gen != gen || s.answered {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.callerID)
	delete(b.sessions, s.calleeID)
	b.mu.Unlock()

	b.metrics.CallsTotal.WithLabelValues("missed").Inc()
	b.log.Info("call missed", "caller", s.callerID, "callee", s.calleeID)
	b.sendTo(s.callerID, event.Frame{Type: event.TypeCallMissed, Payload: event.CallMissed{CalleeID: s.calleeID}})
	b.sendTo(s.calleeID, event.Frame{Type: event.TypeCallEnd, Payload: event.CallEnd{FromID: s.callerID}})
	b.recordMissedCall(s.callerID, s.calleeID)
}

// recordMissedCall lands a system message in the conversation so the
// missed call outlives the ring screen, and pushes it to whichever side
// is still connected.
func (b *Broker) recordMissedCall(callerID, calleeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	missed, err := b.msgs.Insert(ctx, callerID, calleeID, event.System("Missed call"), 0)
	if err != nil {
		b.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		b.log.Error("recording missed call failed", "caller", callerID, "error", err)
		return
	}
	note := event.Frame{Type: event.TypeNewMessage, Payload: event.NewMessage{
		ID:          missed.ID,
		SenderID:    missed.SenderID,
		RecipientID: missed.RecipientID,
		Body:        missed.Body,
		CreatedAt:   missed.CreatedAt,
	}}
	b.sendTo(callerID, note)
	b.sendTo(calleeID, note)
}

// Answer accepts a ringing call. Only the callee may answer; the SDP
// answer is relayed to the caller and the ring timer is disarmed.
func (b *Broker) Answer(ctx context.Context, calleeID string, ans event.CallAnswer) {
	b.mu.Lock()
	s, ok := b.sessions[calleeID]
	if !ok || s.calleeID != calleeID || s.answered {
		b.mu.Unlock()
		return
	}
	s.answered = true
	if s.timer != nil {
		s.timer.Stop()
	}
	callerID := s.callerID
	b.mu.Unlock()

	b.metrics.CallsTotal.WithLabelValues("answered").Inc()
	b.log.Info("call answered", "caller", callerID, "callee", calleeID)
	b.sendTo(callerID, event.Frame{Type: event.TypeCallAnswer, Payload: event.CallAnswer{
		CalleeID: calleeID,
		SDP:      ans.SDP,
	}})
}

// Candidate relays one ICE candidate to the other party of fromID's
// call. Candidates outside any session are dropped.
func (b *Broker) Candidate(ctx context.Context, fromID string, cand event.ICECandidate) {
	b.mu.Lock()
	s, ok := b.sessions[fromID]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.sendTo(s.peerOf(fromID), event.Frame{Type: event.TypeReceiveICE, Payload: event.ICECandidate{
		FromID:    fromID,
		Candidate: cand.Candidate,
	}})
}

// Reject declines a ringing call and tells the other party why.
func (b *Broker) Reject(ctx context.Context, fromID string, rej event.CallReject) {
	s := b.teardown(fromID)
	if s == nil {
		return
	}
	reason := rej.Reason
	if reason == "" {
		reason = event.RejectReject
	}
	b.metrics.CallsTotal.WithLabelValues("rejected").Inc()
	b.log.Info("call rejected", "by", fromID, "reason", reason)
	b.sendTo(s.peerOf(fromID), event.Frame{Type: event.TypeCallReject, Payload: event.CallReject{
		FromID: fromID,
		Reason: reason,
	}})
}

// End hangs up fromID's pending or active call and notifies the peer.
func (b *Broker) End(ctx context.Context, fromID string) {
	s := b.teardown(fromID)
	if s == nil {
		return
	}
	b.metrics.CallsTotal.WithLabelValues("ended").Inc()
	b.log.Info("call ended", "by", fromID)
	b.sendTo(s.peerOf(fromID), event.Frame{Type: event.TypeCallEnd, Payload: event.CallEnd{FromID: fromID}})
}

// HangupFor tears down any call userID participates in; called when
// their connection drops. The peer gets callEnd so the client can leave
// the call screen.
func (b *Broker) HangupFor(userID string) {
	s := b.teardown(userID)
	if s == nil {
		return
	}
	b.metrics.CallsTotal.WithLabelValues("ended").Inc()
	b.log.Info("call torn down on disconnect", "user", userID)
	b.sendTo(s.peerOf(userID), event.Frame{Type: event.TypeCallEnd, Payload: event.CallEnd{FromID: userID}})
}

// InCall reports whether userID currently participates in a call.
func (b *Broker) InCall(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[userID]
	return ok
}

// teardown removes userID's session from the table and disarms its
// timer. Returns nil when there was no session.
func (b *Broker) teardown(userID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[userID]
	if !ok {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(b.sessions, s.callerID)
	delete(b.sessions, s.calleeID)
	return s
}
