// Package router implements message routing: validate, persist, echo to
// the sender, then deliver to a user, a group, or the AI assistant.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvuslabs/parley/internal/bot"
	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/group"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/store"
)

// botHistoryWindow caps how many prior messages are replayed to the
// assistant backend as context.
const botHistoryWindow = 20

// Router validates, persists and delivers chat messages.
type Router struct {
	store   store.Store
	reg     *registry.Registry
	hub     *group.Hub
	bot     bot.Completer
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a router.
func New(s store.Store, reg *registry.Registry, hub *group.Hub, completer bot.Completer, m *metrics.Metrics, log *slog.Logger) *Router {
	return &Router{store: s, reg: reg, hub: hub, bot: completer, metrics: m, log: log}
}

func newMessagePayload(m store.Message) event.NewMessage {
	return event.NewMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Body:        m.Body,
		TTL:         m.TTL,
		CreatedAt:   m.CreatedAt,
	}
}

// sendTo delivers f to userID if they are online. A full send buffer
// counts as a drop; presence and history repair the gap.
func (r *Router) sendTo(userID string, f event.Frame) bool {
	conn, ok := r.reg.Lookup(userID)
	if !ok {
		return false
	}
	if !conn.Send(f) {
		r.metrics.DroppedEvents.WithLabelValues("slow_client").Inc()
		return false
	}
	return true
}

func (r *Router) sendFailed(senderID, recipientID, reason string) {
	r.sendTo(senderID, event.Frame{
		Type:    event.TypeSendFailed,
		Payload: event.SendFailed{RecipientID: recipientID, Reason: reason},
	})
}

// Route handles one inbound sendMessage from senderID.
func (r *Router) Route(ctx context.Context, senderID string, msg event.SendMessage) {
	if msg.RecipientID == "" || msg.Body.Empty() {
		r.metrics.DroppedEvents.WithLabelValues("invalid").Inc()
		r.log.Debug("dropping invalid message", "sender", senderID, "recipient", msg.RecipientID)
		return
	}

	if store.IsGroupID(msg.RecipientID) {
		member, err := r.hub.IsMember(ctx, msg.RecipientID, senderID)
		if err != nil {
			r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
			r.sendFailed(senderID, msg.RecipientID, "group lookup failed")
			return
		}
		if !member {
			r.metrics.DroppedEvents.WithLabelValues("not_member").Inc()
			r.sendFailed(senderID, msg.RecipientID, "not a member of this group")
			return
		}
	}

	stored, err := r.store.Insert(ctx, senderID, msg.RecipientID, msg.Body, msg.TTL)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		r.metrics.MessagesRouted.WithLabelValues("failed").Inc()
		r.log.Error("persisting message failed", "sender", senderID, "error", err)
		r.sendFailed(senderID, msg.RecipientID, "message could not be saved")
		return
	}

	frame := event.Frame{Type: event.TypeNewMessage, Payload: newMessagePayload(stored)}

	// The sender's own echo carries the assigned id and timestamp.
	r.sendTo(senderID, frame)

	switch {
	case msg.RecipientID == event.BotUserID:
		r.metrics.MessagesRouted.WithLabelValues("bot").Inc()
		go r.replyAsBot(senderID, stored)
	case store.IsGroupID(msg.RecipientID):
		sent, err := r.hub.Deliver(ctx, msg.RecipientID, senderID, frame)
		if err != nil {
			r.metrics.ErrorsTotal.WithLabelValues("group_delivery").Inc()
			r.log.Error("group delivery failed", "group", msg.RecipientID, "error", err)
			return
		}
		r.metrics.MessagesRouted.WithLabelValues("group").Inc()
		r.log.Debug("group message delivered", "group", msg.RecipientID, "reached", sent)
	default:
		if r.sendTo(msg.RecipientID, frame) {
			r.metrics.MessagesRouted.WithLabelValues("delivered").Inc()
		} else {
			// Persisted but not live-delivered; the recipient sees it
			// in history on their next connect.
			r.metrics.MessagesRouted.WithLabelValues("offline").Inc()
		}
	}
}

// replyAsBot runs the assistant branch off the session goroutine. The
// sender may disconnect while the backend thinks; delivery rechecks
// liveness and a reply to a gone user is simply persisted for later.
func (r *Router) replyAsBot(senderID string, prompt store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	history, err := r.store.Conversation(ctx, senderID, event.BotUserID)
	if err != nil {
		r.log.Error("loading assistant context failed", "sender", senderID, "error", err)
		history = nil
	}
	turns := make([]bot.Turn, 0, botHistoryWindow)
	start := 0
	if len(history) > botHistoryWindow {
		start = len(history) - botHistoryWindow
	}
	for _, m := range history[start:] {
		role := "user"
		if m.SenderID == event.BotUserID {
			role = "assistant"
		}
		// The prompt itself is already persisted; skip it to avoid
		// sending it twice.
		if m.ID == prompt.ID {
			continue
		}
		turns = append(turns, bot.Turn{Role: role, Content: m.Body.Text})
	}

	reply, err := r.bot.Complete(ctx, prompt.Body.Text, turns)
	if err != nil {
		r.metrics.BotReplies.WithLabelValues("fallback").Inc()
		r.log.Warn("assistant backend failed", "sender", senderID, "error", err)
		// The canned apology is ephemeral: not persisted, delivered
		// only if the user is still connected.
		r.sendTo(senderID, event.Frame{Type: event.TypeNewMessage, Payload: event.NewMessage{
			SenderID:    event.BotUserID,
			RecipientID: senderID,
			Body:        event.Text(bot.FallbackReply),
			CreatedAt:   time.Now().UTC(),
		}})
		return
	}

	stored, err := r.store.Insert(ctx, event.BotUserID, senderID, event.Text(reply), 0)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		r.log.Error("persisting assistant reply failed", "sender", senderID, "error", err)
		return
	}
	r.metrics.BotReplies.WithLabelValues("ok").Inc()
	r.sendTo(senderID, event.Frame{Type: event.TypeNewMessage, Payload: newMessagePayload(stored)})
}

// History loads the conversation between userID and req.PeerID and
// sends it back to the requester.
func (r *Router) History(ctx context.Context, userID string, req event.LoadHistory) {
	if req.PeerID == "" {
		r.metrics.DroppedEvents.WithLabelValues("invalid").Inc()
		return
	}

	msgs, err := r.store.Conversation(ctx, userID, req.PeerID)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		r.log.Error("loading history failed", "user", userID, "peer", req.PeerID, "error", err)
		r.sendFailed(userID, req.PeerID, "history could not be loaded")
		return
	}

	payload := event.HistoryLoaded{
		PeerID:   req.PeerID,
		Messages: make([]event.NewMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, newMessagePayload(m))
	}
	r.sendTo(userID, event.Frame{Type: event.TypeHistoryLoaded, Payload: payload})
}

// Delete removes a message on behalf of its sender and notifies the
// other side. Deleting an already-gone message just re-acknowledges to
// the requester.
func (r *Router) Delete(ctx context.Context, userID string, req event.DeleteMessage) {
	ack := event.Frame{Type: event.TypeMessageDeleted, Payload: event.MessageDeleted{MessageID: req.MessageID}}

	msg, found, err := r.store.Get(ctx, req.MessageID)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		r.log.Error("loading message for delete failed", "id", req.MessageID, "error", err)
		return
	}
	if !found {
		r.sendTo(userID, ack)
		return
	}
	if msg.SenderID != userID {
		r.metrics.DroppedEvents.WithLabelValues("forbidden").Inc()
		r.log.Warn("delete refused", "user", userID, "id", req.MessageID, "sender", msg.SenderID)
		return
	}

	if _, _, err := r.store.Delete(ctx, req.MessageID); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("store_failure").Inc()
		r.log.Error("deleting message failed", "id", req.MessageID, "error", err)
		return
	}

	r.sendTo(userID, ack)
	if store.IsGroupID(msg.RecipientID) {
		if _, err := r.hub.Deliver(ctx, msg.RecipientID, userID, ack); err != nil {
			r.log.Error("group delete notice failed", "group", msg.RecipientID, "error", err)
		}
		return
	}
	if msg.RecipientID != userID && msg.RecipientID != event.BotUserID {
		r.sendTo(msg.RecipientID, ack)
	}
}
