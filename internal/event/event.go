// Package event defines the wire protocol for the realtime channel:
// the frame envelope, event type names, and the typed payloads exchanged
// between clients and the server.
package event

import (
	"encoding/json"
	"time"
)

// BotUserID is the reserved identity of the built-in assistant. It is
// always reported online and never has a registry entry.
const BotUserID = "0"

// Client → server event types.
const (
	TypeSendMessage   = "sendMessage"
	TypeLoadHistory   = "loadHistory"
	TypeDeleteMessage = "deleteMessage"
	TypeCallOffer     = "callOffer"
	TypeCallAnswer    = "callAnswer"
	TypeICECandidate  = "iceCandidate"
	TypeCallEnd       = "callEnd"
	TypeCallReject    = "callReject"
)

// Server → client event types.
const (
	TypePresenceList   = "presenceList"
	TypeNewMessage     = "newMessage"
	TypeHistoryLoaded  = "historyLoaded"
	TypeMessageDeleted = "messageDeleted"
	TypeSendFailed     = "sendFailed"
	TypeReceiveICE     = "receiveICE"
	TypeCallMissed     = "callMissed"
	TypeUserOffline    = "userOffline"
	TypeNewGroupAdded  = "newGroupAdded"
)

// Frame is an outbound envelope. The payload is marshalled together
// with the frame when the session writer serializes it.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Raw is an inbound envelope. The payload stays raw until the dispatch
// switch knows which type to decode into.
type Raw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BodyKind discriminates the message body variant.
type BodyKind string

const (
	KindText   BodyKind = "text"
	KindImage  BodyKind = "image"
	KindAudio  BodyKind = "audio"
	KindSystem BodyKind = "system"
)

// Body is a tagged message content variant. Text carries the text for
// text/system bodies; URL carries the media location for image/audio.
type Body struct {
	Kind BodyKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	URL  string   `json:"url,omitempty"`
}

// Text builds a plain text body.
func Text(s string) Body { return Body{Kind: KindText, Text: s} }

// System builds a server-generated system body (e.g. missed-call notes).
func System(s string) Body { return Body{Kind: KindSystem, Text: s} }

// Empty reports whether the body carries no content at all.
func (b Body) Empty() bool {
	switch b.Kind {
	case KindText, KindSystem:
		return b.Text == ""
	case KindImage, KindAudio:
		return b.URL == ""
	default:
		return true
	}
}

// SendMessage is the inbound payload of a sendMessage frame.
// TTL is a client-side ephemeral-display hint in seconds; the server
// stores it verbatim and does not enforce expiry.
type SendMessage struct {
	RecipientID string `json:"recipientId"`
	Body        Body   `json:"body"`
	TTL         int    `json:"ttl,omitempty"`
}

// NewMessage is the outbound payload carrying a persisted message.
type NewMessage struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Body        Body      `json:"body"`
	TTL         int       `json:"ttl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LoadHistory requests the conversation with a peer (user, bot or group).
type LoadHistory struct {
	PeerID string `json:"peerId"`
}

// HistoryLoaded returns a full conversation, oldest first.
type HistoryLoaded struct {
	PeerID   string       `json:"peerId"`
	Messages []NewMessage `json:"messages"`
}

// DeleteMessage requests removal of a persisted message.
type DeleteMessage struct {
	MessageID int64 `json:"messageId"`
}

// MessageDeleted notifies participants that a message is gone.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
}

// SendFailed tells the sender that routing could not persist a message.
type SendFailed struct {
	RecipientID string `json:"recipientId"`
	Reason      string `json:"reason"`
}

// PresenceEntry is one row of the full presence list.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Online   bool   `json:"online"`
}

// CallOffer carries SDP both ways: inbound from the caller with the
// callee address, outbound to the callee enriched with caller details.
// The SDP blob is opaque to the server.
type CallOffer struct {
	CalleeID     string          `json:"calleeId,omitempty"`
	CallerID     string          `json:"callerId,omitempty"`
	CallerName   string          `json:"callerName,omitempty"`
	CallerAvatar string          `json:"callerAvatar,omitempty"`
	SDP          json.RawMessage `json:"sdp"`
	Video        bool            `json:"video"`
}

// CallAnswer relays the callee's SDP answer back to the caller.
type CallAnswer struct {
	CalleeID string          `json:"calleeId,omitempty"`
	SDP      json.RawMessage `json:"sdp"`
}

// ICECandidate relays one ICE candidate to the opposite party.
type ICECandidate struct {
	FromID    string          `json:"fromId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// Call reject reasons.
const (
	RejectBusy   = "BUSY"
	RejectReject = "REJECT"
	RejectError  = "ERROR"
)

// CallReject terminates a ringing call; outbound it tells the caller
// why the callee will not pick up.
type CallReject struct {
	FromID string `json:"fromId,omitempty"`
	Reason string `json:"reason"`
}

// CallEnd terminates an established or pending call.
type CallEnd struct {
	FromID string `json:"fromId,omitempty"`
}

// CallMissed tells the caller that the ring deadline elapsed.
type CallMissed struct {
	CalleeID string `json:"calleeId"`
}

// UserOffline tells the caller the callee has no live connection.
type UserOffline struct {
	UserID string `json:"userId"`
}

// GroupInfo describes a delivery group.
type GroupInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	MemberIDs []string  `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}
