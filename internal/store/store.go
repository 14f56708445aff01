// Package store is the persistence boundary: message history, the user
// directory, and group membership. The realtime core only ever touches
// these interfaces, so tests can swap in the in-memory implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvuslabs/parley/internal/event"
)

// User is one row of the user directory.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Message is a persisted chat message. ID is assigned on insert and is
// strictly increasing across the store.
type Message struct {
	ID          int64      `json:"id"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Body        event.Body `json:"body"`
	TTL         int        `json:"ttl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Group is a persisted delivery group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	MemberIDs []string  `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore persists and queries chat messages.
type MessageStore interface {
	// Insert assigns an id and createdAt and persists the message.
	Insert(ctx context.Context, senderID, recipientID string, body event.Body, ttl int) (Message, error)
	// Conversation returns the two-way history between a and b
	// (or the group history when b is a group id), oldest first.
	Conversation(ctx context.Context, a, b string) ([]Message, error)
	// Get fetches a single message by id.
	Get(ctx context.Context, id int64) (Message, bool, error)
	// Delete removes a message. It reports found=false when the message
	// was already gone; that is not an error.
	Delete(ctx context.Context, id int64) (Message, bool, error)
}

// UserDirectory is the read/write view of known users.
type UserDirectory interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, bool, error)
	// ListUsers returns all known users ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
}

// GroupStore persists group membership.
type GroupStore interface {
	CreateGroup(ctx context.Context, name, ownerID string, memberIDs []string) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, bool, error)
	GroupsForUser(ctx context.Context, userID string) ([]Group, error)
}

// Store is the full persistence surface backing the server.
type Store interface {
	MessageStore
	UserDirectory
	GroupStore
	Ping(ctx context.Context) error
	Close() error
}

const groupIDPrefix = "grp_"

// NewGroupID mints a group identity distinguishable from user ids.
func NewGroupID() string {
	return groupIDPrefix + uuid.NewString()
}

// IsGroupID reports whether id addresses a group rather than a user.
func IsGroupID(id string) bool {
	return strings.HasPrefix(id, groupIDPrefix)
}

// sortUsers orders directory listings by username so presence output
// is stable across refreshes.
func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})
}

// ConversationKey derives the stable conversation bucket for a
// sender/recipient pair. Direct chats use the sorted pair so both
// directions land in the same bucket; group chats use the group id.
func ConversationKey(a, b string) string {
	if IsGroupID(a) {
		return a
	}
	if IsGroupID(b) {
		return b
	}
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
