package store

import (
	"context"
	"sync"
	"time"

	"github.com/corvuslabs/parley/internal/event"
)

// Memory is an in-process Store used by unit tests and by ephemeral
// deployments that do not need durable history.
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	messages []Message
	users    map[string]User
	groups   map[string]Group

	// FailInserts makes Insert return an error; used to exercise the
	// router's persistence-failure path.
	FailInserts bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]User),
		groups: make(map[string]Group),
	}
}

func (m *Memory) Insert(ctx context.Context, senderID, recipientID string, body event.Body, ttl int) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInserts {
		return Message{}, context.DeadlineExceeded
	}

	m.nextID++
	msg := Message{
		ID:          m.nextID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		TTL:         ttl,
		CreatedAt:   time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) Conversation(ctx context.Context, a, b string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := ConversationKey(a, b)
	var out []Message
	for _, msg := range m.messages {
		if ConversationKey(msg.SenderID, msg.RecipientID) == key {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, true, nil
		}
	}
	return Message{}, false, nil
}

func (m *Memory) Delete(ctx context.Context, id int64) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return msg, true, nil
		}
	}
	return Message{}, false, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sortUsers(users)
	return users, nil
}

func (m *Memory) CreateGroup(ctx context.Context, name, ownerID string, memberIDs []string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := Group{
		ID:        NewGroupID(),
		Name:      name,
		OwnerID:   ownerID,
		MemberIDs: memberIDs,
		CreatedAt: time.Now().UTC(),
	}
	m.groups[g.ID] = g
	return g, nil
}

func (m *Memory) GetGroup(ctx context.Context, id string) (Group, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok, nil
}

func (m *Memory) GroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Group
	for _, g := range m.groups {
		for _, member := range g.MemberIDs {
			if member == userID {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
