// Package group fans realtime frames out to group members. Membership
// is persisted in the store; the hub keeps a cache that is primed when
// a member connects and updated when groups are created.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corvuslabs/parley/internal/event"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/store"
)

// Hub resolves group membership and delivers frames to online members.
type Hub struct {
	reg    *registry.Registry
	groups store.GroupStore
	log    *slog.Logger

	mu      sync.RWMutex
	members map[string][]string // group id -> member ids
}

// NewHub creates a hub over reg and the persisted group store.
func NewHub(reg *registry.Registry, groups store.GroupStore, log *slog.Logger) *Hub {
	return &Hub{
		reg:     reg,
		groups:  groups,
		log:     log,
		members: make(map[string][]string),
	}
}

// Attach primes the membership cache with userID's groups and returns
// them. Called when a user connects so group routing needs no store
// lookup on the hot path.
func (h *Hub) Attach(ctx context.Context, userID string) ([]store.Group, error) {
	groups, err := h.groups.GroupsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading groups for %s: %w", userID, err)
	}

	h.mu.Lock()
	for _, g := range groups {
		h.members[g.ID] = g.MemberIDs
	}
	h.mu.Unlock()
	return groups, nil
}

// Create persists a new group, caches its membership, and notifies the
// online members so their clients can show the new conversation.
func (h *Hub) Create(ctx context.Context, name, ownerID string, memberIDs []string) (store.Group, error) {
	g, err := h.groups.CreateGroup(ctx, name, ownerID, memberIDs)
	if err != nil {
		return store.Group{}, fmt.Errorf("creating group: %w", err)
	}

	h.mu.Lock()
	h.members[g.ID] = g.MemberIDs
	h.mu.Unlock()

	info := event.GroupInfo{
		ID:        g.ID,
		Name:      g.Name,
		OwnerID:   g.OwnerID,
		MemberIDs: g.MemberIDs,
		CreatedAt: g.CreatedAt,
	}
	for _, member := range g.MemberIDs {
		if conn, ok := h.reg.Lookup(member); ok {
			conn.Send(event.Frame{Type: event.TypeNewGroupAdded, Payload: info})
		}
	}
	h.log.Info("group created", "group", g.ID, "owner", ownerID, "members", len(g.MemberIDs))
	return g, nil
}

// Members returns the member ids of groupID, consulting the store when
// the cache has no entry (e.g. a group created by another instance).
func (h *Hub) Members(ctx context.Context, groupID string) ([]string, bool, error) {
	h.mu.RLock()
	ids, ok := h.members[groupID]
	h.mu.RUnlock()
	if ok {
		return ids, true, nil
	}

	g, found, err := h.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, false, fmt.Errorf("loading group %s: %w", groupID, err)
	}
	if !found {
		return nil, false, nil
	}

	h.mu.Lock()
	h.members[g.ID] = g.MemberIDs
	h.mu.Unlock()
	return g.MemberIDs, true, nil
}

// IsMember reports whether userID belongs to groupID.
func (h *Hub) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	ids, found, err := h.Members(ctx, groupID)
	if err != nil || !found {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Deliver sends f to every online member of groupID except senderID
// (the sender gets its own echo from the router) and returns how many
// members accepted the frame.
func (h *Hub) Deliver(ctx context.Context, groupID, senderID string, f event.Frame) (int, error) {
	ids, found, err := h.Members(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("group %s does not exist", groupID)
	}

	sent := 0
	for _, id := range ids {
		if id == senderID {
			continue
		}
		conn, ok := h.reg.Lookup(id)
		if !ok {
			continue
		}
		if conn.Send(f) {
			sent++
		}
	}
	return sent, nil
}
