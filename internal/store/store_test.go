package store

import (
	"context"
	"testing"

	"github.com/corvuslabs/parley/internal/event"
)

func TestConversationKey(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"u1", "u2", "u1|u2"},
		{"u2", "u1", "u1|u2"},
		{"u1", "u1", "u1|u1"},
		{"u1", "grp_abc", "grp_abc"},
		{"grp_abc", "u1", "grp_abc"},
	}
	for _, tt := range tests {
		if got := ConversationKey(tt.a, tt.b); got != tt.want {
			t.Errorf("ConversationKey(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestGroupIDs(t *testing.T) {
	id := NewGroupID()
	if !IsGroupID(id) {
		t.Errorf("NewGroupID() = %q, not recognized as a group id", id)
	}
	if IsGroupID("u1") {
		t.Error("plain user id recognized as a group id")
	}
}

func TestMemoryMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, err := s.Insert(ctx, "u1", "u2", event.Text("hello"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second, err := s.Insert(ctx, "u2", "u1", event.Text("hi back"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, "u1", "u3", event.Text("unrelated"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if first.ID >= second.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}
	if first.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}

	// Both directions land in the same conversation, oldest first.
	msgs, err := s.Conversation(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Conversation returned %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Errorf("conversation order = [%d %d], want [%d %d]",
			msgs[0].ID, msgs[1].ID, first.ID, second.ID)
	}

	got, found, err := s.Get(ctx, first.ID)
	if err != nil || !found {
		t.Fatalf("Get(%d) = found=%v err=%v", first.ID, found, err)
	}
	if got.Body.Text != "hello" {
		t.Errorf("Get body = %q, want hello", got.Body.Text)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	msg, err := s.Insert(ctx, "u1", "u2", event.Text("going away"), 0)
	if err != nil {
		t.Fatal(err)
	}

	deleted, found, err := s.Delete(ctx, msg.ID)
	if err != nil || !found {
		t.Fatalf("Delete = found=%v err=%v", found, err)
	}
	if deleted.SenderID != "u1" {
		t.Errorf("deleted sender = %q, want u1", deleted.SenderID)
	}

	// A second delete of the same id is not an error.
	_, found, err = s.Delete(ctx, msg.ID)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if found {
		t.Error("second Delete reported found=true")
	}
}

func TestMemoryUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, u := range []User{
		{ID: "u2", Username: "zoe"},
		{ID: "u1", Username: "ada", Nickname: "Ada"},
	} {
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	// Upsert replaces in place.
	if err := s.UpsertUser(ctx, User{ID: "u1", Username: "ada", Nickname: "Countess"}); err != nil {
		t.Fatal(err)
	}

	u, found, err := s.GetUser(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("GetUser = found=%v err=%v", found, err)
	}
	if u.Nickname != "Countess" {
		t.Errorf("Nickname = %q, want Countess", u.Nickname)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Username != "ada" || users[1].Username != "zoe" {
		t.Errorf("ListUsers order wrong: %+v", users)
	}
}

func TestMemoryGroups(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	g, err := s.CreateGroup(ctx, "climbing", "u1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if !IsGroupID(g.ID) {
		t.Errorf("group id %q lacks the group prefix", g.ID)
	}

	got, found, err := s.GetGroup(ctx, g.ID)
	if err != nil || !found {
		t.Fatalf("GetGroup = found=%v err=%v", found, err)
	}
	if got.Name != "climbing" || got.OwnerID != "u1" {
		t.Errorf("GetGroup = %+v", got)
	}

	groups, err := s.GroupsForUser(ctx, "u2")
	if err != nil {
		t.Fatalf("GroupsForUser: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != g.ID {
		t.Errorf("GroupsForUser = %+v", groups)
	}

	none, err := s.GroupsForUser(ctx, "u9")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("non-member has %d groups", len(none))
	}
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBadger(t.TempDir(), 50)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer b.Close()

	first, err := b.Insert(ctx, "u1", "u2", event.Text("durable hello"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first.ID < 1 {
		t.Errorf("id = %d, want >= 1", first.ID)
	}
	second, err := b.Insert(ctx, "u2", "u1", event.Text("durable reply"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}

	msgs, err := b.Conversation(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Fatalf("Conversation = %+v", msgs)
	}

	if err := b.UpsertUser(ctx, User{ID: "u1", Username: "ada"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	users, err := b.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].Username != "ada" {
		t.Fatalf("ListUsers = %+v err=%v", users, err)
	}

	g, err := b.CreateGroup(ctx, "climbing", "u1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	groups, err := b.GroupsForUser(ctx, "u2")
	if err != nil || len(groups) != 1 || groups[0].ID != g.ID {
		t.Fatalf("GroupsForUser = %+v err=%v", groups, err)
	}

	_, found, err := b.Delete(ctx, first.ID)
	if err != nil || !found {
		t.Fatalf("Delete = found=%v err=%v", found, err)
	}
	_, found, err = b.Delete(ctx, first.ID)
	if err != nil || found {
		t.Fatalf("second Delete = found=%v err=%v", found, err)
	}

	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestBadgerHistoryLimit(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBadger(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	var last Message
	for i := 0; i < 5; i++ {
		last, err = b.Insert(ctx, "u1", "u2", event.Text("m"), 0)
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := b.Conversation(ctx, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("limit not applied: got %d messages", len(msgs))
	}
	// The limit keeps the newest messages.
	if msgs[len(msgs)-1].ID != last.ID {
		t.Errorf("newest message missing: tail id = %d, want %d", msgs[len(msgs)-1].ID, last.ID)
	}
}
