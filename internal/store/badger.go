package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/corvuslabs/parley/internal/event"
)

// Key layout:
//
//	msg:{conversation}:{unixnano %019d}:{uuid}  -> Message JSON
//	msgid:{id %019d}                            -> message key (index)
//	user:{id}                                   -> User JSON
//	grp:{id}                                    -> Group JSON
//	grpmember:{userID}:{groupID}                -> groupID
//
// The zero-padded nanosecond timestamp makes a forward prefix scan over
// a conversation come back in chronological order; the uuid suffix
// disambiguates two messages inserted in the same nanosecond.
type Badger struct {
	db           *badger.DB
	seq          *badger.Sequence
	historyLimit int
}

// OpenBadger opens (or creates) the message store in dir.
func OpenBadger(dir string, historyLimit int) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte("seq:msg"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening message id sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, historyLimit: historyLimit}, nil
}

func msgKey(conv string, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", conv, at.UnixNano(), id))
}

func msgIndexKey(id int64) []byte {
	return []byte(fmt.Sprintf("msgid:%019d", id))
}

func userKey(id string) []byte { return []byte("user:" + id) }

func groupKey(id string) []byte { return []byte("grp:" + id) }

func memberKey(userID, groupID string) []byte {
	return []byte("grpmember:" + userID + ":" + groupID)
}

func (b *Badger) Insert(ctx context.Context, senderID, recipientID string, body event.Body, ttl int) (Message, error) {
	next, err := b.seq.Next()
	if err != nil {
		return Message{}, fmt.Errorf("allocating message id: %w", err)
	}

	msg := Message{
		ID:          int64(next) + 1, // sequence starts at 0; ids start at 1
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		TTL:         ttl,
		CreatedAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encoding message: %w", err)
	}

	key := msgKey(ConversationKey(senderID, recipientID), msg.CreatedAt, uuid.New())
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(msgIndexKey(msg.ID), key)
	})
	if err != nil {
		return Message{}, fmt.Errorf("persisting message: %w", err)
	}
	return msg, nil
}

func (b *Badger) Conversation(ctx context.Context, a, bID string) ([]Message, error) {
	prefix := []byte("msg:" + ConversationKey(a, bID) + ":")

	// Walk backwards so the history limit keeps the most recent
	// messages, then reverse into chronological order.
	var raw [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if b.historyLimit > 0 && len(raw) >= b.historyLimit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal(raw[i], &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (b *Badger) Get(ctx context.Context, id int64) (Message, bool, error) {
	var msg Message
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := rec.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("loading message %d: %w", id, err)
	}
	return msg, found, nil
}

func (b *Badger) Delete(ctx context.Context, id int64) (Message, bool, error) {
	msg, found, err := b.Get(ctx, id)
	if err != nil || !found {
		return Message{}, false, err
	}

	// The record key's uuid suffix is unknown here; resolve it via the index.
	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(msgIndexKey(id))
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("deleting message %d: %w", id, err)
	}
	return msg, true, nil
}

func (b *Badger) UpsertUser(ctx context.Context, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(u.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persisting user %s: %w", u.ID, err)
	}
	return nil
}

func (b *Badger) GetUser(ctx context.Context, id string) (User, bool, error) {
	var u User
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &u); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return User{}, false, fmt.Errorf("loading user %s: %w", id, err)
	}
	return u, found, nil
}

func (b *Badger) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	prefix := []byte("user:")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var u User
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning users: %w", err)
	}
	sortUsers(users)
	return users, nil
}

func (b *Badger) CreateGroup(ctx context.Context, name, ownerID string, memberIDs []string) (Group, error) {
	g := Group{
		ID:        NewGroupID(),
		Name:      name,
		OwnerID:   ownerID,
		MemberIDs: memberIDs,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(g)
	if err != nil {
		return Group{}, fmt.Errorf("encoding group: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(groupKey(g.ID), data); err != nil {
			return err
		}
		for _, m := range memberIDs {
			if err := txn.Set(memberKey(m, g.ID), []byte(g.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Group{}, fmt.Errorf("persisting group: %w", err)
	}
	return g, nil
}

func (b *Badger) GetGroup(ctx context.Context, id string) (Group, bool, error) {
	var g Group
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &g); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Group{}, false, fmt.Errorf("loading group %s: %w", id, err)
	}
	return g, found, nil
}

func (b *Badger) GroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	var ids []string
	prefix := []byte("grpmember:" + userID + ":")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(val))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning memberships: %w", err)
	}

	groups := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, found, err := b.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func (b *Badger) Ping(ctx context.Context) error {
	return b.db.View(func(txn *badger.Txn) error { return nil })
}

func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}
