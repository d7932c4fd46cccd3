package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	messagesBucket      = []byte("messages")      // id -> json message
	conversationsBucket = []byte("conversations") // conversation key -> {create time + id -> id}
	usersBucket         = []byte("users")         // id -> json user
	usernamesBucket     = []byte("usernames")     // normalized username -> id
	emailsBucket        = []byte("emails")        // normalized email -> id
)

// BoltStore implements `IStore` on an embedded bbolt file.
type BoltStore struct {
	db    *bbolt.DB
	clock *Clock
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, conversationsBucket, usersBucket,
			usernamesBucket, emailsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt init buckets: %w", err)
	}

	glog.Infof("bolt store opened: %s", path)
	return &BoltStore{db: db, clock: NewClock()}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// indexKey orders a conversation by create time. The id keeps keys unique when the clock
// stepped back across a restart.
func indexKey(t time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(t.UnixMicro()))
	return append(k, id...)
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// userRecord is the stored form of User, the password hash included.
type userRecord struct {
	*User
	PasswordHash string `json:"passwordHash"`
}

func getUser(b *bbolt.Bucket, id []byte, u *User) error {
	rec := userRecord{User: u}
	if err := getJSON(b, id, &rec); err != nil {
		return err
	}
	u.PasswordHash = rec.PasswordHash
	return nil
}

func putUser(b *bbolt.Bucket, u *User) error {
	return putJSON(b, []byte(u.Id), &userRecord{User: u, PasswordHash: u.PasswordHash})
}

func (s *BoltStore) SaveMessage(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.Id = NewId()
	m.CreatedAt = s.clock.Now()
	m.Seen = false

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(messagesBucket), []byte(m.Id), m); err != nil {
			return err
		}
		conv, err := tx.Bucket(conversationsBucket).CreateBucketIfNotExists(
			[]byte(ConversationKey(m.SenderId, m.ReceiverId)))
		if err != nil {
			return err
		}
		return conv.Put(indexKey(m.CreatedAt, m.Id), []byte(m.Id))
	})
}

func (s *BoltStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m Message
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(messagesBucket), []byte(id), &m)
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

// walkConversation calls fn with every message between a and b, order by create time ASC.
func walkConversation(tx *bbolt.Tx, a, b string, fn func(m *Message) error) error {
	conv := tx.Bucket(conversationsBucket).Bucket([]byte(ConversationKey(a, b)))
	if conv == nil {
		return nil
	}
	messages := tx.Bucket(messagesBucket)
	return conv.ForEach(func(_, id []byte) error {
		var m Message
		if err := getJSON(messages, id, &m); err != nil {
			return fmt.Errorf("conversation index points to message %s: %w", id, err)
		}
		return fn(&m)
	})
}

func (s *BoltStore) ListConversation(ctx context.Context, a, b string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []*Message{}
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return walkConversation(tx, a, b, func(m *Message) error {
			out = append(out, m)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var changed bool
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		var m Message
		if err := getJSON(b, []byte(id), &m); err != nil {
			return err
		}
		if m.Seen {
			return nil
		}
		m.Seen = true
		changed = true
		return putJSON(b, []byte(id), &m)
	}); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *BoltStore) CountUnseen(ctx context.Context, viewer string, senders []string) (map[string]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]int32, len(senders))
	if err := s.db.View(func(tx *bbolt.Tx) error {
		for _, sender := range senders {
			var n int32
			if err := walkConversation(tx, viewer, sender, func(m *Message) error {
				if m.SenderId == sender && m.ReceiverId == viewer && !m.Seen {
					n++
				}
				return nil
			}); err != nil {
				return err
			}
			out[sender] = n
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) CreateUser(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	username := []byte(NormalizeUsername(u.Username))
	email := []byte(normalizeEmail(u.Email))

	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(usernamesBucket)
		if names.Get(username) != nil {
			return ErrDupUsername
		}
		emails := tx.Bucket(emailsBucket)
		if emails.Get(email) != nil {
			return ErrDupEmail
		}

		u.Id = NewId()
		u.CreatedAt = s.clock.Now()
		if u.Contacts == nil {
			u.Contacts = []string{}
		}

		if err := putUser(tx.Bucket(usersBucket), u); err != nil {
			return err
		}
		if err := names.Put(username, []byte(u.Id)); err != nil {
			return err
		}
		return emails.Put(email, []byte(u.Id))
	})
}

func (s *BoltStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u User
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return getUser(tx.Bucket(usersBucket), []byte(id), &u)
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u User
	if err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(emailsBucket).Get([]byte(normalizeEmail(email)))
		if id == nil {
			return ErrNotFound
		}
		return getUser(tx.Bucket(usersBucket), id, &u)
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUsers(ctx context.Context, ids []string) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(ids))
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		for _, id := range ids {
			var u User
			if err := getUser(b, []byte(id), &u); err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			out = append(out, &u)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) UpdateProfile(ctx context.Context, id, fullName, bio, profilePic string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u User
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if err := getUser(b, []byte(id), &u); err != nil {
			return err
		}
		u.FullName = fullName
		u.Bio = bio
		if profilePic != "" {
			u.ProfilePic = profilePic
		}
		return putUser(b, &u)
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) AddContact(ctx context.Context, owner, contact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		var u User
		if err := getUser(b, []byte(owner), &u); err != nil {
			return err
		}
		if u.HasContact(contact) {
			return ErrDupContact
		}
		u.Contacts = append(u.Contacts, contact)
		return putUser(b, &u)
	})
}

func (s *BoltStore) SearchUsers(ctx context.Context, prefix string, exclude []string, limit int) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := []byte(NormalizeUsername(prefix))
	out := []*User{}
	if err := s.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		c := tx.Bucket(usernamesBucket).Cursor()
		for k, id := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, id = c.Next() {
			if containsString(exclude, string(id)) {
				continue
			}
			var u User
			if err := getUser(users, id, &u); err != nil {
				return fmt.Errorf("username index points to user %s: %w", id, err)
			}
			out = append(out, &u)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}
