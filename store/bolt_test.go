package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "minichat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createUser(t *testing.T, s IStore, username string) *User {
	u := &User{
		Username:     username,
		FullName:     username + " full",
		Email:        username + "@example.com",
		PasswordHash: "x",
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestBoltConversationOrderAndSymmetry(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	a, b, c := "alice", "bob", "carol"
	var sent []string
	for i := 0; i < 20; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		m := &Message{SenderId: from, ReceiverId: to, Text: "hi"}
		require.NoError(t, s.SaveMessage(ctx, m))
		sent = append(sent, m.Id)
	}
	// noise in another conversation.
	require.NoError(t, s.SaveMessage(ctx, &Message{SenderId: a, ReceiverId: c, Text: "x"}))

	ab, err := s.ListConversation(ctx, a, b)
	require.NoError(t, err)
	ba, err := s.ListConversation(ctx, b, a)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	require.Len(t, ab, len(sent))
	for i, m := range ab {
		assert.Equal(t, sent[i], m.Id)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(ab[i-1].CreatedAt))
		}
	}
}

func TestBoltConversationSameCreateTime(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	m1 := &Message{SenderId: "alice", ReceiverId: "bob", Text: "before restart"}
	require.NoError(t, s.SaveMessage(ctx, m1))

	// a fresh clock whose wall time went back to m1.
	at := m1.CreatedAt
	s.clock = &Clock{now: func() time.Time { return at }}
	m2 := &Message{SenderId: "bob", ReceiverId: "alice", Text: "after restart"}
	require.NoError(t, s.SaveMessage(ctx, m2))
	require.True(t, m2.CreatedAt.Equal(m1.CreatedAt))

	msgs, err := s.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []string{m1.Id, m2.Id}, []string{msgs[0].Id, msgs[1].Id})
}

func TestBoltSendRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	require.NoError(t, s.SaveMessage(ctx, &Message{SenderId: "a", ReceiverId: "b", Text: "hi"}))

	list, err := s.ListConversation(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Text)
	assert.Equal(t, "a", list[0].SenderId)
	assert.Equal(t, "b", list[0].ReceiverId)
	assert.False(t, list[0].Seen)
	assert.NotEmpty(t, list[0].Id)

	empty, err := s.ListConversation(ctx, "a", "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBoltMarkSeenIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	m := &Message{SenderId: "a", ReceiverId: "b", Text: "hi"}
	require.NoError(t, s.SaveMessage(ctx, m))

	changed, err := s.MarkSeen(ctx, m.Id)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkSeen(ctx, m.Id)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetMessage(ctx, m.Id)
	require.NoError(t, err)
	assert.True(t, got.Seen)

	_, err = s.MarkSeen(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltCountUnseen(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	const unseen, seen = 4, 3
	for i := 0; i < unseen+seen; i++ {
		m := &Message{SenderId: "c", ReceiverId: "v", Text: "x"}
		require.NoError(t, s.SaveMessage(ctx, m))
		if i < seen {
			_, err := s.MarkSeen(ctx, m.Id)
			require.NoError(t, err)
		}
	}
	// messages from viewer to contact are never counted.
	require.NoError(t, s.SaveMessage(ctx, &Message{SenderId: "v", ReceiverId: "c", Text: "y"}))

	counts, err := s.CountUnseen(ctx, "v", []string{"c", "d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int32{"c": unseen, "d": 0}, counts)
}

func TestBoltUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "Bob")
	createUser(t, s, "bobby")
	createUser(t, s, "carol")

	err := s.CreateUser(ctx, &User{Username: "ALICE", Email: "other@example.com"})
	assert.ErrorIs(t, err, ErrDupUsername)
	err = s.CreateUser(ctx, &User{Username: "alice2", Email: "Alice@example.com"})
	assert.ErrorIs(t, err, ErrDupEmail)

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, got.Id)

	found, err := s.SearchUsers(ctx, "bo", []string{alice.Id}, 0)
	require.NoError(t, err)
	var names []string
	for _, u := range found {
		names = append(names, u.Username)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Bob", "bobby"}, names)

	found, err = s.SearchUsers(ctx, "BO", []string{bob.Id}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "bobby", found[0].Username)

	require.NoError(t, s.AddContact(ctx, alice.Id, bob.Id))
	assert.ErrorIs(t, s.AddContact(ctx, alice.Id, bob.Id), ErrDupContact)

	got, err = s.GetUser(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Id}, got.Contacts)

	users, err := s.GetUsers(ctx, []string{bob.Id, "missing", alice.Id})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, bob.Id, users[0].Id)
	assert.Equal(t, alice.Id, users[1].Id)

	updated, err := s.UpdateProfile(ctx, alice.Id, "Alice A.", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", updated.FullName)
	assert.Equal(t, "", updated.ProfilePic)
	updated, err = s.UpdateProfile(ctx, alice.Id, "Alice A.", "hello", "https://img/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://img/a.png", updated.ProfilePic)

	_, err = s.UpdateProfile(ctx, "missing", "x", "y", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltConcurrentSend(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)

	const N = 30
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "a", "b"
			if i%2 == 0 {
				from, to = to, from
			}
			assert.NoError(t, s.SaveMessage(ctx, &Message{SenderId: from, ReceiverId: to, Text: "x"}))
		}(i)
	}
	wg.Wait()

	list, err := s.ListConversation(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, list, N)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
	}
}

func TestBoltUserKeepsPasswordHash(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)
	u := createUser(t, s, "alice")

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.Id, got.Id)
	assert.Equal(t, "x", got.PasswordHash)

	_, err = s.UpdateProfile(ctx, u.Id, "Alice", "bio", "")
	require.NoError(t, err)
	require.NoError(t, s.AddContact(ctx, u.Id, "bob"))

	got, err = s.GetUser(ctx, u.Id)
	require.NoError(t, err)
	assert.Equal(t, "x", got.PasswordHash)
	assert.Equal(t, []string{"bob"}, got.Contacts)
}
