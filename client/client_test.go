package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(id, from, to string, sec int) *store.Message {
	return &store.Message{Id: id, SenderId: from, ReceiverId: to, Text: id, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}
}

type fakeAPI struct {
	sync.Mutex
	sidebar      *chat.Sidebar
	sidebarCalls int
	history      map[string][]*store.Message
	// Conversation blocks until gate is closed, if set.
	gate    chan struct{}
	marked  []string
	sendErr error
	sent    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sidebar: &chat.Sidebar{Unseen: map[string]int32{}},
		history: map[string][]*store.Message{},
	}
}

func (a *fakeAPI) Sidebar(context.Context) (*chat.Sidebar, error) {
	a.Lock()
	defer a.Unlock()
	a.sidebarCalls++
	sb := &chat.Sidebar{Users: a.sidebar.Users, Unseen: map[string]int32{}}
	for k, v := range a.sidebar.Unseen {
		sb.Unseen[k] = v
	}
	return sb, nil
}

func (a *fakeAPI) Conversation(ctx context.Context, uid string) ([]*store.Message, error) {
	a.Lock()
	gate := a.gate
	a.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.Lock()
	defer a.Unlock()
	var out []*store.Message
	for _, m := range a.history[uid] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (a *fakeAPI) Send(_ context.Context, to string, in *chat.SendInput) (*store.Message, error) {
	a.Lock()
	defer a.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.sent++
	m := msg(fmt.Sprintf("sent%d", a.sent), "me", to, 1000+a.sent)
	m.Text = in.Text
	return m, nil
}

func (a *fakeAPI) MarkSeen(_ context.Context, id string) error {
	a.Lock()
	defer a.Unlock()
	a.marked = append(a.marked, id)
	return nil
}

func (a *fakeAPI) markedIds() []string {
	a.Lock()
	defer a.Unlock()
	return append([]string(nil), a.marked...)
}

type testClient struct {
	*Client
	mu   sync.Mutex
	errs []error
}

func (c *testClient) notified() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func startClient(t *testing.T, api API) *testClient {
	tc := &testClient{}
	tc.Client = New(api, func(err error) {
		tc.mu.Lock()
		tc.errs = append(tc.errs, err)
		tc.mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go tc.Run(ctx)
	t.Cleanup(cancel)
	return tc
}

func waitView(t *testing.T, c *testClient, cond func(v *View) bool) *View {
	t.Helper()
	var last *View
	require.Eventually(t, func() bool {
		v, err := c.View()
		require.NoError(t, err)
		last = v
		return cond(v)
	}, 3*time.Second, 5*time.Millisecond, "last view: %+v", last)
	return last
}

func loaded(uid string) func(v *View) bool {
	return func(v *View) bool { return v.Selected == uid && !v.Loading }
}

func ids(msgs []*store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Id)
	}
	return out
}

func TestPushToOpenConversationIsAcked(t *testing.T) {
	api := newFakeAPI()
	api.history["alice"] = []*store.Message{msg("m0", "alice", "me", 0)}
	c := startClient(t, api)

	c.Select("alice")
	v := waitView(t, c, loaded("alice"))
	require.Equal(t, []string{"m0"}, ids(v.Messages))
	assert.False(t, v.Messages[0].Seen)

	c.OnNewMessage(msg("m1", "alice", "me", 1))
	v = waitView(t, c, func(v *View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, []string{"m0", "m1"}, ids(v.Messages))
	assert.True(t, v.Messages[1].Seen)
	assert.False(t, v.Messages[0].Seen, "opening does not flip seen on history")
	assert.Equal(t, int32(0), v.Unseen["alice"])

	require.Eventually(t, func() bool { return len(api.markedIds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1"}, api.markedIds())
}

func TestPushToClosedConversationCounts(t *testing.T) {
	api := newFakeAPI()
	api.history["alice"] = []*store.Message{msg("m1", "alice", "me", 1), msg("m2", "alice", "me", 2)}
	c := startClient(t, api)

	c.OnNewMessage(msg("m1", "alice", "me", 1))
	c.OnNewMessage(msg("m1", "alice", "me", 1))
	c.OnNewMessage(msg("m2", "alice", "me", 2))
	c.OnNewMessage(msg("x1", "carol", "me", 3))

	v, err := c.View()
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.Unseen["alice"])
	assert.Equal(t, int32(1), v.Unseen["carol"])
	assert.Empty(t, v.Messages)

	// another conversation open: alice's messages still count.
	c.Select("carol")
	c.OnNewMessage(msg("m3", "alice", "me", 4))
	v = waitView(t, c, loaded("carol"))
	assert.Equal(t, int32(3), v.Unseen["alice"])
	assert.Equal(t, int32(0), v.Unseen["carol"])

	c.Select("alice")
	v = waitView(t, c, loaded("alice"))
	assert.Equal(t, int32(0), v.Unseen["alice"])
	for _, m := range v.Messages {
		assert.False(t, m.Seen)
	}
	assert.Empty(t, api.markedIds())
}

func TestPushWhileLoadingIsMerged(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.history["alice"] = []*store.Message{msg("m1", "alice", "me", 1), msg("m2", "alice", "me", 2)}
	c := startClient(t, api)

	c.Select("alice")
	c.OnNewMessage(msg("m3", "alice", "me", 3))
	// stored before the fetch, pushed after it started.
	c.OnNewMessage(msg("m2", "alice", "me", 2))

	v, err := c.View()
	require.NoError(t, err)
	assert.True(t, v.Loading)
	assert.Empty(t, v.Messages)
	assert.Equal(t, int32(0), v.Unseen["alice"])

	close(api.gate)
	v = waitView(t, c, loaded("alice"))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(v.Messages))
	assert.False(t, v.Messages[0].Seen)
	assert.True(t, v.Messages[1].Seen)
	assert.True(t, v.Messages[2].Seen)

	require.Eventually(t, func() bool { return len(api.markedIds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"m2", "m3"}, api.markedIds())
}

func TestDuplicateOfFetchedMessage(t *testing.T) {
	api := newFakeAPI()
	api.history["alice"] = []*store.Message{msg("m1", "alice", "me", 1)}
	c := startClient(t, api)

	c.Select("alice")
	waitView(t, c, loaded("alice"))

	// the fetch already returned m1, its push arrives later.
	c.OnNewMessage(msg("m1", "alice", "me", 1))
	c.OnNewMessage(msg("m1", "alice", "me", 1))
	v := waitView(t, c, func(v *View) bool { return len(v.Messages) == 1 && v.Messages[0].Seen })
	assert.Equal(t, []string{"m1"}, ids(v.Messages))

	require.Eventually(t, func() bool { return len(api.markedIds()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"m1"}, api.markedIds())
}

func TestStaleHistoryIsDropped(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.history["alice"] = []*store.Message{msg("a1", "alice", "me", 1)}
	api.history["carol"] = []*store.Message{msg("c1", "carol", "me", 2)}
	c := startClient(t, api)

	c.Select("alice")
	c.Select("carol")
	close(api.gate)

	v := waitView(t, c, loaded("carol"))
	// give alice's late result the chance to be processed.
	time.Sleep(20 * time.Millisecond)
	v, err := c.View()
	require.NoError(t, err)
	assert.Equal(t, "carol", v.Selected)
	assert.Equal(t, []string{"c1"}, ids(v.Messages))

	c.Deselect()
	v, err = c.View()
	require.NoError(t, err)
	assert.Empty(t, v.Selected)
	assert.Empty(t, v.Messages)
}

func TestRefreshKeepsLocalCounts(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &chat.Sidebar{
		Users:  []*chat.Contact{{Id: "alice"}, {Id: "carol"}},
		Unseen: map[string]int32{"alice": 2, "carol": 0},
	}
	c := startClient(t, api)

	c.Refresh()
	v := waitView(t, c, func(v *View) bool { return len(v.Contacts) == 2 })
	assert.Equal(t, int32(2), v.Unseen["alice"])

	c.OnNewMessage(msg("m1", "alice", "me", 1))

	api.Lock()
	api.sidebar = &chat.Sidebar{
		Users:  []*chat.Contact{{Id: "alice"}, {Id: "carol"}, {Id: "dave"}},
		Unseen: map[string]int32{"alice": 7, "carol": 1, "dave": 4},
	}
	api.Unlock()

	c.Refresh()
	v = waitView(t, c, func(v *View) bool { return len(v.Contacts) == 3 })
	assert.Equal(t, int32(3), v.Unseen["alice"])
	assert.Equal(t, int32(0), v.Unseen["carol"])
	assert.Equal(t, int32(4), v.Unseen["dave"])
}

func TestBaselineCoversEarlierPush(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &chat.Sidebar{
		Users:  []*chat.Contact{{Id: "alice"}, {Id: "bob"}},
		Unseen: map[string]int32{"alice": 5, "bob": 1},
	}
	c := startClient(t, api)

	// m5 is the fifth unseen message of alice, the baseline already counts it.
	c.OnNewMessage(msg("m5", "alice", "me", 5))
	c.OnNewMessage(msg("b1", "bob", "me", 6))
	c.OnNewMessage(msg("b2", "bob", "me", 7))

	c.Refresh()
	v := waitView(t, c, func(v *View) bool { return len(v.Contacts) == 2 })
	assert.Equal(t, int32(5), v.Unseen["alice"])
	// the baseline was computed before b2 was sent.
	assert.Equal(t, int32(2), v.Unseen["bob"])

	c.OnNewMessage(msg("m6", "alice", "me", 8))
	c.Refresh()
	v = waitView(t, c, func(v *View) bool { return v.Unseen["alice"] == 6 })
	assert.Equal(t, int32(2), v.Unseen["bob"])
}

func TestOpenedConversationIgnoresBaseline(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &chat.Sidebar{
		Users:  []*chat.Contact{{Id: "alice"}},
		Unseen: map[string]int32{"alice": 3},
	}
	c := startClient(t, api)

	c.Select("alice")
	waitView(t, c, loaded("alice"))
	c.Refresh()
	v := waitView(t, c, func(v *View) bool { return len(v.Contacts) == 1 })
	assert.Equal(t, int32(0), v.Unseen["alice"])
}

func TestOnlineUsersVersion(t *testing.T) {
	api := newFakeAPI()
	api.sidebar = &chat.Sidebar{Users: []*chat.Contact{{Id: "alice"}, {Id: "bob"}}, Unseen: map[string]int32{}}
	c := startClient(t, api)

	c.OnOnlineUsers(&presence.OnlineUsers{Version: 2, UserIds: []string{"alice", "me"}})
	c.OnOnlineUsers(&presence.OnlineUsers{Version: 1, UserIds: []string{"bob"}})

	v := waitView(t, c, func(v *View) bool { return len(v.Contacts) == 2 })
	assert.Equal(t, uint64(2), v.OnlineVersion)
	assert.True(t, v.Online["alice"])
	assert.False(t, v.Online["bob"])
	assert.True(t, v.Contacts[0].Online)
	assert.False(t, v.Contacts[1].Online)

	api.Lock()
	calls := api.sidebarCalls
	api.Unlock()
	assert.Equal(t, 1, calls, "stale snapshot triggers no refresh")
}

func TestOnlineUsersNewEpoch(t *testing.T) {
	api := newFakeAPI()
	c := startClient(t, api)

	c.OnOnlineUsers(&presence.OnlineUsers{Epoch: "e1", Version: 9, UserIds: []string{"alice", "me"}})
	c.OnOnlineUsers(&presence.OnlineUsers{Epoch: "e1", Version: 8, UserIds: []string{"me"}})
	v, err := c.View()
	require.NoError(t, err)
	assert.True(t, v.Online["alice"])

	// the server restarted, its versions start over.
	c.OnOnlineUsers(&presence.OnlineUsers{Epoch: "e2", Version: 1, UserIds: []string{"me"}})
	v, err = c.View()
	require.NoError(t, err)
	assert.False(t, v.Online["alice"])
	assert.True(t, v.Online["me"])
	assert.Equal(t, uint64(1), v.OnlineVersion)

	c.OnOnlineUsers(&presence.OnlineUsers{Epoch: "e2", Version: 2, UserIds: []string{"bob", "me"}})
	v, err = c.View()
	require.NoError(t, err)
	assert.True(t, v.Online["bob"])
}

func TestSend(t *testing.T) {
	api := newFakeAPI()
	c := startClient(t, api)

	c.Send(&chat.SendInput{Text: "nobody"})
	require.Eventually(t, func() bool { return len(c.notified()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.notified()[0], ErrNoConversation)

	c.Select("alice")
	waitView(t, c, loaded("alice"))
	c.Send(&chat.SendInput{Text: "hello"})
	v := waitView(t, c, func(v *View) bool { return len(v.Messages) == 1 })
	assert.Equal(t, "hello", v.Messages[0].Text)
	assert.Equal(t, int32(0), v.Unseen["alice"])
	assert.Empty(t, api.markedIds())

	api.Lock()
	api.sendErr = errors.New("Message text or image is required")
	api.Unlock()
	c.Send(&chat.SendInput{})
	require.Eventually(t, func() bool { return len(c.notified()) == 2 }, time.Second, 5*time.Millisecond)

	v, err := c.View()
	require.NoError(t, err)
	assert.Len(t, v.Messages, 1)
}

func TestViewAfterStop(t *testing.T) {
	c := New(newFakeAPI(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := c.View()
	assert.ErrorIs(t, err, ErrStopped)
}
